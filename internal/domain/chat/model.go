package chat

import (
	"errors"
	"time"
)

var (
	ErrSessionNotFound    = errors.New("chat session not found")
	ErrMessageNotFound    = errors.New("message not found")
	ErrNoAssistantMessage = errors.New("no assistant message to regenerate")
	ErrNoUserMessage      = errors.New("no user message found")
	ErrTurnInFlight       = errors.New("a response is already being generated")
	ErrEmptyContent       = errors.New("message content is required")
)

type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// MessageType is a rendering hint for clients.
type MessageType string

const (
	TypeText                  MessageType = "TEXT"
	TypePatientList           MessageType = "PATIENT_LIST"
	TypePatientSummary        MessageType = "PATIENT_SUMMARY"
	TypeBatchPatientSummary   MessageType = "BATCH_PATIENT_SUMMARY"
	TypePatientInsurance      MessageType = "PATIENT_INSURANCE"
	TypeBatchPatientInsurance MessageType = "BATCH_PATIENT_INSURANCE"
	TypeError                 MessageType = "ERROR"
)

// Session is the single conversation a doctor has with the assistant.
type Session struct {
	ID        int64     `json:"id"`
	DoctorID  int64     `json:"doctorId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message ids are monotonic and double as pagination cursors.
type Message struct {
	ID        int64       `json:"id"`
	SessionID int64       `json:"sessionId"`
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
}

// SessionPage is one page of history, oldest first.
type SessionPage struct {
	SessionID  int64      `json:"sessionId"`
	Messages   []*Message `json:"messages"`
	NextCursor *int64     `json:"nextCursor,omitempty"`
}
