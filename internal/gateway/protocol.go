// Package gateway speaks the real-time chat protocol: it authenticates
// WebSocket handshakes, dispatches inbound events to the chat service and
// streams turn progress back to every connection of the doctor.
package gateway

import (
	"encoding/json"
	"fmt"
)

// Inbound events.
const (
	EventSendMessage       = "send_message"
	EventRegenerateMessage = "regenerate_message"
	EventEditLastMessage   = "edit_last_message"
)

// Outbound events.
const (
	EventThinking         = "ai_thinking"
	EventToolCall         = "ai_tool_call"
	EventStreaming        = "ai_streaming"
	EventResponseComplete = "ai_response_complete"
	EventError            = "error"
)

const (
	ErrorMessage = "Sorry, something went wrong while processing your request. Please try again."
	BusyMessage  = "Please wait for the current response to finish before sending another message."
)

// Envelope is the frame shape in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type contentData struct {
	Content string `json:"content"`
}

type thinkingData struct {
	Status bool `json:"status"`
}

type toolCallData struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
}

type streamingData struct {
	Chunk string `json:"chunk"`
}

type completeData struct {
	Message any `json:"message"`
}

type errorData struct {
	Message string `json:"message"`
}

func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// RoomFor names the room every connection of a doctor joins.
func RoomFor(doctorID int64) string {
	return fmt.Sprintf("doctor:%d", doctorID)
}
