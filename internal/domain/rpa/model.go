package rpa

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNodeNotFound    = errors.New("rpa node not found")
	ErrNodeUnassigned  = errors.New("rpa node is not assigned to a doctor")
	ErrUnknownDataType = errors.New("unknown ingest data type")
	ErrInvalidPayload  = errors.New("invalid ingest payload")
)

const (
	StatusOnline = "ONLINE"
	StatusError  = "ERROR"
)

// Ingest data types sent by nodes.
const (
	DataPatientList      = "patient_list"
	DataPatientSummary   = "patient_summary"
	DataPatientInsurance = "patient_insurance"
)

// Node is a desktop automation agent that extracts EMR data for the doctor
// it is assigned to. Assignment is done by an administrator.
type Node struct {
	UUID            string     `json:"uuid"`
	Hostname        string     `json:"hostname"`
	DoctorID        *int64     `json:"doctorId,omitempty"`
	Status          string     `json:"status"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

type ErrorReport struct {
	ID            uuid.UUID `json:"id"`
	NodeUUID      string    `json:"uuid"`
	HospitalType  string    `json:"hospitalType,omitempty"`
	Error         string    `json:"error"`
	ScreenshotURL string    `json:"screenshotUrl,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Registration struct {
	UUID       string `json:"uuid"`
	DoctorID   *int64 `json:"doctorId"`
	DoctorName string `json:"doctorName,omitempty"`
}

type HospitalConfig struct {
	Type string `json:"type"`
}

// NodeConfig is what a node polls to learn its assignment.
type NodeConfig struct {
	UUID            string           `json:"uuid"`
	DoctorID        *int64           `json:"doctorId"`
	DoctorName      string           `json:"doctorName,omitempty"`
	DoctorSpecialty string           `json:"doctorSpecialty,omitempty"`
	Hospitals       []HospitalConfig `json:"hospitals"`
}

type IngestRequest struct {
	UUID         string          `json:"uuid"`
	DataType     string          `json:"dataType"`
	HospitalType string          `json:"hospitalType"`
	Payload      json.RawMessage `json:"payload"`
}

// RawIngestResult reports a summary or insurance ingestion.
type RawIngestResult struct {
	Stored  int      `json:"stored"`
	Skipped []string `json:"skipped"`
}

type rawItem struct {
	PatientName string `json:"patientName"`
	Found       *bool  `json:"found,omitempty"`
	RawText     string `json:"rawText"`
	ExtractedAt string `json:"extractedAt,omitempty"`
}

// rawPayload accepts both the single-patient and the batch shape.
type rawPayload struct {
	rawItem
	Patients   []rawItem `json:"patients"`
	FoundCount int       `json:"found_count"`
}

func (p rawPayload) items() []rawItem {
	if p.Patients != nil {
		return p.Patients
	}
	if p.PatientName == "" && p.RawText == "" {
		return nil
	}
	return []rawItem{p.rawItem}
}

func (it rawItem) found() bool {
	if it.Found != nil && !*it.Found {
		return false
	}
	return it.RawText != ""
}

var extractedLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}

// extractedAt parses the node timestamp; naive timestamps are UTC. Zero
// means "use now".
func (it rawItem) extractedAt() time.Time {
	for _, layout := range extractedLayouts {
		if t, err := time.Parse(layout, it.ExtractedAt); err == nil {
			return t
		}
	}
	return time.Time{}
}
