package hipaa

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAccessLogger_RecordAccess(t *testing.T) {
	var buf bytes.Buffer
	al := NewAccessLogger(zerolog.New(&buf))
	al.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	al.RecordAccess(AccessEvent{
		DoctorID:  7,
		PatientID: "0b6f1e4a-0000-4000-8000-000000000001",
		DataType:  "SUMMARY",
		Source:    "get_patient_summary",
		Found:     true,
	})

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON log line, got %q: %v", buf.String(), err)
	}
	if line["channel"] != "phi_access" {
		t.Errorf("expected channel phi_access, got %v", line["channel"])
	}
	if line["doctor_id"] != float64(7) {
		t.Errorf("expected doctor_id 7, got %v", line["doctor_id"])
	}
	if line["source"] != "get_patient_summary" {
		t.Errorf("expected source get_patient_summary, got %v", line["source"])
	}
	if line["found"] != true {
		t.Errorf("expected found true, got %v", line["found"])
	}
}
