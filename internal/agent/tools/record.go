package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hannamed/ma-api/internal/domain/patient"
	"github.com/hannamed/ma-api/internal/platform/hipaa"
)

type recordResult struct {
	PatientName string `json:"patientName"`
	Hospital    string `json:"hospital"`
	DataType    string `json:"dataType"`
	ExtractedAt string `json:"extractedAt"`
	Content     string `json:"content"`
}

// noDataResult reports a resolved patient without an extraction. It is an
// error payload; found and hasData tell it apart from an unresolved name.
type noDataResult struct {
	Error       bool   `json:"error"`
	Found       bool   `json:"found"`
	HasData     bool   `json:"hasData"`
	PatientName string `json:"patientName"`
	Hospital    string `json:"hospital"`
	Message     string `json:"message"`
}

func dataLabel(dt patient.DataType) string {
	if dt == patient.DataInsurance {
		return "insurance information"
	}
	return "clinical summary"
}

// record resolves a patient by name and returns its raw extraction verbatim.
func (b toolBase) record(ctx context.Context, dc DoctorContext, emr patient.EMRSystem, name string, dt patient.DataType, source string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return errorPayload("A patient name is required.")
	}

	p, err := b.dir.ResolvePatient(ctx, dc.DoctorID, emr, name)
	if errors.Is(err, patient.ErrNotFound) {
		return errorPayload(fmt.Sprintf("Patient %q was not found among your active patients at %s.", name, emr))
	}
	if err != nil {
		return errorPayload(fmt.Sprintf("Could not look up patient %q.", name))
	}

	raw, err := b.dir.GetRawData(ctx, p.ID, dt)
	if errors.Is(err, patient.ErrNotFound) {
		b.access.RecordAccess(hipaa.AccessEvent{
			DoctorID: dc.DoctorID, PatientID: p.ID.String(), DataType: string(dt), Source: source, Found: false,
		})
		return toJSON(noDataResult{
			Error:       true,
			Found:       true,
			HasData:     false,
			PatientName: p.Name,
			Hospital:    string(emr),
			Message:     fmt.Sprintf("%s is on your %s list but no %s has been extracted yet.", p.Name, emr, dataLabel(dt)),
		})
	}
	if err != nil {
		return errorPayload(fmt.Sprintf("Could not load the %s for %s.", dataLabel(dt), p.Name))
	}

	b.access.RecordAccess(hipaa.AccessEvent{
		DoctorID: dc.DoctorID, PatientID: p.ID.String(), DataType: string(dt), Source: source, Found: true,
	})

	return toJSON(recordResult{
		PatientName: p.Name,
		Hospital:    string(emr),
		DataType:    string(dt),
		ExtractedAt: b.display(raw.ExtractedAt),
		Content:     raw.Content,
	})
}

func recordParameters(batch bool) map[string]any {
	props := map[string]any{
		"hospital": map[string]any{
			"type":        "string",
			"enum":        hospitalEnum(),
			"description": "Hospital EMR system the patient is admitted at.",
		},
	}
	required := []string{"hospital"}
	if batch {
		props["patientNames"] = map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Patient names as written by the doctor.",
		}
		required = append(required, "patientNames")
	} else {
		props["patientName"] = map[string]any{
			"type":        "string",
			"description": "Patient name as written by the doctor.",
		}
		required = append(required, "patientName")
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

// recordTool serves get_patient_summary and get_patient_insurance.
type recordTool struct {
	toolBase
	dataType patient.DataType
}

func (t *recordTool) Name() string {
	if t.dataType == patient.DataInsurance {
		return "get_patient_insurance"
	}
	return "get_patient_summary"
}

func (t *recordTool) Description() string {
	return fmt.Sprintf("Get the latest %s extracted from the EMR for one patient.", dataLabel(t.dataType))
}

func (t *recordTool) Parameters() map[string]any { return recordParameters(false) }

func (t *recordTool) Call(ctx context.Context, dc DoctorContext, args json.RawMessage) string {
	var in struct {
		Hospital    string `json:"hospital"`
		PatientName string `json:"patientName"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorPayload("Invalid arguments for " + t.Name() + ".")
	}
	emr, err := patient.ParseEMRSystem(in.Hospital)
	if err != nil {
		return errorPayload(fmt.Sprintf("Unknown hospital %q.", in.Hospital))
	}
	return t.record(ctx, dc, emr, in.PatientName, t.dataType, t.Name())
}

// batchRecordTool serves get_batch_patient_summaries and get_batch_patient_insurance.
type batchRecordTool struct {
	toolBase
	dataType patient.DataType
}

func (t *batchRecordTool) Name() string {
	if t.dataType == patient.DataInsurance {
		return "get_batch_patient_insurance"
	}
	return "get_batch_patient_summaries"
}

func (t *batchRecordTool) Description() string {
	return fmt.Sprintf("Get the latest %s for several patients at the same hospital.", dataLabel(t.dataType))
}

func (t *batchRecordTool) Parameters() map[string]any { return recordParameters(true) }

func (t *batchRecordTool) Call(ctx context.Context, dc DoctorContext, args json.RawMessage) string {
	var in struct {
		Hospital     string   `json:"hospital"`
		PatientNames []string `json:"patientNames"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorPayload("Invalid arguments for " + t.Name() + ".")
	}
	emr, err := patient.ParseEMRSystem(in.Hospital)
	if err != nil {
		return errorPayload(fmt.Sprintf("Unknown hospital %q.", in.Hospital))
	}
	if len(in.PatientNames) == 0 {
		return errorPayload("At least one patient name is required.")
	}

	results := make([]string, len(in.PatientNames))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, name := range in.PatientNames {
		i, name := i, name
		g.Go(func() error {
			results[i] = t.record(gctx, dc, emr, name, t.dataType, t.Name())
			return nil
		})
	}
	_ = g.Wait()

	return joinArray(results)
}
