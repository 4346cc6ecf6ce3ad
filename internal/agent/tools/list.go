package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hannamed/ma-api/internal/domain/patient"
	"github.com/hannamed/ma-api/internal/platform/hipaa"
)

type listEntry struct {
	Name         string `json:"name"`
	Location     string `json:"location"`
	Reason       string `json:"reason"`
	AdmittedDate string `json:"admittedDate"`
	Facility     string `json:"facility,omitempty"`
}

type listResult struct {
	Hospital    string      `json:"hospital"`
	Count       int         `json:"count"`
	LastUpdated string      `json:"lastUpdated,omitempty"`
	Patients    []listEntry `json:"patients"`
	Message     string      `json:"message,omitempty"`
}

func (b toolBase) patientList(ctx context.Context, dc DoctorContext, emr patient.EMRSystem) string {
	patients, err := b.dir.ListActive(ctx, dc.DoctorID, emr)
	if err != nil {
		return errorPayload(fmt.Sprintf("Could not load the %s patient list.", emr))
	}

	b.access.RecordAccess(hipaa.AccessEvent{
		DoctorID: dc.DoctorID,
		DataType: "CENSUS:" + string(emr),
		Source:   "get_patient_list",
		Found:    len(patients) > 0,
	})

	if len(patients) == 0 {
		return toJSON(listResult{
			Hospital: string(emr),
			Count:    0,
			Patients: []listEntry{},
			Message:  fmt.Sprintf("No active patients found at %s.", emr),
		})
	}

	var latest time.Time
	entries := make([]listEntry, 0, len(patients))
	for _, p := range patients {
		if lu := p.LastUpdated(); lu.After(latest) {
			latest = lu
		}
		entries = append(entries, listEntry{
			Name:         p.Name,
			Location:     p.Location,
			Reason:       p.Reason,
			AdmittedDate: p.AdmittedDate,
			Facility:     p.Facility,
		})
	}

	return toJSON(listResult{
		Hospital:    string(emr),
		Count:       len(entries),
		LastUpdated: b.display(latest),
		Patients:    entries,
	})
}

type patientListTool struct{ toolBase }

func (t *patientListTool) Name() string { return "get_patient_list" }

func (t *patientListTool) Description() string {
	return "Get the current list of active (admitted) patients for the doctor at one hospital."
}

func (t *patientListTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"hospital": map[string]any{
				"type":        "string",
				"enum":        hospitalEnum(),
				"description": "Hospital EMR system.",
			},
		},
		"required": []string{"hospital"},
	}
}

func (t *patientListTool) Call(ctx context.Context, dc DoctorContext, args json.RawMessage) string {
	var in struct {
		Hospital string `json:"hospital"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorPayload("Invalid arguments for get_patient_list.")
	}
	emr, err := patient.ParseEMRSystem(in.Hospital)
	if err != nil {
		return errorPayload(fmt.Sprintf("Unknown hospital %q.", in.Hospital))
	}
	return t.patientList(ctx, dc, emr)
}

type batchPatientListTool struct{ toolBase }

func (t *batchPatientListTool) Name() string { return "get_batch_patient_lists" }

func (t *batchPatientListTool) Description() string {
	return "Get active patient lists for several hospitals at once. An empty hospitals array means every hospital linked to the doctor."
}

func (t *batchPatientListTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"hospitals": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "enum": hospitalEnum()},
			},
		},
	}
}

func (t *batchPatientListTool) Call(ctx context.Context, dc DoctorContext, args json.RawMessage) string {
	var in struct {
		Hospitals []string `json:"hospitals"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorPayload("Invalid arguments for get_batch_patient_lists.")
	}

	targets := in.Hospitals
	if len(targets) == 0 {
		systems := dc.Hospitals
		if len(systems) == 0 {
			systems = patient.EMRSystems
		}
		for _, s := range systems {
			targets = append(targets, string(s))
		}
	}

	results := make([]string, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, h := range targets {
		i, h := i, h
		g.Go(func() error {
			emr, err := patient.ParseEMRSystem(h)
			if err != nil {
				results[i] = errorPayload(fmt.Sprintf("Unknown hospital %q.", h))
				return nil
			}
			results[i] = t.patientList(gctx, dc, emr)
			return nil
		})
	}
	_ = g.Wait()

	return joinArray(results)
}
