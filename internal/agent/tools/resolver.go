package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hannamed/ma-api/internal/domain/patient"
)

// AllPatients is the sentinel patientNames value that requests discovery mode.
const AllPatients = "ALL"

type hospitalGroup struct {
	Hospital string   `json:"hospital"`
	Patients []string `json:"patients"`
}

// resolveContextTool tells the model which hospital each patient is at,
// or lists every active patient when asked for all of them.
type resolveContextTool struct{ toolBase }

func (t *resolveContextTool) Name() string { return "resolve_patient_context" }

func (t *resolveContextTool) Description() string {
	return `Find which hospital(s) patients are admitted at. Pass patient names to look them up, or ["ALL"] to list every active patient grouped by hospital. Call this before other tools whenever the hospital is not stated.`
}

func (t *resolveContextTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"patientNames": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": `Patient names, or ["ALL"] for every active patient.`,
			},
		},
		"required": []string{"patientNames"},
	}
}

func (t *resolveContextTool) Call(ctx context.Context, dc DoctorContext, args json.RawMessage) string {
	var in struct {
		PatientNames []string `json:"patientNames"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorPayload("Invalid arguments for resolve_patient_context.")
	}

	names := make([]string, 0, len(in.PatientNames))
	for _, n := range in.PatientNames {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}

	if len(names) == 0 || (len(names) == 1 && strings.EqualFold(names[0], AllPatients)) {
		return t.discover(ctx, dc)
	}
	return t.lookup(ctx, dc, names)
}

func (t *resolveContextTool) discover(ctx context.Context, dc DoctorContext) string {
	patients, err := t.dir.ListActiveForDoctor(ctx, dc.DoctorID)
	if err != nil {
		return errorPayload("Could not load your patients.")
	}

	groups := group(patients)
	return toJSON(map[string]any{
		"mode":      "discovery",
		"hospitals": groups,
		"total":     len(patients),
	})
}

func (t *resolveContextTool) lookup(ctx context.Context, dc DoctorContext, names []string) string {
	var matched []*patient.Patient
	for _, name := range names {
		token := patient.SurnameToken(name)
		if token == "" {
			continue
		}
		found, err := t.dir.SearchActiveByToken(ctx, dc.DoctorID, token)
		if err != nil {
			return errorPayload(fmt.Sprintf("Could not search for %q.", name))
		}
		matched = append(matched, found...)
	}

	if len(matched) == 0 {
		return toJSON(map[string]any{
			"error":         true,
			"message":       "No active patients matched the names provided.",
			"searchedNames": names,
		})
	}

	return toJSON(map[string]any{
		"mode":    "lookup",
		"matches": group(matched),
	})
}

// group buckets patients by hospital, dropping duplicate display names
// within a hospital, sorted by hospital then name.
func group(patients []*patient.Patient) []hospitalGroup {
	byHospital := make(map[patient.EMRSystem][]string)
	seen := make(map[patient.EMRSystem]map[string]bool)
	for _, p := range patients {
		if seen[p.EMRSystem] == nil {
			seen[p.EMRSystem] = make(map[string]bool)
		}
		if seen[p.EMRSystem][p.Name] {
			continue
		}
		seen[p.EMRSystem][p.Name] = true
		byHospital[p.EMRSystem] = append(byHospital[p.EMRSystem], p.Name)
	}

	groups := make([]hospitalGroup, 0, len(byHospital))
	for emr, names := range byHospital {
		sort.Strings(names)
		groups = append(groups, hospitalGroup{Hospital: string(emr), Patients: names})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Hospital < groups[j].Hospital })
	return groups
}
