// Package tools implements the read-only patient directory functions the
// router agent can call. Every tool returns JSON text; data conditions such
// as an unknown patient are reported inside the payload, never as errors.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"

	"github.com/hannamed/ma-api/internal/domain/patient"
	"github.com/hannamed/ma-api/internal/platform/hipaa"
)

// DoctorContext identifies the doctor a tool call runs on behalf of.
type DoctorContext struct {
	DoctorID  int64
	Name      string
	Specialty string
	Hospitals []patient.EMRSystem
}

// Tool is one function exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Call(ctx context.Context, dc DoctorContext, args json.RawMessage) string
}

// Directory is the subset of the patient service the tools read from.
type Directory interface {
	ListActive(ctx context.Context, doctorID int64, emr patient.EMRSystem) ([]*patient.Patient, error)
	ListActiveForDoctor(ctx context.Context, doctorID int64) ([]*patient.Patient, error)
	SearchActiveByToken(ctx context.Context, doctorID int64, token string) ([]*patient.Patient, error)
	ResolvePatient(ctx context.Context, doctorID int64, emr patient.EMRSystem, rawName string) (*patient.Patient, error)
	GetRawData(ctx context.Context, patientID uuid.UUID, dataType patient.DataType) (*patient.RawData, error)
}

// Registry holds the tools bound to a model call, in declaration order.
type Registry struct {
	tools  []Tool
	byName map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools = append(r.tools, t)
		r.byName[t.Name()] = t
	}
	return r
}

// NewDefaultRegistry wires every patient directory tool.
func NewDefaultRegistry(dir Directory, access hipaa.AccessRecorder, loc *time.Location) *Registry {
	if access == nil {
		access = hipaa.NopAccessRecorder{}
	}
	if loc == nil {
		loc = time.UTC
	}
	base := toolBase{dir: dir, access: access, loc: loc}

	return NewRegistry(
		&resolveContextTool{base},
		&patientListTool{base},
		&batchPatientListTool{base},
		&recordTool{toolBase: base, dataType: patient.DataSummary},
		&batchRecordTool{toolBase: base, dataType: patient.DataSummary},
		&recordTool{toolBase: base, dataType: patient.DataInsurance},
		&batchRecordTool{toolBase: base, dataType: patient.DataInsurance},
	)
}

// Definitions returns the function declarations handed to the model.
func (r *Registry) Definitions() []llms.Tool {
	defs := make([]llms.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Call runs the named tool with the model-supplied JSON arguments.
func (r *Registry) Call(ctx context.Context, dc DoctorContext, name, args string) string {
	t, ok := r.byName[name]
	if !ok {
		return errorPayload("Unknown tool " + name + ".")
	}
	if args == "" {
		args = "{}"
	}
	return t.Call(ctx, dc, json.RawMessage(args))
}

// Names lists registered tool names in declaration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.Name()
	}
	return names
}

type toolBase struct {
	dir    Directory
	access hipaa.AccessRecorder
	loc    *time.Location
}

const displayLayout = "Jan 2, 2006 3:04 PM MST"

func (b toolBase) display(t time.Time) string {
	return t.In(b.loc).Format(displayLayout)
}

func hospitalEnum() []string {
	out := make([]string, len(patient.EMRSystems))
	for i, s := range patient.EMRSystems {
		out[i] = string(s)
	}
	return out
}

func toJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return errorPayload("Failed to encode tool result.")
	}
	return string(data)
}

func errorPayload(message string) string {
	data, _ := json.Marshal(map[string]any{"error": true, "message": message})
	return string(data)
}

// joinArray concatenates JSON payloads into a JSON array, preserving order.
func joinArray(items []string) string {
	buf := make([]byte, 0, 2+len(items)*64)
	buf = append(buf, '[')
	for i, item := range items {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, item...)
	}
	buf = append(buf, ']')
	return string(buf)
}

// describe maps tool names to the status line shown while a tool runs.
var describe = map[string]string{
	"resolve_patient_context":     "Locating patients across your hospitals...",
	"get_patient_list":            "Retrieving patient list...",
	"get_batch_patient_lists":     "Retrieving patient lists from your hospitals...",
	"get_patient_summary":         "Retrieving clinical summary...",
	"get_batch_patient_summaries": "Retrieving clinical summaries...",
	"get_patient_insurance":       "Retrieving insurance information...",
	"get_batch_patient_insurance": "Retrieving insurance information for multiple patients...",
}

const defaultDescription = "Processing your request..."

// Describe returns the user-facing status line for a tool.
func Describe(name string) string {
	if d, ok := describe[name]; ok {
		return d
	}
	return defaultDescription
}
