package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hannamed/ma-api/internal/domain/patient"
	"github.com/hannamed/ma-api/internal/platform/hipaa"
)

// -- Fake Directory --

type fakeDirectory struct {
	patients []*patient.Patient
	raw      map[uuid.UUID]map[patient.DataType]*patient.RawData
	failList bool
}

func (f *fakeDirectory) ListActive(_ context.Context, doctorID int64, emr patient.EMRSystem) ([]*patient.Patient, error) {
	if f.failList {
		return nil, errors.New("db down")
	}
	var out []*patient.Patient
	for _, p := range f.patients {
		if p.DoctorID == doctorID && p.EMRSystem == emr && p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeDirectory) ListActiveForDoctor(_ context.Context, doctorID int64) ([]*patient.Patient, error) {
	var out []*patient.Patient
	for _, p := range f.patients {
		if p.DoctorID == doctorID && p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeDirectory) SearchActiveByToken(_ context.Context, doctorID int64, token string) ([]*patient.Patient, error) {
	var out []*patient.Patient
	for _, p := range f.patients {
		if p.DoctorID == doctorID && p.IsActive && strings.Contains(p.NormalizedName, token) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeDirectory) ResolvePatient(_ context.Context, doctorID int64, emr patient.EMRSystem, rawName string) (*patient.Patient, error) {
	token := patient.SurnameToken(rawName)
	for _, p := range f.patients {
		if p.DoctorID == doctorID && p.EMRSystem == emr && p.IsActive && strings.Contains(p.NormalizedName, token) {
			return p, nil
		}
	}
	return nil, patient.ErrNotFound
}

func (f *fakeDirectory) GetRawData(_ context.Context, patientID uuid.UUID, dataType patient.DataType) (*patient.RawData, error) {
	if d, ok := f.raw[patientID][dataType]; ok {
		return d, nil
	}
	return nil, patient.ErrNotFound
}

type recordingAccess struct {
	mu     sync.Mutex
	events []hipaa.AccessEvent
}

func (r *recordingAccess) RecordAccess(evt hipaa.AccessEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

var (
	seenEarly = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seenLate  = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
)

func newPatient(emr patient.EMRSystem, name string, seen time.Time) *patient.Patient {
	return &patient.Patient{
		ID:             uuid.New(),
		DoctorID:       1,
		EMRSystem:      emr,
		Name:           name,
		NormalizedName: patient.NormalizeName(name),
		Location:       "4W-12",
		Reason:         "CHF",
		AdmittedDate:   "03/01/2026",
		IsActive:       true,
		LastSeenAt:     seen,
		UpdatedAt:      seen,
	}
}

func newTestRegistry() (*Registry, *fakeDirectory, *recordingAccess) {
	garcia := newPatient(patient.EMRJackson, "GARCIA, JOSE", seenEarly)
	smith := newPatient(patient.EMRJackson, "SMITH, ANN", seenLate)
	baptist := newPatient(patient.EMRBaptist, "GARCIA, MARIA", seenEarly)
	baptist.Facility = "South Campus"
	discharged := newPatient(patient.EMRJackson, "LEE, KIM", seenEarly)
	discharged.IsActive = false

	dir := &fakeDirectory{
		patients: []*patient.Patient{garcia, smith, baptist, discharged},
		raw: map[uuid.UUID]map[patient.DataType]*patient.RawData{
			garcia.ID: {
				patient.DataSummary: {PatientID: garcia.ID, DataType: patient.DataSummary, Content: "Dx: CHF\nPlan: diuresis", ExtractedAt: seenLate},
			},
		},
	}
	access := &recordingAccess{}
	return NewDefaultRegistry(dir, access, time.UTC), dir, access
}

var testDoctor = DoctorContext{DoctorID: 1, Name: "Dr. Rivera", Hospitals: []patient.EMRSystem{patient.EMRJackson, patient.EMRSteward}}

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("tool output is not a JSON object: %v\n%s", err, raw)
	}
	return out
}

func decodeArray(t *testing.T, raw string) []map[string]any {
	t.Helper()
	var out []map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("tool output is not a JSON array: %v\n%s", err, raw)
	}
	return out
}

// -- Registry Tests --

func TestRegistry_Definitions(t *testing.T) {
	reg, _, _ := newTestRegistry()
	defs := reg.Definitions()

	want := []string{
		"resolve_patient_context", "get_patient_list", "get_batch_patient_lists",
		"get_patient_summary", "get_batch_patient_summaries",
		"get_patient_insurance", "get_batch_patient_insurance",
	}
	if len(defs) != len(want) {
		t.Fatalf("expected %d tools, got %d", len(want), len(defs))
	}
	for i, name := range want {
		if defs[i].Type != "function" || defs[i].Function.Name != name {
			t.Errorf("tool %d: expected function %s, got %s %s", i, name, defs[i].Type, defs[i].Function.Name)
		}
		if defs[i].Function.Description == "" {
			t.Errorf("tool %s has no description", name)
		}
	}
}

func TestRegistry_UnknownToolAndBadArgs(t *testing.T) {
	reg, _, _ := newTestRegistry()
	ctx := context.Background()

	out := decode(t, reg.Call(ctx, testDoctor, "drop_tables", "{}"))
	if out["error"] != true {
		t.Errorf("expected error payload for unknown tool, got %v", out)
	}
	out = decode(t, reg.Call(ctx, testDoctor, "get_patient_list", "{not json"))
	if out["error"] != true {
		t.Errorf("expected error payload for malformed args, got %v", out)
	}
	out = decode(t, reg.Call(ctx, testDoctor, "get_patient_list", `{"hospital":"MERCY"}`))
	if out["error"] != true {
		t.Errorf("expected error payload for unknown hospital, got %v", out)
	}
}

func TestDescribe(t *testing.T) {
	if Describe("get_patient_list") == defaultDescription {
		t.Error("expected a specific description for get_patient_list")
	}
	if Describe("something_new") != defaultDescription {
		t.Error("expected generic description for unknown tool")
	}
}

// -- List Tests --

func TestPatientList(t *testing.T) {
	reg, _, access := newTestRegistry()
	out := decode(t, reg.Call(context.Background(), testDoctor, "get_patient_list", `{"hospital":"jackson"}`))

	if out["hospital"] != "JACKSON" || out["count"] != float64(2) {
		t.Fatalf("unexpected list header: %v", out)
	}
	if out["lastUpdated"] != "Mar 2, 2026 9:30 AM UTC" {
		t.Errorf("expected lastUpdated from newest patient, got %v", out["lastUpdated"])
	}
	patients := out["patients"].([]any)
	first := patients[0].(map[string]any)
	if _, ok := first["facility"]; ok {
		t.Error("expected facility to be omitted when empty")
	}
	if len(access.events) != 1 || access.events[0].Source != "get_patient_list" {
		t.Errorf("expected list read to be recorded, got %+v", access.events)
	}
}

func TestPatientList_FacilityPresent(t *testing.T) {
	reg, _, _ := newTestRegistry()
	out := decode(t, reg.Call(context.Background(), testDoctor, "get_patient_list", `{"hospital":"BAPTIST"}`))
	first := out["patients"].([]any)[0].(map[string]any)
	if first["facility"] != "South Campus" {
		t.Errorf("expected facility, got %v", first["facility"])
	}
}

func TestPatientList_Empty(t *testing.T) {
	reg, _, _ := newTestRegistry()
	out := decode(t, reg.Call(context.Background(), testDoctor, "get_patient_list", `{"hospital":"STEWARD"}`))
	if out["count"] != float64(0) || out["message"] == nil {
		t.Fatalf("expected empty result with message, got %v", out)
	}
	if patients, ok := out["patients"].([]any); !ok || len(patients) != 0 {
		t.Errorf("expected empty patients array, got %v", out["patients"])
	}
}

func TestPatientList_RepositoryFailure(t *testing.T) {
	reg, dir, _ := newTestRegistry()
	dir.failList = true
	out := decode(t, reg.Call(context.Background(), testDoctor, "get_patient_list", `{"hospital":"JACKSON"}`))
	if out["error"] != true {
		t.Errorf("expected error payload, got %v", out)
	}
}

func TestBatchPatientLists_PreservesOrder(t *testing.T) {
	reg, _, _ := newTestRegistry()
	out := decodeArray(t, reg.Call(context.Background(), testDoctor, "get_batch_patient_lists", `{"hospitals":["JACKSON","STEWARD"]}`))

	if len(out) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out))
	}
	if out[0]["hospital"] != "JACKSON" || out[0]["count"] != float64(2) {
		t.Errorf("expected JACKSON with 2 patients first, got %v", out[0])
	}
	if out[1]["hospital"] != "STEWARD" || out[1]["count"] != float64(0) || out[1]["message"] == nil {
		t.Errorf("expected empty STEWARD result second, got %v", out[1])
	}
}

func TestBatchPatientLists_DefaultsToDoctorHospitals(t *testing.T) {
	reg, _, _ := newTestRegistry()
	out := decodeArray(t, reg.Call(context.Background(), testDoctor, "get_batch_patient_lists", `{"hospitals":[]}`))
	if len(out) != 2 || out[0]["hospital"] != "JACKSON" || out[1]["hospital"] != "STEWARD" {
		t.Fatalf("expected the doctor's two hospitals, got %v", out)
	}
}

func TestBatchPatientLists_BadSlotDoesNotAbort(t *testing.T) {
	reg, _, _ := newTestRegistry()
	out := decodeArray(t, reg.Call(context.Background(), testDoctor, "get_batch_patient_lists", `{"hospitals":["MERCY","JACKSON"]}`))
	if out[0]["error"] != true {
		t.Errorf("expected error slot for unknown hospital, got %v", out[0])
	}
	if out[1]["count"] != float64(2) {
		t.Errorf("expected JACKSON slot to succeed, got %v", out[1])
	}
}

// -- Summary / Insurance Tests --

func TestPatientSummary_Found(t *testing.T) {
	reg, _, access := newTestRegistry()
	out := decode(t, reg.Call(context.Background(), testDoctor, "get_patient_summary", `{"hospital":"JACKSON","patientName":"Jose Garcia"}`))

	if out["patientName"] != "GARCIA, JOSE" || out["dataType"] != "SUMMARY" {
		t.Fatalf("unexpected summary payload: %v", out)
	}
	if out["content"] != "Dx: CHF\nPlan: diuresis" {
		t.Errorf("expected verbatim content, got %q", out["content"])
	}
	if out["extractedAt"] != "Mar 2, 2026 9:30 AM UTC" {
		t.Errorf("unexpected extractedAt %v", out["extractedAt"])
	}
	if len(access.events) != 1 || !access.events[0].Found {
		t.Errorf("expected a found access event, got %+v", access.events)
	}
}

func TestPatientInsurance_NoData(t *testing.T) {
	reg, _, _ := newTestRegistry()
	out := decode(t, reg.Call(context.Background(), testDoctor, "get_patient_insurance", `{"hospital":"JACKSON","patientName":"Garcia"}`))
	if out["error"] != true || out["found"] != true || out["hasData"] != false {
		t.Fatalf("expected found-without-data error payload, got %v", out)
	}
	if out["message"] == "" {
		t.Error("expected a doctor-facing message")
	}
	if out["patientName"] != "GARCIA, JOSE" || out["hospital"] != "JACKSON" {
		t.Errorf("unexpected identity fields: %v", out)
	}
}

func TestPatientSummary_Unresolved(t *testing.T) {
	reg, _, _ := newTestRegistry()
	for _, args := range []string{
		`{"hospital":"JACKSON","patientName":"Nobody"}`,
		`{"hospital":"JACKSON","patientName":"Lee"}`,
		`{"hospital":"JACKSON","patientName":"  "}`,
	} {
		out := decode(t, reg.Call(context.Background(), testDoctor, "get_patient_summary", args))
		if out["error"] != true || out["message"] == "" {
			t.Errorf("%s: expected error payload, got %v", args, out)
		}
	}
}

func TestBatchSummaries_PreservesOrder(t *testing.T) {
	reg, _, _ := newTestRegistry()
	out := decodeArray(t, reg.Call(context.Background(), testDoctor, "get_batch_patient_summaries",
		`{"hospital":"JACKSON","patientNames":["Smith","Nobody","Garcia"]}`))

	if len(out) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out))
	}
	if out[0]["error"] != true || out[0]["found"] != true || out[0]["hasData"] != false || out[0]["patientName"] != "SMITH, ANN" {
		t.Errorf("slot 0: expected Smith without data, got %v", out[0])
	}
	if out[1]["error"] != true {
		t.Errorf("slot 1: expected error, got %v", out[1])
	}
	if out[2]["content"] == nil {
		t.Errorf("slot 2: expected Garcia summary, got %v", out[2])
	}
}

func TestBatchInsurance_RequiresNames(t *testing.T) {
	reg, _, _ := newTestRegistry()
	out := decode(t, reg.Call(context.Background(), testDoctor, "get_batch_patient_insurance", `{"hospital":"JACKSON","patientNames":[]}`))
	if out["error"] != true {
		t.Errorf("expected error payload, got %v", out)
	}
}

// -- Context Resolver Tests --

func TestResolveContext_Discovery(t *testing.T) {
	reg, _, _ := newTestRegistry()
	for _, args := range []string{`{"patientNames":["all"]}`, `{"patientNames":[]}`, `{}`} {
		out := decode(t, reg.Call(context.Background(), testDoctor, "resolve_patient_context", args))
		if out["mode"] != "discovery" || out["total"] != float64(3) {
			t.Fatalf("%s: unexpected discovery payload %v", args, out)
		}
		hospitals := out["hospitals"].([]any)
		if len(hospitals) != 2 {
			t.Fatalf("expected 2 hospital groups, got %d", len(hospitals))
		}
		first := hospitals[0].(map[string]any)
		if first["hospital"] != "BAPTIST" {
			t.Errorf("expected groups sorted by hospital, got %v first", first["hospital"])
		}
		jackson := hospitals[1].(map[string]any)["patients"].([]any)
		if jackson[0] != "GARCIA, JOSE" || jackson[1] != "SMITH, ANN" {
			t.Errorf("expected patients sorted by name, got %v", jackson)
		}
	}
}

func TestResolveContext_Lookup(t *testing.T) {
	reg, _, _ := newTestRegistry()
	out := decode(t, reg.Call(context.Background(), testDoctor, "resolve_patient_context",
		`{"patientNames":["Garcia, Jose","garcia"]}`))

	if out["mode"] != "lookup" {
		t.Fatalf("expected lookup mode, got %v", out)
	}
	matches := out["matches"].([]any)
	if len(matches) != 2 {
		t.Fatalf("expected matches at 2 hospitals, got %v", matches)
	}
	for _, m := range matches {
		group := m.(map[string]any)
		if len(group["patients"].([]any)) != 1 {
			t.Errorf("expected deduplicated names in %v", group)
		}
	}
}

func TestResolveContext_NoMatches(t *testing.T) {
	reg, _, _ := newTestRegistry()
	out := decode(t, reg.Call(context.Background(), testDoctor, "resolve_patient_context", `{"patientNames":["Nobody Here"]}`))
	if out["error"] != true {
		t.Fatalf("expected error payload, got %v", out)
	}
	searched := out["searchedNames"].([]any)
	if len(searched) != 1 || searched[0] != "Nobody Here" {
		t.Errorf("expected searched names echoed back, got %v", searched)
	}
}
