package patient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hannamed/ma-api/internal/platform/hipaa"
)

// -- Mock Repositories --

type mockPatientRepo struct {
	store map[string]*Patient
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{store: make(map[string]*Patient)}
}

func patientKey(doctorID int64, emr EMRSystem, normalized string) string {
	return fmt.Sprintf("%d|%s|%s", doctorID, emr, normalized)
}

func (m *mockPatientRepo) Upsert(_ context.Context, p *Patient) error {
	key := patientKey(p.DoctorID, p.EMRSystem, p.NormalizedName)
	if existing, ok := m.store[key]; ok {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	} else {
		p.ID = uuid.New()
		p.CreatedAt = p.LastSeenAt
	}
	p.IsActive = true
	p.UpdatedAt = p.LastSeenAt
	cp := *p
	m.store[key] = &cp
	return nil
}

func (m *mockPatientRepo) DeactivateMissing(_ context.Context, doctorID int64, emr EMRSystem, keep []string) (int, error) {
	keepSet := make(map[string]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}
	n := 0
	for _, p := range m.store {
		if p.DoctorID == doctorID && p.EMRSystem == emr && p.IsActive && !keepSet[p.NormalizedName] {
			p.IsActive = false
			n++
		}
	}
	return n, nil
}

func (m *mockPatientRepo) filter(fn func(p *Patient) bool) []*Patient {
	var out []*Patient
	for _, p := range m.store {
		if p.IsActive && fn(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EMRSystem != out[j].EMRSystem {
			return out[i].EMRSystem < out[j].EMRSystem
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (m *mockPatientRepo) first(items []*Patient) (*Patient, error) {
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items[0], nil
}

func (m *mockPatientRepo) ListActive(_ context.Context, doctorID int64, emr EMRSystem) ([]*Patient, error) {
	return m.filter(func(p *Patient) bool { return p.DoctorID == doctorID && p.EMRSystem == emr }), nil
}

func (m *mockPatientRepo) ListActiveForDoctor(_ context.Context, doctorID int64) ([]*Patient, error) {
	return m.filter(func(p *Patient) bool { return p.DoctorID == doctorID }), nil
}

func (m *mockPatientRepo) FindActiveExact(_ context.Context, doctorID int64, emr EMRSystem, normalized string) (*Patient, error) {
	return m.first(m.filter(func(p *Patient) bool {
		return p.DoctorID == doctorID && p.EMRSystem == emr && p.NormalizedName == normalized
	}))
}

func (m *mockPatientRepo) FindActiveByPrefix(_ context.Context, doctorID int64, emr EMRSystem, prefix string) (*Patient, error) {
	return m.first(m.filter(func(p *Patient) bool {
		return p.DoctorID == doctorID && p.EMRSystem == emr && strings.HasPrefix(p.NormalizedName, prefix)
	}))
}

func (m *mockPatientRepo) FindActiveContaining(_ context.Context, doctorID int64, emr EMRSystem, token string) (*Patient, error) {
	return m.first(m.filter(func(p *Patient) bool {
		return p.DoctorID == doctorID && p.EMRSystem == emr && strings.Contains(p.NormalizedName, token)
	}))
}

func (m *mockPatientRepo) SearchActiveContaining(_ context.Context, doctorID int64, token string) ([]*Patient, error) {
	return m.filter(func(p *Patient) bool {
		return p.DoctorID == doctorID && strings.Contains(p.NormalizedName, token)
	}), nil
}

func (m *mockPatientRepo) active(doctorID int64, emr EMRSystem) map[string]bool {
	out := make(map[string]bool)
	for _, p := range m.store {
		if p.DoctorID == doctorID && p.EMRSystem == emr && p.IsActive {
			out[p.NormalizedName] = true
		}
	}
	return out
}

type mockRawRepo struct {
	store map[string]*RawData
}

func newMockRawRepo() *mockRawRepo {
	return &mockRawRepo{store: make(map[string]*RawData)}
}

func (m *mockRawRepo) Upsert(_ context.Context, d *RawData) error {
	key := d.PatientID.String() + string(d.DataType)
	if existing, ok := m.store[key]; ok {
		d.ID = existing.ID
	} else {
		d.ID = uuid.New()
	}
	d.UpdatedAt = time.Now()
	cp := *d
	m.store[key] = &cp
	return nil
}

func (m *mockRawRepo) Get(_ context.Context, patientID uuid.UUID, dataType DataType) (*RawData, error) {
	d, ok := m.store[patientID.String()+string(dataType)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func newTestService() (*Service, *mockPatientRepo, *mockRawRepo) {
	pr := newMockPatientRepo()
	rr := newMockRawRepo()
	return NewService(pr, rr, nil), pr, rr
}

func census(names ...string) []CensusEntry {
	out := make([]CensusEntry, len(names))
	for i, n := range names {
		out[i] = CensusEntry{Name: n, Location: "Room " + string(rune('A'+i))}
	}
	return out
}

// -- Sync Tests --

func TestSyncPatientList_Completeness(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.SyncPatientList(ctx, 1, EMRJackson, census("Garcia, Jose", "Smith, Ann", "Lee, Kim")); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	res, err := svc.SyncPatientList(ctx, 1, EMRJackson, census("Smith, Ann", "Nguyen,  Bao"))
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Upserted != 2 || res.Deactivated != 2 {
		t.Fatalf("expected {2 2}, got %+v", res)
	}

	active := repo.active(1, EMRJackson)
	want := map[string]bool{"smith ann": true, "nguyen bao": true}
	if len(active) != len(want) {
		t.Fatalf("expected %d active, got %v", len(want), active)
	}
	for name := range want {
		if !active[name] {
			t.Errorf("expected %q to be active", name)
		}
	}
}

type txMarker struct{}

// recordingTx marks the context it hands to fn and keeps fn's result.
type recordingTx struct {
	calls int
	err   error
}

func (r *recordingTx) run(ctx context.Context, fn func(ctx context.Context) error) error {
	r.calls++
	r.err = fn(context.WithValue(ctx, txMarker{}, true))
	return r.err
}

// txCheckingRepo counts writes made outside a unit of work.
type txCheckingRepo struct {
	*mockPatientRepo
	outside        int
	failDeactivate error
}

func (r *txCheckingRepo) Upsert(ctx context.Context, p *Patient) error {
	if ctx.Value(txMarker{}) == nil {
		r.outside++
	}
	return r.mockPatientRepo.Upsert(ctx, p)
}

func (r *txCheckingRepo) DeactivateMissing(ctx context.Context, doctorID int64, emr EMRSystem, keep []string) (int, error) {
	if ctx.Value(txMarker{}) == nil {
		r.outside++
	}
	if r.failDeactivate != nil {
		return 0, r.failDeactivate
	}
	return r.mockPatientRepo.DeactivateMissing(ctx, doctorID, emr, keep)
}

func TestSyncPatientList_RunsInOneTransaction(t *testing.T) {
	repo := &txCheckingRepo{mockPatientRepo: newMockPatientRepo()}
	tx := &recordingTx{}
	svc := NewService(repo, newMockRawRepo(), nil).WithTx(tx.run)

	if _, err := svc.SyncPatientList(context.Background(), 1, EMRJackson, census("Garcia, Jose", "Smith, Ann")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.calls != 1 {
		t.Errorf("expected one transaction, got %d", tx.calls)
	}
	if repo.outside != 0 {
		t.Errorf("expected every write inside the transaction, %d were outside", repo.outside)
	}
}

func TestSyncPatientList_FailureReachesTransaction(t *testing.T) {
	boom := errors.New("deactivate failed")
	repo := &txCheckingRepo{mockPatientRepo: newMockPatientRepo(), failDeactivate: boom}
	tx := &recordingTx{}
	svc := NewService(repo, newMockRawRepo(), nil).WithTx(tx.run)

	_, err := svc.SyncPatientList(context.Background(), 1, EMRJackson, census("Garcia, Jose"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if !errors.Is(tx.err, boom) {
		t.Errorf("expected the transaction to see the failure and roll back, got %v", tx.err)
	}
}

func TestSyncPatientList_Idempotent(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	entries := census("Garcia, Jose", "Smith, Ann")

	if _, err := svc.SyncPatientList(ctx, 1, EMRSteward, entries); err != nil {
		t.Fatalf("sync: %v", err)
	}
	res, err := svc.SyncPatientList(ctx, 1, EMRSteward, entries)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if res.Deactivated != 0 {
		t.Errorf("expected no deactivations on identical census, got %d", res.Deactivated)
	}
	if len(repo.store) != 2 {
		t.Errorf("expected 2 stored patients, got %d", len(repo.store))
	}
}

func TestSyncPatientList_CollapsesDuplicatesAndSkipsBlank(t *testing.T) {
	svc, repo, _ := newTestService()
	res, err := svc.SyncPatientList(context.Background(), 1, EMRBaptist, []CensusEntry{
		{Name: "Garcia, Jose", Facility: "Main"},
		{Name: "GARCIA JOSE", Facility: "South"},
		{Name: " , "},
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Upserted != 1 {
		t.Fatalf("expected 1 upsert, got %d", res.Upserted)
	}
	for _, p := range repo.store {
		if p.Facility != "South" {
			t.Errorf("expected later duplicate to win, got facility %q", p.Facility)
		}
	}
}

func TestSyncPatientList_ScopedToSystem(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	_, _ = svc.SyncPatientList(ctx, 1, EMRJackson, census("Garcia, Jose"))
	_, _ = svc.SyncPatientList(ctx, 1, EMRSteward, census("Smith, Ann"))

	res, err := svc.SyncPatientList(ctx, 1, EMRSteward, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Deactivated != 1 {
		t.Errorf("expected 1 deactivation, got %d", res.Deactivated)
	}
	if !repo.active(1, EMRJackson)["garcia jose"] {
		t.Error("expected JACKSON census untouched")
	}
}

func TestSyncPatientList_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	if _, err := svc.SyncPatientList(context.Background(), 0, EMRJackson, nil); err == nil {
		t.Error("expected error for missing doctor")
	}
	if _, err := svc.SyncPatientList(context.Background(), 1, "MERCY", nil); !errors.Is(err, ErrUnknownEMR) {
		t.Errorf("expected ErrUnknownEMR, got %v", err)
	}
}

// -- Resolution Tests --

func TestResolvePatient_Tiers(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	_, _ = svc.SyncPatientList(ctx, 1, EMRJackson, census("Garcia, Jose", "Garcia-Lopez, Maria", "Smith, Ann"))

	tests := []struct {
		input string
		want  string
	}{
		{"Garcia, Jose", "garcia jose"},
		{"garcia   jose", "garcia jose"},
		{"Garcia-Lopez", "garcia-lopez maria"},
		{"Jose Garcia", "garcia jose"},
		{"Ann", "smith ann"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			p, err := svc.ResolvePatient(ctx, 1, EMRJackson, tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.NormalizedName != tt.want {
				t.Errorf("expected %q, got %q", tt.want, p.NormalizedName)
			}
		})
	}
}

func TestResolvePatient_OrderInsensitive(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	_, _ = svc.SyncPatientList(ctx, 1, EMRJackson, census("Garcia, Jose", "Smith, Ann"))

	a, err := svc.ResolvePatient(ctx, 1, EMRJackson, "Garcia, Jose")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	b, err := svc.ResolvePatient(ctx, 1, EMRJackson, "Jose Garcia")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("expected same patient, got %s and %s", a.ID, b.ID)
	}
}

func TestResolvePatient_InactiveAndUnknown(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	_, _ = svc.SyncPatientList(ctx, 1, EMRJackson, census("Garcia, Jose"))
	_, _ = svc.SyncPatientList(ctx, 1, EMRJackson, census("Smith, Ann"))

	for _, name := range []string{"Garcia, Jose", "Nobody", "   "} {
		if _, err := svc.ResolvePatient(ctx, 1, EMRJackson, name); !errors.Is(err, ErrNotFound) {
			t.Errorf("%q: expected ErrNotFound, got %v", name, err)
		}
	}
	if _, err := svc.ResolvePatient(ctx, 2, EMRJackson, "Smith, Ann"); !errors.Is(err, ErrNotFound) {
		t.Error("expected other doctor's patient to be invisible")
	}
}

func TestSearchActiveByToken(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	_, _ = svc.SyncPatientList(ctx, 1, EMRJackson, census("Garcia, Jose"))
	_, _ = svc.SyncPatientList(ctx, 1, EMRSteward, census("Garcia, Jose", "Smith, Ann"))

	got, err := svc.SearchActiveByToken(ctx, 1, "GARCIA")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 matches across systems, got %d", len(got))
	}
	if empty, _ := svc.SearchActiveByToken(ctx, 1, " "); empty != nil {
		t.Error("expected nil for blank token")
	}
}

// -- Raw Data Tests --

func TestRawData_EncryptedRoundTrip(t *testing.T) {
	cipher, err := hipaa.NewFieldCipher([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	rr := newMockRawRepo()
	svc := NewService(newMockPatientRepo(), rr, cipher)
	ctx := context.Background()
	pid := uuid.New()
	extracted := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)

	if err := svc.UpsertRawData(ctx, pid, DataSummary, "BP 120/80", extracted); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	stored := rr.store[pid.String()+string(DataSummary)]
	if !stored.Encrypted || stored.Content == "BP 120/80" {
		t.Fatal("expected content to be encrypted at rest")
	}

	got, err := svc.GetRawData(ctx, pid, DataSummary)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "BP 120/80" {
		t.Errorf("expected decrypted content, got %q", got.Content)
	}
	if !got.ExtractedAt.Equal(extracted) {
		t.Errorf("expected extractedAt %s, got %s", extracted, got.ExtractedAt)
	}
}

func TestRawData_UpsertReplaces(t *testing.T) {
	svc, _, rr := newTestService()
	ctx := context.Background()
	pid := uuid.New()

	_ = svc.UpsertRawData(ctx, pid, DataInsurance, "old", time.Time{})
	_ = svc.UpsertRawData(ctx, pid, DataInsurance, "new", time.Time{})

	if len(rr.store) != 1 {
		t.Fatalf("expected a single row, got %d", len(rr.store))
	}
	got, err := svc.GetRawData(ctx, pid, DataInsurance)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "new" {
		t.Errorf("expected latest content, got %q", got.Content)
	}
	if got.ExtractedAt.IsZero() {
		t.Error("expected extractedAt to default to now")
	}
}

func TestRawData_Errors(t *testing.T) {
	svc, _, rr := newTestService()
	ctx := context.Background()
	pid := uuid.New()

	if err := svc.UpsertRawData(ctx, pid, "LABS", "x", time.Time{}); err == nil {
		t.Error("expected error for invalid data type")
	}
	if _, err := svc.GetRawData(ctx, pid, DataSummary); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	rr.store[pid.String()+string(DataSummary)] = &RawData{PatientID: pid, DataType: DataSummary, Content: "sealed", Encrypted: true}
	if _, err := svc.GetRawData(ctx, pid, DataSummary); err == nil {
		t.Error("expected error reading encrypted data without a key")
	}
}
