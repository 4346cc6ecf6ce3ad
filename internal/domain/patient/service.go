package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hannamed/ma-api/internal/platform/db"
	"github.com/hannamed/ma-api/internal/platform/hipaa"
)

// Service owns the patient directory: census reconciliation, fuzzy name
// resolution and the raw clinical extractions attached to patients.
type Service struct {
	patients PatientRepository
	raw      RawDataRepository
	cipher   hipaa.FieldCipher
	tx       db.TxRunner
	now      func() time.Time
}

func NewService(patients PatientRepository, raw RawDataRepository, cipher hipaa.FieldCipher) *Service {
	if cipher == nil {
		cipher, _ = hipaa.NewFieldCipher(nil)
	}
	return &Service{patients: patients, raw: raw, cipher: cipher, tx: db.NoTx, now: time.Now}
}

// WithTx makes census reconciliation run through run, so a failed sync
// leaves the previous census untouched.
func (s *Service) WithTx(run db.TxRunner) *Service {
	s.tx = run
	return s
}

// SyncPatientList reconciles a census snapshot for (doctorID, emr). Every
// entry is upserted first; only then are active patients missing from the
// snapshot deactivated, using the complete set of submitted names.
func (s *Service) SyncPatientList(ctx context.Context, doctorID int64, emr EMRSystem, entries []CensusEntry) (*SyncResult, error) {
	if doctorID <= 0 {
		return nil, fmt.Errorf("doctor id is required")
	}
	if _, err := ParseEMRSystem(string(emr)); err != nil {
		return nil, err
	}

	seenAt := s.now().UTC()
	order := make([]string, 0, len(entries))
	byName := make(map[string]CensusEntry, len(entries))
	for _, e := range entries {
		key := NormalizeName(e.Name)
		if key == "" {
			continue
		}
		if _, dup := byName[key]; !dup {
			order = append(order, key)
		}
		byName[key] = e
	}

	var deactivated int
	err := s.tx(ctx, func(ctx context.Context) error {
		for _, key := range order {
			e := byName[key]
			p := &Patient{
				DoctorID:       doctorID,
				EMRSystem:      emr,
				Name:           strings.TrimSpace(e.Name),
				NormalizedName: key,
				Location:       strings.TrimSpace(e.Location),
				Facility:       strings.TrimSpace(e.Facility),
				Reason:         strings.TrimSpace(e.Reason),
				AdmittedDate:   strings.TrimSpace(e.AdmittedDate),
				LastSeenAt:     seenAt,
			}
			if err := s.patients.Upsert(ctx, p); err != nil {
				return err
			}
		}

		var err error
		deactivated, err = s.patients.DeactivateMissing(ctx, doctorID, emr, order)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &SyncResult{Upserted: len(order), Deactivated: deactivated}, nil
}

// ResolvePatient finds an active patient by a loosely typed name. It tries
// an exact normalized match, then a prefix match on the first token, then a
// substring match on that token, returning the first hit of the most
// specific tier.
func (s *Service) ResolvePatient(ctx context.Context, doctorID int64, emr EMRSystem, rawName string) (*Patient, error) {
	normalized := NormalizeName(rawName)
	if normalized == "" {
		return nil, ErrNotFound
	}

	p, err := s.patients.FindActiveExact(ctx, doctorID, emr, normalized)
	if !errors.Is(err, ErrNotFound) {
		return p, err
	}

	token := SurnameToken(normalized)
	p, err = s.patients.FindActiveByPrefix(ctx, doctorID, emr, token)
	if !errors.Is(err, ErrNotFound) {
		return p, err
	}

	return s.patients.FindActiveContaining(ctx, doctorID, emr, token)
}

func (s *Service) ListActive(ctx context.Context, doctorID int64, emr EMRSystem) ([]*Patient, error) {
	return s.patients.ListActive(ctx, doctorID, emr)
}

func (s *Service) ListActiveForDoctor(ctx context.Context, doctorID int64) ([]*Patient, error) {
	return s.patients.ListActiveForDoctor(ctx, doctorID)
}

// SearchActiveByToken returns active patients across every EMR whose
// normalized name contains token.
func (s *Service) SearchActiveByToken(ctx context.Context, doctorID int64, token string) ([]*Patient, error) {
	token = NormalizeName(token)
	if token == "" {
		return nil, nil
	}
	return s.patients.SearchActiveContaining(ctx, doctorID, token)
}

// UpsertRawData replaces the stored extraction of dataType for a patient.
// A zero extractedAt defaults to now.
func (s *Service) UpsertRawData(ctx context.Context, patientID uuid.UUID, dataType DataType, content string, extractedAt time.Time) error {
	if dataType != DataSummary && dataType != DataInsurance {
		return fmt.Errorf("invalid data type %q", dataType)
	}
	if extractedAt.IsZero() {
		extractedAt = s.now()
	}

	sealed, err := s.cipher.Seal(content, rawDataAAD(patientID, dataType))
	if err != nil {
		return fmt.Errorf("seal raw data: %w", err)
	}

	return s.raw.Upsert(ctx, &RawData{
		PatientID:   patientID,
		DataType:    dataType,
		Content:     sealed,
		Encrypted:   s.cipher.Enabled(),
		ExtractedAt: extractedAt.UTC(),
	})
}

// GetRawData returns the decrypted extraction, or ErrNotFound.
func (s *Service) GetRawData(ctx context.Context, patientID uuid.UUID, dataType DataType) (*RawData, error) {
	d, err := s.raw.Get(ctx, patientID, dataType)
	if err != nil {
		return nil, err
	}
	if d.Encrypted {
		if !s.cipher.Enabled() {
			return nil, fmt.Errorf("raw data %s is encrypted but no key is configured", d.ID)
		}
		plain, err := s.cipher.Open(d.Content, rawDataAAD(patientID, dataType))
		if err != nil {
			return nil, fmt.Errorf("open raw data: %w", err)
		}
		d.Content = plain
		d.Encrypted = false
	}
	return d, nil
}

func rawDataAAD(patientID uuid.UUID, dataType DataType) string {
	return patientID.String() + ":" + string(dataType)
}
