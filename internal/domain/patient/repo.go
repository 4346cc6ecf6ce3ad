package patient

import (
	"context"

	"github.com/google/uuid"
)

type PatientRepository interface {
	// Upsert inserts or refreshes the patient identified by its natural key,
	// marking it active. p.ID and timestamps are populated from the stored row.
	Upsert(ctx context.Context, p *Patient) error
	// DeactivateMissing deactivates active patients of (doctorID, emr) whose
	// normalized name is not in keep, returning how many were deactivated.
	DeactivateMissing(ctx context.Context, doctorID int64, emr EMRSystem, keep []string) (int, error)
	ListActive(ctx context.Context, doctorID int64, emr EMRSystem) ([]*Patient, error)
	ListActiveForDoctor(ctx context.Context, doctorID int64) ([]*Patient, error)
	FindActiveExact(ctx context.Context, doctorID int64, emr EMRSystem, normalized string) (*Patient, error)
	FindActiveByPrefix(ctx context.Context, doctorID int64, emr EMRSystem, prefix string) (*Patient, error)
	FindActiveContaining(ctx context.Context, doctorID int64, emr EMRSystem, token string) (*Patient, error)
	SearchActiveContaining(ctx context.Context, doctorID int64, token string) ([]*Patient, error)
}

type RawDataRepository interface {
	Upsert(ctx context.Context, d *RawData) error
	Get(ctx context.Context, patientID uuid.UUID, dataType DataType) (*RawData, error)
}
