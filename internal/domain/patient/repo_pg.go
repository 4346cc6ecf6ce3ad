package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hannamed/ma-api/internal/platform/db"
)

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Resolve(ctx, r.pool)
}

const patientCols = `id, doctor_id, emr_system, name, normalized_name,
	COALESCE(location, ''), COALESCE(facility, ''), COALESCE(reason, ''), COALESCE(admitted_date, ''),
	is_active, last_seen_at, created_at, updated_at`

func (r *patientRepoPG) scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.DoctorID, &p.EMRSystem, &p.Name, &p.NormalizedName,
		&p.Location, &p.Facility, &p.Reason, &p.AdmittedDate,
		&p.IsActive, &p.LastSeenAt, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *patientRepoPG) Upsert(ctx context.Context, p *Patient) error {
	id := uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (id, doctor_id, emr_system, name, normalized_name,
			location, facility, reason, admitted_date, is_active, last_seen_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),NULLIF($7,''),NULLIF($8,''),NULLIF($9,''),TRUE,$10)
		ON CONFLICT (doctor_id, emr_system, normalized_name) DO UPDATE SET
			name = EXCLUDED.name, location = EXCLUDED.location, facility = EXCLUDED.facility,
			reason = EXCLUDED.reason, admitted_date = EXCLUDED.admitted_date,
			is_active = TRUE, last_seen_at = EXCLUDED.last_seen_at, updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		id, p.DoctorID, p.EMRSystem, p.Name, p.NormalizedName,
		p.Location, p.Facility, p.Reason, p.AdmittedDate, p.LastSeenAt).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert patient: %w", err)
	}
	p.IsActive = true
	return nil
}

func (r *patientRepoPG) DeactivateMissing(ctx context.Context, doctorID int64, emr EMRSystem, keep []string) (int, error) {
	if keep == nil {
		keep = []string{}
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient SET is_active = FALSE, updated_at = NOW()
		WHERE doctor_id = $1 AND emr_system = $2 AND is_active
			AND NOT (normalized_name = ANY($3))`,
		doctorID, emr, keep)
	if err != nil {
		return 0, fmt.Errorf("deactivate patients: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *patientRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := r.scanPatient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *patientRepoPG) ListActive(ctx context.Context, doctorID int64, emr EMRSystem) ([]*Patient, error) {
	return r.list(ctx, `SELECT `+patientCols+` FROM patient
		WHERE doctor_id = $1 AND emr_system = $2 AND is_active ORDER BY name`, doctorID, emr)
}

func (r *patientRepoPG) ListActiveForDoctor(ctx context.Context, doctorID int64) ([]*Patient, error) {
	return r.list(ctx, `SELECT `+patientCols+` FROM patient
		WHERE doctor_id = $1 AND is_active ORDER BY emr_system, name`, doctorID)
}

func (r *patientRepoPG) findOne(ctx context.Context, cond string, args ...interface{}) (*Patient, error) {
	p, err := r.scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient
		WHERE doctor_id = $1 AND emr_system = $2 AND is_active AND `+cond+`
		ORDER BY name LIMIT 1`, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *patientRepoPG) FindActiveExact(ctx context.Context, doctorID int64, emr EMRSystem, normalized string) (*Patient, error) {
	return r.findOne(ctx, `normalized_name = $3`, doctorID, emr, normalized)
}

func (r *patientRepoPG) FindActiveByPrefix(ctx context.Context, doctorID int64, emr EMRSystem, prefix string) (*Patient, error) {
	return r.findOne(ctx, `normalized_name LIKE $3`, doctorID, emr, likeEscape(prefix)+"%")
}

func (r *patientRepoPG) FindActiveContaining(ctx context.Context, doctorID int64, emr EMRSystem, token string) (*Patient, error) {
	return r.findOne(ctx, `normalized_name LIKE $3`, doctorID, emr, "%"+likeEscape(token)+"%")
}

func (r *patientRepoPG) SearchActiveContaining(ctx context.Context, doctorID int64, token string) ([]*Patient, error) {
	return r.list(ctx, `SELECT `+patientCols+` FROM patient
		WHERE doctor_id = $1 AND is_active AND normalized_name LIKE $2
		ORDER BY emr_system, name`, doctorID, "%"+likeEscape(token)+"%")
}

var likeReplacer = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likeEscape(s string) string {
	return likeReplacer.Replace(s)
}

// =========== Raw Data Repository ===========

type rawDataRepoPG struct{ pool *pgxpool.Pool }

func NewRawDataRepoPG(pool *pgxpool.Pool) RawDataRepository {
	return &rawDataRepoPG{pool: pool}
}

func (r *rawDataRepoPG) Upsert(ctx context.Context, d *RawData) error {
	id := uuid.New()
	err := db.Resolve(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO patient_raw_data (id, patient_id, data_type, raw_content, encrypted, extracted_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (patient_id, data_type) DO UPDATE SET
			raw_content = EXCLUDED.raw_content, encrypted = EXCLUDED.encrypted,
			extracted_at = EXCLUDED.extracted_at, updated_at = NOW()
		RETURNING id, updated_at`,
		id, d.PatientID, d.DataType, d.Content, d.Encrypted, d.ExtractedAt).
		Scan(&d.ID, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert raw data: %w", err)
	}
	return nil
}

func (r *rawDataRepoPG) Get(ctx context.Context, patientID uuid.UUID, dataType DataType) (*RawData, error) {
	var d RawData
	err := db.Resolve(ctx, r.pool).QueryRow(ctx, `
		SELECT id, patient_id, data_type, raw_content, encrypted, extracted_at, updated_at
		FROM patient_raw_data WHERE patient_id = $1 AND data_type = $2`, patientID, dataType).
		Scan(&d.ID, &d.PatientID, &d.DataType, &d.Content, &d.Encrypted, &d.ExtractedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get raw data: %w", err)
	}
	return &d, nil
}
