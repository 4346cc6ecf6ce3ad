package rpa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hannamed/ma-api/internal/domain/doctor"
	"github.com/hannamed/ma-api/internal/domain/patient"
	"github.com/hannamed/ma-api/internal/platform/db"
	"github.com/hannamed/ma-api/internal/platform/telemetry"
)

// PatientDirectory is the part of the patient service that ingestion writes
// through.
type PatientDirectory interface {
	SyncPatientList(ctx context.Context, doctorID int64, emr patient.EMRSystem, entries []patient.CensusEntry) (*patient.SyncResult, error)
	ResolvePatient(ctx context.Context, doctorID int64, emr patient.EMRSystem, rawName string) (*patient.Patient, error)
	UpsertRawData(ctx context.Context, patientID uuid.UUID, dataType patient.DataType, content string, extractedAt time.Time) error
}

type Service struct {
	nodes    NodeRepository
	reports  ErrorReportRepository
	doctors  doctor.Directory
	patients PatientDirectory
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tx       db.TxRunner
	now      func() time.Time
}

func NewService(nodes NodeRepository, reports ErrorReportRepository, doctors doctor.Directory, patients PatientDirectory, logger zerolog.Logger) *Service {
	return &Service{
		nodes:    nodes,
		reports:  reports,
		doctors:  doctors,
		patients: patients,
		logger:   logger.With().Str("component", "rpa").Logger(),
		tx:       db.NoTx,
		now:      time.Now,
	}
}

// WithMetrics counts ingested records on m.
func (s *Service) WithMetrics(m *telemetry.Metrics) *Service {
	s.metrics = m
	return s
}

// WithTx applies each ingested payload as one unit of work through run. A
// batch that fails part way stores nothing.
func (s *Service) WithTx(run db.TxRunner) *Service {
	s.tx = run
	return s
}

// Register records the node, keeping an existing doctor assignment.
func (s *Service) Register(ctx context.Context, nodeUUID, hostname string) (*Registration, error) {
	nodeUUID = strings.TrimSpace(nodeUUID)
	if nodeUUID == "" {
		return nil, fmt.Errorf("uuid is required")
	}
	n := &Node{UUID: nodeUUID, Hostname: strings.TrimSpace(hostname)}
	if err := s.nodes.Upsert(ctx, n); err != nil {
		return nil, err
	}

	reg := &Registration{UUID: n.UUID, DoctorID: n.DoctorID}
	if d := s.assignedDoctor(ctx, n); d != nil {
		reg.DoctorName = d.Name
	}
	s.logger.Info().Str("node", n.UUID).Str("hostname", n.Hostname).Bool("assigned", n.DoctorID != nil).Msg("rpa node registered")
	return reg, nil
}

// Config describes what the node should extract. An unassigned node gets a
// null doctor and no hospitals.
func (s *Service) Config(ctx context.Context, nodeUUID string) (*NodeConfig, error) {
	n, err := s.nodes.GetByUUID(ctx, nodeUUID)
	if err != nil {
		return nil, err
	}
	cfg := &NodeConfig{UUID: n.UUID, Hospitals: []HospitalConfig{}}
	d := s.assignedDoctor(ctx, n)
	if d == nil {
		return cfg, nil
	}
	cfg.DoctorID = &d.ID
	cfg.DoctorName = d.Name
	cfg.DoctorSpecialty = d.Specialty
	for _, h := range d.Hospitals {
		emr, err := patient.ParseEMRSystem(h)
		if err != nil {
			continue
		}
		cfg.Hospitals = append(cfg.Hospitals, HospitalConfig{Type: string(emr)})
	}
	return cfg, nil
}

func (s *Service) Heartbeat(ctx context.Context, nodeUUID string) error {
	return s.nodes.Touch(ctx, nodeUUID, StatusOnline, s.now().UTC())
}

// ReportError stores an extraction failure and marks the node as erroring
// until its next heartbeat.
func (s *Service) ReportError(ctx context.Context, r *ErrorReport) error {
	if strings.TrimSpace(r.Error) == "" {
		return fmt.Errorf("error message is required")
	}
	if _, err := s.nodes.GetByUUID(ctx, r.NodeUUID); err != nil {
		return err
	}
	if err := s.reports.Create(ctx, r); err != nil {
		return err
	}
	if err := s.nodes.Touch(ctx, r.NodeUUID, StatusError, s.now().UTC()); err != nil {
		return err
	}
	s.logger.Warn().
		Str("node", r.NodeUUID).
		Str("hospital", r.HospitalType).
		Str("screenshot", r.ScreenshotURL).
		Str("error", r.Error).
		Msg("rpa node reported an error")
	return nil
}

// Ingest applies an extraction pushed by a node to the directory of the
// node's doctor. It returns *patient.SyncResult for census lists and
// *RawIngestResult for summaries and insurance.
func (s *Service) Ingest(ctx context.Context, req *IngestRequest) (any, error) {
	n, err := s.nodes.GetByUUID(ctx, req.UUID)
	if err != nil {
		return nil, err
	}
	if n.DoctorID == nil {
		return nil, ErrNodeUnassigned
	}
	emr, err := patient.ParseEMRSystem(req.HospitalType)
	if err != nil {
		return nil, err
	}

	log := s.logger.With().Str("node", n.UUID).Int64("doctor_id", *n.DoctorID).Str("emr", string(emr)).Str("data_type", req.DataType).Logger()

	switch req.DataType {
	case DataPatientList:
		var payload struct {
			Patients []patient.CensusEntry `json:"patients"`
		}
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		var res *patient.SyncResult
		err := s.tx(ctx, func(ctx context.Context) error {
			var err error
			res, err = s.patients.SyncPatientList(ctx, *n.DoctorID, emr, payload.Patients)
			return err
		})
		if err != nil {
			return nil, err
		}
		s.metrics.RecordsIngested(req.DataType, res.Upserted)
		log.Info().Int("upserted", res.Upserted).Int("deactivated", res.Deactivated).Msg("census synced")
		return res, nil

	case DataPatientSummary, DataPatientInsurance:
		dataType := patient.DataSummary
		if req.DataType == DataPatientInsurance {
			dataType = patient.DataInsurance
		}
		var payload rawPayload
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		res, err := s.storeRaw(ctx, *n.DoctorID, emr, dataType, payload.items())
		if err != nil {
			return nil, err
		}
		s.metrics.RecordsIngested(req.DataType, res.Stored)
		log.Info().Int("stored", res.Stored).Int("skipped", len(res.Skipped)).Msg("raw data ingested")
		return res, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataType, req.DataType)
	}
}

func (s *Service) storeRaw(ctx context.Context, doctorID int64, emr patient.EMRSystem, dataType patient.DataType, items []rawItem) (*RawIngestResult, error) {
	res := &RawIngestResult{Skipped: []string{}}
	err := s.tx(ctx, func(ctx context.Context) error {
		for _, it := range items {
			if !it.found() {
				continue
			}
			p, err := s.patients.ResolvePatient(ctx, doctorID, emr, it.PatientName)
			if errors.Is(err, patient.ErrNotFound) {
				res.Skipped = append(res.Skipped, it.PatientName)
				continue
			}
			if err != nil {
				return err
			}
			if err := s.patients.UpsertRawData(ctx, p.ID, dataType, it.RawText, it.extractedAt()); err != nil {
				return err
			}
			res.Stored++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) assignedDoctor(ctx context.Context, n *Node) *doctor.Doctor {
	if n.DoctorID == nil {
		return nil
	}
	d, err := s.doctors.GetByID(ctx, *n.DoctorID)
	if err != nil {
		if !errors.Is(err, doctor.ErrNotFound) {
			s.logger.Error().Err(err).Str("node", n.UUID).Msg("failed to load assigned doctor")
		}
		return nil
	}
	return d
}
