package patient

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no active patient (or no raw data) matches.
	ErrNotFound = errors.New("patient not found")
	// ErrUnknownEMR is returned for hospital identifiers outside the supported set.
	ErrUnknownEMR = errors.New("unknown EMR system")
)

// EMRSystem identifies the hospital EMR a patient record was pulled from.
type EMRSystem string

const (
	EMRJackson EMRSystem = "JACKSON"
	EMRSteward EMRSystem = "STEWARD"
	EMRBaptist EMRSystem = "BAPTIST"
)

// EMRSystems lists the supported systems in display order.
var EMRSystems = []EMRSystem{EMRJackson, EMRSteward, EMRBaptist}

// ParseEMRSystem accepts any casing and surrounding whitespace.
func ParseEMRSystem(s string) (EMRSystem, error) {
	sys := EMRSystem(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range EMRSystems {
		if sys == known {
			return sys, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEMR, s)
}

// DataType is the kind of free-text extraction stored per patient.
type DataType string

const (
	DataSummary   DataType = "SUMMARY"
	DataInsurance DataType = "INSURANCE"
)

// Patient is one row of a doctor's census for one EMR system, keyed by
// (DoctorID, EMRSystem, NormalizedName). Patients are deactivated, never
// deleted, when they drop out of the census.
type Patient struct {
	ID             uuid.UUID `json:"id"`
	DoctorID       int64     `json:"doctorId"`
	EMRSystem      EMRSystem `json:"emrSystem"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalizedName"`
	Location       string    `json:"location,omitempty"`
	Facility       string    `json:"facility,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	AdmittedDate   string    `json:"admittedDate,omitempty"`
	IsActive       bool      `json:"isActive"`
	LastSeenAt     time.Time `json:"lastSeenAt"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// LastUpdated is the later of LastSeenAt and UpdatedAt.
func (p *Patient) LastUpdated() time.Time {
	if p.UpdatedAt.After(p.LastSeenAt) {
		return p.UpdatedAt
	}
	return p.LastSeenAt
}

// RawData is the latest extraction of one DataType for a patient.
type RawData struct {
	ID          uuid.UUID `json:"id"`
	PatientID   uuid.UUID `json:"patientId"`
	DataType    DataType  `json:"dataType"`
	Content     string    `json:"content"`
	Encrypted   bool      `json:"-"`
	ExtractedAt time.Time `json:"extractedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CensusEntry is one line of an EMR census snapshot.
type CensusEntry struct {
	Name         string `json:"name"`
	Location     string `json:"location,omitempty"`
	Facility     string `json:"facility,omitempty"`
	Reason       string `json:"reason,omitempty"`
	AdmittedDate string `json:"admittedDate,omitempty"`
}

type SyncResult struct {
	Upserted    int `json:"upserted"`
	Deactivated int `json:"deactivated"`
}
