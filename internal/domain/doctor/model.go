package doctor

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no active doctor has the requested id.
var ErrNotFound = errors.New("doctor not found")

// Doctor is the read-only view of a physician account. Hospitals lists the
// EMR systems the doctor's census is pulled from.
type Doctor struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Specialty string    `json:"specialty,omitempty"`
	Hospitals []string  `json:"hospitals"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Directory looks up doctors. Account management lives outside this service.
type Directory interface {
	GetByID(ctx context.Context, id int64) (*Doctor, error)
}
