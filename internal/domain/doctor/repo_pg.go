package doctor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hannamed/ma-api/internal/platform/db"
)

type directoryPG struct{ pool *pgxpool.Pool }

func NewDirectoryPG(pool *pgxpool.Pool) Directory {
	return &directoryPG{pool: pool}
}

const doctorCols = `id, name, COALESCE(specialty, ''), hospitals, is_active, created_at, updated_at`

// GetByID returns the active doctor with id, or ErrNotFound.
func (r *directoryPG) GetByID(ctx context.Context, id int64) (*Doctor, error) {
	var d Doctor
	err := db.Resolve(ctx, r.pool).QueryRow(ctx,
		`SELECT `+doctorCols+` FROM doctor WHERE id = $1 AND is_active`, id).
		Scan(&d.ID, &d.Name, &d.Specialty, &d.Hospitals, &d.IsActive, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get doctor %d: %w", id, err)
	}
	return &d, nil
}
