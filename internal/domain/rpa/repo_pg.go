package rpa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hannamed/ma-api/internal/platform/db"
)

type nodeRepoPG struct{ pool *pgxpool.Pool }

func NewNodeRepoPG(pool *pgxpool.Pool) NodeRepository {
	return &nodeRepoPG{pool: pool}
}

const nodeCols = `uuid, hostname, doctor_id, status, last_heartbeat_at, created_at, updated_at`

func (r *nodeRepoPG) scanNode(row pgx.Row) (*Node, error) {
	var n Node
	err := row.Scan(&n.UUID, &n.Hostname, &n.DoctorID, &n.Status, &n.LastHeartbeatAt, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	return &n, err
}

func (r *nodeRepoPG) Upsert(ctx context.Context, n *Node) error {
	stored, err := r.scanNode(db.Resolve(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO rpa_node (uuid, hostname, status) VALUES ($1, $2, $3)
		ON CONFLICT (uuid) DO UPDATE SET hostname = EXCLUDED.hostname, status = EXCLUDED.status, updated_at = NOW()
		RETURNING `+nodeCols, n.UUID, n.Hostname, StatusOnline))
	if err != nil {
		return fmt.Errorf("upsert rpa node: %w", err)
	}
	*n = *stored
	return nil
}

func (r *nodeRepoPG) GetByUUID(ctx context.Context, id string) (*Node, error) {
	return r.scanNode(db.Resolve(ctx, r.pool).QueryRow(ctx, `SELECT `+nodeCols+` FROM rpa_node WHERE uuid = $1`, id))
}

func (r *nodeRepoPG) Touch(ctx context.Context, id, status string, at time.Time) error {
	tag, err := db.Resolve(ctx, r.pool).Exec(ctx, `
		UPDATE rpa_node SET status = $2, last_heartbeat_at = $3, updated_at = NOW() WHERE uuid = $1`,
		id, status, at)
	if err != nil {
		return fmt.Errorf("touch rpa node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNodeNotFound
	}
	return nil
}

type errorReportRepoPG struct{ pool *pgxpool.Pool }

func NewErrorReportRepoPG(pool *pgxpool.Pool) ErrorReportRepository {
	return &errorReportRepoPG{pool: pool}
}

func (r *errorReportRepoPG) Create(ctx context.Context, rep *ErrorReport) error {
	rep.ID = uuid.New()
	err := db.Resolve(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO rpa_error_report (id, node_uuid, hospital_type, error, screenshot_url)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''))
		RETURNING created_at`,
		rep.ID, rep.NodeUUID, rep.HospitalType, rep.Error, rep.ScreenshotURL).Scan(&rep.CreatedAt)
	if err != nil {
		return fmt.Errorf("create rpa error report: %w", err)
	}
	return nil
}
