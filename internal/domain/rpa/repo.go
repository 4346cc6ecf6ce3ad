package rpa

import (
	"context"
	"time"
)

type NodeRepository interface {
	// Upsert registers the node or refreshes its hostname, keeping any
	// doctor assignment. n is populated from the stored row.
	Upsert(ctx context.Context, n *Node) error
	GetByUUID(ctx context.Context, uuid string) (*Node, error)
	Touch(ctx context.Context, uuid, status string, at time.Time) error
}

type ErrorReportRepository interface {
	Create(ctx context.Context, r *ErrorReport) error
}
