package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds backward (older-history) cursor pagination parameters. Cursor
// is an exclusive upper bound on ids; nil means "start from the newest".
type Params struct {
	Limit  int
	Cursor *int64
}

// FromContext extracts cursor pagination parameters from the echo context.
// An unparsable cursor is rejected; an out-of-range limit is clamped.
func FromContext(c echo.Context) (Params, error) {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	p := Params{Limit: limit}
	if raw := c.QueryParam("cursor"); raw != "" {
		cursor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || cursor <= 0 {
			return Params{}, fmt.Errorf("invalid cursor %q", raw)
		}
		p.Cursor = &cursor
	}
	return p, nil
}

// NextCursor returns the cursor for the next older page: the id of the oldest
// returned item, but only when a full page came back. A short page means the
// history is exhausted.
func NextCursor(returned, limit int, oldestID int64) *int64 {
	if limit <= 0 || returned < limit {
		return nil
	}
	next := oldestID
	return &next
}

// Page wraps a cursor-paginated API response.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor *int64 `json:"nextCursor,omitempty"`
}

// Reverse returns a copy of items in reverse order. Queries read newest-first;
// responses are oldest-first.
func Reverse[T any](items []T) []T {
	out := make([]T, len(items))
	for i, item := range items {
		out[len(items)-1-i] = item
	}
	return out
}
