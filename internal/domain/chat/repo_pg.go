package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hannamed/ma-api/internal/platform/db"
)

// =========== Session Repository ===========

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepoPG{pool: pool}
}

func (r *sessionRepoPG) GetOrCreate(ctx context.Context, doctorID int64) (*Session, error) {
	var s Session
	err := db.Resolve(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO chat_session (doctor_id) VALUES ($1)
		ON CONFLICT (doctor_id) DO UPDATE SET doctor_id = EXCLUDED.doctor_id
		RETURNING id, doctor_id, created_at`, doctorID).
		Scan(&s.ID, &s.DoctorID, &s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get or create session: %w", err)
	}
	return &s, nil
}

func (r *sessionRepoPG) GetByDoctor(ctx context.Context, doctorID int64) (*Session, error) {
	var s Session
	err := db.Resolve(ctx, r.pool).QueryRow(ctx,
		`SELECT id, doctor_id, created_at FROM chat_session WHERE doctor_id = $1`, doctorID).
		Scan(&s.ID, &s.DoctorID, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// =========== Message Repository ===========

type messageRepoPG struct{ pool *pgxpool.Pool }

func NewMessageRepoPG(pool *pgxpool.Pool) MessageRepository {
	return &messageRepoPG{pool: pool}
}

func (r *messageRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Resolve(ctx, r.pool)
}

const messageCols = `id, session_id, role, content, type, created_at`

func (r *messageRepoPG) scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Type, &m.CreatedAt)
	return &m, err
}

func (r *messageRepoPG) Create(ctx context.Context, m *Message) error {
	if m.Type == "" {
		m.Type = TypeText
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO chat_message (session_id, role, content, type)
		VALUES ($1,$2,$3,$4)
		RETURNING id, created_at`,
		m.SessionID, m.Role, m.Content, m.Type).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (r *messageRepoPG) Page(ctx context.Context, sessionID int64, limit int, before *int64) ([]*Message, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if before != nil {
		rows, err = r.conn(ctx).Query(ctx, `SELECT `+messageCols+` FROM chat_message
			WHERE session_id = $1 AND id < $2 ORDER BY id DESC LIMIT $3`, sessionID, *before, limit)
	} else {
		rows, err = r.conn(ctx).Query(ctx, `SELECT `+messageCols+` FROM chat_message
			WHERE session_id = $1 ORDER BY id DESC LIMIT $2`, sessionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var items []*Message
	for rows.Next() {
		m, err := r.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *messageRepoPG) one(ctx context.Context, query string, args ...interface{}) (*Message, error) {
	m, err := r.scanMessage(r.conn(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (r *messageRepoPG) LastByRole(ctx context.Context, sessionID int64, role Role) (*Message, error) {
	return r.one(ctx, `SELECT `+messageCols+` FROM chat_message
		WHERE session_id = $1 AND role = $2 ORDER BY id DESC LIMIT 1`, sessionID, role)
}

func (r *messageRepoPG) LastByRoleBefore(ctx context.Context, sessionID int64, role Role, beforeID int64) (*Message, error) {
	return r.one(ctx, `SELECT `+messageCols+` FROM chat_message
		WHERE session_id = $1 AND role = $2 AND id < $3 ORDER BY id DESC LIMIT 1`, sessionID, role, beforeID)
}

func (r *messageRepoPG) UpdateContent(ctx context.Context, id int64, content string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE chat_message SET content = $2 WHERE id = $1`, id, content)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (r *messageRepoPG) Delete(ctx context.Context, id int64) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM chat_message WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}
