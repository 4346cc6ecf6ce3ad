package chat

import "context"

type SessionRepository interface {
	GetOrCreate(ctx context.Context, doctorID int64) (*Session, error)
	GetByDoctor(ctx context.Context, doctorID int64) (*Session, error)
}

type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	// Page returns up to limit messages newest first. A non-nil before
	// restricts the page to ids strictly lower than it.
	Page(ctx context.Context, sessionID int64, limit int, before *int64) ([]*Message, error)
	LastByRole(ctx context.Context, sessionID int64, role Role) (*Message, error)
	// LastByRoleBefore returns the newest message of role with an id lower
	// than beforeID.
	LastByRoleBefore(ctx context.Context, sessionID int64, role Role, beforeID int64) (*Message, error)
	UpdateContent(ctx context.Context, id int64, content string) error
	Delete(ctx context.Context, id int64) error
}
