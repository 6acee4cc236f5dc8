package repository

import (
	"context"

	"ai-chat-sync/internal/domain/model"
)

// SnapshotFunc receives the full current list of an owner's sessions
// whenever any of them changes remotely. The store does not distinguish
// the caller's own writes from anyone else's.
type SnapshotFunc func(sessions []*model.ChatSession)

// ErrorFunc receives subscription-level failures. Errors are
// non-destructive: existing local data stays untouched.
type ErrorFunc func(err error)

// Unsubscribe tears down a live subscription. Idempotent.
type Unsubscribe func()

// SessionStore is the remote authoritative store for chat sessions.
type SessionStore interface {
	// Create persists a new empty session and returns the server-assigned
	// id. The caller may be holding a provisional local id; it adopts the
	// returned one.
	Create(ctx context.Context, title, ownerID string) (string, error)

	// Save fully overwrites title, messages, attached files and updatedAt.
	// Returns domain.ErrNotFound for an unknown id and
	// domain.ErrUnauthorized when ownerID does not match the stored owner.
	Save(ctx context.Context, sessionID string, session *model.ChatSession, ownerID string) error

	// Get returns nil, nil when the session does not exist.
	Get(ctx context.Context, sessionID, ownerID string) (*model.ChatSession, error)

	Delete(ctx context.Context, sessionID, ownerID string) error

	ListByOwner(ctx context.Context, ownerID string) ([]*model.ChatSession, error)

	// Subscribe pushes a full snapshot of the owner's sessions on every
	// remote change until the returned Unsubscribe is called or ctx ends.
	Subscribe(ctx context.Context, ownerID string, onSnapshot SnapshotFunc, onError ErrorFunc) (Unsubscribe, error)
}
