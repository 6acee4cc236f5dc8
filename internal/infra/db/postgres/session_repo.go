// File: internal/infra/db/postgres/session_repo.go
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"ai-chat-sync/internal/domain"
	"ai-chat-sync/internal/domain/model"
	"ai-chat-sync/internal/domain/ports/repository"
	"ai-chat-sync/internal/infra/metrics"
	red "ai-chat-sync/internal/infra/redis"
	"ai-chat-sync/internal/infra/security"
)

// SessionRepo persists sessions as full documents (messages inline as
// JSONB) and fans change signals out through the Redis change feed.
// Message payloads are optionally encrypted at rest.
var _ repository.SessionStore = (*SessionRepo)(nil)

type SessionRepo struct {
	pool          *pgxpool.Pool
	cache         *red.SessionCache
	feed          *red.ChangeFeed
	encryptionSvc *security.EncryptionService
}

func NewSessionRepo(pool *pgxpool.Pool, cache *red.SessionCache, feed *red.ChangeFeed, encryptionSvc *security.EncryptionService) *SessionRepo {
	return &SessionRepo{pool: pool, cache: cache, feed: feed, encryptionSvc: encryptionSvc}
}

func (r *SessionRepo) Create(ctx context.Context, title, ownerID string) (string, error) {
	const q = `
INSERT INTO chat_sessions (user_id, title, messages, created_at, updated_at)
VALUES ($1,$2,'[]'::jsonb,NOW(),NOW())
RETURNING id;`
	var id string
	err := r.pool.QueryRow(ctx, q, ownerID, title).Scan(&id)
	metrics.IncStoreOp("create", err)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", domain.ErrAlreadyExists
		}
		return "", fmt.Errorf("create session: %w", err)
	}
	if r.feed != nil {
		r.feed.Notify(ctx, ownerID)
	}
	return id, nil
}

// Save is a full overwrite of title, messages, attached files and
// updatedAt, guarded by an owner check.
func (r *SessionRepo) Save(ctx context.Context, sessionID string, session *model.ChatSession, ownerID string) error {
	if err := r.checkOwner(ctx, sessionID, ownerID); err != nil {
		metrics.IncStoreOp("save", err)
		return err
	}

	msgPayload, encrypted, err := r.encodeMessages(session.Messages)
	if err != nil {
		return err
	}
	filePayload, err := json.Marshal(session.AttachedFiles)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}

	const q = `
UPDATE chat_sessions
SET title = $2, messages = $3, attached_files = $4, encrypted = $5, updated_at = NOW()
WHERE id = $1;`
	_, err = r.pool.Exec(ctx, q, sessionID, session.Title, msgPayload, filePayload, encrypted)
	metrics.IncStoreOp("save", err)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	if r.cache != nil {
		_ = r.cache.Store(ctx, session)
	}
	if r.feed != nil {
		r.feed.Notify(ctx, ownerID)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, sessionID, ownerID string) (*model.ChatSession, error) {
	if r.cache != nil {
		if s, err := r.cache.Get(ctx, sessionID); err == nil && s != nil {
			if s.OwnerID != ownerID {
				return nil, domain.ErrUnauthorized
			}
			return s, nil
		}
	}

	const q = `
SELECT id, user_id, title, messages, attached_files, encrypted, created_at, updated_at
FROM chat_sessions WHERE id = $1;`
	s, err := r.scanSession(r.pool.QueryRow(ctx, q, sessionID))
	metrics.IncStoreOp("get", err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if s.OwnerID != ownerID {
		return nil, domain.ErrUnauthorized
	}
	if r.cache != nil {
		_ = r.cache.Store(ctx, s)
	}
	return s, nil
}

// Delete removes the session document; inline messages go with it.
func (r *SessionRepo) Delete(ctx context.Context, sessionID, ownerID string) error {
	if err := r.checkOwner(ctx, sessionID, ownerID); err != nil {
		metrics.IncStoreOp("delete", err)
		return err
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM chat_sessions WHERE id = $1;`, sessionID)
	metrics.IncStoreOp("delete", err)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if r.cache != nil {
		_ = r.cache.Delete(ctx, sessionID)
	}
	if r.feed != nil {
		r.feed.Notify(ctx, ownerID)
	}
	return nil
}

func (r *SessionRepo) ListByOwner(ctx context.Context, ownerID string) ([]*model.ChatSession, error) {
	const q = `
SELECT id, user_id, title, messages, attached_files, encrypted, created_at, updated_at
FROM chat_sessions WHERE user_id = $1 ORDER BY updated_at DESC;`
	rows, err := r.pool.Query(ctx, q, ownerID)
	metrics.IncStoreOp("list", err)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*model.ChatSession
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Subscribe pushes the initial snapshot, then one per change signal.
func (r *SessionRepo) Subscribe(ctx context.Context, ownerID string, onSnapshot repository.SnapshotFunc, onError repository.ErrorFunc) (repository.Unsubscribe, error) {
	push := func() {
		sessions, err := r.ListByOwner(ctx, ownerID)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		metrics.IncSnapshot()
		onSnapshot(sessions)
	}

	cancel := r.feed.Watch(ctx, ownerID, push, onError)
	go push()
	return repository.Unsubscribe(cancel), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *SessionRepo) scanSession(row rowScanner) (*model.ChatSession, error) {
	var (
		s          model.ChatSession
		msgPayload string
		filesJSON  []byte
		encrypted  bool
		createdAt  sql.NullTime
		updatedAt  sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.OwnerID, &s.Title, &msgPayload, &filesJSON, &encrypted, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	msgs, err := r.decodeMessages(msgPayload, encrypted)
	if err != nil {
		return nil, err
	}
	s.Messages = msgs
	if len(filesJSON) > 0 && string(filesJSON) != "null" {
		if err := json.Unmarshal(filesJSON, &s.AttachedFiles); err != nil {
			return nil, fmt.Errorf("unmarshal files: %w", err)
		}
	}
	s.CreatedAt = wallClock(createdAt)
	s.UpdatedAt = wallClock(updatedAt)
	return &s, nil
}

// wallClock converts a nullable server timestamp to wall-clock time,
// defaulting to now for pending/unresolved values so optimistic local
// sessions render before the server clock settles.
func wallClock(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Now()
	}
	return t.Time
}

// encodeMessages serializes the message list, sealing it when
// encryption at rest is enabled.
func (r *SessionRepo) encodeMessages(msgs []model.Message) (string, bool, error) {
	if msgs == nil {
		msgs = []model.Message{}
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return "", false, fmt.Errorf("marshal messages: %w", err)
	}
	if r.encryptionSvc == nil {
		return string(b), false, nil
	}
	sealed, err := r.encryptionSvc.Encrypt(string(b))
	if err != nil {
		return "", false, fmt.Errorf("encrypt messages: %w", err)
	}
	payload, err := json.Marshal(sealed)
	if err != nil {
		return "", false, err
	}
	return string(payload), true, nil
}

func (r *SessionRepo) decodeMessages(payload string, encrypted bool) ([]model.Message, error) {
	raw := payload
	if encrypted {
		if r.encryptionSvc == nil {
			return nil, errors.New("encrypted session but no encryption key configured")
		}
		var sealed string
		if err := json.Unmarshal([]byte(payload), &sealed); err != nil {
			return nil, fmt.Errorf("unwrap sealed messages: %w", err)
		}
		plain, err := r.encryptionSvc.Decrypt(sealed)
		if err != nil {
			return nil, fmt.Errorf("decrypt messages: %w", err)
		}
		raw = plain
	}
	var msgs []model.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	return msgs, nil
}

func (r *SessionRepo) checkOwner(ctx context.Context, sessionID, ownerID string) error {
	var stored string
	err := r.pool.QueryRow(ctx, `SELECT user_id FROM chat_sessions WHERE id = $1;`, sessionID).Scan(&stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("owner lookup: %w", err)
	}
	if stored != ownerID {
		return domain.ErrUnauthorized
	}
	return nil
}
