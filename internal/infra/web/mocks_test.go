// File: internal/infra/web/mocks_test.go
package web

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ai-chat-sync/internal/config"
	"ai-chat-sync/internal/domain"
	"ai-chat-sync/internal/domain/model"
	"ai-chat-sync/internal/domain/ports/adapter"
	"ai-chat-sync/internal/domain/ports/repository"
	"ai-chat-sync/internal/usecase"
)

type stubStream struct {
	deltas []adapter.Delta
}

func (s *stubStream) Recv() (adapter.Delta, error) {
	if len(s.deltas) == 0 {
		return adapter.Delta{}, io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *stubStream) Close() error { return nil }

type stubClient struct {
	deltas    []adapter.Delta
	streamErr error
}

var _ adapter.CompletionClient = (*stubClient)(nil)

func (c *stubClient) StreamChat(context.Context, []model.WireMessage) (adapter.CompletionStream, error) {
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	replay := make([]adapter.Delta, len(c.deltas))
	copy(replay, c.deltas)
	return &stubStream{deltas: replay}, nil
}

func (c *stubClient) CountTokens([]model.WireMessage) (int, error) { return 0, nil }

type stubStore struct {
	mu       sync.Mutex
	sessions map[string]*model.ChatSession
	nextID   int
}

var _ repository.SessionStore = (*stubStore)(nil)

func newStubStore() *stubStore {
	return &stubStore{sessions: make(map[string]*model.ChatSession)}
}

func (m *stubStore) Create(_ context.Context, title, ownerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("srv-%d", m.nextID)
	m.sessions[id] = model.NewChatSession(id, ownerID, title)
	return id, nil
}

func (m *stubStore) Save(_ context.Context, sessionID string, session *model.ChatSession, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.sessions[sessionID]
	if !ok {
		return domain.ErrNotFound
	}
	if existing.OwnerID != ownerID {
		return domain.ErrUnauthorized
	}
	m.sessions[sessionID] = session.Clone()
	return nil
}

func (m *stubStore) Get(_ context.Context, sessionID, ownerID string) (*model.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	if s.OwnerID != ownerID {
		return nil, domain.ErrUnauthorized
	}
	return s.Clone(), nil
}

func (m *stubStore) Delete(_ context.Context, sessionID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return domain.ErrNotFound
	}
	if s.OwnerID != ownerID {
		return domain.ErrUnauthorized
	}
	delete(m.sessions, sessionID)
	return nil
}

func (m *stubStore) ListByOwner(_ context.Context, ownerID string) ([]*model.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.ChatSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.OwnerID == ownerID {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *stubStore) Subscribe(context.Context, string, repository.SnapshotFunc, repository.ErrorFunc) (repository.Unsubscribe, error) {
	return func() {}, nil
}

// newTestServer wires a Server in dev mode on a stub client/store and
// returns it with a running httptest server and a ready bearer token.
func newTestServer(t *testing.T, client adapter.CompletionClient, store repository.SessionStore) (*Server, *httptest.Server, string) {
	t.Helper()
	logger := zerolog.Nop()
	cfg := config.WebConfig{
		JWTSecret: "test-secret",
		TokenTTL:  time.Hour,
	}
	factory := func(ctx context.Context, userID string) (*SessionRuntime, error) {
		events := usecase.NewEmitter()
		ctrl := usecase.NewStreamingSessionController(userID, client, store, events, nil, 0, &logger)
		recon := usecase.NewSyncReconciler(store, ctrl, events, &logger)
		if err := recon.Start(ctx, userID); err != nil {
			return nil, err
		}
		return &SessionRuntime{Ctrl: ctrl, Recon: recon, Events: events}, nil
	}
	srv := NewServer(context.Background(), cfg, true, client, store, nil, factory, &logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown()
	})

	token, err := srv.auth.Mint("user-1")
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return srv, ts, token
}
