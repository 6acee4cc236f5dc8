// File: internal/usecase/mocks_test.go
package usecase

import (
	"context"
	"fmt"
	"io"
	"sync"

	"ai-chat-sync/internal/domain"
	"ai-chat-sync/internal/domain/model"
	"ai-chat-sync/internal/domain/ports/adapter"
	"ai-chat-sync/internal/domain/ports/repository"
)

// fakeStream replays scripted deltas, then finalErr (io.EOF when nil).
// An optional gate blocks the first Recv until released, which lets
// tests observe the controller mid-stream.
type fakeStream struct {
	mu       sync.Mutex
	deltas   []adapter.Delta
	finalErr error
	gate     chan struct{}
	gated    bool
	closed   bool
}

func (s *fakeStream) Recv() (adapter.Delta, error) {
	if s.gate != nil {
		s.mu.Lock()
		first := !s.gated
		s.gated = true
		s.mu.Unlock()
		if first {
			<-s.gate
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.deltas) == 0 {
		if s.finalErr != nil {
			return adapter.Delta{}, s.finalErr
		}
		return adapter.Delta{}, io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeClient struct {
	mu        sync.Mutex
	stream    *fakeStream
	streamErr error
	calls     int
	lastHist  []model.WireMessage
}

var _ adapter.CompletionClient = (*fakeClient)(nil)

func (c *fakeClient) StreamChat(_ context.Context, history []model.WireMessage) (adapter.CompletionStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.lastHist = history
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	return c.stream, nil
}

func (c *fakeClient) CountTokens(history []model.WireMessage) (int, error) {
	n := 0
	for _, m := range history {
		n += len(m.Content)
	}
	return n, nil
}

// memSessionStore is an in-memory SessionStore with call counters and
// captured subscription callbacks for driving snapshots by hand.
type memSessionStore struct {
	mu          sync.Mutex
	sessions    map[string]*model.ChatSession
	nextID      int
	createCalls int
	saveCalls   int
	createErr   error
	saveErr     error

	onSnapshot repository.SnapshotFunc
	onError    repository.ErrorFunc
}

var _ repository.SessionStore = (*memSessionStore)(nil)

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]*model.ChatSession)}
}

func (m *memSessionStore) Create(_ context.Context, title, ownerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return "", m.createErr
	}
	m.nextID++
	id := fmt.Sprintf("srv-%d", m.nextID)
	m.sessions[id] = model.NewChatSession(id, ownerID, title)
	return id, nil
}

func (m *memSessionStore) Save(_ context.Context, sessionID string, session *model.ChatSession, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	if m.saveErr != nil {
		return m.saveErr
	}
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

func (m *memSessionStore) Get(_ context.Context, sessionID, ownerID string) (*model.ChatSession, error) {
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

func (m *memSessionStore) Delete(_ context.Context, sessionID, ownerID string) error {
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

func (m *memSessionStore) ListByOwner(_ context.Context, ownerID string) ([]*model.ChatSession, error) {
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

func (m *memSessionStore) Subscribe(_ context.Context, _ string, onSnapshot repository.SnapshotFunc, onError repository.ErrorFunc) (repository.Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSnapshot = onSnapshot
	m.onError = onError
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.onSnapshot = nil
		m.onError = nil
	}, nil
}

func (m *memSessionStore) push(sessions []*model.ChatSession) {
	m.mu.Lock()
	fn := m.onSnapshot
	m.mu.Unlock()
	if fn != nil {
		fn(sessions)
	}
}

// manualRunner collects submitted tasks so a test controls exactly when
// background work runs.
type manualRunner struct {
	mu    sync.Mutex
	tasks []func(ctx context.Context) error
}

var _ AsyncRunner = (*manualRunner)(nil)

func (r *manualRunner) Submit(task func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return nil
}

func (r *manualRunner) runAll(ctx context.Context) {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = nil
	r.mu.Unlock()
	for _, t := range tasks {
		_ = t(ctx)
	}
}
