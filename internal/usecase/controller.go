// File: internal/usecase/controller.go
package usecase

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-chat-sync/internal/domain"
	"ai-chat-sync/internal/domain/model"
	"ai-chat-sync/internal/domain/ports/adapter"
	"ai-chat-sync/internal/domain/ports/repository"
	"ai-chat-sync/internal/infra/metrics"
)

// State of the session in focus. Success path:
// idle -> awaiting_stream -> streaming -> finalizing -> idle.
// Failure path: streaming -> rolling_back -> idle.
type State string

const (
	StateIdle           State = "idle"
	StateAwaitingStream State = "awaiting_stream"
	StateStreaming      State = "streaming"
	StateFinalizing     State = "finalizing"
	StateRollingBack    State = "rolling_back"
)

const saveTimeout = 10 * time.Second

// provisionalPrefix marks session ids synthesized locally before the
// server-assigned id lands.
const provisionalPrefix = "local-"

// AsyncRunner schedules work off the send critical path.
type AsyncRunner interface {
	Submit(task func(ctx context.Context) error) error
}

// StreamingSessionController owns the in-memory session currently being
// typed into and orchestrates the send -> stream -> persist cycle. One
// completion stream may be in flight at a time; a second SendMessage
// fails fast with ErrStreamBusy rather than queueing.
//
// Identity is injected at construction; there is no ambient auth lookup.
type StreamingSessionController struct {
	mu           sync.Mutex
	ownerID      string
	state        State
	streaming    bool
	current      *model.ChatSession
	pendingSave  bool
	lastErr      error
	errTimer     *time.Timer
	cancelStream context.CancelFunc

	client adapter.CompletionClient
	store  repository.SessionStore
	events *Emitter
	runner AsyncRunner
	errTTL time.Duration
	log    *zerolog.Logger
}

func NewStreamingSessionController(
	ownerID string,
	client adapter.CompletionClient,
	store repository.SessionStore,
	events *Emitter,
	runner AsyncRunner,
	errTTL time.Duration,
	logger *zerolog.Logger,
) *StreamingSessionController {
	return &StreamingSessionController{
		ownerID: ownerID,
		state:   StateIdle,
		client:  client,
		store:   store,
		events:  events,
		runner:  runner,
		errTTL:  errTTL,
		log:     logger,
	}
}

// SendMessage appends the user's message and an assistant placeholder,
// opens the completion stream, folds deltas into the placeholder and
// persists the finished session exactly once. It blocks until the
// stream terminates; progress is visible through the event emitter.
func (c *StreamingSessionController) SendMessage(ctx context.Context, content string) (*model.Message, error) {
	if c.ownerID == "" {
		return nil, domain.ErrAuthRequired
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domain.ErrInvalidArgument
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, domain.ErrStreamBusy
	}
	if c.current == nil {
		c.startProvisionalLocked(content)
	}

	// Optimistic append: the user message is visible before any network
	// call and is never rolled back.
	user := model.NewTextMessage(model.RoleUser, content)
	c.current.AppendMessage(user)
	c.events.Emit(Event{Kind: EventMessageAppended, SessionID: c.current.ID, Message: &user})

	placeholder := model.NewPlaceholderMessage()
	c.current.AppendMessage(placeholder)
	c.events.Emit(Event{Kind: EventMessageAppended, SessionID: c.current.ID, Message: &placeholder})

	c.state = StateAwaitingStream
	history := c.current.History()
	c.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := c.client.StreamChat(streamCtx, history)
	if err != nil {
		cancel()
		return nil, c.rollback(err)
	}
	defer stream.Close()

	c.mu.Lock()
	c.state = StateStreaming
	c.streaming = true
	c.cancelStream = cancel
	c.mu.Unlock()

	for {
		delta, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// Explicit cancel keeps whatever partial content arrived.
				break
			}
			return nil, c.rollback(err)
		}

		c.mu.Lock()
		c.current.ApplyDelta(delta.Content)
		updated := c.current.Messages[c.current.LoadingIndex()]
		// read the id each time: adoption can swap it mid-stream
		curID := c.current.ID
		c.mu.Unlock()
		c.events.Emit(Event{Kind: EventMessageUpdated, SessionID: curID, Message: &updated})
	}

	return c.finalize()
}

// finalize flips the placeholder to its terminal state and persists the
// full session. A failed save is logged but never rolls back content
// the user already sees. When the background create has not returned
// the server id yet, the save is deferred to adoptServerID: the store
// would reject the provisional id.
func (c *StreamingSessionController) finalize() (*model.Message, error) {
	c.mu.Lock()
	c.state = StateFinalizing
	c.current.FinishLoading()
	final := c.current.Messages[len(c.current.Messages)-1]
	snapshot := c.current.Clone()
	deferred := strings.HasPrefix(snapshot.ID, provisionalPrefix)
	c.pendingSave = deferred
	c.streaming = false
	c.cancelStream = nil
	c.state = StateIdle
	c.mu.Unlock()

	c.events.Emit(Event{Kind: EventStreamEnded, SessionID: snapshot.ID, Message: &final})

	if deferred {
		c.log.Debug().Str("session_id", snapshot.ID).Msg("save deferred until server id lands")
		return &final, nil
	}

	// The send ctx may already be canceled; the save gets its own.
	saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := c.store.Save(saveCtx, snapshot.ID, snapshot, c.ownerID); err != nil {
		c.log.Error().Err(err).Str("session_id", snapshot.ID).Msg("post-stream save failed")
	}
	return &final, nil
}

// rollback drops the placeholder of the failed stream. The drop is
// unconditional on the current session: its id may have been swapped
// from provisional to server-assigned while the stream was open, and
// only one loading message can exist.
func (c *StreamingSessionController) rollback(cause error) error {
	c.mu.Lock()
	c.state = StateRollingBack
	var sessionID string
	if c.current != nil {
		c.current.DropLoading()
		sessionID = c.current.ID
	}
	c.streaming = false
	c.cancelStream = nil
	c.state = StateIdle
	c.setErrLocked(cause)
	c.mu.Unlock()

	c.events.Emit(Event{Kind: EventStreamFailed, SessionID: sessionID, Err: cause})
	metrics.IncStreamFailure(failureKind(cause))
	c.log.Warn().Err(cause).Str("session_id", sessionID).Msg("stream rolled back")
	return cause
}

func failureKind(err error) string {
	var remote *domain.RemoteError
	var transport *domain.TransportError
	switch {
	case errors.As(err, &remote):
		return "remote"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &transport):
		return "transport"
	default:
		return "internal"
	}
}

// startProvisionalLocked synthesizes a local session so the first
// message renders immediately; the remote create happens in the
// background and the server id is adopted when it lands.
func (c *StreamingSessionController) startProvisionalLocked(firstMessage string) {
	title := model.DeriveTitle(firstMessage)
	provisionalID := provisionalPrefix + uuid.NewString()
	c.current = model.NewChatSession(provisionalID, c.ownerID, title)

	c.submit(func(ctx context.Context) error {
		serverID, err := c.store.Create(ctx, title, c.ownerID)
		if err != nil {
			c.log.Error().Err(err).Msg("background session create failed")
			return err
		}
		c.adoptServerID(provisionalID, serverID)
		return nil
	})
}

// adoptServerID swaps the provisional id for the server-assigned one
// and flushes any save that finalize had to defer while the id was
// still provisional.
func (c *StreamingSessionController) adoptServerID(provisionalID, serverID string) {
	c.mu.Lock()
	if c.current == nil || c.current.ID != provisionalID {
		c.mu.Unlock()
		return
	}
	c.current.ID = serverID
	var snapshot *model.ChatSession
	if c.pendingSave {
		c.pendingSave = false
		snapshot = c.current.Clone()
	}
	c.mu.Unlock()

	if snapshot == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := c.store.Save(saveCtx, snapshot.ID, snapshot, c.ownerID); err != nil {
		c.log.Error().Err(err).Str("session_id", snapshot.ID).Msg("deferred save failed")
	}
}

func (c *StreamingSessionController) submit(task func(ctx context.Context) error) {
	if c.runner != nil {
		if err := c.runner.Submit(task); err == nil {
			return
		}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		_ = task(ctx)
	}()
}

// CancelStream aborts the in-flight completion stream, if any. The
// placeholder keeps its partial content and is finalized by the
// SendMessage goroutine.
func (c *StreamingSessionController) CancelStream() {
	c.mu.Lock()
	cancel := c.cancelStream
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// NewSession explicitly starts a fresh chat and makes it current.
func (c *StreamingSessionController) NewSession(ctx context.Context, title string) (*model.ChatSession, error) {
	if c.ownerID == "" {
		return nil, domain.ErrAuthRequired
	}
	if title == "" {
		title = "New Chat"
	}
	id, err := c.store.Create(ctx, title, c.ownerID)
	if err != nil {
		c.setErr(err)
		return nil, err
	}
	s := model.NewChatSession(id, c.ownerID, title)
	c.mu.Lock()
	c.current = s
	c.pendingSave = false
	c.mu.Unlock()
	return s.Clone(), nil
}

// LoadSession fetches a session by id and makes it current.
func (c *StreamingSessionController) LoadSession(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	if c.ownerID == "" {
		return nil, domain.ErrAuthRequired
	}
	s, err := c.store.Get(ctx, sessionID, c.ownerID)
	if err != nil {
		c.setErr(err)
		return nil, err
	}
	if s == nil {
		return nil, domain.ErrNotFound
	}
	c.mu.Lock()
	c.current = s
	c.pendingSave = false
	c.mu.Unlock()
	return s.Clone(), nil
}

// DeleteSession removes the session from the store; deletion cascades
// to its messages. The current session is cleared when it is the one
// deleted.
func (c *StreamingSessionController) DeleteSession(ctx context.Context, sessionID string) error {
	if c.ownerID == "" {
		return domain.ErrAuthRequired
	}
	if err := c.store.Delete(ctx, sessionID, c.ownerID); err != nil {
		c.setErr(err)
		return err
	}
	c.mu.Lock()
	if c.current != nil && c.current.ID == sessionID {
		c.current = nil
		c.pendingSave = false
	}
	c.mu.Unlock()
	return nil
}

// RenameSession overrides the derived title.
func (c *StreamingSessionController) RenameSession(ctx context.Context, sessionID, title string) error {
	if c.ownerID == "" {
		return domain.ErrAuthRequired
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.ErrInvalidArgument
	}

	c.mu.Lock()
	var snapshot *model.ChatSession
	if c.current != nil && c.current.ID == sessionID {
		c.current.Title = title
		c.current.UpdatedAt = time.Now()
		snapshot = c.current.Clone()
	}
	c.mu.Unlock()

	if snapshot == nil {
		s, err := c.store.Get(ctx, sessionID, c.ownerID)
		if err != nil {
			return err
		}
		if s == nil {
			return domain.ErrNotFound
		}
		s.Title = title
		s.UpdatedAt = time.Now()
		snapshot = s
	}
	if err := c.store.Save(ctx, sessionID, snapshot, c.ownerID); err != nil {
		c.setErr(err)
		return err
	}
	return nil
}

// AttachFile adds a file reference to the current session's context set.
func (c *StreamingSessionController) AttachFile(ctx context.Context, f model.FileReference) error {
	if c.ownerID == "" {
		return domain.ErrAuthRequired
	}
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return domain.ErrNotFound
	}
	c.current.AttachFile(f)
	snapshot := c.current.Clone()
	c.mu.Unlock()
	return c.store.Save(ctx, snapshot.ID, snapshot, c.ownerID)
}

// DetachFile removes a file reference by id.
func (c *StreamingSessionController) DetachFile(ctx context.Context, fileID string) error {
	if c.ownerID == "" {
		return domain.ErrAuthRequired
	}
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return domain.ErrNotFound
	}
	if !c.current.DetachFile(fileID) {
		c.mu.Unlock()
		return domain.ErrNotFound
	}
	snapshot := c.current.Clone()
	c.mu.Unlock()
	return c.store.Save(ctx, snapshot.ID, snapshot, c.ownerID)
}

// ReconcileRemote applies a remote snapshot of the current session
// through the merge policy. Called by the reconciler only.
func (c *StreamingSessionController) ReconcileRemote(remote *model.ChatSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || remote == nil || c.current.ID != remote.ID {
		return
	}
	c.current = Merge(c.current, remote, c.streaming)
}

// Current returns a deep copy of the session in focus, or nil.
func (c *StreamingSessionController) Current() *model.ChatSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return c.current.Clone()
}

// CurrentID returns the id of the session in focus, or "".
func (c *StreamingSessionController) CurrentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.ID
}

func (c *StreamingSessionController) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsStreaming reports the suppression flag the reconciler gates on.
func (c *StreamingSessionController) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Err returns the session-scoped error, if not yet auto-cleared.
func (c *StreamingSessionController) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *StreamingSessionController) ClearError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearErrLocked()
}

// SetSyncError records a subscription failure without touching local
// data.
func (c *StreamingSessionController) SetSyncError(err error) {
	c.setErr(err)
}

func (c *StreamingSessionController) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setErrLocked(err)
}

// setErrLocked records err and arms the auto-clear timer. Re-triggering
// resets the clock.
func (c *StreamingSessionController) setErrLocked(err error) {
	c.lastErr = err
	if c.errTimer != nil {
		c.errTimer.Stop()
		c.errTimer = nil
	}
	if c.errTTL > 0 {
		c.errTimer = time.AfterFunc(c.errTTL, c.ClearError)
	}
}

func (c *StreamingSessionController) clearErrLocked() {
	c.lastErr = nil
	if c.errTimer != nil {
		c.errTimer.Stop()
		c.errTimer = nil
	}
}
