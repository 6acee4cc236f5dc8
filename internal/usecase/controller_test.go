// File: internal/usecase/controller_test.go
package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ai-chat-sync/internal/domain"
	"ai-chat-sync/internal/domain/model"
	"ai-chat-sync/internal/domain/ports/adapter"
)

func newTestController(client adapter.CompletionClient, store *memSessionStore, runner AsyncRunner) (*StreamingSessionController, *Emitter) {
	logger := zerolog.Nop()
	events := NewEmitter()
	ctrl := NewStreamingSessionController("user-1", client, store, events, runner, 0, &logger)
	return ctrl, events
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestSendMessageStreamsAndSavesOnce(t *testing.T) {
	store := newMemSessionStore()
	stream := &fakeStream{deltas: []adapter.Delta{{Content: "Hi"}, {Content: " there"}}}
	client := &fakeClient{stream: stream}
	runner := &manualRunner{}
	ctrl, _ := newTestController(client, store, runner)

	final, err := ctrl.SendMessage(context.Background(), "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if final.Content != "Hi there" {
		t.Fatalf("final content = %q, want %q", final.Content, "Hi there")
	}
	if final.Role != model.RoleAssistant || final.IsLoading {
		t.Fatalf("final message not a settled assistant message: %+v", final)
	}

	runner.runAll(context.Background())
	if store.saveCalls != 1 {
		t.Fatalf("saveCalls = %d, want exactly 1", store.saveCalls)
	}
	if ctrl.State() != StateIdle {
		t.Fatalf("state = %q, want idle", ctrl.State())
	}
	if ctrl.IsStreaming() {
		t.Fatalf("streaming flag still set after stream end")
	}
	if !stream.closed {
		t.Fatalf("stream never closed")
	}

	cur := ctrl.Current()
	if len(cur.Messages) != 2 {
		t.Fatalf("message count = %d, want 2", len(cur.Messages))
	}
	if cur.Messages[0].Role != model.RoleUser || cur.Messages[0].Content != "hello" {
		t.Fatalf("user message missing: %+v", cur.Messages[0])
	}
	if cur.Title != "hello" {
		t.Fatalf("derived title = %q", cur.Title)
	}
}

func TestSendMessageExcludesPlaceholderFromHistory(t *testing.T) {
	store := newMemSessionStore()
	client := &fakeClient{stream: &fakeStream{deltas: []adapter.Delta{{Content: "ok"}}}}
	ctrl, _ := newTestController(client, store, &manualRunner{})

	if _, err := ctrl.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(client.lastHist) != 1 {
		t.Fatalf("history length = %d, want 1 (placeholder excluded)", len(client.lastHist))
	}
	if client.lastHist[0].Role != "user" || client.lastHist[0].Content != "hello" {
		t.Fatalf("unexpected history entry: %+v", client.lastHist[0])
	}
}

func TestSendMessageRollsBackOnStreamFailure(t *testing.T) {
	store := newMemSessionStore()
	cause := &domain.TransportError{Op: "read", Err: errors.New("connection reset")}
	stream := &fakeStream{deltas: []adapter.Delta{{Content: "par"}}, finalErr: cause}
	ctrl, _ := newTestController(&fakeClient{stream: stream}, store, &manualRunner{})

	_, err := ctrl.SendMessage(context.Background(), "hello")
	if err == nil {
		t.Fatalf("expected stream failure")
	}
	var te *domain.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want TransportError", err)
	}

	cur := ctrl.Current()
	if len(cur.Messages) != 1 {
		t.Fatalf("message count = %d, want 1 (placeholder dropped)", len(cur.Messages))
	}
	if cur.Messages[0].Role != model.RoleUser {
		t.Fatalf("surviving message is not the user's: %+v", cur.Messages[0])
	}
	if store.saveCalls != 0 {
		t.Fatalf("saveCalls = %d, want 0 after rollback", store.saveCalls)
	}
	if ctrl.State() != StateIdle {
		t.Fatalf("state = %q, want idle", ctrl.State())
	}
	if ctrl.Err() == nil {
		t.Fatalf("session error not recorded")
	}
}

func TestRollbackAfterServerIDAdoption(t *testing.T) {
	store := newMemSessionStore()
	stream := &fakeStream{
		deltas:   []adapter.Delta{{Content: "par"}},
		finalErr: &domain.TransportError{Op: "read", Err: errors.New("connection reset")},
		gate:     make(chan struct{}),
	}
	runner := &manualRunner{}
	ctrl, _ := newTestController(&fakeClient{stream: stream}, store, runner)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.SendMessage(context.Background(), "hello")
		done <- err
	}()
	waitFor(t, ctrl.IsStreaming, "stream to open")

	// The background create lands mid-stream and swaps the session id.
	runner.runAll(context.Background())
	if id := ctrl.CurrentID(); id != "srv-1" {
		t.Fatalf("current id = %q, want adopted server id", id)
	}

	close(stream.gate)
	if err := <-done; err == nil {
		t.Fatalf("expected stream failure")
	}

	cur := ctrl.Current()
	if got := len(cur.Messages); got != 1 {
		t.Fatalf("placeholder survived rollback: %d messages, loading index %d", got, cur.LoadingIndex())
	}
	if cur.Messages[0].Role != model.RoleUser {
		t.Fatalf("surviving message is not the user's: %+v", cur.Messages[0])
	}

	// The next send gets a fresh placeholder, not the stale one.
	stream2 := &fakeStream{deltas: []adapter.Delta{{Content: "ok"}}}
	ctrl.client.(*fakeClient).stream = stream2
	final, err := ctrl.SendMessage(context.Background(), "again")
	if err != nil {
		t.Fatalf("send after rollback failed: %v", err)
	}
	if final.Content != "ok" {
		t.Fatalf("final content = %q, deltas folded into a stale placeholder", final.Content)
	}
}

func TestFirstExchangePersistsAfterAdoption(t *testing.T) {
	store := newMemSessionStore()
	client := &fakeClient{stream: &fakeStream{deltas: []adapter.Delta{{Content: "Hi"}}}}
	runner := &manualRunner{}
	ctrl, _ := newTestController(client, store, runner)

	if _, err := ctrl.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	// The create has not landed; the store would reject the provisional
	// id, so nothing may have been saved yet.
	if store.saveCalls != 0 {
		t.Fatalf("saveCalls = %d before the server id landed", store.saveCalls)
	}

	runner.runAll(context.Background())

	got, err := store.Get(context.Background(), "srv-1", "user-1")
	if err != nil || got == nil {
		t.Fatalf("Get after adoption = (%v, %v)", got, err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("first exchange not persisted: %d messages", len(got.Messages))
	}
	if got.Title != "hello" {
		t.Fatalf("persisted title = %q", got.Title)
	}
}

func TestSendMessageRollsBackOnConnectFailure(t *testing.T) {
	store := newMemSessionStore()
	client := &fakeClient{streamErr: &domain.RemoteError{Status: 503, Body: "overloaded"}}
	ctrl, _ := newTestController(client, store, &manualRunner{})

	_, err := ctrl.SendMessage(context.Background(), "hello")
	var re *domain.RemoteError
	if !errors.As(err, &re) || re.Status != 503 {
		t.Fatalf("error = %v, want RemoteError 503", err)
	}
	if len(ctrl.Current().Messages) != 1 {
		t.Fatalf("placeholder survived a connect failure")
	}
}

func TestSendMessageRejectsConcurrent(t *testing.T) {
	store := newMemSessionStore()
	stream := &fakeStream{
		deltas: []adapter.Delta{{Content: "slow"}},
		gate:   make(chan struct{}),
	}
	ctrl, _ := newTestController(&fakeClient{stream: stream}, store, &manualRunner{})

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.SendMessage(context.Background(), "first")
		done <- err
	}()

	waitFor(t, ctrl.IsStreaming, "first stream to open")

	if _, err := ctrl.SendMessage(context.Background(), "second"); !errors.Is(err, domain.ErrStreamBusy) {
		t.Fatalf("second send error = %v, want ErrStreamBusy", err)
	}

	close(stream.gate)
	if err := <-done; err != nil {
		t.Fatalf("first send failed: %v", err)
	}

	// The lane is free again once the first stream settles.
	stream2 := &fakeStream{deltas: []adapter.Delta{{Content: "ok"}}}
	ctrl.client.(*fakeClient).stream = stream2
	if _, err := ctrl.SendMessage(context.Background(), "third"); err != nil {
		t.Fatalf("send after settle failed: %v", err)
	}
}

func TestSendMessageRequiresAuth(t *testing.T) {
	logger := zerolog.Nop()
	ctrl := NewStreamingSessionController("", &fakeClient{}, newMemSessionStore(), NewEmitter(), &manualRunner{}, 0, &logger)
	if _, err := ctrl.SendMessage(context.Background(), "hello"); !errors.Is(err, domain.ErrAuthRequired) {
		t.Fatalf("error = %v, want ErrAuthRequired", err)
	}
}

func TestSendMessageRejectsBlank(t *testing.T) {
	ctrl, _ := newTestController(&fakeClient{}, newMemSessionStore(), &manualRunner{})
	if _, err := ctrl.SendMessage(context.Background(), "   \n "); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("error = %v, want ErrInvalidArgument", err)
	}
}

func TestProvisionalIDAdoption(t *testing.T) {
	store := newMemSessionStore()
	client := &fakeClient{stream: &fakeStream{deltas: []adapter.Delta{{Content: "ok"}}}}
	runner := &manualRunner{}
	ctrl, _ := newTestController(client, store, runner)

	if _, err := ctrl.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if id := ctrl.CurrentID(); !strings.HasPrefix(id, "local-") {
		t.Fatalf("current id = %q, want provisional before create lands", id)
	}

	runner.runAll(context.Background())

	if id := ctrl.CurrentID(); id != "srv-1" {
		t.Fatalf("current id = %q, want adopted server id", id)
	}
}

func TestCancelKeepsPartialContent(t *testing.T) {
	store := newMemSessionStore()
	stream := &fakeStream{
		deltas:   []adapter.Delta{{Content: "partial"}},
		finalErr: &domain.TransportError{Op: "read", Err: context.Canceled},
	}
	runner := &manualRunner{}
	ctrl, _ := newTestController(&fakeClient{stream: stream}, store, runner)

	final, err := ctrl.SendMessage(context.Background(), "hello")
	if err != nil {
		t.Fatalf("cancel should finalize, not fail: %v", err)
	}
	if final.Content != "partial" || final.IsLoading {
		t.Fatalf("final = %+v, want settled partial content", final)
	}
	runner.runAll(context.Background())
	if store.saveCalls != 1 {
		t.Fatalf("saveCalls = %d, want 1", store.saveCalls)
	}
}

func TestSaveFailureDoesNotRollBack(t *testing.T) {
	store := newMemSessionStore()
	store.saveErr = errors.New("store down")
	client := &fakeClient{stream: &fakeStream{deltas: []adapter.Delta{{Content: "ok"}}}}
	runner := &manualRunner{}
	ctrl, _ := newTestController(client, store, runner)

	final, err := ctrl.SendMessage(context.Background(), "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if final.Content != "ok" {
		t.Fatalf("final content = %q", final.Content)
	}
	runner.runAll(context.Background())
	if store.saveCalls != 1 {
		t.Fatalf("saveCalls = %d, want 1", store.saveCalls)
	}
	if len(ctrl.Current().Messages) != 2 {
		t.Fatalf("visible messages were rolled back by a save failure")
	}
}

func TestReconcileRemoteSuppressedWhileStreaming(t *testing.T) {
	store := newMemSessionStore()
	stream := &fakeStream{
		deltas: []adapter.Delta{{Content: "tok"}},
		gate:   make(chan struct{}),
	}
	ctrl, _ := newTestController(&fakeClient{stream: stream}, store, &manualRunner{})

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.SendMessage(context.Background(), "hello")
		done <- err
	}()
	waitFor(t, ctrl.IsStreaming, "stream to open")

	// A stale remote snapshot with fewer messages must not clobber the
	// optimistic local state mid-stream.
	remote := model.NewChatSession(ctrl.CurrentID(), "user-1", "hello")
	ctrl.ReconcileRemote(remote)
	if got := len(ctrl.Current().Messages); got != 2 {
		t.Fatalf("local messages = %d after remote echo, want 2", got)
	}

	close(stream.gate)
	if err := <-done; err != nil {
		t.Fatalf("send failed: %v", err)
	}
}

func TestErrorAutoClears(t *testing.T) {
	store := newMemSessionStore()
	logger := zerolog.Nop()
	ctrl := NewStreamingSessionController("user-1", &fakeClient{}, store, NewEmitter(), &manualRunner{}, 20*time.Millisecond, &logger)

	ctrl.SetSyncError(errors.New("sync hiccup"))
	if ctrl.Err() == nil {
		t.Fatalf("error not recorded")
	}
	waitFor(t, func() bool { return ctrl.Err() == nil }, "error to auto-clear")
}

func TestDeleteSessionClearsCurrent(t *testing.T) {
	store := newMemSessionStore()
	ctrl, _ := newTestController(&fakeClient{}, store, &manualRunner{})

	s, err := ctrl.NewSession(context.Background(), "work notes")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if err := ctrl.DeleteSession(context.Background(), s.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if ctrl.Current() != nil {
		t.Fatalf("current session survived its own deletion")
	}
	if got, _ := store.Get(context.Background(), s.ID, "user-1"); got != nil {
		t.Fatalf("session still in store after delete")
	}
}

func TestLoadSessionNotFound(t *testing.T) {
	ctrl, _ := newTestController(&fakeClient{}, newMemSessionStore(), &manualRunner{})
	if _, err := ctrl.LoadSession(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestRenameSessionPersists(t *testing.T) {
	store := newMemSessionStore()
	ctrl, _ := newTestController(&fakeClient{}, store, &manualRunner{})

	s, err := ctrl.NewSession(context.Background(), "old title")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if err := ctrl.RenameSession(context.Background(), s.ID, "new title"); err != nil {
		t.Fatalf("RenameSession failed: %v", err)
	}
	got, err := store.Get(context.Background(), s.ID, "user-1")
	if err != nil || got == nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Title != "new title" {
		t.Fatalf("title = %q, want %q", got.Title, "new title")
	}
}
