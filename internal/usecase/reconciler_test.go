// File: internal/usecase/reconciler_test.go
package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ai-chat-sync/internal/domain/model"
)

func sessionWithMessages(id string, n int) *model.ChatSession {
	s := model.NewChatSession(id, "user-1", "t")
	for i := 0; i < n; i++ {
		s.AppendMessage(model.NewTextMessage(model.RoleUser, "m"))
	}
	return s
}

func TestMerge(t *testing.T) {
	local := sessionWithMessages("s1", 3)
	shorter := sessionWithMessages("s1", 2)
	equal := sessionWithMessages("s1", 3)
	longer := sessionWithMessages("s1", 4)

	tests := []struct {
		name        string
		local       *model.ChatSession
		remote      *model.ChatSession
		isStreaming bool
		want        *model.ChatSession
	}{
		{"nil local adopts remote", nil, longer, false, longer},
		{"nil remote keeps local", local, nil, false, local},
		{"streaming always keeps local", local, longer, true, local},
		{"shorter remote loses", local, shorter, false, local},
		{"equal length remote wins", local, equal, false, equal},
		{"longer remote wins", local, longer, false, longer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Merge(tt.local, tt.remote, tt.isStreaming); got != tt.want {
				t.Fatalf("Merge picked the wrong side")
			}
		})
	}
}

func newTestReconciler(t *testing.T) (*SyncReconciler, *StreamingSessionController, *memSessionStore, *Emitter) {
	t.Helper()
	store := newMemSessionStore()
	logger := zerolog.Nop()
	events := NewEmitter()
	ctrl := NewStreamingSessionController("user-1", &fakeClient{}, store, events, &manualRunner{}, 0, &logger)
	recon := NewSyncReconciler(store, ctrl, events, &logger)
	if err := recon.Start(context.Background(), "user-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(recon.Stop)
	return recon, ctrl, store, events
}

func TestReconcilerAdoptsSessionList(t *testing.T) {
	recon, _, store, events := newTestReconciler(t)

	ch, cancel := events.Subscribe()
	defer cancel()

	list := []*model.ChatSession{
		sessionWithMessages("s1", 1),
		sessionWithMessages("s2", 2),
	}
	store.push(list)

	got := recon.Sessions()
	if len(got) != 2 {
		t.Fatalf("sessions = %d, want 2", len(got))
	}

	select {
	case ev := <-ch:
		if ev.Kind != EventSessionsChanged {
			t.Fatalf("event kind = %q, want sessionsChanged", ev.Kind)
		}
		if len(ev.Sessions) != 2 {
			t.Fatalf("event sessions = %d, want 2", len(ev.Sessions))
		}
	case <-time.After(time.Second):
		t.Fatalf("no sessionsChanged event")
	}
}

func TestReconcilerMergesFocusedSession(t *testing.T) {
	_, ctrl, store, _ := newTestReconciler(t)

	s, err := ctrl.NewSession(context.Background(), "focus")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	remote := sessionWithMessages(s.ID, 3)
	store.push([]*model.ChatSession{remote})

	if got := len(ctrl.Current().Messages); got != 3 {
		t.Fatalf("focused session messages = %d, want remote snapshot adopted", got)
	}
}

func TestReconcilerIgnoresStaleFocusedSnapshot(t *testing.T) {
	_, ctrl, store, _ := newTestReconciler(t)

	s, err := ctrl.NewSession(context.Background(), "focus")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	local := sessionWithMessages(s.ID, 2)
	ctrl.ReconcileRemote(local) // seed local with two messages
	if len(ctrl.Current().Messages) != 2 {
		t.Fatalf("seed failed")
	}

	stale := sessionWithMessages(s.ID, 1)
	store.push([]*model.ChatSession{stale})

	if got := len(ctrl.Current().Messages); got != 2 {
		t.Fatalf("stale snapshot clobbered local state: messages = %d", got)
	}
}

func TestReconcilerErrorIsNonDestructive(t *testing.T) {
	recon, ctrl, store, _ := newTestReconciler(t)

	store.push([]*model.ChatSession{sessionWithMessages("s1", 1)})
	if len(recon.Sessions()) != 1 {
		t.Fatalf("snapshot not adopted")
	}

	store.onError(errors.New("listener dropped"))

	if ctrl.Err() == nil {
		t.Fatalf("sync error not surfaced")
	}
	if len(recon.Sessions()) != 1 {
		t.Fatalf("sync error wiped the session list")
	}
}

func TestReconcilerStopIsIdempotent(t *testing.T) {
	recon, _, store, _ := newTestReconciler(t)
	recon.Stop()
	recon.Stop()
	if store.onSnapshot != nil {
		t.Fatalf("subscription still registered after Stop")
	}
}
