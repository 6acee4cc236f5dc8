// File: internal/usecase/reconciler.go
package usecase

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"ai-chat-sync/internal/domain/model"
	"ai-chat-sync/internal/domain/ports/repository"
)

// Merge resolves a remote snapshot of a session against local state.
// While a stream is open the local side always wins; afterwards a
// snapshot wins only when it carries at least as many messages as the
// local copy. The guard is length-based rather than timestamp-based
// because server timestamps may be coarser or still pending.
func Merge(local, remote *model.ChatSession, isStreaming bool) *model.ChatSession {
	if local == nil {
		return remote
	}
	if remote == nil {
		return local
	}
	if isStreaming {
		return local
	}
	if len(remote.Messages) < len(local.Messages) {
		return local
	}
	return remote
}

// SyncReconciler subscribes to the store's live snapshots and merges
// them into local state. The full session list is always adopted; the
// session currently in focus goes through the Merge policy so a lagging
// snapshot never erases in-flight tokens.
type SyncReconciler struct {
	store  repository.SessionStore
	ctrl   *StreamingSessionController
	events *Emitter
	log    *zerolog.Logger

	mu       sync.Mutex
	sessions []*model.ChatSession
	unsub    repository.Unsubscribe
}

func NewSyncReconciler(store repository.SessionStore, ctrl *StreamingSessionController, events *Emitter, logger *zerolog.Logger) *SyncReconciler {
	return &SyncReconciler{store: store, ctrl: ctrl, events: events, log: logger}
}

// Start opens the live subscription for ownerID. Call Stop on sign-out
// or disposal; listeners never outlive their reconciler.
func (r *SyncReconciler) Start(ctx context.Context, ownerID string) error {
	unsub, err := r.store.Subscribe(ctx, ownerID, r.onSnapshot, r.onError)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()
	return nil
}

func (r *SyncReconciler) Stop() {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Sessions returns the last snapshot of the owner's session list.
func (r *SyncReconciler) Sessions() []*model.ChatSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.ChatSession, len(r.sessions))
	copy(out, r.sessions)
	return out
}

func (r *SyncReconciler) onSnapshot(sessions []*model.ChatSession) {
	// The sidebar list is adopted unconditionally.
	r.mu.Lock()
	r.sessions = sessions
	r.mu.Unlock()

	// The focused session goes through the merge guard.
	if id := r.ctrl.CurrentID(); id != "" {
		for _, s := range sessions {
			if s.ID == id {
				r.ctrl.ReconcileRemote(s)
				break
			}
		}
	}

	r.events.Emit(Event{Kind: EventSessionsChanged, Sessions: sessions})
}

// onError surfaces a sync failure without clearing local data.
func (r *SyncReconciler) onError(err error) {
	r.log.Warn().Err(err).Msg("session subscription error")
	r.ctrl.SetSyncError(err)
}
