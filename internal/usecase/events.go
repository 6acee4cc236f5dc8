package usecase

import (
	"sync"

	"ai-chat-sync/internal/domain/model"
)

type EventKind string

const (
	EventMessageAppended EventKind = "messageAppended"
	EventMessageUpdated  EventKind = "messageUpdated"
	EventStreamEnded     EventKind = "streamEnded"
	EventStreamFailed    EventKind = "streamFailed"
	EventSessionsChanged EventKind = "sessionsChanged"
)

// Event is pushed to subscribers on every state change the UI layer
// cares about. Message is set for message events, Sessions for
// sessionsChanged, Err for streamFailed.
type Event struct {
	Kind      EventKind
	SessionID string
	Message   *model.Message
	Sessions  []*model.ChatSession
	Err       error
}

// Emitter fans events out to subscribers. Delivery is best effort: a
// subscriber whose buffer is full misses the event rather than blocking
// the streaming path.
type Emitter struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]chan Event)}
}

// Subscribe returns a buffered event channel and a cancel function.
// The channel is closed on cancel.
func (e *Emitter) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	ch := make(chan Event, 64)
	e.subs[id] = ch
	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
	}
}

func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
