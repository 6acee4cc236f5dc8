package adapter

import (
	"context"

	"ai-chat-sync/internal/domain/model"
)

// Delta is one incremental fragment of assistant text from the stream.
type Delta struct {
	Content string
}

// CompletionStream is a live token stream. Recv blocks until the next
// delta, returns io.EOF once the terminal sentinel has been seen, and a
// *domain.TransportError with Op "read" on a mid-stream failure. Close
// releases the underlying connection and is safe to call at any time.
type CompletionStream interface {
	Recv() (Delta, error)
	Close() error
}

// CompletionClient is the port for the chat completion endpoint.
type CompletionClient interface {
	// StreamChat posts the accumulated history with streaming enabled.
	// Connection-time failures surface as *domain.RemoteError (non-2xx)
	// or *domain.TransportError (network); there is no implicit retry.
	StreamChat(ctx context.Context, history []model.WireMessage) (CompletionStream, error)

	// CountTokens reports prompt tokens for the history, best effort.
	CountTokens(history []model.WireMessage) (int, error)
}
