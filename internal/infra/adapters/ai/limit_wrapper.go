package ai

import (
	"context"

	"ai-chat-sync/internal/domain/model"
	"ai-chat-sync/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.CompletionClient = (*limitedClient)(nil)

// limitedClient bounds the number of concurrently open completion
// streams. The semaphore slot is held for the life of the stream, not
// just the connection handshake.
type limitedClient struct {
	inner adapter.CompletionClient
	sem   chan struct{}
}

func NewLimitedClient(inner adapter.CompletionClient, maxConcurrent int) adapter.CompletionClient {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedClient{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (l *limitedClient) StreamChat(ctx context.Context, history []model.WireMessage) (adapter.CompletionStream, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	st, err := l.inner.StreamChat(ctx, history)
	if err != nil {
		<-l.sem
		return nil, err
	}
	return &limitedStream{CompletionStream: st, release: func() { <-l.sem }}, nil
}

func (l *limitedClient) CountTokens(history []model.WireMessage) (int, error) {
	return l.inner.CountTokens(history)
}

type limitedStream struct {
	adapter.CompletionStream
	release func()
	done    bool
}

func (s *limitedStream) Close() error {
	if !s.done {
		s.done = true
		s.release()
	}
	return s.CompletionStream.Close()
}
