package ai

import (
	"context"
	"io"
	"strings"
	"time"

	"ai-chat-sync/internal/domain/model"
	"ai-chat-sync/internal/domain/ports/adapter"
)

var _ adapter.CompletionClient = (*NoopClient)(nil)

// NoopClient implements the completion port for local/dev runs. It
// replays a canned reply word by word so the streaming path, including
// delta folding and finalization, can be exercised without a real
// endpoint.
type NoopClient struct {
	Reply string
	Delay time.Duration
}

func NewNoopClient() *NoopClient {
	return &NoopClient{
		Reply: "This is a canned development response streamed one word at a time.",
		Delay: 50 * time.Millisecond,
	}
}

func (n *NoopClient) StreamChat(ctx context.Context, history []model.WireMessage) (adapter.CompletionStream, error) {
	words := strings.SplitAfter(n.Reply, " ")
	return &cannedStream{ctx: ctx, words: words, delay: n.Delay}, nil
}

func (n *NoopClient) CountTokens(history []model.WireMessage) (int, error) {
	total := 0
	for _, m := range history {
		total += len(strings.Fields(m.Content))
	}
	return total, nil
}

type cannedStream struct {
	ctx   context.Context
	words []string
	delay time.Duration
	pos   int
}

func (c *cannedStream) Recv() (adapter.Delta, error) {
	if c.pos >= len(c.words) {
		return adapter.Delta{}, io.EOF
	}
	select {
	case <-time.After(c.delay):
	case <-c.ctx.Done():
		return adapter.Delta{}, c.ctx.Err()
	}
	d := adapter.Delta{Content: c.words[c.pos]}
	c.pos++
	return d, nil
}

func (c *cannedStream) Close() error {
	c.pos = len(c.words)
	return nil
}
