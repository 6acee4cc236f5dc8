package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"

	"ai-chat-sync/internal/config"
	"ai-chat-sync/internal/domain"
	"ai-chat-sync/internal/domain/model"
	"ai-chat-sync/internal/domain/ports/adapter"
	"ai-chat-sync/internal/infra/metrics"
)

// Compile-time assurance this client satisfies the port
var _ adapter.CompletionClient = (*OpenAIClient)(nil)

// OpenAIClient speaks the OpenAI-compatible chat completions wire format
// with streaming enabled. No implicit retry: callers decide.
type OpenAIClient struct {
	base        string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	client      *http.Client
	log         *zerolog.Logger

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

func NewOpenAIClient(cfg config.CompletionConfig, logger *zerolog.Logger) (*OpenAIClient, error) {
	if cfg.BaseURL == "" {
		return nil, &domain.ConfigError{Field: "completion.base_url"}
	}
	if cfg.APIKey == "" {
		return nil, &domain.ConfigError{Field: "completion.api_key"}
	}
	return &OpenAIClient{
		base:        strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		// No overall timeout: the response body is a long-lived stream.
		client: &http.Client{Timeout: 0},
		log:    logger,
	}, nil
}

func (c *OpenAIClient) StreamChat(ctx context.Context, history []model.WireMessage) (adapter.CompletionStream, error) {
	reqBody := struct {
		Model       string              `json:"model"`
		Messages    []model.WireMessage `json:"messages"`
		Stream      bool                `json:"stream"`
		MaxTokens   int                 `json:"max_tokens"`
		Temperature float64             `json:"temperature"`
	}{
		Model:       c.model,
		Messages:    history,
		Stream:      true,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	if tokens, err := c.CountTokens(history); err == nil {
		metrics.ObservePromptTokens(c.model, tokens)
		c.log.Debug().Int("prompt_tokens", tokens).Int("messages", len(history)).Msg("opening completion stream")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Op: "connect", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		_ = resp.Body.Close()
		c.log.Error().Int("status", resp.StatusCode).Str("body", string(body)).Msg("completion endpoint error")
		return nil, &domain.RemoteError{Status: resp.StatusCode, Body: string(body)}
	}

	return &sseStream{body: resp.Body, dec: NewStreamDecoder(), model: c.model, started: time.Now()}, nil
}

// CountTokens is best effort: unknown models fall back to the cl100k
// encoding, and an encoder failure just reports zero.
func (c *OpenAIClient) CountTokens(history []model.WireMessage) (int, error) {
	c.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			c.log.Warn().Err(err).Msg("tiktoken encoding unavailable")
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return 0, nil
	}
	total := 0
	for _, m := range history {
		total += len(c.enc.Encode(m.Content, nil, nil))
		// per-message framing overhead, matching OpenAI's accounting
		total += 4
	}
	return total, nil
}

// sseStream adapts an HTTP response body to the CompletionStream port.
type sseStream struct {
	body    io.ReadCloser
	dec     *StreamDecoder
	model   string
	started time.Time

	pending []string
	closed  bool
}

func (s *sseStream) Recv() (adapter.Delta, error) {
	for {
		if len(s.pending) > 0 {
			d := s.pending[0]
			s.pending = s.pending[1:]
			metrics.ObserveDelta(s.model)
			return adapter.Delta{Content: d}, nil
		}
		if s.dec.Done() {
			metrics.ObserveStream(s.model, time.Since(s.started).Milliseconds(), true)
			return adapter.Delta{}, io.EOF
		}

		chunk := make([]byte, 4096)
		n, err := s.body.Read(chunk)
		if n > 0 {
			deltas, _ := s.dec.Write(chunk[:n])
			s.pending = append(s.pending, deltas...)
		}
		if err != nil {
			if s.dec.Done() || err == io.EOF {
				// Sentinel already seen, or the server closed the body
				// without one; drain what we decoded, then end.
				if len(s.pending) > 0 {
					continue
				}
				metrics.ObserveStream(s.model, time.Since(s.started).Milliseconds(), s.dec.Done())
				return adapter.Delta{}, io.EOF
			}
			metrics.ObserveStream(s.model, time.Since(s.started).Milliseconds(), false)
			return adapter.Delta{}, &domain.TransportError{Op: "read", Err: err}
		}
	}
}

func (s *sseStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
