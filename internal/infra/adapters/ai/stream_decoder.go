package ai

import (
	"bytes"
	"encoding/json"

	"ai-chat-sync/internal/infra/metrics"
)

const (
	eventPrefix  = "data: "
	doneSentinel = "[DONE]"
)

// deltaPayload covers both wire shapes: the raw completion endpoint
// emits choices[0].delta.content, the proxy re-emits a bare content
// field.
type deltaPayload struct {
	Content string `json:"content"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// StreamDecoder turns raw SSE byte chunks into content deltas. It is
// push-based and synchronous: feed every chunk to Write as it arrives.
// Incomplete trailing lines (including partial UTF-8 sequences) are
// buffered until the next chunk completes them.
type StreamDecoder struct {
	buf  []byte
	done bool
}

func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{}
}

// Done reports whether the terminal sentinel has been seen. Once done,
// Write ignores all further input.
func (d *StreamDecoder) Done() bool { return d.done }

// Write decodes one chunk and returns the content deltas it completed,
// plus whether the stream terminated in this chunk. Malformed payloads
// are dropped frame-by-frame; a single corrupt frame never aborts the
// stream.
func (d *StreamDecoder) Write(chunk []byte) (deltas []string, done bool) {
	if d.done {
		return nil, true
	}
	d.buf = append(d.buf, chunk...)

	for {
		nl := bytes.IndexByte(d.buf, '\n')
		if nl < 0 {
			return deltas, false
		}
		line := d.buf[:nl]
		d.buf = d.buf[nl+1:]

		payload, ok := cutEventPrefix(line)
		if !ok {
			continue
		}
		if string(payload) == doneSentinel {
			d.done = true
			d.buf = nil
			return deltas, true
		}

		var p deltaPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			metrics.IncDroppedFrame()
			continue
		}
		content := p.Content
		if content == "" && len(p.Choices) > 0 {
			content = p.Choices[0].Delta.Content
		}
		if content == "" {
			continue
		}
		deltas = append(deltas, content)
	}
}

func cutEventPrefix(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, []byte(eventPrefix)) {
		return nil, false
	}
	return bytes.TrimSpace(line[len(eventPrefix):]), true
}
