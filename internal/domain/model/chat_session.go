package model

import (
	"strings"
	"time"
)

const titleMaxLen = 50

// ChatSession is the aggregate root for one conversation. Messages are
// append-only except for the in-place content growth of the single
// loading assistant message.
type ChatSession struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"userId"`
	Title         string          `json:"title"`
	Messages      []Message       `json:"messages"`
	AttachedFiles []FileReference `json:"attachedFiles,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func NewChatSession(id, ownerID, title string) *ChatSession {
	now := time.Now()
	if title == "" {
		title = "New Chat"
	}
	return &ChatSession{
		ID:        id,
		OwnerID:   ownerID,
		Title:     title,
		Messages:  make([]Message, 0, 8),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DeriveTitle builds a session title from the first user message:
// trimmed, newlines collapsed to spaces, truncated to 50 runes with an
// ellipsis suffix when cut.
func DeriveTitle(firstMessage string) string {
	cleaned := strings.Join(strings.Fields(firstMessage), " ")
	runes := []rune(cleaned)
	if len(runes) <= titleMaxLen {
		return cleaned
	}
	return strings.TrimSpace(string(runes[:titleMaxLen])) + "..."
}

// AppendMessage adds m and bumps UpdatedAt. A second loading message is
// never admitted; the caller must finish or roll back the current one
// first.
func (s *ChatSession) AppendMessage(m Message) bool {
	if m.IsLoading && s.LoadingIndex() >= 0 {
		return false
	}
	s.Messages = append(s.Messages, m)
	s.UpdatedAt = time.Now()
	return true
}

// LoadingIndex returns the index of the in-progress assistant message,
// or -1 when none is open.
func (s *ChatSession) LoadingIndex() int {
	for i := range s.Messages {
		if s.Messages[i].IsLoading {
			return i
		}
	}
	return -1
}

// ApplyDelta grows the loading message's content by delta. Content only
// ever extends; there is no replace path.
func (s *ChatSession) ApplyDelta(delta string) bool {
	i := s.LoadingIndex()
	if i < 0 {
		return false
	}
	s.Messages[i].Content += delta
	s.UpdatedAt = time.Now()
	return true
}

// FinishLoading marks the loading message final. The true->false
// transition happens exactly once per placeholder.
func (s *ChatSession) FinishLoading() bool {
	i := s.LoadingIndex()
	if i < 0 {
		return false
	}
	s.Messages[i].IsLoading = false
	s.UpdatedAt = time.Now()
	return true
}

// DropLoading removes the placeholder entirely (stream failure rollback).
func (s *ChatSession) DropLoading() bool {
	i := s.LoadingIndex()
	if i < 0 {
		return false
	}
	s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
	s.UpdatedAt = time.Now()
	return true
}

func (s *ChatSession) AttachFile(f FileReference) {
	for _, existing := range s.AttachedFiles {
		if existing.ID == f.ID {
			return
		}
	}
	s.AttachedFiles = append(s.AttachedFiles, f)
	s.UpdatedAt = time.Now()
}

func (s *ChatSession) DetachFile(fileID string) bool {
	for i, f := range s.AttachedFiles {
		if f.ID == fileID {
			s.AttachedFiles = append(s.AttachedFiles[:i], s.AttachedFiles[i+1:]...)
			s.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// WireMessage is the role+content pair actually sent to the completion
// endpoint. Ids and timestamps never cross the wire.
type WireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// History flattens the session for the completion request. The loading
// placeholder is excluded; file messages contribute their context line
// ahead of any caption.
func (s *ChatSession) History() []WireMessage {
	out := make([]WireMessage, 0, len(s.Messages))
	for _, m := range s.Messages {
		if m.IsLoading {
			continue
		}
		content := m.Content
		if m.Kind == MessageFile && m.File != nil {
			if content != "" {
				content = m.File.ContextLine() + "\n\n" + content
			} else {
				content = m.File.ContextLine()
			}
		}
		out = append(out, WireMessage{Role: string(m.Role), Content: content})
	}
	return out
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (s *ChatSession) Clone() *ChatSession {
	cp := *s
	cp.Messages = make([]Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	if s.AttachedFiles != nil {
		cp.AttachedFiles = make([]FileReference, len(s.AttachedFiles))
		copy(cp.AttachedFiles, s.AttachedFiles)
	}
	return &cp
}
