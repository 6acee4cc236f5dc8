package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageFile   MessageKind = "file"
	MessageSystem MessageKind = "system"
)

// Message is the single canonical message shape. Kind tags the variant:
// text messages carry only Content, file messages additionally carry File.
// An assistant message under construction has IsLoading set; its Content
// grows monotonically until the stream terminates.
type Message struct {
	ID        string         `json:"id"`
	Kind      MessageKind    `json:"kind"`
	Role      MessageRole    `json:"role"`
	Content   string         `json:"content"`
	File      *FileReference `json:"file,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	IsLoading bool           `json:"isLoading,omitempty"`
}

// NewMessageID returns a ULID string. ULIDs sort by creation time, which
// keeps message order stable when a store round-trips them.
func NewMessageID() string {
	return ulid.Make().String()
}

func NewTextMessage(role MessageRole, content string) Message {
	return Message{
		ID:        NewMessageID(),
		Kind:      MessageText,
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

func NewFileMessage(file FileReference, caption string) Message {
	f := file
	return Message{
		ID:        NewMessageID(),
		Kind:      MessageFile,
		Role:      RoleUser,
		Content:   caption,
		File:      &f,
		Timestamp: time.Now(),
	}
}

// NewPlaceholderMessage is the mutable assistant message shown while a
// completion stream is open.
func NewPlaceholderMessage() Message {
	return Message{
		ID:        NewMessageID(),
		Kind:      MessageText,
		Role:      RoleAssistant,
		Content:   "",
		Timestamp: time.Now(),
		IsLoading: true,
	}
}
