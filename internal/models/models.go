package models

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system" // only used inside outbound title prompts
)

const (
	// NewChatTitle is the title every conversation starts with.
	NewChatTitle = "New Chat"
	// PendingTitle is shown while an AI title is being generated.
	PendingTitle = "Generating title..."
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Pinned    bool      `json:"pinned"`

	// Loaded is false for listing-only entries whose messages have not been fetched yet.
	Loaded bool `json:"-"`
}

// Untitled reports whether the conversation still carries a placeholder title.
func (c Conversation) Untitled() bool {
	return c.Title == "" || c.Title == NewChatTitle || c.Title == PendingTitle
}

// FirstUserMessage returns the content of the first user message, if any.
func (c Conversation) FirstUserMessage() (string, bool) {
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			return m.Content, true
		}
	}
	return "", false
}

// IDFunc generates a new conversation identifier.
type IDFunc func() string

var lastTimestampID atomic.Int64

// NewTimestampID returns the current Unix time in milliseconds. This is the id format
// the reference backend stores as an integer primary key. Ids are strictly increasing
// within a process even when two are requested in the same millisecond.
func NewTimestampID() string {
	now := time.Now().UnixMilli()
	for {
		last := lastTimestampID.Load()
		next := max(now, last+1)
		if lastTimestampID.CompareAndSwap(last, next) {
			return strconv.FormatInt(next, 10)
		}
	}
}

func NewUUID() string {
	return uuid.New().String()
}

// IDFuncFor maps a configured id format to a generator. Unknown formats fall back to
// timestamps.
func IDFuncFor(format string) IDFunc {
	if format == "uuid" {
		return NewUUID
	}
	return NewTimestampID
}
