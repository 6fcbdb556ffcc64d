// Package session owns per-conversation message logs: their in-memory
// form, their durable storage, and the per-key turn lock that keeps two
// turns of the same conversation from interleaving.
package session

import (
	"maps"
	"slices"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// TimestampFormat is the ISO-8601 layout used for message timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000000Z07:00"

// Message is one conversational record. Messages are append-only; the
// only mutation is trimming old ones during consolidation.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`

	// Tool-call metadata. ToolsUsed is set on final assistant answers;
	// ToolCallID and ToolName on tool results.
	ToolsUsed  []string `json:"tools_used,omitempty"`
	ToolCallID string   `json:"tool_call_id,omitempty"`
	ToolName   string   `json:"name,omitempty"`
}

// NewMessage returns a message stamped with now.
func NewMessage(role, content string, now time.Time) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: now.Format(TimestampFormat),
	}
}

// Session is the durable state of one conversation. Key identifies the
// conversation as "channel:conversation".
type Session struct {
	Key       string
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]any
}

// New returns an empty session created at now.
func New(key string, now time.Time) *Session {
	return &Session{
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]any{},
	}
}

// Append adds m and bumps UpdatedAt.
func (s *Session) Append(m Message, now time.Time) {
	s.Messages = append(s.Messages, m)
	s.UpdatedAt = now
}

// History returns the newest max messages, or all of them when max is
// not positive or exceeds the count. The result shares no storage with
// s.
func (s *Session) History(max int) []Message {
	msgs := s.Messages
	if max > 0 && len(msgs) > max {
		msgs = msgs[len(msgs)-max:]
	}
	return slices.Clone(msgs)
}

// Clone returns a deep copy suitable for mutating as a working copy.
// The metadata map is copied one level deep.
func (s *Session) Clone() *Session {
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		m.ToolsUsed = slices.Clone(m.ToolsUsed)
		c.Messages[i] = m
	}
	c.Metadata = maps.Clone(s.Metadata)
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	return &c
}
