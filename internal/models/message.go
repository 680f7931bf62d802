// Package models holds the wire types shared by the loader, the merger,
// the pending tracker and the realtime gate.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role is the semantic origin of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single chat message. Annotations and Parts are carried
// through untouched; only the pending marker annotation is interpreted.
type Message struct {
	ID          string            `json:"id"`
	Role        Role              `json:"role"`
	Content     string            `json:"content"`
	SequenceNum int64             `json:"sequence_num"`
	CreatedAt   time.Time         `json:"createdAt"`
	Annotations []json.RawMessage `json:"annotations,omitempty"`
	Parts       []json.RawMessage `json:"parts,omitempty"`
}

// UnmarshalJSON accepts both "id" and "message_id" as the identifier.
// The server uses message_id on some endpoints.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message

	aux := struct {
		plain
		MessageID string `json:"message_id"`
	}{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*m = Message(aux.plain)
	if m.ID == "" {
		m.ID = aux.MessageID
	}

	return nil
}

// IsEmptyPlaceholder reports whether the message carries no content yet.
// Assistant replies are created empty and filled while streaming.
func (m Message) IsEmptyPlaceholder() bool {
	return strings.TrimSpace(m.Content) == "" && len(m.Parts) == 0
}

// Clone returns a copy whose slices do not alias the original.
func (m Message) Clone() Message {
	c := m
	if m.Annotations != nil {
		c.Annotations = make([]json.RawMessage, len(m.Annotations))
		copy(c.Annotations, m.Annotations)
	}

	if m.Parts != nil {
		c.Parts = make([]json.RawMessage, len(m.Parts))
		copy(c.Parts, m.Parts)
	}

	return c
}

// CloneMessages copies a message slice. A nil input yields nil.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}

	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Clone()
	}

	return out
}

// Page is one page of the message history endpoint.
type Page struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
}

// PushPayload is a realtime delivery of the full message list for a
// conversation.
type PushPayload struct {
	Messages       []Message `json:"messages"`
	LastModifiedBy string    `json:"last_modified_by"`
}
