// Package export writes a conversation's merged message list as a
// transcript in one of several formats.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Transcript is the exported form of a conversation.
type Transcript struct {
	ConversationID string    `json:"conversation_id" yaml:"conversation_id"`
	ExportedAt     time.Time `json:"exported_at" yaml:"exported_at"`
	SyncState      string    `json:"sync_state" yaml:"sync_state"`
	Partial        bool      `json:"partial,omitempty" yaml:"partial,omitempty"`
	Messages       []Message `json:"messages" yaml:"messages"`
}

// Message is one transcript entry. Annotations and parts are not exported.
type Message struct {
	ID          string    `json:"id" yaml:"id"`
	Role        string    `json:"role" yaml:"role"`
	Content     string    `json:"content" yaml:"content"`
	SequenceNum int64     `json:"sequence_num" yaml:"sequence_num"`
	CreatedAt   time.Time `json:"created_at,omitzero" yaml:"created_at,omitempty"`
	Pending     bool      `json:"pending,omitempty" yaml:"pending,omitempty"`
}

// NewTranscript builds a transcript from a merged message list.
func NewTranscript(conversationID, syncState string, partial bool, msgs []models.Message) *Transcript {
	t := &Transcript{
		ConversationID: conversationID,
		ExportedAt:     time.Now().UTC(),
		SyncState:      syncState,
		Partial:        partial,
		Messages:       make([]Message, 0, len(msgs)),
	}

	for _, m := range msgs {
		t.Messages = append(t.Messages, Message{
			ID:          m.ID,
			Role:        string(m.Role),
			Content:     m.Content,
			SequenceNum: m.SequenceNum,
			CreatedAt:   m.CreatedAt,
			Pending:     models.HasPendingMarker(m),
		})
	}

	return t
}

// Exporter defines the interface for all export formats.
type Exporter interface {
	Export(t *Transcript, w io.Writer) error
	Extension() string
}

// NewExporter creates a new exporter based on format.
func NewExporter(format string) (Exporter, error) {
	switch format {
	case "json", "":
		return &JSONExporter{}, nil
	case "jsonl":
		return &JSONLExporter{}, nil
	case "yaml", "yml":
		return &YAMLExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: json, jsonl, yaml)", format)
	}
}
