// Package mcpserver registers MCP tools that expose the synced
// conversation. It adapts chatsync.Session to the MCP SDK's tool handler
// interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/chatsync"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/pending"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/time/rate"
)

// reloadInterval is the minimum spacing between chat_reload calls. Each
// reload pages through the whole history.
const reloadInterval = 10 * time.Second

// Conversation is the part of chatsync.Session the tools use.
type Conversation interface {
	ConversationID() string
	Messages() []models.Message
	Status() pending.SyncStatus
	Partial() bool
	Load(ctx context.Context) (*chatsync.LoadSummary, error)
}

// RegisterTools adds all conversation tools to the given MCP server.
func RegisterTools(server *mcp.Server, c Conversation) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_messages",
		Description: "List the merged conversation: server messages plus local messages still waiting for confirmation, ordered by sequence number. Use tail to return only the most recent messages.",
	}, messagesHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_sync_status",
		Description: "Report the conversation's sync state (signed-out, syncing, pending, error, synced), the number of pending messages and the last sync error.",
	}, statusHandler(c))

	reloadLimiter := rate.NewLimiter(rate.Every(reloadInterval), 1)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_reload",
		Description: "Reload the full history from the server and merge it with locally buffered messages. Returns counts and whether the load stopped early on rate limits.",
	}, reloadHandler(c, reloadLimiter))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// MessagesInput holds parameters for chat_messages.
type MessagesInput struct {
	Tail int `json:"tail,omitempty" jsonschema:"return only the last N messages, 0 means all"`
}

// StatusInput has no parameters.
type StatusInput struct{}

// ReloadInput has no parameters.
type ReloadInput struct{}

// --- Output types ---

// MessageView is a message as shown to MCP clients. Annotations and parts
// are reduced to the pending flag.
type MessageView struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	SequenceNum int64  `json:"sequence_num"`
	CreatedAt   string `json:"created_at,omitempty"`
	Pending     bool   `json:"pending"`
}

// MessagesResult is the output of chat_messages.
type MessagesResult struct {
	ConversationID string        `json:"conversation_id"`
	Total          int           `json:"total"`
	Returned       int           `json:"returned"`
	Partial        bool          `json:"partial"`
	Messages       []MessageView `json:"messages"`
}

// StatusResult is the output of chat_sync_status.
type StatusResult struct {
	ConversationID string `json:"conversation_id"`
	State          string `json:"state"`
	PendingCount   int    `json:"pending_count"`
	LastError      string `json:"last_error,omitempty"`
	LastErrorAt    string `json:"last_error_at,omitempty"`
	Partial        bool   `json:"partial"`
}

// ReloadResult is the output of chat_reload.
type ReloadResult struct {
	ConversationID string `json:"conversation_id"`
	Total          int    `json:"total"`
	Loaded         int    `json:"loaded"`
	LocalOnly      int    `json:"local_only"`
	Duplicates     int    `json:"duplicates_removed"`
	Partial        bool   `json:"partial"`
}

// --- Handlers ---

func messagesHandler(c Conversation) mcp.ToolHandlerFor[MessagesInput, *MessagesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input MessagesInput) (*mcp.CallToolResult, *MessagesResult, error) {
		if input.Tail < 0 {
			return nil, nil, fmt.Errorf("tail must not be negative")
		}

		msgs := c.Messages()
		total := len(msgs)

		if input.Tail > 0 && input.Tail < total {
			msgs = msgs[total-input.Tail:]
		}

		result := &MessagesResult{
			ConversationID: c.ConversationID(),
			Total:          total,
			Returned:       len(msgs),
			Partial:        c.Partial(),
			Messages:       make([]MessageView, len(msgs)),
		}

		for i, m := range msgs {
			result.Messages[i] = viewOf(m)
		}

		return textResult(result), result, nil
	}
}

func statusHandler(c Conversation) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		st := c.Status()

		result := &StatusResult{
			ConversationID: c.ConversationID(),
			State:          string(st.State),
			PendingCount:   st.PendingCount,
			LastError:      st.LastError,
			Partial:        c.Partial(),
		}

		if st.LastErrorAt != nil {
			result.LastErrorAt = st.LastErrorAt.UTC().Format(time.RFC3339)
		}

		return textResult(result), result, nil
	}
}

func reloadHandler(c Conversation, limiter *rate.Limiter) mcp.ToolHandlerFor[ReloadInput, *ReloadResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ReloadInput) (*mcp.CallToolResult, *ReloadResult, error) {
		if !limiter.Allow() {
			return nil, nil, fmt.Errorf("reload already requested in the last %s, try again later", reloadInterval)
		}

		summary, err := c.Load(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &ReloadResult{
			ConversationID: c.ConversationID(),
			Total:          summary.Total,
			Loaded:         summary.Loaded,
			LocalOnly:      summary.LocalOnly,
			Duplicates:     summary.DuplicatesRemoved,
			Partial:        summary.Partial,
		}

		return textResult(result), result, nil
	}
}

func viewOf(m models.Message) MessageView {
	v := MessageView{
		ID:          m.ID,
		Role:        string(m.Role),
		Content:     m.Content,
		SequenceNum: m.SequenceNum,
		Pending:     models.HasPendingMarker(m),
	}

	if !m.CreatedAt.IsZero() {
		v.CreatedAt = m.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	return v
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
