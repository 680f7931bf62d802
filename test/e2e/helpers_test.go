package e2e_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chatsync"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/nutapi"
	"github.com/alexjbarnes/chat-sync/internal/pending"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testConversation = "proj-e2e"
	testUser         = "alice"
	testToken        = "backend-token"
)

// backend is a fake chat backend: a paginated history endpoint and a
// push channel that sends whatever frames the test queues.
type backend struct {
	mu          sync.Mutex
	messages    []models.Message
	rateLimited int
	requests    int

	frames chan []byte
	api    *httptest.Server
	ws     *httptest.Server
}

func newBackend(t *testing.T, msgs ...models.Message) *backend {
	t.Helper()

	b := &backend{
		messages: msgs,
		frames:   make(chan []byte, 16),
	}

	b.api = httptest.NewServer(http.HandlerFunc(b.serveMessages))
	t.Cleanup(b.api.Close)

	b.ws = httptest.NewServer(http.HandlerFunc(b.servePush))
	t.Cleanup(b.ws.Close)

	return b
}

// rateLimitNext makes the next n history requests answer 429.
func (b *backend) rateLimitNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rateLimited = n
}

func (b *backend) setMessages(msgs ...models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = msgs
}

func (b *backend) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.requests
}

func (b *backend) serveMessages(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Not signed in"}`))

		return
	}

	if r.URL.Path != "/api/projects/"+testConversation+"/messages" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests++

	if b.rateLimited > 0 {
		b.rateLimited--
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"slow down"}`))

		return
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	end := min(offset+limit, len(b.messages))
	page := []models.Message{}

	if offset < end {
		page = b.messages[offset:end]
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(models.Page{Messages: page, Total: len(b.messages)})
}

func (b *backend) servePush(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	if _, _, err := conn.Read(ctx); err != nil {
		return
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"op":"subscribed"}`)); err != nil {
		return
	}

	// Drain client frames (pongs) so control frames are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-b.frames:
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}
	}
}

// push queues an update frame on the push channel.
func (b *backend) push(t *testing.T, lastModifiedBy string, msgs ...models.Message) {
	t.Helper()

	frame, err := json.Marshal(struct {
		Op string `json:"op"`
		models.PushPayload
	}{Op: "update", PushPayload: models.PushPayload{Messages: msgs, LastModifiedBy: lastModifiedBy}})
	require.NoError(t, err)

	b.frames <- frame
}

// harness is the full client stack wired against a backend: a session
// backed by a real bbolt state file, and the MCP server behind API key
// auth.
type harness struct {
	Backend *backend
	Session *chatsync.Session
	State   *state.State
	URL     string
	APIKey  string
	Client  *http.Client
}

func newHarness(t *testing.T, b *backend) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	client := nutapi.NewClient(nil, b.api.URL, testToken)
	loader := nutapi.NewLoader(client, logger)

	session, err := chatsync.New(chatsync.Config{
		ConversationID: testConversation,
		UserID:         testUser,
		Authenticated:  true,
		LoadOptions:    nutapi.LoadOptions{PageSize: 2, BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxRetries: 2},
		Gate:           realtime.Gate{UserID: testUser},
	}, loader, st, pending.NewTracker(), logger)
	require.NoError(t, err)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, session)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	store := auth.NewStore()
	key := auth.GenerateAPIKey()
	store.RegisterAPIKey(key, testUser)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Store:      store,
		MCPHandler: mcpHandler,
		Logger:     logger,
		Status:     session.Status,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		Backend: b,
		Session: session,
		State:   st,
		URL:     ts.URL,
		APIKey:  key,
		Client:  ts.Client(),
	}
}

// follow runs the session's realtime loop against the backend's push
// channel until the test ends.
func (h *harness) follow(t *testing.T) {
	t.Helper()

	sub := realtime.NewSubscriber(realtime.SubscriberConfig{
		URL:            "ws" + strings.TrimPrefix(h.Backend.ws.URL, "http"),
		Token:          testToken,
		ConversationID: testConversation,
	}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = h.Session.Follow(ctx, sub)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callJSON calls a tool and decodes its text content into dest.
func callJSON(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.False(t, result.IsError, "tool %s returned an error: %s", name, extractTextContent(t, result))
	require.NoError(t, json.Unmarshal([]byte(extractTextContent(t, result)), dest))
}

func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")

	return tc.Text
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

func serverMsg(id string, role models.Role, content string, seq int64) models.Message {
	return models.Message{
		ID:          id,
		Role:        role,
		Content:     content,
		SequenceNum: seq,
		CreatedAt:   time.Date(2026, 3, 1, 9, 0, int(seq), 0, time.UTC),
	}
}
