package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"CHAT_API_URL",
		"CHAT_API_TOKEN",
		"CHAT_REALTIME_URL",
		"CHAT_USER_ID",
		"CHAT_CONVERSATION_ID",
		"CHAT_STATE_PATH",
		"LOAD_PAGE_SIZE",
		"LOAD_MAX_RETRIES",
		"LOAD_BASE_DELAY",
		"LOAD_MAX_DELAY",
		"REALTIME_GATE",
		"ENABLE_REALTIME",
		"ENABLE_MCP",
		"ENVIRONMENT",
		"LOG_LEVEL",
		"MCP_LISTEN_ADDR",
		"MCP_API_KEYS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setBaseEnv sets the minimum env vars for a load-only run.
func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CHAT_API_URL", "https://chat.example.com")
	t.Setenv("CHAT_CONVERSATION_ID", "proj-1")
	t.Setenv("ENABLE_REALTIME", "false")
}

// setRealtimeEnv adds what realtime needs.
func setRealtimeEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENABLE_REALTIME", "true")
	t.Setenv("CHAT_REALTIME_URL", "wss://chat.example.com/realtime")
	t.Setenv("CHAT_USER_ID", "alice")
}

const testAPIKey = "cs_0123456789abcdef0123456789abcdef"

// --- Load ---

func TestLoad_Minimal(t *testing.T) {
	clearConfigEnv(t)
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.com", cfg.APIURL)
	assert.Equal(t, "proj-1", cfg.ConversationID)
	assert.False(t, cfg.EnableRealtime)
	assert.False(t, cfg.EnableMCP)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":8090", cfg.MCPListenAddr)
	assert.Empty(t, cfg.StatePath)
}

func TestLoad_LoaderDefaults(t *testing.T) {
	clearConfigEnv(t)
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.LoadPageSize)
	assert.Equal(t, 5, cfg.LoadMaxRetries)
	assert.Equal(t, time.Second, cfg.LoadBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.LoadMaxDelay)
	assert.Equal(t, realtime.ModeHeuristic, cfg.GateMode())
}

func TestLoad_LoaderOverrides(t *testing.T) {
	clearConfigEnv(t)
	setBaseEnv(t)
	t.Setenv("LOAD_PAGE_SIZE", "25")
	t.Setenv("LOAD_MAX_RETRIES", "0")
	t.Setenv("LOAD_BASE_DELAY", "250ms")
	t.Setenv("LOAD_MAX_DELAY", "2s")

	cfg, err := Load()
	require.NoError(t, err)

	opts := cfg.LoadOptions()
	assert.Equal(t, 25, opts.PageSize)
	assert.Equal(t, 250*time.Millisecond, opts.BaseDelay)
	assert.Equal(t, 2*time.Second, opts.MaxDelay)
	assert.True(t, opts.NoRetry)
}

func TestLoad_MissingAPIURL(t *testing.T) {
	clearConfigEnv(t)
	setBaseEnv(t)
	os.Unsetenv("CHAT_API_URL")

	_, err := Load()
	assert.ErrorContains(t, err, "CHAT_API_URL is required")
}

func TestLoad_InvalidAPIURL(t *testing.T) {
	clearConfigEnv(t)
	setBaseEnv(t)
	t.Setenv("CHAT_API_URL", "chat.example.com")

	_, err := Load()
	assert.ErrorContains(t, err, "CHAT_API_URL must be an absolute http or https URL")
}

func TestLoad_MissingConversation(t *testing.T) {
	clearConfigEnv(t)
	setBaseEnv(t)
	os.Unsetenv("CHAT_CONVERSATION_ID")

	_, err := Load()
	assert.ErrorContains(t, err, "CHAT_CONVERSATION_ID is required")
}

func TestLoad_RealtimeDefaultOn(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CHAT_API_URL", "https://chat.example.com")
	t.Setenv("CHAT_CONVERSATION_ID", "proj-1")

	_, err := Load()
	assert.ErrorContains(t, err, "CHAT_REALTIME_URL is required")
}

func TestLoad_RealtimeMode(t *testing.T) {
	clearConfigEnv(t)
	setBaseEnv(t)
	setRealtimeEnv(t)
	t.Setenv("REALTIME_GATE", "sequence")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.EnableRealtime)
	assert.Equal(t, realtime.ModeSequence, cfg.GateMode())
}

func TestLoad_RealtimeNeedsUser(t *testing.T) {
	clearConfigEnv(t)
	setBaseEnv(t)
	setRealtimeEnv(t)
	os.Unsetenv("CHAT_USER_ID")

	_, err := Load()
	assert.ErrorContains(t, err, "CHAT_USER_ID is required")
}

func TestLoad_RealtimeNeedsWebsocketURL(t *testing.T) {
	clearConfigEnv(t)
	setBaseEnv(t)
	setRealtimeEnv(t)
	t.Setenv("CHAT_REALTIME_URL", "https://chat.example.com/realtime")

	_, err := Load()
	assert.ErrorContains(t, err, "CHAT_REALTIME_URL must be an absolute ws or wss URL")
}

func TestLoad_UnknownGate(t *testing.T) {
	clearConfigEnv(t)
	setBaseEnv(t)
	t.Setenv("REALTIME_GATE", "vibes")

	_, err := Load()
	assert.ErrorContains(t, err, "REALTIME_GATE")
}

func TestLoad_BadLoaderSettings(t *testing.T) {
	tests := map[string]map[string]string{
		"LOAD_PAGE_SIZE must be positive":       {"LOAD_PAGE_SIZE": "0"},
		"LOAD_MAX_RETRIES must not be negative": {"LOAD_MAX_RETRIES": "-1"},
		"must be positive":                      {"LOAD_BASE_DELAY": "0s"},
		"must not be less than LOAD_BASE_DELAY": {"LOAD_BASE_DELAY": "10s", "LOAD_MAX_DELAY": "1s"},
	}

	for want, vars := range tests {
		t.Run(want, func(t *testing.T) {
			clearConfigEnv(t)
			setBaseEnv(t)

			for k, v := range vars {
				t.Setenv(k, v)
			}

			_, err := Load()
			assert.ErrorContains(t, err, want)
		})
	}
}

func TestLoad_UnparseableDuration(t *testing.T) {
	clearConfigEnv(t)
	setBaseEnv(t)
	t.Setenv("LOAD_MAX_DELAY", "soon")

	_, err := Load()
	assert.ErrorContains(t, err, "parsing config")
}

func TestLoad_MCPNeedsKeys(t *testing.T) {
	clearConfigEnv(t)
	setBaseEnv(t)
	t.Setenv("ENABLE_MCP", "true")

	_, err := Load()
	assert.ErrorContains(t, err, "MCP_API_KEYS is required")

	t.Setenv("MCP_API_KEYS", "alice:"+testAPIKey)

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.EnableMCP)
}

func TestLoad_ResolvesRelativeStatePath(t *testing.T) {
	clearConfigEnv(t)
	setBaseEnv(t)
	t.Setenv("CHAT_STATE_PATH", "data/state.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.StatePath))
	assert.True(t, strings.HasSuffix(cfg.StatePath, filepath.Join("data", "state.db")))
}

// --- helpers ---

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "production"}).IsProduction())
	assert.False(t, (&Config{Environment: "development"}).IsProduction())
}

func TestAuthenticated(t *testing.T) {
	assert.True(t, (&Config{APIToken: "tok"}).Authenticated())
	assert.False(t, (&Config{}).Authenticated())
}

// --- ParseMCPAPIKeys ---

func TestParseMCPAPIKeys_Valid(t *testing.T) {
	cfg := &Config{MCPAPIKeys: "alice:" + testAPIKey + ", bob:cs_ffffffffffffffffffffffffffffffff"}

	entries, err := cfg.ParseMCPAPIKeys()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, APIKeyEntry{UserID: "alice", Key: testAPIKey}, entries[0])
	assert.Equal(t, "bob", entries[1].UserID)
}

func TestParseMCPAPIKeys_Empty(t *testing.T) {
	entries, err := (&Config{}).ParseMCPAPIKeys()
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestParseMCPAPIKeys_Errors(t *testing.T) {
	tests := map[string]string{
		"missing ':'":            "alice" + testAPIKey,
		"empty user or key":      ":" + testAPIKey,
		`must start with "cs_"`:  "alice:vs_0123456789abcdef0123456789abcdef",
		"too short":              "alice:cs_abc",
		"non-hex characters":     "alice:cs_zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz",
		`duplicate user_id "al"`: "al:" + testAPIKey + ",al:" + testAPIKey,
	}

	for want, raw := range tests {
		t.Run(want, func(t *testing.T) {
			_, err := (&Config{MCPAPIKeys: raw}).ParseMCPAPIKeys()
			assert.ErrorContains(t, err, want)
		})
	}
}
