package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/nutapi"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Chat backend
	APIURL         string `env:"CHAT_API_URL"`
	APIToken       string `env:"CHAT_API_TOKEN"`
	RealtimeURL    string `env:"CHAT_REALTIME_URL"`
	UserID         string `env:"CHAT_USER_ID"`
	ConversationID string `env:"CHAT_CONVERSATION_ID"`

	// Path of the bbolt state database. Defaults to ~/.chat-sync/state.db.
	StatePath string `env:"CHAT_STATE_PATH"`

	// History loader tuning
	LoadPageSize   int           `env:"LOAD_PAGE_SIZE" envDefault:"100"`
	LoadMaxRetries int           `env:"LOAD_MAX_RETRIES" envDefault:"5"`
	LoadBaseDelay  time.Duration `env:"LOAD_BASE_DELAY" envDefault:"1s"`
	LoadMaxDelay   time.Duration `env:"LOAD_MAX_DELAY" envDefault:"30s"`

	// Realtime gate rule set: heuristic or sequence.
	RealtimeGate string `env:"REALTIME_GATE" envDefault:"heuristic"`

	// Service flags
	EnableRealtime bool `env:"ENABLE_REALTIME" envDefault:"true"`
	EnableMCP      bool `env:"ENABLE_MCP" envDefault:"false"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// MCP server settings (required when MCP is enabled)
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath != "" {
		abs, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		cfg.StatePath = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("CHAT_API_URL is required")
	}

	if err := checkURL("CHAT_API_URL", c.APIURL, "http", "https"); err != nil {
		return err
	}

	if c.ConversationID == "" {
		return fmt.Errorf("CHAT_CONVERSATION_ID is required")
	}

	if c.LoadPageSize <= 0 {
		return fmt.Errorf("LOAD_PAGE_SIZE must be positive")
	}

	if c.LoadMaxRetries < 0 {
		return fmt.Errorf("LOAD_MAX_RETRIES must not be negative")
	}

	if c.LoadBaseDelay <= 0 || c.LoadMaxDelay <= 0 {
		return fmt.Errorf("LOAD_BASE_DELAY and LOAD_MAX_DELAY must be positive")
	}

	if c.LoadMaxDelay < c.LoadBaseDelay {
		return fmt.Errorf("LOAD_MAX_DELAY must not be less than LOAD_BASE_DELAY")
	}

	if _, err := realtime.ParseMode(c.RealtimeGate); err != nil {
		return fmt.Errorf("REALTIME_GATE: %w", err)
	}

	if c.EnableRealtime {
		if c.RealtimeURL == "" {
			return fmt.Errorf("CHAT_REALTIME_URL is required when realtime is enabled")
		}

		if err := checkURL("CHAT_REALTIME_URL", c.RealtimeURL, "ws", "wss"); err != nil {
			return err
		}

		if c.UserID == "" {
			return fmt.Errorf("CHAT_USER_ID is required when realtime is enabled")
		}
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return fmt.Errorf("%s must be an absolute %s URL", name, strings.Join(schemes, " or "))
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Authenticated reports whether an API token is configured.
func (c *Config) Authenticated() bool {
	return c.APIToken != ""
}

// GateMode returns the parsed REALTIME_GATE value. validate has already
// rejected unknown modes.
func (c *Config) GateMode() realtime.Mode {
	m, err := realtime.ParseMode(c.RealtimeGate)
	if err != nil {
		return realtime.ModeHeuristic
	}

	return m
}

// LoadOptions returns the loader settings. A zero LOAD_MAX_RETRIES
// disables retries.
func (c *Config) LoadOptions() nutapi.LoadOptions {
	return nutapi.LoadOptions{
		PageSize:   c.LoadPageSize,
		MaxRetries: c.LoadMaxRetries,
		BaseDelay:  c.LoadBaseDelay,
		MaxDelay:   c.LoadMaxDelay,
		NoRetry:    c.LoadMaxRetries == 0,
	}
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:cs_key1,user2:cs_key2"
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		suffix := key[len(auth.APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}
