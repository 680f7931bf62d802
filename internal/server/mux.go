// Package server provides HTTP server construction for chat-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/pending"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Store      *auth.Store
	MCPHandler http.Handler
	Logger     *slog.Logger

	// Status reports the conversation's sync status for /healthz. Optional.
	Status func() pending.SyncStatus

	// Metrics serves /metrics when set.
	Metrics http.Handler
}

type healthResponse struct {
	Status       string `json:"status"`
	SyncState    string `json:"sync_state,omitempty"`
	PendingCount int    `json:"pending_count,omitempty"`
}

// NewMux builds the HTTP mux with health, metrics and MCP endpoints.
// Only the MCP endpoint is protected by Bearer token middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Status))

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	authMiddleware := auth.Middleware(cfg.Store, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}

func handleHealth(status func() pending.SyncStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{Status: "ok"}

		if status != nil {
			s := status()
			resp.SyncState = string(s.State)
			resp.PendingCount = s.PendingCount
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
