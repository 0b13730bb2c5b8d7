// Package server provides HTTP server construction for chat-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Snapshotter reports the current synchronized state.
type Snapshotter interface {
	Snapshot() models.Snapshot
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Auth           *auth.Authenticator
	MCPHandler     http.Handler
	MetricsHandler http.Handler
	Health         Snapshotter
	Logger         *slog.Logger
}

// NewMux builds the HTTP mux. /mcp requires authentication; /metrics
// and /healthz are open so scrapers and probes need no credentials.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	if cfg.MCPHandler != nil {
		authMiddleware := auth.Middleware(cfg.Auth, cfg.Logger)
		mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))
	}

	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	mux.HandleFunc("GET /healthz", handleHealth(cfg.Health))

	return mux
}

type healthResponse struct {
	Status     string `json:"status"`
	Connection string `json:"connection"`
}

// handleHealth reports 200 while the session is usable. An expired
// session is unhealthy; a stream in backoff is not, since it recovers
// on its own.
func handleHealth(s Snapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{Status: "ok"}
		code := http.StatusOK

		if s != nil {
			snap := s.Snapshot()
			resp.Connection = string(snap.Connection.State)

			if snap.SessionExpired {
				resp.Status = "session_expired"
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
