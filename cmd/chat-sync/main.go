package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/drafts"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"github.com/alexjbarnes/chat-sync/internal/stream"
	"github.com/alexjbarnes/chat-sync/internal/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle subcommands before config loading.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "hash-password":
			hashPassword()
			return
		case "gen-api-key":
			fmt.Println(auth.GenerateAPIKey())
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	password := scanner.Text()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("user", cfg.UserID),
		slog.String("device", cfg.DeviceName),
		slog.Bool("mcp", cfg.EnableMCP),
		slog.Bool("drafts", cfg.DraftsDir != ""),
	)

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	deviceID, err := appState.DeviceID()
	if err != nil {
		return err
	}

	m := metrics.New()
	client := chat.NewClient(cfg.APIURL, cfg.Token, deviceID, nil)
	dialer := &stream.WebsocketDialer{
		URL:      cfg.StreamURL,
		Token:    cfg.Token,
		DeviceID: deviceID,
	}
	st := store.New(cfg.Policy(), logger)
	facade := syncer.New(client, dialer, st, cfg.Syncer(), m, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initial := cfg.InitialConversation
	if initial == "" {
		initial = appState.LastConversation()
	}

	if err := facade.Start(ctx, initial); err != nil {
		return fmt.Errorf("starting sync: %w", err)
	}
	defer facade.Stop()

	snap := facade.Snapshot()
	logger.Info("synchronized",
		slog.Int("conversations", len(snap.Conversations)),
		slog.String("active", snap.ActiveConversationID),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return persistActive(gctx, facade, appState, logger)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-facade.Invalidated():
			logger.Error("session invalidated, re-authentication required",
				slog.String("error", errString(facade.Err())),
			)

			return fmt.Errorf("session invalidated: %w", facade.Err())
		}
	})

	if cfg.DraftsDir != "" {
		watcher := drafts.NewWatcher(cfg.DraftsDir, facade, logger)
		g.Go(func() error {
			return ignoreCanceled(watcher.Watch(gctx))
		})
	}

	g.Go(func() error {
		return runHTTP(gctx, cfg, facade, m, logger)
	})

	return g.Wait()
}

// persistActive records the open conversation whenever it changes so the
// next start reopens it.
func persistActive(ctx context.Context, facade *syncer.Facade, appState *state.State, logger *slog.Logger) error {
	snaps, cancel := facade.Subscribe()
	defer cancel()

	last := appState.LastConversation()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}

			// Teardown clears the active conversation; keep the last one.
			if snap.SessionExpired || snap.ActiveConversationID == last {
				continue
			}

			if err := appState.SetLastConversation(snap.ActiveConversationID); err != nil {
				logger.Warn("failed to save last conversation", slog.String("error", err.Error()))
				continue
			}

			last = snap.ActiveConversationID
		}
	}
}

// runHTTP serves /healthz and /metrics, plus /mcp when MCP is enabled.
func runHTTP(ctx context.Context, cfg *config.Config, facade *syncer.Facade, m *metrics.Metrics, logger *slog.Logger) error {
	httpLogger := logging.Component(logger, "http")

	muxCfg := server.MuxConfig{
		MetricsHandler: m.Handler(),
		Health:         facade,
		Logger:         httpLogger,
	}

	if cfg.EnableMCP {
		users, err := cfg.ParseMCPUsers()
		if err != nil {
			return fmt.Errorf("parsing MCP auth users: %w", err)
		}

		keyEntries, err := cfg.ParseMCPAPIKeys()
		if err != nil {
			return fmt.Errorf("parsing MCP API keys: %w", err)
		}

		keys := make([]auth.APIKey, 0, len(keyEntries))
		for _, e := range keyEntries {
			keys = append(keys, auth.APIKey{UserID: e.UserID, Key: e.Key})
		}

		mcpServer := mcp.NewServer(
			&mcp.Implementation{Name: "chat-sync", Version: Version},
			nil,
		)
		mcpserver.RegisterTools(mcpServer, facade)

		muxCfg.Auth = auth.NewAuthenticator(keys, users)
		muxCfg.MCPHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil)

		httpLogger.Info("MCP enabled",
			slog.Int("users", len(users)),
			slog.Int("api_keys", len(keys)),
		)
	}

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      server.NewMux(muxCfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	httpLogger.Info("starting HTTP server", slog.String("listen", cfg.MCPListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		httpLogger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
