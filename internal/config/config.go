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
	"github.com/alexjbarnes/chat-sync/internal/reconcile"
	"github.com/alexjbarnes/chat-sync/internal/stream"
	"github.com/alexjbarnes/chat-sync/internal/syncer"
	"github.com/alexjbarnes/chat-sync/internal/typing"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Chat service endpoints and the credential presented to both.
	APIURL    string `env:"CHAT_API_URL"`
	StreamURL string `env:"CHAT_STREAM_URL"`
	Token     string `env:"CHAT_TOKEN"`

	// UserID is the local user. Read receipts and echo suppression
	// depend on it.
	UserID string `env:"CHAT_USER_ID"`

	// InitialConversation is opened after the first conversation list
	// fetch. When empty the last conversation from the state file is used.
	InitialConversation string `env:"CHAT_INITIAL_CONVERSATION"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	PageSize             int           `env:"SYNC_PAGE_SIZE" envDefault:"50"`
	MaxConversations     int           `env:"SYNC_MAX_CONVERSATIONS" envDefault:"500"`
	RefreshInterval      time.Duration `env:"SYNC_REFRESH_INTERVAL" envDefault:"2s"`
	ReadAllWithoutCursor bool          `env:"SYNC_READ_ALL_WITHOUT_CURSOR" envDefault:"true"`

	BackoffBase    time.Duration `env:"STREAM_BACKOFF_BASE" envDefault:"1s"`
	BackoffMax     time.Duration `env:"STREAM_BACKOFF_MAX" envDefault:"30s"`
	BackoffJitter  float64       `env:"STREAM_BACKOFF_JITTER" envDefault:"0.2"`
	ConnectTimeout time.Duration `env:"STREAM_CONNECT_TIMEOUT" envDefault:"10s"`
	IdleTimeout    time.Duration `env:"STREAM_IDLE_TIMEOUT" envDefault:"60s"`

	TypingRemoteTimeout time.Duration `env:"TYPING_REMOTE_TIMEOUT" envDefault:"5s"`
	TypingIdleTimeout   time.Duration `env:"TYPING_IDLE_TIMEOUT" envDefault:"3s"`
	TypingSweepInterval time.Duration `env:"TYPING_SWEEP_INTERVAL" envDefault:"1s"`

	// StatePath is the bbolt file holding the device id and last opened
	// conversation. Defaults to ~/.chat-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// DraftsDir enables the draft watcher when set.
	DraftsDir string `env:"DRAFTS_DIR"`

	// Operator HTTP surface: MCP tools, /metrics and /healthz.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAuthUsers  string `env:"MCP_AUTH_USERS"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the chat token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
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

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "chat-sync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	if cfg.DraftsDir != "" {
		absDir, err := filepath.Abs(cfg.DraftsDir)
		if err != nil {
			return nil, fmt.Errorf("resolving drafts dir to absolute path: %w", err)
		}

		cfg.DraftsDir = absDir
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

	if c.StreamURL == "" {
		return fmt.Errorf("CHAT_STREAM_URL is required")
	}

	if err := checkURL("CHAT_STREAM_URL", c.StreamURL, "ws", "wss", "http", "https"); err != nil {
		return err
	}

	if c.Token == "" {
		return fmt.Errorf("CHAT_TOKEN is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("CHAT_USER_ID is required")
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("SYNC_PAGE_SIZE must be positive, got %d", c.PageSize)
	}

	if c.MaxConversations < c.PageSize {
		return fmt.Errorf("SYNC_MAX_CONVERSATIONS (%d) must be at least SYNC_PAGE_SIZE (%d)", c.MaxConversations, c.PageSize)
	}

	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("STREAM_BACKOFF_BASE must be positive and no larger than STREAM_BACKOFF_MAX")
	}

	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		return fmt.Errorf("STREAM_BACKOFF_JITTER must be in [0, 1), got %v", c.BackoffJitter)
	}

	if c.EnableMCP && c.MCPAuthUsers == "" && c.MCPAPIKeys == "" {
		return fmt.Errorf("at least one auth method required when MCP is enabled: MCP_AUTH_USERS or MCP_API_KEYS")
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

	return fmt.Errorf("%s must be an absolute %s URL", name, strings.Join(schemes, "/"))
}

// DefaultStatePath returns ~/.chat-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chat-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Policy builds the reconcile policy for this session.
func (c *Config) Policy() reconcile.Policy {
	p := reconcile.DefaultPolicy(c.UserID)
	p.TypingTimeout = c.TypingRemoteTimeout
	p.ReadAllWithoutCursor = c.ReadAllWithoutCursor

	return p
}

// Syncer builds the facade configuration. Stream callbacks are filled in
// by the facade itself.
func (c *Config) Syncer() syncer.Config {
	return syncer.Config{
		PageSize:         c.PageSize,
		MaxConversations: c.MaxConversations,
		RefreshInterval:  c.RefreshInterval,
		Stream: stream.Config{
			BackoffBase:    c.BackoffBase,
			BackoffMax:     c.BackoffMax,
			BackoffJitter:  c.BackoffJitter,
			ConnectTimeout: c.ConnectTimeout,
			IdleTimeout:    c.IdleTimeout,
		},
		Typing: typing.Config{
			IdleTimeout:   c.TypingIdleTimeout,
			SweepInterval: c.TypingSweepInterval,
		},
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

		userID, key, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		if _, err := hex.DecodeString(key[len(auth.APIKeyPrefix):]); err != nil {
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

// ParseMCPUsers parses the MCP_AUTH_USERS string into a UserCredentials map.
// Format: "user1:$2a$...,user2:$2a$..." where each value is a bcrypt hash
// produced by the hash-password subcommand.
func (c *Config) ParseMCPUsers() (auth.UserCredentials, error) {
	users := make(auth.UserCredentials)
	if c.MCPAuthUsers == "" {
		return users, nil
	}

	for _, pair := range strings.Split(c.MCPAuthUsers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		username, hash, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or password hash in entry %d", len(users)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("password for %q is not a bcrypt hash; use the hash-password subcommand", username)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in MCP_AUTH_USERS", username)
		}

		users[username] = hash
	}

	return users, nil
}
