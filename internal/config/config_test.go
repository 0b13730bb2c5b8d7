package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"CHAT_API_URL",
		"CHAT_STREAM_URL",
		"CHAT_TOKEN",
		"CHAT_USER_ID",
		"CHAT_INITIAL_CONVERSATION",
		"ENVIRONMENT",
		"LOG_LEVEL",
		"SYNC_PAGE_SIZE",
		"SYNC_MAX_CONVERSATIONS",
		"SYNC_REFRESH_INTERVAL",
		"SYNC_READ_ALL_WITHOUT_CURSOR",
		"STREAM_BACKOFF_BASE",
		"STREAM_BACKOFF_MAX",
		"STREAM_BACKOFF_JITTER",
		"TYPING_REMOTE_TIMEOUT",
		"STATE_PATH",
		"DRAFTS_DIR",
		"ENABLE_MCP",
		"MCP_LISTEN_ADDR",
		"MCP_AUTH_USERS",
		"MCP_API_KEYS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setRequiredEnv sets the minimum env vars for a valid config.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CHAT_API_URL", "https://chat.example.com/api")
	t.Setenv("CHAT_STREAM_URL", "wss://chat.example.com/stream")
	t.Setenv("CHAT_TOKEN", "tok")
	t.Setenv("CHAT_USER_ID", "u1")
	t.Setenv("STATE_PATH", filepath.Join(t.TempDir(), "state.db"))
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "u1", cfg.UserID)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, 500, cfg.MaxConversations)
	assert.Equal(t, 2*time.Second, cfg.RefreshInterval)
	assert.True(t, cfg.ReadAllWithoutCursor)
	assert.Equal(t, time.Second, cfg.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.BackoffMax)
	assert.InDelta(t, 0.2, cfg.BackoffJitter, 1e-9)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 5*time.Second, cfg.TypingRemoteTimeout)
	assert.Equal(t, 3*time.Second, cfg.TypingIdleTimeout)
	assert.Equal(t, time.Second, cfg.TypingSweepInterval)
	assert.False(t, cfg.EnableMCP)
	assert.Equal(t, ":8090", cfg.MCPListenAddr)
	assert.NotEmpty(t, cfg.DeviceName)
}

func TestLoad_MissingRequired(t *testing.T) {
	for _, key := range []string{"CHAT_API_URL", "CHAT_STREAM_URL", "CHAT_TOKEN", "CHAT_USER_ID"} {
		t.Run(key, func(t *testing.T) {
			clearConfigEnv(t)
			setRequiredEnv(t)
			os.Unsetenv(key)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoad_InvalidURLs(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("CHAT_STREAM_URL", "ftp://chat.example.com")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAT_STREAM_URL")

	t.Setenv("CHAT_STREAM_URL", "wss://chat.example.com/stream")
	t.Setenv("CHAT_API_URL", "/relative")

	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAT_API_URL")
}

func TestLoad_InvalidTuning(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"zero page size", "SYNC_PAGE_SIZE", "0"},
		{"max below page size", "SYNC_MAX_CONVERSATIONS", "10"},
		{"jitter of one", "STREAM_BACKOFF_JITTER", "1"},
		{"negative jitter", "STREAM_BACKOFF_JITTER", "-0.1"},
		{"max below base", "STREAM_BACKOFF_MAX", "500ms"},
		{"unparseable duration", "SYNC_REFRESH_INTERVAL", "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoad_MCPRequiresAuth(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("ENABLE_MCP", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MCP_AUTH_USERS")

	t.Setenv("MCP_API_KEYS", "ops:cs_0123456789abcdef0123456789abcdef")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.EnableMCP)
}

func TestLoad_DraftsDirResolvedAbsolute(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("DRAFTS_DIR", "drafts")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.DraftsDir))
	assert.Equal(t, "drafts", filepath.Base(cfg.DraftsDir))
}

func TestLoad_DefaultStatePath(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	os.Unsetenv("STATE_PATH")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "state.db", filepath.Base(cfg.StatePath))
	assert.Equal(t, ".chat-sync", filepath.Base(filepath.Dir(cfg.StatePath)))
}

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "production"}).IsProduction())
	assert.False(t, (&Config{Environment: "development"}).IsProduction())
}

func TestPolicy(t *testing.T) {
	cfg := &Config{UserID: "u1", TypingRemoteTimeout: 7 * time.Second, ReadAllWithoutCursor: false}
	p := cfg.Policy()

	assert.Equal(t, "u1", p.SelfID)
	assert.Equal(t, 7*time.Second, p.TypingTimeout)
	assert.False(t, p.ReadAllWithoutCursor)
	assert.Positive(t, p.SeenWindow)
}

func TestSyncer(t *testing.T) {
	cfg := &Config{
		PageSize:            20,
		MaxConversations:    100,
		RefreshInterval:     time.Second,
		BackoffBase:         2 * time.Second,
		BackoffMax:          time.Minute,
		BackoffJitter:       0.1,
		ConnectTimeout:      5 * time.Second,
		IdleTimeout:         45 * time.Second,
		TypingIdleTimeout:   4 * time.Second,
		TypingSweepInterval: 500 * time.Millisecond,
	}
	sc := cfg.Syncer()

	assert.Equal(t, 20, sc.PageSize)
	assert.Equal(t, 100, sc.MaxConversations)
	assert.Equal(t, time.Second, sc.RefreshInterval)
	assert.Equal(t, 2*time.Second, sc.Stream.BackoffBase)
	assert.Equal(t, time.Minute, sc.Stream.BackoffMax)
	assert.InDelta(t, 0.1, sc.Stream.BackoffJitter, 1e-9)
	assert.Equal(t, 5*time.Second, sc.Stream.ConnectTimeout)
	assert.Equal(t, 45*time.Second, sc.Stream.IdleTimeout)
	assert.Equal(t, 4*time.Second, sc.Typing.IdleTimeout)
	assert.Equal(t, 500*time.Millisecond, sc.Typing.SweepInterval)
}

// --- ParseMCPAPIKeys ---

func TestParseMCPAPIKeys(t *testing.T) {
	cfg := &Config{MCPAPIKeys: "ops:cs_0123456789abcdef0123456789abcdef, bot:cs_fedcba9876543210fedcba9876543210"}

	keys, err := cfg.ParseMCPAPIKeys()
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "ops", keys[0].UserID)
	assert.Equal(t, "bot", keys[1].UserID)
}

func TestParseMCPAPIKeys_Empty(t *testing.T) {
	keys, err := (&Config{}).ParseMCPAPIKeys()
	require.NoError(t, err)
	assert.Nil(t, keys)
}

func TestParseMCPAPIKeys_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"missing colon", "ops", "missing ':'"},
		{"empty key", "ops:", "empty"},
		{"wrong prefix", "ops:vs_0123456789abcdef0123456789abcdef", "prefix"},
		{"too short", "ops:cs_abc", "too short"},
		{"non hex", "ops:cs_zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz", "non-hex"},
		{"duplicate user", "ops:cs_0123456789abcdef0123456789abcdef,ops:cs_fedcba9876543210fedcba9876543210", "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&Config{MCPAPIKeys: tt.raw}).ParseMCPAPIKeys()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// --- ParseMCPUsers ---

func TestParseMCPUsers(t *testing.T) {
	cfg := &Config{MCPAuthUsers: "alex:$2a$10$abc,sam:$2b$10$def"}

	users, err := cfg.ParseMCPUsers()
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$abc", users["alex"])
	assert.Equal(t, "$2b$10$def", users["sam"])
}

func TestParseMCPUsers_PlainPasswordRejected(t *testing.T) {
	_, err := (&Config{MCPAuthUsers: "alex:secret"}).ParseMCPUsers()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash-password")
}

func TestParseMCPUsers_Duplicate(t *testing.T) {
	_, err := (&Config{MCPAuthUsers: "alex:$2a$1,alex:$2a$2"}).ParseMCPUsers()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}
