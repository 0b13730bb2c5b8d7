package e2e_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/reconcile"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"github.com/alexjbarnes/chat-sync/internal/stream"
	"github.com/alexjbarnes/chat-sync/internal/syncer"
	"github.com/alexjbarnes/chat-sync/internal/typing"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	selfID   = "u1"
	apiToken = "opaque-test-token"
	testKey  = "cs_0123456789abcdef0123456789abcdef"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// backend is an in-memory chat service: REST endpoints plus a websocket
// event stream that tests push frames into.
type backend struct {
	t *testing.T

	mu            sync.Mutex
	conversations []models.Conversation
	messages      map[string][]models.Message // chronological
	reads         map[string]string
	typing        []string
	rejectStream  bool
	streamConns   int
	conn          *websocket.Conn
	deviceIDs     []string
}

func newBackend(t *testing.T) *backend {
	return &backend{
		t:        t,
		messages: make(map[string][]models.Message),
		reads:    make(map[string]string),
	}
}

func (b *backend) addConversation(id string, members ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := models.Conversation{ID: id, Kind: models.KindDirect, CreatedBy: selfID, CreatedAt: t0}
	for _, m := range members {
		c.Members = append(c.Members, models.Member{UserID: m, JoinedAt: t0})
	}

	b.conversations = append(b.conversations, c)
}

func (b *backend) addMessage(conv, id, sender, body string) models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := models.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Body:           body,
		CreatedAt:      t0.Add(time.Duration(len(b.messages[conv])) * time.Minute),
		DeliveryStatus: models.StatusDelivered,
	}
	b.messages[conv] = append(b.messages[conv], m)

	return m
}

func (b *backend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", b.listConversations)
	mux.HandleFunc("GET /api/conversations/{id}/messages", b.listMessages)
	mux.HandleFunc("POST /api/conversations/{id}/read", b.markRead)
	mux.HandleFunc("POST /api/conversations/{id}/typing", b.sendTyping)
	mux.HandleFunc("GET /stream", b.stream)

	return b.requireToken(mux)
}

func (b *backend) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+apiToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		b.mu.Lock()
		b.deviceIDs = append(b.deviceIDs, r.Header.Get("X-Device-ID"))
		b.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func paging(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	return limit, offset
}

func window[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}

	return items[offset:min(len(items), offset+limit)]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (b *backend) listConversations(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)

	b.mu.Lock()
	out := slices.Clone(window(b.conversations, limit, offset))
	b.mu.Unlock()

	writeJSON(w, out)
}

func (b *backend) listMessages(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)

	b.mu.Lock()
	newestFirst := slices.Clone(b.messages[r.PathValue("id")])
	b.mu.Unlock()

	slices.Reverse(newestFirst)
	writeJSON(w, window(newestFirst, limit, offset))
}

func (b *backend) markRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageID string `json:"messageId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	b.reads[r.PathValue("id")] = body.MessageID
	b.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (b *backend) sendTyping(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IsTyping bool `json:"isTyping"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	state := "stop"
	if body.IsTyping {
		state = "start"
	}

	b.mu.Lock()
	b.typing = append(b.typing, r.PathValue("id")+":"+state)
	b.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (b *backend) stream(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	reject := b.rejectStream
	b.mu.Unlock()

	if reject {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	b.conn = conn
	b.streamConns++
	b.mu.Unlock()

	// Hold the connection open until the client or the test closes it.
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
}

// push sends one frame on the current stream connection.
func (b *backend) push(t *testing.T, frame string) {
	t.Helper()

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	require.NotNil(t, conn, "no stream connection")

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

// dropStream closes the current stream connection abruptly.
func (b *backend) dropStream() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	if conn != nil {
		_ = conn.CloseNow()
	}
}

func (b *backend) connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamConns
}

func (b *backend) typingCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.typing)
}

func (b *backend) readCursor(conv string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads[conv]
}

// harness is the full client stack wired against the backend: REST
// client, websocket dialer, store, facade and the operator HTTP surface.
type harness struct {
	backend  *backend
	facade   *syncer.Facade
	metrics  *metrics.Metrics
	operator *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	be := newBackend(t)
	chatSrv := httptest.NewServer(be.handler())
	t.Cleanup(chatSrv.Close)

	logger := slog.New(slog.DiscardHandler)

	m := metrics.New()
	client := chat.NewClient(chatSrv.URL+"/api", apiToken, "device-e2e", nil)
	dialer := &stream.WebsocketDialer{
		URL:      "ws" + strings.TrimPrefix(chatSrv.URL, "http") + "/stream",
		Token:    apiToken,
		DeviceID: "device-e2e",
	}
	st := store.New(reconcile.DefaultPolicy(selfID), logger)

	facade := syncer.New(client, dialer, st, syncer.Config{
		PageSize:         50,
		MaxConversations: 500,
		RefreshInterval:  10 * time.Millisecond,
		Stream: stream.Config{
			BackoffBase:    10 * time.Millisecond,
			BackoffMax:     50 * time.Millisecond,
			BackoffJitter:  0.2,
			ConnectTimeout: 2 * time.Second,
			IdleTimeout:    time.Minute,
		},
		Typing: typing.Config{
			IdleTimeout:   100 * time.Millisecond,
			SweepInterval: 20 * time.Millisecond,
		},
	}, m, logger)

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "chat-sync-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(mcpServer, facade)

	operator := httptest.NewServer(server.NewMux(server.MuxConfig{
		Auth: auth.NewAuthenticator([]auth.APIKey{{UserID: "ops", Key: testKey}}, nil),
		MCPHandler: mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil),
		MetricsHandler: m.Handler(),
		Health:         facade,
		Logger:         logger,
	}))
	t.Cleanup(operator.Close)

	return &harness{backend: be, facade: facade, metrics: m, operator: operator}
}

// start runs the facade with conv open and waits for the stream.
func (h *harness) start(t *testing.T, conv string) {
	t.Helper()

	require.NoError(t, h.facade.Start(t.Context(), conv))
	t.Cleanup(h.facade.Stop)

	eventually(t, func() bool {
		return h.facade.Snapshot().Connection.State == models.ConnConnected
	})
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func messageIDs(snap models.Snapshot) []string {
	ids := make([]string, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		ids = append(ids, m.ID)
	}

	return ids
}

// bearerTransport adds an Authorization header to every request.
type bearerTransport struct {
	token string
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return http.DefaultTransport.RoundTrip(req)
}

// mcpSession connects an MCP client to the operator surface using the
// given API key.
func (h *harness) mcpSession(t *testing.T, key string) (*mcp.ClientSession, error) {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint:   h.operator.URL + "/mcp",
		HTTPClient: &http.Client{Transport: &bearerTransport{token: key}},
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-client", Version: "test"}, nil)

	session, err := client.Connect(t.Context(), transport, nil)
	if err != nil {
		return nil, err
	}

	t.Cleanup(func() { session.Close() })

	return session, nil
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	return tc.Text
}
