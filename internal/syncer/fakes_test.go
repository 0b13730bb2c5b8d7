package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/stream"
	"github.com/alexjbarnes/chat-sync/internal/typing"
	"github.com/coder/websocket"
)

var errConnReset = errors.New("connection reset by peer")

type markCall struct {
	conv, msg string
}

type typingCall struct {
	conv   string
	typing bool
}

// fakeAPI serves conversations and messages from memory. Messages are
// stored oldest first and returned newest first like the real service.
type fakeAPI struct {
	mu sync.Mutex

	convs []models.Conversation
	msgs  map[string][]models.Message

	listErr error
	msgErr  error

	// listGate, when set, holds every ListConversations call until it
	// is closed. The call ignores ctx like a response already in flight.
	listGate chan struct{}

	// listFailures are returned, one per call, before serving normally.
	listFailures []error

	listCalls int
	marks     []markCall
	typing    []typingCall
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{msgs: make(map[string][]models.Message)}
}

func (a *fakeAPI) addConversation(c models.Conversation) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.convs = append(a.convs, c)
}

func (a *fakeAPI) addMessages(conv string, msgs ...models.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.msgs[conv] = append(a.msgs[conv], msgs...)
}

func (a *fakeAPI) setMsgErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.msgErr = err
}

func (a *fakeAPI) holdLists() chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.listGate = make(chan struct{})

	return a.listGate
}

func (a *fakeAPI) failLists(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.listFailures = append(a.listFailures, errs...)
}

func (a *fakeAPI) ListConversations(_ context.Context, limit, offset int) ([]models.Conversation, error) {
	a.mu.Lock()
	gate := a.listGate
	a.mu.Unlock()

	if gate != nil {
		<-gate
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.listCalls++

	if a.listErr != nil {
		return nil, a.listErr
	}

	if len(a.listFailures) > 0 {
		err := a.listFailures[0]
		a.listFailures = a.listFailures[1:]

		return nil, err
	}

	return window(a.convs, limit, offset), nil
}

func (a *fakeAPI) ListMessages(_ context.Context, conv string, limit, offset int) ([]models.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.msgErr != nil {
		return nil, a.msgErr
	}

	newest := slices.Clone(a.msgs[conv])
	slices.Reverse(newest)

	return window(newest, limit, offset), nil
}

func (a *fakeAPI) MarkRead(_ context.Context, conv, msg string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.marks = append(a.marks, markCall{conv: conv, msg: msg})

	return nil
}

func (a *fakeAPI) SendTyping(_ context.Context, conv string, typing bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.typing = append(a.typing, typingCall{conv: conv, typing: typing})

	return nil
}

func (a *fakeAPI) calls() (int, []markCall, []typingCall) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.listCalls, slices.Clone(a.marks), slices.Clone(a.typing)
}

func window[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return nil
	}

	end := min(offset+limit, len(in))

	return slices.Clone(in[offset:end])
}

// fakeConn delivers frames pushed by the test and fails when dropped.
type fakeConn struct {
	frames chan []byte
	drop   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), drop: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case f := <-c.frames:
		return websocket.MessageText, f, nil
	case <-c.drop:
		return 0, nil, errConnReset
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) CloseNow() error {
	c.once.Do(func() { close(c.drop) })
	return nil
}

func (c *fakeConn) send(frame string) {
	c.frames <- []byte(frame)
}

// fakeDialer hands out queued connections, or err when set.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	dials int
}

func (d *fakeDialer) queue(c *fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.conns = append(d.conns, c)
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dials
}

func (d *fakeDialer) Dial(context.Context) (stream.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++

	if d.err != nil {
		return nil, d.err
	}

	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}

	c := d.conns[0]
	d.conns = d.conns[1:]

	return c, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func message(id, sender string) models.Message {
	return models.Message{ID: id, SenderID: sender, Body: "body " + id, CreatedAt: t0}
}

func conversation(id string, members ...string) models.Conversation {
	c := models.Conversation{ID: id, Kind: models.KindGroup, CreatedAt: t0}
	for _, m := range members {
		c.Members = append(c.Members, models.Member{UserID: m})
	}

	return c
}

func typingConfig() typing.Config {
	return typing.Config{IdleTimeout: 3 * time.Second, SweepInterval: time.Second}
}
