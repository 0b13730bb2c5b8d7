// Package syncer is the entry point of the sync core. It seeds the store
// from bulk fetches, runs the event stream supervisor, and feeds decoded
// events into the store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/event"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/reconcile"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"github.com/alexjbarnes/chat-sync/internal/stream"
	"github.com/alexjbarnes/chat-sync/internal/typing"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultPageSize         = 50
	defaultMaxConversations = 500
	defaultRefreshInterval  = 2 * time.Second

	// backgroundTimeout bounds fire-and-forget calls and background
	// refreshes that no user is waiting on.
	backgroundTimeout = 30 * time.Second
)

var errAlreadyStarted = errors.New("sync already started")

// API is the request/response side of the chat service.
type API interface {
	ListConversations(ctx context.Context, limit, offset int) ([]models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID, lastMessageID string) error
	SendTyping(ctx context.Context, conversationID string, isTyping bool) error
}

// Config tunes a Facade. Zero fields take defaults.
type Config struct {
	// PageSize is the number of messages requested per page and the
	// number of conversations requested per list call.
	PageSize int

	// MaxConversations caps how many conversations a bulk fetch pages
	// through.
	MaxConversations int

	// RefreshInterval is the minimum spacing between background
	// conversation list refreshes triggered by referential gaps.
	RefreshInterval time.Duration

	Stream stream.Config
	Typing typing.Config
}

// Facade is the public surface used by callers (the MCP tools, the
// binary). All state changes flow through the store.
type Facade struct {
	api     API
	dialer  stream.Dialer
	store   *store.Store
	typing  *typing.Coordinator
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	limiter *rate.Limiter
	flight  singleflight.Group

	mu   sync.Mutex
	sess *session

	invalidOnce sync.Once
	invalidated chan struct{}
	invalidErr  error
}

// session is one Start..Stop run. Every goroutine the run spawns, and
// Start itself, is tracked by wg so Stop can wait for all of it.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// closed is set once the session was invalidated. Guarded by
	// Facade.mu.
	closed bool
}

// New wires a facade. m may be nil.
func New(api API, dialer stream.Dialer, st *store.Store, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Facade {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}

	if cfg.MaxConversations <= 0 {
		cfg.MaxConversations = defaultMaxConversations
	}

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}

	logger = logger.With(slog.String("component", "syncer"))

	return &Facade{
		api:         api,
		dialer:      dialer,
		store:       st,
		typing:      typing.New(api, st, cfg.Typing, logger),
		cfg:         cfg,
		metrics:     m,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Every(cfg.RefreshInterval), 1),
		invalidated: make(chan struct{}),
	}
}

// Start fetches the conversation list, optionally opens conversationID,
// and launches the event stream. The stream runs until Stop or until ctx
// is cancelled. A failure to open the initial conversation is surfaced in
// the snapshot but does not prevent the stream from starting. A Stop that
// lands while Start is still seeding aborts it with ErrSessionClosed.
func (f *Facade) Start(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	if f.sess != nil {
		f.mu.Unlock()
		return errAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	sess := &session{ctx: runCtx, cancel: cancel}
	sess.wg.Add(1)
	f.sess = sess
	f.mu.Unlock()

	defer sess.wg.Done()

	if err := f.refreshConversations(runCtx, metrics.RefreshStart); err != nil {
		if aborted := f.abortStart(ctx, sess); aborted != nil {
			return aborted
		}

		f.fail("start", err)

		return fmt.Errorf("initial conversation fetch: %w", err)
	}

	if conversationID != "" {
		if err := f.Open(runCtx, conversationID); err != nil {
			if errors.Is(err, apperrors.ErrAuthExpired) {
				_ = f.abortStart(ctx, sess)
				return err
			}

			if errors.Is(err, apperrors.ErrSessionClosed) {
				if aborted := f.abortStart(ctx, sess); aborted != nil {
					return aborted
				}

				return err
			}

			f.logger.Warn("opening initial conversation",
				slog.String("conversation", conversationID),
				slog.String("error", err.Error()),
			)
		}
	}

	f.mu.Lock()
	if f.sess != sess || sess.closed || runCtx.Err() != nil {
		f.mu.Unlock()

		if aborted := f.abortStart(ctx, sess); aborted != nil {
			return aborted
		}

		return apperrors.ErrSessionClosed
	}

	sess.wg.Add(2)
	f.mu.Unlock()

	streamCfg := f.cfg.Stream
	streamCfg.OnState = f.store.SetConnection
	streamCfg.OnConnected = f.onConnected

	sup := stream.NewSupervisor(f.dialer, f.handleFrame, streamCfg, f.metrics, f.logger)

	go func() {
		defer sess.wg.Done()

		if err := sup.Run(runCtx); errors.Is(err, apperrors.ErrAuthExpired) {
			f.invalidate(err)
		}
	}()

	go func() {
		defer sess.wg.Done()
		_ = f.typing.Run(runCtx)
	}()

	f.logger.Info("sync started", slog.String("initial_conversation", conversationID))

	return nil
}

// abortStart releases sess after Start gives up. It returns the error
// Start should report when the run was stopped or cancelled underneath
// it, or nil when Start failed on its own.
func (f *Facade) abortStart(parent context.Context, sess *session) error {
	f.mu.Lock()
	stopped := f.sess != sess
	if !stopped {
		f.sess = nil
	}
	f.mu.Unlock()

	sess.cancel()

	switch {
	case stopped:
		return fmt.Errorf("%w: stopped during start", apperrors.ErrSessionClosed)
	case parent.Err() != nil:
		return fmt.Errorf("start: %w", parent.Err())
	default:
		return nil
	}
}

// Stop cancels the stream and all background work, waits for it to
// finish, and clears the store. A Start still in progress is cancelled
// and waited for as well.
func (f *Facade) Stop() {
	f.mu.Lock()
	sess := f.sess
	f.sess = nil
	f.mu.Unlock()

	if sess != nil {
		sess.cancel()
		sess.wg.Wait()
	}

	select {
	case <-f.invalidated:
		// Invalidation already reset the store with SessionExpired set.
	default:
		f.store.Reset(false)
	}

	f.logger.Info("sync stopped")
}

// Invalidated is closed when the server rejects the session credential.
// The stream is stopped and the store cleared before it closes.
func (f *Facade) Invalidated() <-chan struct{} {
	return f.invalidated
}

// Err returns the error that invalidated the session, if any.
func (f *Facade) Err() error {
	select {
	case <-f.invalidated:
		return f.invalidErr
	default:
		return nil
	}
}

// Snapshot returns the current state.
func (f *Facade) Snapshot() models.Snapshot {
	return f.store.Snapshot()
}

// Subscribe registers an observer. See store.Store.Subscribe.
func (f *Facade) Subscribe() (<-chan models.Snapshot, func()) {
	return f.store.Subscribe()
}

// Open selects conversationID and loads its newest page of messages.
func (f *Facade) Open(ctx context.Context, conversationID string) error {
	if !f.running() {
		return apperrors.ErrSessionClosed
	}

	if err := f.store.Select(conversationID); err != nil {
		f.fail("open", err)
		return err
	}

	page, full, err := f.fetchPage(ctx, conversationID, 0)
	if err != nil {
		f.fail("open", err)
		return err
	}

	if err := f.store.ApplyLatestPage(conversationID, page, reconcile.PageOpts{Fresh: true, Full: full}); err != nil {
		// The user moved on while the page was loading.
		if errors.Is(err, apperrors.ErrStaleCursor) {
			f.logger.Debug("discarding page for deselected conversation", slog.String("conversation", conversationID))
			return nil
		}

		return err
	}

	return nil
}

// Deselect clears the message window. The conversation list is kept.
func (f *Facade) Deselect() {
	_ = f.store.Select("")
}

// LoadMore fetches the page before beforeMessageID and prepends it.
// beforeMessageID must be the oldest loaded message of the active
// conversation; otherwise ErrStaleCursor is returned and nothing changes.
func (f *Facade) LoadMore(ctx context.Context, conversationID, beforeMessageID string) error {
	if !f.running() {
		return apperrors.ErrSessionClosed
	}

	snap := f.store.Snapshot()

	if snap.ActiveConversationID != conversationID {
		return fmt.Errorf("%w: %s is not the active conversation", apperrors.ErrStaleCursor, conversationID)
	}

	if len(snap.Messages) == 0 || snap.Messages[0].ID != beforeMessageID {
		return fmt.Errorf("%w: %s is not the oldest loaded message", apperrors.ErrStaleCursor, beforeMessageID)
	}

	page, full, err := f.fetchPage(ctx, conversationID, len(snap.Messages))
	if err != nil {
		f.fail("load_more", err)
		return err
	}

	return f.store.ApplyOlderPage(conversationID, beforeMessageID, page, full)
}

// MarkRead zeroes the conversation's unread count locally and tells the
// server in the background. An empty lastMessageID uses the newest loaded
// message when conversationID is active.
func (f *Facade) MarkRead(conversationID, lastMessageID string) error {
	if !f.running() {
		return apperrors.ErrSessionClosed
	}

	if lastMessageID == "" {
		snap := f.store.Snapshot()
		if snap.ActiveConversationID == conversationID && len(snap.Messages) > 0 {
			lastMessageID = snap.Messages[len(snap.Messages)-1].ID
		}
	}

	if err := f.store.MarkReadLocal(conversationID, lastMessageID); err != nil {
		return err
	}

	f.background(func(ctx context.Context) {
		if err := f.api.MarkRead(ctx, conversationID, lastMessageID); err != nil {
			f.backgroundFailed("mark read", err)
		}
	})

	return nil
}

// Refresh refetches the conversation list and, when a conversation is
// open, its newest page. Failures are surfaced in the snapshot.
func (f *Facade) Refresh(ctx context.Context) error {
	if !f.running() {
		return apperrors.ErrSessionClosed
	}

	if err := f.refreshConversations(ctx, metrics.RefreshManual); err != nil {
		f.fail("refresh", err)
		return err
	}

	if err := f.resyncActive(ctx); err != nil {
		f.fail("refresh", err)
		return err
	}

	return nil
}

// OnLocalInputChanged forwards a keystroke to the typing coordinator.
func (f *Facade) OnLocalInputChanged(conversationID string) {
	f.typing.OnLocalInputChanged(conversationID)
}

// MessageSent ends the local typing burst in conversationID.
func (f *Facade) MessageSent(conversationID string) {
	f.typing.MessageSent(conversationID)
}

func (f *Facade) handleFrame(_ context.Context, frame []byte) {
	ev, err := event.Decode(frame)
	if err != nil {
		f.metrics.Frame(metrics.FrameDecode)

		if errors.Is(err, apperrors.ErrUnknownEvent) {
			f.logger.Debug("dropping unknown event", slog.String("error", err.Error()))
		} else {
			f.logger.Warn("dropping malformed frame", slog.String("error", err.Error()), slog.Int("bytes", len(frame)))
		}

		return
	}

	out := f.store.Apply(ev)

	switch {
	case out.Dropped == nil:
		f.metrics.Frame(metrics.FrameApplied)
	case errors.Is(out.Dropped, apperrors.ErrReferentialGap):
		f.metrics.Frame(metrics.FrameGap)
		f.logger.Debug("event references unknown entity",
			slog.String("type", string(ev.Kind)),
			slog.String("error", out.Dropped.Error()),
		)
	default:
		f.metrics.Frame(metrics.FrameIgnored)
		f.logger.Debug("event dropped", slog.String("type", string(ev.Kind)), slog.String("error", out.Dropped.Error()))
	}

	if out.Refresh {
		f.background(func(ctx context.Context) {
			if err := f.throttledRefresh(ctx, metrics.RefreshGap); err != nil {
				f.backgroundFailed("gap refresh", err)
			}
		})
	}
}

// onConnected catches up after a reconnect: anything that happened while
// the stream was down is only visible through bulk fetches.
func (f *Facade) onConnected(_ context.Context, reconnect bool) {
	if !reconnect {
		return
	}

	f.background(func(ctx context.Context) {
		err := f.retryTransient(ctx, "reconnect catch-up", func(ctx context.Context) error {
			if err := f.refreshConversations(ctx, metrics.RefreshReconnect); err != nil {
				return err
			}

			return f.resyncActive(ctx)
		})
		if err != nil {
			f.backgroundFailed("reconnect catch-up", err)
		}
	})
}

// throttledRefresh coalesces gap-triggered refreshes: concurrent callers
// share one fetch, and fetches are spaced by RefreshInterval.
func (f *Facade) throttledRefresh(ctx context.Context, reason string) error {
	_, err, _ := f.flight.Do("conversations:"+reason, func() (any, error) {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		return nil, f.retryTransient(ctx, reason+" refresh", func(ctx context.Context) error {
			return f.refreshConversations(ctx, reason)
		})
	})

	return err
}

// retryTransient runs fn and, if it failed with a transient error, runs
// it once more after the refresh limiter admits it. Permanent errors are
// returned without a retry.
func (f *Facade) retryTransient(ctx context.Context, op string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || !chat.IsTransient(err) {
		return err
	}

	f.logger.Debug(op+" failed, retrying", slog.String("error", err.Error()))

	if werr := f.limiter.Wait(ctx); werr != nil {
		return err
	}

	return fn(ctx)
}

func (f *Facade) refreshConversations(ctx context.Context, reason string) error {
	var all []models.Conversation

	for offset := 0; offset < f.cfg.MaxConversations; {
		limit := min(f.cfg.PageSize, f.cfg.MaxConversations-offset)

		page, err := f.api.ListConversations(ctx, limit, offset)
		if err != nil {
			return err
		}

		all = append(all, page...)
		offset += len(page)

		if len(page) < limit {
			break
		}
	}

	d := f.store.ReplaceConversations(all)
	f.metrics.Refresh(reason)

	f.logger.Debug("conversations refreshed",
		slog.String("reason", reason),
		slog.Int("total", len(all)),
		slog.Int("added", len(d.Added)),
		slog.Int("removed", len(d.Removed)),
		slog.Bool("active_cleared", d.ActiveCleared),
	)

	return nil
}

// resyncActive reloads the newest page of the active conversation and
// splices it into the window.
func (f *Facade) resyncActive(ctx context.Context) error {
	id := f.store.ActiveID()
	if id == "" {
		return nil
	}

	page, full, err := f.fetchPage(ctx, id, 0)
	if err != nil {
		return err
	}

	if err := f.store.ApplyLatestPage(id, page, reconcile.PageOpts{Full: full}); err != nil && !errors.Is(err, apperrors.ErrStaleCursor) {
		return err
	}

	return nil
}

// fetchPage returns one page in chronological order and whether it came
// back full.
func (f *Facade) fetchPage(ctx context.Context, conversationID string, offset int) ([]models.Message, bool, error) {
	page, err := f.api.ListMessages(ctx, conversationID, f.cfg.PageSize, offset)
	if err != nil {
		return nil, false, err
	}

	full := len(page) >= f.cfg.PageSize
	page = slices.Clone(page)
	slices.Reverse(page)

	return page, full, nil
}

// fail surfaces err to the waiting user, or invalidates the session when
// the credential was rejected.
func (f *Facade) fail(op string, err error) {
	if errors.Is(err, apperrors.ErrAuthExpired) {
		f.invalidate(err)
		return
	}

	f.store.SetError(op, err)
}

func (f *Facade) backgroundFailed(op string, err error) {
	if errors.Is(err, apperrors.ErrAuthExpired) {
		f.invalidate(err)
		return
	}

	if errors.Is(err, context.Canceled) {
		return
	}

	// Transient failures recover on the next gap or reconnect; anything
	// else needs attention.
	level := slog.LevelError
	if chat.IsTransient(err) {
		level = slog.LevelWarn
	}

	f.logger.Log(context.Background(), level, op+" failed",
		slog.String("error", err.Error()),
		slog.Bool("transient", level == slog.LevelWarn),
	)
}

func (f *Facade) running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.sess != nil && !f.sess.closed
}

// background runs fn on a goroutine tracked by the current session. Once
// Stop has taken the session, or it was invalidated, fn is dropped.
func (f *Facade) background(fn func(ctx context.Context)) {
	f.mu.Lock()
	sess := f.sess
	if sess == nil || sess.closed {
		f.mu.Unlock()
		f.logger.Debug("dropping background work, session not running")

		return
	}

	sess.wg.Add(1)
	f.mu.Unlock()

	go func() {
		defer sess.wg.Done()

		ctx, cancel := context.WithTimeout(sess.ctx, backgroundTimeout)
		defer cancel()

		fn(ctx)
	}()
}

// invalidate stops everything and clears the store. Safe to call from any
// goroutine, including ones tracked by the session. Stop still has to be
// called to wait for them.
func (f *Facade) invalidate(err error) {
	f.invalidOnce.Do(func() {
		f.logger.Error("session invalidated", slog.String("error", err.Error()))

		f.mu.Lock()
		sess := f.sess
		if sess != nil {
			sess.closed = true
		}
		f.mu.Unlock()

		if sess != nil {
			sess.cancel()
		}

		f.store.Reset(true)
		f.invalidErr = err
		close(f.invalidated)
	})
}
