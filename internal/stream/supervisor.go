// Package stream supervises the push event stream: connect, read frames,
// and reconnect with bounded exponential backoff until cancelled.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	defaultBackoffBase    = time.Second
	defaultBackoffMax     = 30 * time.Second
	defaultBackoffJitter  = 0.2
	defaultConnectTimeout = 10 * time.Second
	defaultIdleTimeout    = 60 * time.Second
)

var errIdle = errors.New("no frames within idle timeout")

// Handler receives each text frame. It runs on the read loop goroutine;
// a panic is recovered and logged.
type Handler func(ctx context.Context, frame []byte)

// Config tunes a Supervisor. Zero fields take defaults.
type Config struct {
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration

	// OnState is called on every connection state transition.
	OnState func(models.ConnectionStatus)

	// OnConnected is called after each successful dial, before the first
	// read. reconnect is false only for the first connection of a Run.
	OnConnected func(ctx context.Context, reconnect bool)
}

// Supervisor owns one logical subscription to the event stream.
type Supervisor struct {
	dialer  Dialer
	handle  Handler
	cfg     Config
	backoff *Backoff
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSupervisor creates a supervisor. m may be nil.
func NewSupervisor(dialer Dialer, handle Handler, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}

	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}

	if cfg.BackoffJitter < 0 || cfg.BackoffJitter >= 1 {
		cfg.BackoffJitter = defaultBackoffJitter
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}

	return &Supervisor{
		dialer: dialer,
		handle: handle,
		cfg:    cfg,
		backoff: &Backoff{
			Base:   cfg.BackoffBase,
			Max:    cfg.BackoffMax,
			Jitter: cfg.BackoffJitter,
		},
		metrics: m,
		logger:  logger.With(slog.String("component", "stream")),
	}
}

// Run connects and reads until ctx is cancelled, reconnecting after every
// termination. It returns ctx.Err() on cancellation and an error wrapping
// ErrAuthExpired when the credential is rejected; every other failure is
// retried.
func (s *Supervisor) Run(ctx context.Context) error {
	attempt := 0
	connections := 0

	defer s.setState(models.ConnStopped, 0, 0)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.setState(models.ConnConnecting, attempt, 0)

		frames, dialed, err := s.session(ctx, connections > 0)
		if dialed {
			connections++
		}

		if errors.Is(err, apperrors.ErrAuthExpired) {
			s.logger.Error("event stream credential rejected", slog.String("error", err.Error()))
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if frames > 0 {
			attempt = 0
			s.backoff.Reset()
		}

		attempt++
		delay := s.backoff.Next(attempt)

		s.logger.Warn("event stream lost, reconnecting",
			slog.String("error", errString(err)),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
		)

		s.metrics.ReconnectDelay(delay)
		s.setState(models.ConnBackoff, attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection to completion. It reports how many frames
// were read and whether the dial succeeded.
func (s *Supervisor) session(ctx context.Context, reconnect bool) (int, bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	conn, err := s.dialer.Dial(dialCtx)
	cancel()

	if err != nil {
		return 0, false, err
	}

	defer conn.CloseNow()

	logger := s.logger.With(slog.String("conn_id", uuid.NewString()))
	logger.Info("event stream connected", slog.Bool("reconnect", reconnect))

	s.metrics.StreamConnected()
	defer s.metrics.StreamDisconnected()

	s.setState(models.ConnConnected, 0, 0)

	if s.cfg.OnConnected != nil {
		s.cfg.OnConnected(ctx, reconnect)
	}

	frames := 0

	for {
		readCtx, cancel := context.WithTimeout(ctx, s.cfg.IdleTimeout)
		typ, data, err := conn.Read(readCtx)
		idle := errors.Is(readCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return frames, true, ctx.Err()
			}

			if idle {
				return frames, true, fmt.Errorf("%w (%s)", errIdle, s.cfg.IdleTimeout)
			}

			return frames, true, fmt.Errorf("reading frame: %w", err)
		}

		frames++

		if typ != websocket.MessageText {
			logger.Debug("ignoring non-text frame", slog.Int("bytes", len(data)))
			s.metrics.Frame(metrics.FrameIgnored)

			continue
		}

		s.dispatch(ctx, logger, data)
	}
}

func (s *Supervisor) dispatch(ctx context.Context, logger *slog.Logger, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("frame handler panicked", slog.Any("panic", r), slog.Int("bytes", len(data)))
			s.metrics.Frame(metrics.FramePanic)
		}
	}()

	s.handle(ctx, data)
}

func (s *Supervisor) setState(state models.ConnectionState, attempt int, delay time.Duration) {
	if s.cfg.OnState == nil {
		return
	}

	s.cfg.OnState(models.ConnectionStatus{State: state, Attempt: attempt, LastDelay: delay})
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}

	return err.Error()
}
