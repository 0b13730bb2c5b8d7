// Package typing debounces the local user's typing broadcasts and expires
// remote typing indicators.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultIdleTimeout   = 3 * time.Second
	defaultSweepInterval = time.Second
	sendTimeout          = 5 * time.Second
	outboxSize           = 64
)

// Sender delivers a typing signal to the server.
type Sender interface {
	SendTyping(ctx context.Context, conversationID string, isTyping bool) error
}

// Sweeper evicts expired remote typing entries.
type Sweeper interface {
	Sweep(now time.Time) bool
}

// Config tunes a Coordinator. Zero fields take defaults.
type Config struct {
	// IdleTimeout is the silence after the last keystroke before a stop
	// signal is sent.
	IdleTimeout time.Duration

	// SweepInterval is how often Run calls Tick.
	SweepInterval time.Duration
}

type signal struct {
	conversationID string
	typing         bool
}

// Coordinator tracks one typing burst per conversation. A burst starts on
// the first input change, sends exactly one start signal, and ends with
// exactly one stop signal when the idle deadline passes or a message is
// sent. Deadlines are checked by Tick, not by per-keystroke timers.
type Coordinator struct {
	sender  Sender
	sweeper Sweeper
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	deadline map[string]time.Time
	outbox   chan signal
}

// New creates a coordinator. sweeper may be nil.
func New(sender Sender, sweeper Sweeper, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	return &Coordinator{
		sender:   sender,
		sweeper:  sweeper,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "typing")),
		now:      time.Now,
		deadline: make(map[string]time.Time),
		outbox:   make(chan signal, outboxSize),
	}
}

// OnLocalInputChanged records a keystroke in conversationID. The first
// call of a burst queues a start signal; later calls only push the idle
// deadline out.
func (c *Coordinator) OnLocalInputChanged(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, active := c.deadline[conversationID]
	c.deadline[conversationID] = c.now().Add(c.cfg.IdleTimeout)

	if !active {
		c.enqueueLocked(signal{conversationID: conversationID, typing: true})
	}
}

// MessageSent ends the burst in conversationID, if any.
func (c *Coordinator) MessageSent(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, active := c.deadline[conversationID]; !active {
		return
	}

	delete(c.deadline, conversationID)
	c.enqueueLocked(signal{conversationID: conversationID, typing: false})
}

// Active reports whether a burst is open in conversationID.
func (c *Coordinator) Active(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.deadline[conversationID]

	return ok
}

// Tick ends every burst whose idle deadline is at or before now, then
// sweeps expired remote typists.
func (c *Coordinator) Tick(now time.Time) {
	c.mu.Lock()

	for id, dl := range c.deadline {
		if now.Before(dl) {
			continue
		}

		delete(c.deadline, id)
		c.enqueueLocked(signal{conversationID: id, typing: false})
	}

	c.mu.Unlock()

	if c.sweeper != nil {
		c.sweeper.Sweep(now)
	}
}

// Run ticks every SweepInterval and delivers queued signals until ctx is
// cancelled. Open bursts are dropped on exit without a stop signal; the
// server expires them.
func (c *Coordinator) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		c.deliver(ctx)
	}()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			clear(c.deadline)
			c.mu.Unlock()

			wg.Wait()

			return ctx.Err()
		case <-ticker.C:
			c.Tick(c.now())
		}
	}
}

// deliver sends queued signals in order, so a stop never overtakes the
// start of the same burst.
func (c *Coordinator) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-c.outbox:
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			err := c.sender.SendTyping(sendCtx, sig.conversationID, sig.typing)
			cancel()

			if err != nil && ctx.Err() == nil {
				c.logger.Warn("sending typing signal",
					slog.String("conversation", sig.conversationID),
					slog.Bool("typing", sig.typing),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (c *Coordinator) enqueueLocked(sig signal) {
	select {
	case c.outbox <- sig:
	default:
		c.logger.Warn("typing outbox full, dropping signal",
			slog.String("conversation", sig.conversationID),
			slog.Bool("typing", sig.typing),
		)
	}
}
