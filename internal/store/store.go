// Package store is the single authoritative in-memory state of a sync
// session. All mutation is serialized behind one lock; readers only ever
// receive complete snapshots.
package store

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/event"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/reconcile"
)

// Store owns a reconcile.State and publishes a new snapshot to every
// subscriber after each mutation that changed something.
type Store struct {
	mu      sync.Mutex
	state   *reconcile.State
	policy  reconcile.Policy
	version uint64
	conn    models.ConnectionStatus
	err     *models.UserError
	expired bool

	subs   map[int]chan models.Snapshot
	nextID int

	now    func() time.Time
	logger *slog.Logger
}

// New creates an empty store using the given merge policy.
func New(policy reconcile.Policy, logger *slog.Logger) *Store {
	return &Store{
		state:  reconcile.NewState(),
		policy: policy,
		conn:   models.ConnectionStatus{State: models.ConnStopped},
		subs:   make(map[int]chan models.Snapshot),
		now:    time.Now,
		logger: logger.With(slog.String("component", "store")),
	}
}

// Policy returns the merge policy the store applies events with.
func (s *Store) Policy() reconcile.Policy {
	return s.policy
}

// Mutate runs fn with exclusive access to the working state. If fn
// reports a change, the version is bumped and subscribers are notified
// before Mutate returns. fn must not block or retain the state pointer.
func (s *Store) Mutate(fn func(st *reconcile.State) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fn(s.state) {
		s.publishLocked()
	}
}

// Apply reconciles one stream event.
func (s *Store) Apply(ev event.Event) reconcile.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := reconcile.Apply(s.state, ev, s.policy, s.now())
	if out.Changed {
		s.publishLocked()
	}

	return out
}

// ReplaceConversations installs a bulk-fetched conversation list and
// clears any pending user-facing error.
func (s *Store) ReplaceConversations(list []models.Conversation) reconcile.Diff {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := reconcile.ReplaceConversations(s.state, list)
	s.err = nil
	s.publishLocked()

	return d
}

// Select swaps the materialized message window. An empty id deselects.
func (s *Store) Select(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state.ActiveID
	if err := reconcile.Select(s.state, id); err != nil {
		return err
	}

	if prev != id {
		s.publishLocked()
	}

	return nil
}

// ActiveID returns the currently selected conversation.
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.ActiveID
}

// ApplyLatestPage merges a newest-page fetch for convID.
func (s *Store) ApplyLatestPage(convID string, page []models.Message, opts reconcile.PageOpts) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out, err := reconcile.ApplyLatestPage(s.state, convID, page, opts, s.policy)
	if err != nil {
		return err
	}

	s.err = nil
	if out.Changed {
		s.publishLocked()
	}

	return nil
}

// ApplyOlderPage prepends an older page fetched before beforeID.
func (s *Store) ApplyOlderPage(convID, beforeID string, page []models.Message, full bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out, err := reconcile.ApplyOlderPage(s.state, convID, beforeID, page, full, s.policy)
	if err != nil {
		return err
	}

	s.err = nil
	if out.Changed {
		s.publishLocked()
	}

	return nil
}

// MarkReadLocal zeroes unread for a conversation ahead of the server.
func (s *Store) MarkReadLocal(convID, lastMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := reconcile.MarkReadLocal(s.state, convID, lastMessageID, s.policy)
	if out.Changed {
		s.publishLocked()
	}

	return out.Dropped
}

// Sweep evicts expired remote typing entries.
func (s *Store) Sweep(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !reconcile.SweepTyping(s.state, now) {
		return false
	}

	s.publishLocked()

	return true
}

// SetConnection records the supervisor's current stream state.
func (s *Store) SetConnection(status models.ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status.Since.IsZero() {
		status.Since = s.now()
	}

	s.conn = status
	s.publishLocked()
}

// SetError surfaces a failure to a user waiting on op. It stays in the
// snapshot until the next successful fetch.
func (s *Store) SetError(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.err = &models.UserError{Op: op, Message: err.Error(), At: s.now()}
	s.publishLocked()
}

// ClearError drops the user-facing error, if any.
func (s *Store) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err == nil {
		return
	}

	s.err = nil
	s.publishLocked()
}

// Reset clears all synchronized state. When expired is true the next
// snapshot reports the session as invalidated.
func (s *Store) Reset(expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Clear()
	s.err = nil
	s.expired = expired
	s.conn = models.ConnectionStatus{State: models.ConnStopped, Since: s.now()}
	s.publishLocked()
}

// Snapshot returns the current state as an immutable value.
func (s *Store) Snapshot() models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.renderLocked()
}

// Subscribe returns a channel that receives the latest snapshot after
// every change, starting with the current one. Delivery is latest-wins: a
// slow reader skips intermediate versions but never sees a stale one
// after a newer one. Call the returned function to unsubscribe.
func (s *Store) Subscribe() (<-chan models.Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	ch := make(chan models.Snapshot, 1)
	ch <- s.renderLocked()
	s.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			delete(s.subs, id)
			close(ch)
		})
	}
}

func (s *Store) renderLocked() models.Snapshot {
	snap := s.state.Snapshot()
	snap.Version = s.version
	snap.Connection = s.conn
	snap.SessionExpired = s.expired

	if s.err != nil {
		e := *s.err
		snap.Error = &e
	}

	return snap
}

func (s *Store) publishLocked() {
	s.version++

	for _, ch := range s.subs {
		snap := s.renderLocked()

		// Drop the unread older snapshot, if any, then deliver the new
		// one. Only publishLocked sends, so the second send cannot block.
		select {
		case <-ch:
		default:
		}

		ch <- snap
	}

	s.logger.Debug("snapshot published", slog.Uint64("version", s.version), slog.Int("subscribers", len(s.subs)))
}
