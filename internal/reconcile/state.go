// Package reconcile holds the merge rules that map (state, event) and
// (state, fetch result) to the next state. Functions here do no I/O and
// never block; the store serializes calls so they can mutate State in place.
package reconcile

import (
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

const (
	// defaultSeenWindow is how many recent message ids are remembered per
	// conversation to keep redelivered message_created events idempotent
	// for conversations whose messages are not materialized.
	defaultSeenWindow = 256

	// maxCursorCandidates bounds the unordered cursor ids kept per reader
	// for a conversation whose window is not loaded.
	maxCursorCandidates = 16

	// defaultTypingTimeout is how long a remote typing indicator lives
	// without being refreshed.
	defaultTypingTimeout = 5 * time.Second
)

// Policy carries the per-session knobs the merge rules depend on.
type Policy struct {
	// SelfID is the local user. Read receipts only upgrade messages
	// authored by this user, and typing/reaction deltas from this user
	// are treated as local echoes.
	SelfID string

	// TypingTimeout is added to the event time for each typing start.
	TypingTimeout time.Duration

	// ReadAllWithoutCursor controls conversation_read events that carry
	// no message id. When true they mark every loaded own message READ.
	ReadAllWithoutCursor bool

	// SeenWindow bounds the per-conversation ring of recent message ids.
	SeenWindow int
}

// DefaultPolicy returns the policy used when the caller does not
// override individual fields.
func DefaultPolicy(selfID string) Policy {
	return Policy{
		SelfID:               selfID,
		TypingTimeout:        defaultTypingTimeout,
		ReadAllWithoutCursor: true,
		SeenWindow:           defaultSeenWindow,
	}
}

func (p Policy) typingTimeout() time.Duration {
	if p.TypingTimeout <= 0 {
		return defaultTypingTimeout
	}

	return p.TypingTimeout
}

func (p Policy) seenWindow() int {
	if p.SeenWindow <= 0 {
		return defaultSeenWindow
	}

	return p.SeenWindow
}

// State is the mutable working copy owned by the store. Only the store's
// single writer touches it; readers get models.Snapshot copies.
type State struct {
	Conversations []models.Conversation
	ActiveID      string
	Messages      []models.Message
	HasMoreBefore bool

	// Typing maps conversation id to remote typists.
	Typing map[string][]models.Typist

	// Cursors maps conversation id to reader id to last-read message id.
	Cursors map[string]map[string]string

	// Presence maps user id to online flag, as last reported.
	Presence map[string]bool

	// seen holds recently observed message ids per conversation.
	seen map[string][]string

	// candidates holds cursor ids per conversation and reader that could
	// not be ordered against the current cursor because the window did
	// not contain both. They are resolved when a page lands.
	candidates map[string]map[string][]string
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		Typing:   make(map[string][]models.Typist),
		Cursors:  make(map[string]map[string]string),
		Presence: make(map[string]bool),
		seen:       make(map[string][]string),
		candidates: make(map[string]map[string][]string),
	}
}

// Clone returns a deep copy. Tests use it to compare before/after states.
func (s *State) Clone() *State {
	out := &State{
		ActiveID:      s.ActiveID,
		HasMoreBefore: s.HasMoreBefore,
		Typing:        make(map[string][]models.Typist, len(s.Typing)),
		Cursors:       make(map[string]map[string]string, len(s.Cursors)),
		Presence:      make(map[string]bool, len(s.Presence)),
		seen:          make(map[string][]string, len(s.seen)),
		candidates:    make(map[string]map[string][]string, len(s.candidates)),
	}

	out.Conversations = cloneConversations(s.Conversations)
	out.Messages = cloneMessages(s.Messages)

	for k, v := range s.Typing {
		out.Typing[k] = append([]models.Typist(nil), v...)
	}

	for k, v := range s.Cursors {
		inner := make(map[string]string, len(v))
		for r, id := range v {
			inner[r] = id
		}

		out.Cursors[k] = inner
	}

	for k, v := range s.Presence {
		out.Presence[k] = v
	}

	for k, v := range s.seen {
		out.seen[k] = append([]string(nil), v...)
	}

	for k, v := range s.candidates {
		inner := make(map[string][]string, len(v))
		for r, ids := range v {
			inner[r] = append([]string(nil), ids...)
		}

		out.candidates[k] = inner
	}

	return out
}

// Snapshot renders the state into an immutable value. Store-owned fields
// (version, connection, error) are left for the caller to fill.
func (s *State) Snapshot() models.Snapshot {
	snap := models.Snapshot{
		Conversations:        cloneConversations(s.Conversations),
		ActiveConversationID: s.ActiveID,
		Messages:             cloneMessages(s.Messages),
		HasMoreBefore:        s.HasMoreBefore,
	}

	if snap.Conversations == nil {
		snap.Conversations = []models.Conversation{}
	}

	if snap.Messages == nil {
		snap.Messages = []models.Message{}
	}

	if len(s.Typing) > 0 {
		snap.Typing = make(map[string][]models.Typist, len(s.Typing))
		for k, v := range s.Typing {
			snap.Typing[k] = append([]models.Typist(nil), v...)
		}
	}

	if len(s.Cursors) > 0 {
		snap.ReadCursors = make(map[string]map[string]string, len(s.Cursors))
		for k, v := range s.Cursors {
			inner := make(map[string]string, len(v))
			for r, id := range v {
				inner[r] = id
			}

			snap.ReadCursors[k] = inner
		}
	}

	if len(s.Presence) > 0 {
		snap.Presence = make(map[string]bool, len(s.Presence))
		for k, v := range s.Presence {
			snap.Presence[k] = v
		}
	}

	return snap
}

// Clear wipes everything. Used on logout and session invalidation.
func (s *State) Clear() {
	*s = *NewState()
}

func cloneConversations(in []models.Conversation) []models.Conversation {
	if in == nil {
		return nil
	}

	out := make([]models.Conversation, len(in))
	for i, c := range in {
		out[i] = c.Clone()
	}

	return out
}

func cloneMessages(in []models.Message) []models.Message {
	if in == nil {
		return nil
	}

	out := make([]models.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}

	return out
}

func (s *State) conversationIndex(id string) int {
	for i := range s.Conversations {
		if s.Conversations[i].ID == id {
			return i
		}
	}

	return -1
}

func (s *State) messageIndex(id string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}

	return -1
}

func (s *State) isActive(conversationID string) bool {
	return s.ActiveID != "" && s.ActiveID == conversationID
}

// markSeen records a message id in the conversation's ring. Returns false
// if the id was already present.
func (s *State) markSeen(conversationID, messageID string, window int) bool {
	ring := s.seen[conversationID]
	for _, id := range ring {
		if id == messageID {
			return false
		}
	}

	ring = append(ring, messageID)
	if len(ring) > window {
		ring = ring[len(ring)-window:]
	}

	s.seen[conversationID] = ring

	return true
}

func (s *State) hasSeen(conversationID, messageID string) bool {
	for _, id := range s.seen[conversationID] {
		if id == messageID {
			return true
		}
	}

	return false
}

// bumpConversation moves the conversation at idx to the top of its block:
// pinned conversations stay above unpinned ones.
func (s *State) bumpConversation(idx int) {
	c := s.Conversations[idx]
	rest := append(s.Conversations[:idx:idx], s.Conversations[idx+1:]...)

	target := 0
	if !c.Pinned {
		target = len(rest)

		for i := range rest {
			if !rest[i].Pinned {
				target = i
				break
			}
		}
	}

	out := make([]models.Conversation, 0, len(s.Conversations))
	out = append(out, rest[:target]...)
	out = append(out, c)
	out = append(out, rest[target:]...)
	s.Conversations = out
}
