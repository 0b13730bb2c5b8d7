package reconcile

import (
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/event"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Outcome reports what Apply did with an event.
type Outcome struct {
	// Changed is true when the state was modified and observers should
	// receive a new snapshot.
	Changed bool

	// Refresh asks the caller to refetch the conversation list in the
	// background. Set when an event names a conversation that is not
	// known locally.
	Refresh bool

	// Dropped explains why an event was discarded. Nil when applied or
	// when the event was a harmless duplicate.
	Dropped error
}

func changed() Outcome { return Outcome{Changed: true} }

func gap(format string, args ...any) Outcome {
	return Outcome{Dropped: fmt.Errorf("%w: "+format, append([]any{apperrors.ErrReferentialGap}, args...)...)}
}

func conversationGap(id string) Outcome {
	o := gap("conversation %s", id)
	o.Refresh = true

	return o
}

// Apply merges one decoded event into the state. The event is applied in
// arrival order: there is no client-side re-sorting by timestamp.
func Apply(s *State, ev event.Event, p Policy, now time.Time) Outcome {
	switch ev.Kind {
	case event.KindMessageCreated:
		return applyMessageCreated(s, ev.ConversationID, ev.MessageCreated, p, now)
	case event.KindMessageUpdated:
		return applyMessageUpdated(s, ev.ConversationID, ev.MessageUpdated, now)
	case event.KindMessageDeleted:
		return applyMessageDeleted(s, ev.ConversationID, ev.MessageDeleted, now)
	case event.KindReactionUpdated:
		return applyReactionUpdated(s, ev.ConversationID, ev.ReactionUpdated, p)
	case event.KindConversationRead:
		return applyConversationRead(s, ev.ConversationID, ev.ConversationRead, p)
	case event.KindTyping:
		return applyTyping(s, ev.ConversationID, ev.Typing, p, now)
	case event.KindConversationUpdated:
		return applyConversationUpdated(s, ev.ConversationID, ev.ConversationUpdated)
	case event.KindPresenceChanged:
		return applyPresenceChanged(s, ev.ConversationID, ev.PresenceChanged)
	default:
		return Outcome{Dropped: fmt.Errorf("%w: %q", apperrors.ErrUnknownEvent, ev.Kind)}
	}
}

func applyMessageCreated(s *State, convID string, mc *event.MessageCreated, p Policy, now time.Time) Outcome {
	if mc == nil {
		return Outcome{Dropped: apperrors.ErrDecode}
	}

	idx := s.conversationIndex(convID)
	if idx < 0 {
		return conversationGap(convID)
	}

	msg := mc.Message.Clone()
	msg.ConversationID = convID

	if msg.SenderID == p.SelfID {
		if len(mc.Recipients) > 0 {
			msg.DeliveryStatus = msg.DeliveryStatus.Advance(models.StatusDelivered)
		} else {
			msg.DeliveryStatus = msg.DeliveryStatus.Advance(models.StatusSent)
		}
	}

	if s.isActive(convID) {
		if s.messageIndex(msg.ID) >= 0 {
			s.markSeen(convID, msg.ID, p.seenWindow())
			return Outcome{}
		}

		s.Messages = append(s.Messages, msg)
		s.markSeen(convID, msg.ID, p.seenWindow())
	} else {
		if !s.markSeen(convID, msg.ID, p.seenWindow()) {
			return Outcome{}
		}

		if msg.SenderID != p.SelfID {
			s.Conversations[idx].UnreadCount++
		}
	}

	conv := &s.Conversations[idx]
	conv.LastMessagePreview = msg.Preview()

	if !msg.CreatedAt.IsZero() {
		conv.LastMessageAt = msg.CreatedAt
	} else {
		conv.LastMessageAt = now
	}

	// A message from a typist ends their indicator.
	removeTypist(s, convID, msg.SenderID)

	s.bumpConversation(idx)

	return changed()
}

func applyMessageUpdated(s *State, convID string, mu *event.MessageUpdated, now time.Time) Outcome {
	if mu == nil {
		return Outcome{Dropped: apperrors.ErrDecode}
	}

	if s.conversationIndex(convID) < 0 {
		return conversationGap(convID)
	}

	if !s.isActive(convID) {
		return Outcome{}
	}

	i := s.messageIndex(mu.MessageID)
	if i < 0 {
		return gap("message %s", mu.MessageID)
	}

	m := &s.Messages[i]
	if m.Deleted() {
		return Outcome{}
	}

	if mu.Body != nil {
		m.Body = *mu.Body
	}

	edited := now
	if mu.EditedAt != nil {
		edited = *mu.EditedAt
	}

	m.EditedAt = &edited

	if i == len(s.Messages)-1 {
		s.Conversations[s.conversationIndex(convID)].LastMessagePreview = m.Preview()
	}

	return changed()
}

func applyMessageDeleted(s *State, convID string, md *event.MessageDeleted, now time.Time) Outcome {
	if md == nil {
		return Outcome{Dropped: apperrors.ErrDecode}
	}

	if s.conversationIndex(convID) < 0 {
		return conversationGap(convID)
	}

	if !s.isActive(convID) {
		return Outcome{}
	}

	i := s.messageIndex(md.MessageID)
	if i < 0 {
		return gap("message %s", md.MessageID)
	}

	m := &s.Messages[i]
	if m.Deleted() {
		return Outcome{}
	}

	deleted := now
	if md.DeletedAt != nil {
		deleted = *md.DeletedAt
	}

	// The message keeps its place in the sequence; only content goes.
	m.DeletedAt = &deleted
	m.Body = ""
	m.Attachments = nil
	m.Reactions = nil

	if i == len(s.Messages)-1 {
		s.Conversations[s.conversationIndex(convID)].LastMessagePreview = ""
	}

	return changed()
}

func applyReactionUpdated(s *State, convID string, ru *event.ReactionUpdated, p Policy) Outcome {
	if ru == nil {
		return Outcome{Dropped: apperrors.ErrDecode}
	}

	if s.conversationIndex(convID) < 0 {
		return conversationGap(convID)
	}

	// Reactions can only be reconciled against a loaded parent message.
	if !s.isActive(convID) {
		return gap("message %s not loaded", ru.MessageID)
	}

	i := s.messageIndex(ru.MessageID)
	if i < 0 {
		return gap("message %s", ru.MessageID)
	}

	m := &s.Messages[i]

	if ru.FullList {
		m.Reactions = append([]models.Reaction(nil), ru.Reactions...)
		return changed()
	}

	own := ru.UserID == "" || ru.UserID == p.SelfID

	next, ok := applyReactionDelta(m.Reactions, ru.Emoji, ru.Action, own)
	if !ok {
		return Outcome{}
	}

	m.Reactions = next

	return changed()
}

// applyReactionDelta adjusts one emoji bucket. Counts never go below zero
// and an own reaction is never counted twice. Returns ok=false when the
// delta does not change anything.
func applyReactionDelta(in []models.Reaction, emoji string, action event.ReactionAction, own bool) ([]models.Reaction, bool) {
	idx := -1

	for i := range in {
		if in[i].Emoji == emoji {
			idx = i
			break
		}
	}

	out := append([]models.Reaction(nil), in...)

	switch action {
	case event.ReactionAdd:
		if idx < 0 {
			return append(out, models.Reaction{Emoji: emoji, Count: 1, ReactedByMe: own}), true
		}

		r := &out[idx]
		if own && r.ReactedByMe {
			return in, false
		}

		r.Count++
		if own {
			r.ReactedByMe = true
		}

		return out, true

	case event.ReactionRemove:
		if idx < 0 {
			return in, false
		}

		r := &out[idx]
		if own && !r.ReactedByMe {
			return in, false
		}

		// Another user's removal cannot take away the local user's own
		// contribution to the count.
		if !own && r.ReactedByMe && r.Count <= 1 {
			return in, false
		}

		if r.Count > 0 {
			r.Count--
		}

		if own {
			r.ReactedByMe = false
		}

		if r.Count == 0 {
			out = append(out[:idx], out[idx+1:]...)
		}

		return out, true

	default:
		return in, false
	}
}

func applyConversationRead(s *State, convID string, cr *event.ConversationRead, p Policy) Outcome {
	if cr == nil {
		return Outcome{Dropped: apperrors.ErrDecode}
	}

	idx := s.conversationIndex(convID)
	if idx < 0 {
		return conversationGap(convID)
	}

	// The local user read on another device: the server has already
	// resolved the cursor, so unread goes to zero.
	if cr.ReaderID == p.SelfID {
		o := Outcome{}
		if s.Conversations[idx].UnreadCount != 0 {
			s.Conversations[idx].UnreadCount = 0
			o.Changed = true
		}

		if cr.MessageID != "" && advanceCursor(s, convID, cr.ReaderID, cr.MessageID) {
			o.Changed = true
		}

		return o
	}

	if !s.isActive(convID) {
		// Without the message window there is nothing to upgrade. The
		// cursor is advanced or parked as a candidate until the
		// conversation is opened.
		if cr.MessageID == "" {
			return Outcome{}
		}

		if advanceCursor(s, convID, cr.ReaderID, cr.MessageID) {
			return changed()
		}

		return Outcome{}
	}

	if len(s.Messages) == 0 {
		return Outcome{}
	}

	pos := len(s.Messages) - 1

	if cr.MessageID == "" {
		if !p.ReadAllWithoutCursor {
			return Outcome{}
		}
	} else {
		pos = s.messageIndex(cr.MessageID)
		if pos < 0 {
			return gap("message %s", cr.MessageID)
		}
	}

	// Cursors only move forward.
	if prev, ok := s.Cursors[convID][cr.ReaderID]; ok {
		if prevPos := s.messageIndex(prev); prevPos > pos {
			return Outcome{}
		}
	}

	o := Outcome{}
	if setCursor(s, convID, cr.ReaderID, s.Messages[pos].ID) {
		o.Changed = true
	}

	if upgradeOwnToRead(s.Messages, pos, cr.ReaderID, p.SelfID) {
		o.Changed = true
	}

	return o
}

// upgradeOwnToRead walks from pos back to the oldest loaded message and
// marks every message authored by self as READ. Messages authored by the
// reader are skipped: nobody read-receipts their own message.
func upgradeOwnToRead(msgs []models.Message, pos int, readerID, selfID string) bool {
	changed := false

	for i := pos; i >= 0; i-- {
		m := &msgs[i]
		if m.SenderID != selfID || m.SenderID == readerID {
			continue
		}

		if m.DeliveryStatus < models.StatusRead {
			m.DeliveryStatus = models.StatusRead
			changed = true
		}
	}

	return changed
}

// advanceCursor moves a reader's cursor to messageID unless the window
// shows the current cursor is already further along. When neither id is
// in the window their order is unknown: the current cursor stays and
// messageID is parked as a candidate for resolveCursors.
func advanceCursor(s *State, convID, readerID, messageID string) bool {
	prev, ok := s.Cursors[convID][readerID]
	if !ok {
		return setCursor(s, convID, readerID, messageID)
	}

	if prev == messageID {
		return false
	}

	if s.isActive(convID) {
		prevPos, pos := s.messageIndex(prev), s.messageIndex(messageID)

		// The window holds the newest messages, so an id outside it is
		// older than any id inside it.
		switch {
		case pos >= 0 && pos > prevPos:
			return setCursor(s, convID, readerID, messageID)
		case pos >= 0 || prevPos >= 0:
			return false
		}
	}

	addCandidate(s, convID, readerID, messageID)

	return false
}

func addCandidate(s *State, convID, readerID, messageID string) {
	readers := s.candidates[convID]
	if readers == nil {
		readers = make(map[string][]string)
		s.candidates[convID] = readers
	}

	ids := readers[readerID]
	for _, id := range ids {
		if id == messageID {
			return
		}
	}

	ids = append(ids, messageID)
	if len(ids) > maxCursorCandidates {
		ids = ids[len(ids)-maxCursorCandidates:]
	}

	readers[readerID] = ids
}

// resolveCursors orders parked candidates against the active window.
// Each reader's cursor becomes the furthest of its cursor and candidates
// found in the window; candidates still outside it stay parked.
func resolveCursors(s *State) bool {
	pending := s.candidates[s.ActiveID]
	changed := false

	for reader, ids := range pending {
		best := s.Cursors[s.ActiveID][reader]
		bestPos := s.messageIndex(best)
		left := ids[:0]

		for _, id := range ids {
			pos := s.messageIndex(id)
			if pos < 0 {
				left = append(left, id)
				continue
			}

			if pos > bestPos {
				best, bestPos = id, pos
			}
		}

		if bestPos >= 0 && setCursor(s, s.ActiveID, reader, best) {
			changed = true
		}

		if len(left) == 0 {
			delete(pending, reader)
		} else {
			pending[reader] = left
		}
	}

	if len(pending) == 0 {
		delete(s.candidates, s.ActiveID)
	}

	return changed
}

func setCursor(s *State, convID, readerID, messageID string) bool {
	readers := s.Cursors[convID]
	if readers == nil {
		readers = make(map[string]string)
		s.Cursors[convID] = readers
	}

	if readers[readerID] == messageID {
		return false
	}

	readers[readerID] = messageID

	return true
}

// applyCursors resolves parked candidates, then re-derives READ status
// for the active window from the cursors of every other reader. Called
// after pages are merged.
func applyCursors(s *State, p Policy) bool {
	changed := resolveCursors(s)

	for reader, msgID := range s.Cursors[s.ActiveID] {
		if reader == p.SelfID {
			continue
		}

		pos := s.messageIndex(msgID)
		if pos < 0 {
			continue
		}

		if upgradeOwnToRead(s.Messages, pos, reader, p.SelfID) {
			changed = true
		}
	}

	return changed
}

func applyTyping(s *State, convID string, ty *event.Typing, p Policy, now time.Time) Outcome {
	if ty == nil {
		return Outcome{Dropped: apperrors.ErrDecode}
	}

	if s.conversationIndex(convID) < 0 {
		return conversationGap(convID)
	}

	if ty.UserID == p.SelfID {
		return Outcome{}
	}

	if !ty.Active {
		if removeTypist(s, convID, ty.UserID) {
			return changed()
		}

		return Outcome{}
	}

	expires := now.Add(p.typingTimeout())
	list := s.Typing[convID]

	for i := range list {
		if list[i].UserID == ty.UserID {
			list[i].ExpiresAt = expires
			return changed()
		}
	}

	s.Typing[convID] = append(list, models.Typist{UserID: ty.UserID, ExpiresAt: expires})

	return changed()
}

func removeTypist(s *State, convID, userID string) bool {
	list := s.Typing[convID]
	for i := range list {
		if list[i].UserID != userID {
			continue
		}

		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(s.Typing, convID)
		} else {
			s.Typing[convID] = list
		}

		return true
	}

	return false
}

// SweepTyping evicts typing entries that expired at or before now.
// Returns true when anything was removed.
func SweepTyping(s *State, now time.Time) bool {
	changed := false

	for convID, list := range s.Typing {
		kept := list[:0:0]

		for _, t := range list {
			if now.Before(t.ExpiresAt) {
				kept = append(kept, t)
			}
		}

		if len(kept) == len(list) {
			continue
		}

		changed = true

		if len(kept) == 0 {
			delete(s.Typing, convID)
		} else {
			s.Typing[convID] = kept
		}
	}

	return changed
}

func applyConversationUpdated(s *State, convID string, cu *event.ConversationUpdated) Outcome {
	if cu == nil {
		return Outcome{Dropped: apperrors.ErrDecode}
	}

	idx := s.conversationIndex(convID)
	if idx < 0 {
		return conversationGap(convID)
	}

	c := &s.Conversations[idx]
	o := Outcome{}

	if cu.Topic != nil && *cu.Topic != c.Topic {
		c.Topic = *cu.Topic
		o.Changed = true
	}

	if cu.Members != nil {
		c.Members = mergeMembers(cu.Members, s.Presence)
		o.Changed = true
	}

	if cu.Pinned != nil && *cu.Pinned != c.Pinned {
		c.Pinned = *cu.Pinned
		o.Changed = true
	}

	if cu.Muted != nil && *cu.Muted != c.Muted {
		c.Muted = *cu.Muted
		o.Changed = true
	}

	if cu.Archived != nil && *cu.Archived != c.Archived {
		c.Archived = *cu.Archived
		o.Changed = true
	}

	return o
}

// mergeMembers copies the incoming member list and overlays the last known
// presence for each member.
func mergeMembers(in []models.Member, presence map[string]bool) []models.Member {
	out := append([]models.Member(nil), in...)
	for i := range out {
		if online, ok := presence[out[i].UserID]; ok {
			out[i].Online = online
		}
	}

	return out
}

func applyPresenceChanged(s *State, convID string, pc *event.PresenceChanged) Outcome {
	if pc == nil {
		return Outcome{Dropped: apperrors.ErrDecode}
	}

	if convID != "" && s.conversationIndex(convID) < 0 {
		return conversationGap(convID)
	}

	o := Outcome{}

	if prev, ok := s.Presence[pc.UserID]; !ok || prev != pc.Online {
		s.Presence[pc.UserID] = pc.Online
		o.Changed = true
	}

	for ci := range s.Conversations {
		c := &s.Conversations[ci]
		if convID != "" && c.ID != convID {
			continue
		}

		for mi := range c.Members {
			if c.Members[mi].UserID == pc.UserID && c.Members[mi].Online != pc.Online {
				c.Members[mi].Online = pc.Online
				o.Changed = true
			}
		}
	}

	return o
}

// MarkReadLocal records that the local user has read a conversation up to
// lastMessageID. Unread drops to zero immediately, ahead of the server.
func MarkReadLocal(s *State, convID, lastMessageID string, p Policy) Outcome {
	idx := s.conversationIndex(convID)
	if idx < 0 {
		return Outcome{Dropped: fmt.Errorf("%w: %s", apperrors.ErrConversationNotFound, convID)}
	}

	o := Outcome{}
	if s.Conversations[idx].UnreadCount != 0 {
		s.Conversations[idx].UnreadCount = 0
		o.Changed = true
	}

	if lastMessageID != "" && advanceCursor(s, convID, p.SelfID, lastMessageID) {
		o.Changed = true
	}

	return o
}
