package reconcile

import (
	"slices"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Diff summarizes a bulk conversation list replacement.
type Diff struct {
	Added   []string
	Removed []string
	Updated []string

	// ActiveCleared is set when the active conversation disappeared from
	// the list and its message window was dropped.
	ActiveCleared bool
}

// Empty reports whether the replacement changed nothing.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0 && !d.ActiveCleared
}

// ReplaceConversations installs a freshly fetched conversation list. The
// server's list and order win, but the loaded message window of the active
// conversation is kept as long as that conversation is still present.
// Online flags learned from presence events are carried over to members.
//
// A fetch can start before stream events that land while it is in flight.
// When the local LastMessageAt is newer than the fetched one, the local
// preview, timestamp and unread count are kept and the conversation is
// bumped to the top of its block again.
func ReplaceConversations(s *State, list []models.Conversation) Diff {
	var d Diff

	var newer []string

	prev := make(map[string]*models.Conversation, len(s.Conversations))
	for i := range s.Conversations {
		prev[s.Conversations[i].ID] = &s.Conversations[i]
	}

	next := make([]models.Conversation, 0, len(list))
	present := make(map[string]struct{}, len(list))

	for _, c := range list {
		if _, dup := present[c.ID]; dup || c.ID == "" {
			continue
		}

		present[c.ID] = struct{}{}

		c = c.Clone()
		c.Members = mergeMembers(c.Members, s.Presence)

		if old, ok := prev[c.ID]; ok && old.LastMessageAt.After(c.LastMessageAt) {
			c.LastMessageAt = old.LastMessageAt
			c.LastMessagePreview = old.LastMessagePreview
			c.UnreadCount = max(c.UnreadCount, old.UnreadCount)
			newer = append(newer, c.ID)
		}

		if old, ok := prev[c.ID]; !ok {
			d.Added = append(d.Added, c.ID)
		} else if !sameConversation(*old, c) {
			d.Updated = append(d.Updated, c.ID)
		}

		next = append(next, c)
	}

	for _, c := range s.Conversations {
		if _, ok := present[c.ID]; ok {
			continue
		}

		d.Removed = append(d.Removed, c.ID)
		delete(s.Typing, c.ID)
		delete(s.Cursors, c.ID)
		delete(s.seen, c.ID)
		delete(s.candidates, c.ID)
	}

	s.Conversations = next

	// Oldest first, so the most recent activity ends up on top.
	slices.SortStableFunc(newer, func(a, b string) int {
		ta := s.Conversations[s.conversationIndex(a)].LastMessageAt
		tb := s.Conversations[s.conversationIndex(b)].LastMessageAt

		return ta.Compare(tb)
	})

	for _, id := range newer {
		s.bumpConversation(s.conversationIndex(id))
	}

	if s.ActiveID != "" {
		if _, ok := present[s.ActiveID]; !ok {
			s.ActiveID = ""
			s.Messages = nil
			s.HasMoreBefore = false
			d.ActiveCleared = true
		}
	}

	return d
}

func sameConversation(a, b models.Conversation) bool {
	if a.Kind != b.Kind || a.Topic != b.Topic || a.CreatedBy != b.CreatedBy ||
		!a.CreatedAt.Equal(b.CreatedAt) || a.LastMessagePreview != b.LastMessagePreview ||
		!a.LastMessageAt.Equal(b.LastMessageAt) || a.UnreadCount != b.UnreadCount ||
		a.Pinned != b.Pinned || a.Muted != b.Muted || a.Archived != b.Archived ||
		len(a.Members) != len(b.Members) {
		return false
	}

	for i := range a.Members {
		if a.Members[i].UserID != b.Members[i].UserID || a.Members[i].Online != b.Members[i].Online ||
			!a.Members[i].JoinedAt.Equal(b.Members[i].JoinedAt) {
			return false
		}
	}

	return true
}
