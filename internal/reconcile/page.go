package reconcile

import (
	"fmt"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

// PageOpts describes a newest-page fetch result.
type PageOpts struct {
	// Fresh marks the first load after selecting a conversation. With no
	// overlap the page is placed before any messages that streamed in
	// while the fetch was in flight.
	Fresh bool

	// Full is true when the page came back at the requested size, so
	// older messages may exist.
	Full bool
}

// Select swaps which conversation's message window is materialized. An
// empty id deselects. Selecting the active conversation again is a no-op.
func Select(s *State, id string) error {
	if id == s.ActiveID {
		return nil
	}

	if id != "" && s.conversationIndex(id) < 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrConversationNotFound, id)
	}

	s.ActiveID = id
	s.Messages = nil
	s.HasMoreBefore = false

	return nil
}

// ApplyLatestPage merges the newest page of messages, in chronological
// order, into the active window.
//
// The merge is keyed by message id and resolves against what already
// arrived through the stream, because a fetch may complete after events
// that were delivered while it was in flight:
//
//   - If the page overlaps the window, the page replaces the overlapping
//     region and any window messages newer than the overlap are kept.
//   - If the page does not overlap and this is a fresh load, the page goes
//     before whatever streamed in during the fetch.
//   - If it does not overlap and the window was already populated, the
//     window is stale (a gap longer than one page) and is replaced.
//
// Duplicates take the incoming content but keep the higher delivery status
// and any local soft-delete marker.
func ApplyLatestPage(s *State, convID string, page []models.Message, opts PageOpts, p Policy) (Outcome, error) {
	if !s.isActive(convID) {
		return Outcome{}, fmt.Errorf("%w: %s is no longer active", apperrors.ErrStaleCursor, convID)
	}

	page = dedupePage(page, convID)

	first := -1
	for i := range s.Messages {
		if containsID(page, s.Messages[i].ID) {
			first = i
			break
		}
	}

	var merged []models.Message

	switch {
	case first >= 0:
		merged = make([]models.Message, 0, first+len(page)+len(s.Messages)-first)
		merged = append(merged, s.Messages[:first]...)
		merged = append(merged, mergeDuplicates(page, s.Messages)...)

		for _, m := range s.Messages[first:] {
			if !containsID(page, m.ID) {
				merged = append(merged, m)
			}
		}
	case opts.Fresh:
		merged = make([]models.Message, 0, len(page)+len(s.Messages))
		merged = append(merged, page...)
		merged = append(merged, s.Messages...)
	default:
		merged = page
	}

	s.Messages = merged

	if opts.Fresh || first < 0 {
		s.HasMoreBefore = opts.Full
	}

	for _, m := range page {
		s.markSeen(convID, m.ID, p.seenWindow())
	}

	applyCursors(s, p)

	return changed(), nil
}

// ApplyOlderPage prepends a page of older messages (chronological order)
// to the active window. beforeID must still be the oldest loaded message;
// otherwise the window moved while the fetch was in flight and the page
// is discarded.
func ApplyOlderPage(s *State, convID, beforeID string, page []models.Message, full bool, p Policy) (Outcome, error) {
	if !s.isActive(convID) {
		return Outcome{}, fmt.Errorf("%w: %s is no longer active", apperrors.ErrStaleCursor, convID)
	}

	if len(s.Messages) == 0 || s.Messages[0].ID != beforeID {
		return Outcome{}, fmt.Errorf("%w: %s is not the oldest loaded message", apperrors.ErrStaleCursor, beforeID)
	}

	page = dedupePage(page, convID)

	older := make([]models.Message, 0, len(page))
	for _, m := range page {
		if s.messageIndex(m.ID) < 0 {
			older = append(older, m)
		}
	}

	s.HasMoreBefore = full

	if len(older) == 0 {
		return Outcome{Changed: true}, nil
	}

	s.Messages = append(older, s.Messages...)

	for _, m := range older {
		s.markSeen(convID, m.ID, p.seenWindow())
	}

	applyCursors(s, p)

	return changed(), nil
}

// dedupePage drops repeated ids within one page and stamps the
// conversation id on every message.
func dedupePage(page []models.Message, convID string) []models.Message {
	out := make([]models.Message, 0, len(page))
	seen := make(map[string]struct{}, len(page))

	for _, m := range page {
		if _, ok := seen[m.ID]; ok {
			continue
		}

		seen[m.ID] = struct{}{}

		m = m.Clone()
		m.ConversationID = convID
		out = append(out, m)
	}

	return out
}

func mergeDuplicates(page, window []models.Message) []models.Message {
	byID := make(map[string]*models.Message, len(window))
	for i := range window {
		byID[window[i].ID] = &window[i]
	}

	out := make([]models.Message, len(page))
	for i, m := range page {
		if prev, ok := byID[m.ID]; ok {
			m.DeliveryStatus = m.DeliveryStatus.Advance(prev.DeliveryStatus)

			if m.DeletedAt == nil && prev.DeletedAt != nil {
				m.DeletedAt = prev.DeletedAt
				m.Body = ""
				m.Attachments = nil
				m.Reactions = nil
			}
		}

		out[i] = m
	}

	return out
}

func containsID(msgs []models.Message, id string) bool {
	for i := range msgs {
		if msgs[i].ID == id {
			return true
		}
	}

	return false
}
