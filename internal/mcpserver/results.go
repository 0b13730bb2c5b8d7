package mcpserver

import (
	"strconv"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

const (
	defaultConversationLimit = 50
	defaultMessageLimit      = 30
)

// now is replaced in tests.
var now = time.Now

// Result types use plain strings for timestamps and statuses so the
// inferred output schema matches what is marshaled.

// StatusResult is returned by chat_status and chat_refresh.
type StatusResult struct {
	Connection           string `json:"connection"`
	Attempt              int    `json:"attempt,omitempty"`
	LastDelay            string `json:"last_delay,omitempty"`
	Since                string `json:"since,omitempty"`
	ActiveConversationID string `json:"active_conversation_id,omitempty"`
	Conversations        int    `json:"conversations"`
	Unread               int    `json:"unread"`
	Error                string `json:"error,omitempty"`
	SessionExpired       bool   `json:"session_expired,omitempty"`
	Version              uint64 `json:"version"`
}

// ConversationView is one row of chat_list_conversations.
type ConversationView struct {
	ID            string   `json:"id"`
	Kind          string   `json:"kind"`
	Topic         string   `json:"topic,omitempty"`
	Members       []string `json:"members"`
	Online        []string `json:"online,omitempty"`
	Unread        int      `json:"unread"`
	Preview       string   `json:"preview,omitempty"`
	LastMessageAt string   `json:"last_message_at,omitempty"`
	Pinned        bool     `json:"pinned,omitempty"`
	Muted         bool     `json:"muted,omitempty"`
	Archived      bool     `json:"archived,omitempty"`
	Typing        []string `json:"typing,omitempty"`
	Active        bool     `json:"active,omitempty"`
}

// ConversationsResult is returned by chat_list_conversations.
type ConversationsResult struct {
	Conversations []ConversationView `json:"conversations"`
	Total         int                `json:"total"`
}

// MessageView is one message in a tool result.
type MessageView struct {
	ID          string   `json:"id"`
	SenderID    string   `json:"sender_id"`
	Body        string   `json:"body,omitempty"`
	CreatedAt   string   `json:"created_at"`
	Edited      bool     `json:"edited,omitempty"`
	Deleted     bool     `json:"deleted,omitempty"`
	Status      string   `json:"status,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	Reactions   []string `json:"reactions,omitempty"`
}

// MessagesResult is returned by the tools that show the active window.
type MessagesResult struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []MessageView `json:"messages"`
	Loaded         int           `json:"loaded"`
	HasMoreBefore  bool          `json:"has_more_before"`
	Typing         []string      `json:"typing,omitempty"`
}

// MarkReadResult is returned by chat_mark_read.
type MarkReadResult struct {
	ConversationID string `json:"conversation_id"`
	UnreadCount    int    `json:"unread_count"`
}

func newStatusResult(snap models.Snapshot) *StatusResult {
	r := &StatusResult{
		Connection:           string(snap.Connection.State),
		Attempt:              snap.Connection.Attempt,
		ActiveConversationID: snap.ActiveConversationID,
		Conversations:        len(snap.Conversations),
		SessionExpired:       snap.SessionExpired,
		Version:              snap.Version,
	}

	if snap.Connection.LastDelay > 0 {
		r.LastDelay = snap.Connection.LastDelay.String()
	}

	if !snap.Connection.Since.IsZero() {
		r.Since = formatTime(snap.Connection.Since)
	}

	for _, c := range snap.Conversations {
		r.Unread += c.UnreadCount
	}

	if snap.Error != nil {
		r.Error = snap.Error.Op + ": " + snap.Error.Message
	}

	return r
}

func newConversationsResult(snap models.Snapshot, input ListConversationsInput, at time.Time) *ConversationsResult {
	limit := input.Limit
	if limit <= 0 {
		limit = defaultConversationLimit
	}

	r := &ConversationsResult{Conversations: []ConversationView{}}

	for _, c := range snap.Conversations {
		if input.UnreadOnly && c.UnreadCount == 0 {
			continue
		}

		if c.Archived && !input.IncludeArchived {
			continue
		}

		r.Total++

		if len(r.Conversations) == limit {
			continue
		}

		v := ConversationView{
			ID:       c.ID,
			Kind:     string(c.Kind),
			Topic:    c.Topic,
			Members:  make([]string, 0, len(c.Members)),
			Unread:   c.UnreadCount,
			Preview:  c.LastMessagePreview,
			Pinned:   c.Pinned,
			Muted:    c.Muted,
			Archived: c.Archived,
			Typing:   snap.Typists(c.ID, at),
			Active:   c.ID == snap.ActiveConversationID,
		}

		for _, m := range c.Members {
			v.Members = append(v.Members, m.UserID)
			if m.Online {
				v.Online = append(v.Online, m.UserID)
			}
		}

		if !c.LastMessageAt.IsZero() {
			v.LastMessageAt = formatTime(c.LastMessageAt)
		}

		r.Conversations = append(r.Conversations, v)
	}

	return r
}

// newMessagesResult renders at most limit messages of the active window,
// the newest ones unless oldest is set.
func newMessagesResult(snap models.Snapshot, limit int, oldest bool, at time.Time) *MessagesResult {
	if limit <= 0 {
		limit = defaultMessageLimit
	}

	msgs := snap.Messages
	if len(msgs) > limit {
		if oldest {
			msgs = msgs[:limit]
		} else {
			msgs = msgs[len(msgs)-limit:]
		}
	}

	r := &MessagesResult{
		ConversationID: snap.ActiveConversationID,
		Messages:       make([]MessageView, 0, len(msgs)),
		Loaded:         len(snap.Messages),
		HasMoreBefore:  snap.HasMoreBefore,
		Typing:         snap.Typists(snap.ActiveConversationID, at),
	}

	for _, m := range msgs {
		r.Messages = append(r.Messages, newMessageView(m))
	}

	return r
}

func newMessageView(m models.Message) MessageView {
	v := MessageView{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Body:      m.Body,
		CreatedAt: formatTime(m.CreatedAt),
		Edited:    m.EditedAt != nil,
		Deleted:   m.Deleted(),
		Status:    m.DeliveryStatus.String(),
	}

	for _, a := range m.Attachments {
		v.Attachments = append(v.Attachments, a.Filename)
	}

	for _, rc := range m.Reactions {
		s := rc.Emoji + " " + strconv.Itoa(rc.Count)
		if rc.ReactedByMe {
			s += " (you)"
		}

		v.Reactions = append(v.Reactions, s)
	}

	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
