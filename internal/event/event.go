// Package event decodes raw event stream frames into a closed set of typed
// events. Each frame is one JSON object discriminated by its "type" field.
package event

import (
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Kind is the event discriminant.
type Kind string

const (
	KindMessageCreated      Kind = "message_created"
	KindMessageUpdated      Kind = "message_updated"
	KindMessageDeleted      Kind = "message_deleted"
	KindReactionUpdated     Kind = "reaction_updated"
	KindConversationRead    Kind = "conversation_read"
	KindTyping              Kind = "typing"
	KindConversationUpdated Kind = "conversation_updated"
	KindPresenceChanged     Kind = "presence_changed"
)

// Event is a tagged union. Exactly one payload pointer matching Kind is
// non-nil on a decoded event.
type Event struct {
	Kind           Kind
	ConversationID string

	MessageCreated      *MessageCreated
	MessageUpdated      *MessageUpdated
	MessageDeleted      *MessageDeleted
	ReactionUpdated     *ReactionUpdated
	ConversationRead    *ConversationRead
	Typing              *Typing
	ConversationUpdated *ConversationUpdated
	PresenceChanged     *PresenceChanged
}

// MessageCreated carries a new message. Recipients lists the users the
// server fanned the message out to.
type MessageCreated struct {
	Recipients []string
	Message    models.Message
}

// MessageUpdated carries an edit. A nil Body means the body is unchanged.
type MessageUpdated struct {
	MessageID string
	Body      *string
	EditedAt  *time.Time
}

// MessageDeleted carries a soft delete.
type MessageDeleted struct {
	MessageID string
	DeletedAt *time.Time
}

// ReactionAction is the delta applied by a reaction update.
type ReactionAction string

const (
	ReactionAdd    ReactionAction = "add"
	ReactionRemove ReactionAction = "remove"
)

// ReactionUpdated carries either a full reaction list (FullList true) or a
// single delta (Emoji + Action). UserID names the reacting user when the
// server provides it.
type ReactionUpdated struct {
	MessageID string
	UserID    string
	Emoji     string
	Action    ReactionAction
	FullList  bool
	Reactions []models.Reaction
}

// ConversationRead moves a reader's cursor. An empty MessageID means the
// reader has seen everything up to now.
type ConversationRead struct {
	ReaderID  string
	MessageID string
}

// Typing starts or stops a remote typing indicator.
type Typing struct {
	UserID string
	Active bool
}

// ConversationUpdated patches conversation metadata. Nil fields carry no
// information and leave the cached value untouched.
type ConversationUpdated struct {
	Topic    *string
	Members  []models.Member
	Pinned   *bool
	Muted    *bool
	Archived *bool
}

// PresenceChanged flips a user's online flag, either in one conversation
// (when the envelope names one) or everywhere the user is a member.
type PresenceChanged struct {
	UserID string
	Online bool
}
