package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

// DecodeError reports a frame that could not be turned into an Event.
// It matches both ErrDecode and, for unrecognised types, ErrUnknownEvent.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return "decoding event: " + e.Err.Error()
	}

	return fmt.Sprintf("decoding %s event: %s", e.Type, e.Err.Error())
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is lets every DecodeError match ErrDecode regardless of its cause.
func (e *DecodeError) Is(target error) bool {
	return target == apperrors.ErrDecode
}

// IsDecodeError reports whether err is a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Wire shapes. Unknown fields are ignored by encoding/json.

type wireMessageCreated struct {
	ConversationID string         `json:"conversationId"`
	Recipients     []string       `json:"recipients"`
	Message        models.Message `json:"message"`
}

type wireMessageUpdated struct {
	ConversationID string     `json:"conversationId"`
	MessageID      string     `json:"messageId"`
	Body           *string    `json:"body"`
	EditedAt       *time.Time `json:"editedAt"`
}

type wireMessageDeleted struct {
	ConversationID string     `json:"conversationId"`
	MessageID      string     `json:"messageId"`
	DeletedAt      *time.Time `json:"deletedAt"`
}

type wireReactionUpdated struct {
	ConversationID string            `json:"conversationId"`
	MessageID      string            `json:"messageId"`
	UserID         string            `json:"userId"`
	ReactionEmoji  string            `json:"reactionEmoji"`
	ReactionAction string            `json:"reactionAction"`
	Reactions      []models.Reaction `json:"reactions"`
}

type wireConversationRead struct {
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
	MessageID      string `json:"messageId"`
}

type wireTyping struct {
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
	UserID         string `json:"userId"`
	Status         string `json:"status"`
}

type wireConversationUpdated struct {
	ConversationID string          `json:"conversationId"`
	Topic          *string         `json:"topic"`
	Members        []models.Member `json:"members"`
	Pinned         *bool           `json:"pinned"`
	Muted          *bool           `json:"muted"`
	Archived       *bool           `json:"archived"`
}

type wirePresenceChanged struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Online         *bool  `json:"online"`
	Status         string `json:"status"`
}

// Decode turns one raw frame into an Event. Malformed frames and unknown
// types return a *DecodeError; callers log and drop them.
func Decode(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return Event{}, &DecodeError{Err: errors.New("invalid JSON")}
	}

	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Event{}, &DecodeError{Err: errors.New("frame is not an object")}
	}

	typ := root.Get("type").Str
	if typ == "" {
		return Event{}, &DecodeError{Err: errors.New("missing type")}
	}

	ev, err := decodeKind(Kind(typ), raw, root)
	if err != nil {
		return Event{}, &DecodeError{Type: typ, Err: err}
	}

	return ev, nil
}

func decodeKind(kind Kind, raw []byte, root gjson.Result) (Event, error) {
	switch kind {
	case KindMessageCreated:
		return decodeMessageCreated(raw)
	case KindMessageUpdated:
		return decodeMessageUpdated(raw)
	case KindMessageDeleted:
		return decodeMessageDeleted(raw)
	case KindReactionUpdated:
		return decodeReactionUpdated(raw, root)
	case KindConversationRead:
		return decodeConversationRead(raw)
	case KindTyping:
		return decodeTyping(raw)
	case KindConversationUpdated:
		return decodeConversationUpdated(raw)
	case KindPresenceChanged:
		return decodePresenceChanged(raw)
	default:
		return Event{}, apperrors.ErrUnknownEvent
	}
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing field: %s", name)
	}

	return nil
}

func decodeMessageCreated(raw []byte) (Event, error) {
	var w wireMessageCreated
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, err
	}

	if err := requireField("conversationId", w.ConversationID); err != nil {
		return Event{}, err
	}

	if err := requireField("message.id", w.Message.ID); err != nil {
		return Event{}, err
	}

	msg := w.Message
	msg.ConversationID = w.ConversationID
	msg.Reactions = normalizeReactions(msg.Reactions)

	return Event{
		Kind:           KindMessageCreated,
		ConversationID: w.ConversationID,
		MessageCreated: &MessageCreated{Recipients: w.Recipients, Message: msg},
	}, nil
}

func decodeMessageUpdated(raw []byte) (Event, error) {
	var w wireMessageUpdated
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, err
	}

	if err := requireField("conversationId", w.ConversationID); err != nil {
		return Event{}, err
	}

	if err := requireField("messageId", w.MessageID); err != nil {
		return Event{}, err
	}

	return Event{
		Kind:           KindMessageUpdated,
		ConversationID: w.ConversationID,
		MessageUpdated: &MessageUpdated{MessageID: w.MessageID, Body: w.Body, EditedAt: w.EditedAt},
	}, nil
}

func decodeMessageDeleted(raw []byte) (Event, error) {
	var w wireMessageDeleted
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, err
	}

	if err := requireField("conversationId", w.ConversationID); err != nil {
		return Event{}, err
	}

	if err := requireField("messageId", w.MessageID); err != nil {
		return Event{}, err
	}

	return Event{
		Kind:           KindMessageDeleted,
		ConversationID: w.ConversationID,
		MessageDeleted: &MessageDeleted{MessageID: w.MessageID, DeletedAt: w.DeletedAt},
	}, nil
}

func decodeReactionUpdated(raw []byte, root gjson.Result) (Event, error) {
	var w wireReactionUpdated
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, err
	}

	if err := requireField("conversationId", w.ConversationID); err != nil {
		return Event{}, err
	}

	if err := requireField("messageId", w.MessageID); err != nil {
		return Event{}, err
	}

	ru := &ReactionUpdated{
		MessageID: w.MessageID,
		UserID:    w.UserID,
		Emoji:     norm.NFC.String(w.ReactionEmoji),
	}

	// A present "reactions" key, even an empty array, is a full
	// replacement. The delta fields are only consulted without it.
	if reactions := root.Get("reactions"); reactions.Exists() && reactions.IsArray() {
		ru.FullList = true
		ru.Reactions = normalizeReactions(w.Reactions)
	} else {
		if err := requireField("reactionEmoji", ru.Emoji); err != nil {
			return Event{}, err
		}

		switch ReactionAction(strings.ToLower(w.ReactionAction)) {
		case ReactionAdd:
			ru.Action = ReactionAdd
		case ReactionRemove:
			ru.Action = ReactionRemove
		default:
			return Event{}, fmt.Errorf("unknown reactionAction %q", w.ReactionAction)
		}
	}

	return Event{
		Kind:            KindReactionUpdated,
		ConversationID:  w.ConversationID,
		ReactionUpdated: ru,
	}, nil
}

func decodeConversationRead(raw []byte) (Event, error) {
	var w wireConversationRead
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, err
	}

	if err := requireField("conversationId", w.ConversationID); err != nil {
		return Event{}, err
	}

	if err := requireField("readerId", w.ReaderID); err != nil {
		return Event{}, err
	}

	return Event{
		Kind:             KindConversationRead,
		ConversationID:   w.ConversationID,
		ConversationRead: &ConversationRead{ReaderID: w.ReaderID, MessageID: w.MessageID},
	}, nil
}

func decodeTyping(raw []byte) (Event, error) {
	var w wireTyping
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, err
	}

	if err := requireField("conversationId", w.ConversationID); err != nil {
		return Event{}, err
	}

	user := w.ReaderID
	if user == "" {
		user = w.UserID
	}

	if err := requireField("readerId", user); err != nil {
		return Event{}, err
	}

	var active bool

	switch strings.ToUpper(w.Status) {
	case "TYPING":
		active = true
	case "STOPPED":
		active = false
	default:
		return Event{}, fmt.Errorf("unknown typing status %q", w.Status)
	}

	return Event{
		Kind:           KindTyping,
		ConversationID: w.ConversationID,
		Typing:         &Typing{UserID: user, Active: active},
	}, nil
}

func decodeConversationUpdated(raw []byte) (Event, error) {
	var w wireConversationUpdated
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, err
	}

	if err := requireField("conversationId", w.ConversationID); err != nil {
		return Event{}, err
	}

	return Event{
		Kind:           KindConversationUpdated,
		ConversationID: w.ConversationID,
		ConversationUpdated: &ConversationUpdated{
			Topic:    w.Topic,
			Members:  w.Members,
			Pinned:   w.Pinned,
			Muted:    w.Muted,
			Archived: w.Archived,
		},
	}, nil
}

func decodePresenceChanged(raw []byte) (Event, error) {
	var w wirePresenceChanged
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, err
	}

	if err := requireField("userId", w.UserID); err != nil {
		return Event{}, err
	}

	var online bool

	switch {
	case w.Online != nil:
		online = *w.Online
	case strings.EqualFold(w.Status, "online"):
		online = true
	case strings.EqualFold(w.Status, "offline"):
		online = false
	default:
		return Event{}, errors.New("missing field: online")
	}

	return Event{
		Kind:            KindPresenceChanged,
		ConversationID:  w.ConversationID,
		PresenceChanged: &PresenceChanged{UserID: w.UserID, Online: online},
	}, nil
}

func normalizeReactions(in []models.Reaction) []models.Reaction {
	if in == nil {
		return nil
	}

	out := make([]models.Reaction, 0, len(in))
	for _, r := range in {
		r.Emoji = norm.NFC.String(r.Emoji)
		if r.Emoji == "" {
			continue
		}

		if r.Count < 0 {
			r.Count = 0
		}

		out = append(out, r)
	}

	return out
}
