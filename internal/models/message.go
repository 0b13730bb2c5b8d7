package models

import (
	"fmt"
	"time"
)

// DeliveryStatus is ordered: a message only ever moves to a higher status.
type DeliveryStatus int

const (
	StatusUnknown DeliveryStatus = iota
	StatusSent
	StatusDelivered
	StatusRead
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusSent:
		return "SENT"
	case StatusDelivered:
		return "DELIVERED"
	case StatusRead:
		return "READ"
	default:
		return ""
	}
}

// MarshalText encodes the status as its wire name.
func (s DeliveryStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the wire names. An empty value is StatusUnknown.
func (s *DeliveryStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "SENT":
		*s = StatusSent
	case "DELIVERED":
		*s = StatusDelivered
	case "READ":
		*s = StatusRead
	case "":
		*s = StatusUnknown
	default:
		return fmt.Errorf("unknown delivery status %q", string(text))
	}

	return nil
}

// Advance returns the higher of the two statuses.
func (s DeliveryStatus) Advance(to DeliveryStatus) DeliveryStatus {
	if to > s {
		return to
	}

	return s
}

// Attachment describes a file attached to a message.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
}

// Reaction is one emoji bucket on a message.
type Reaction struct {
	Emoji       string `json:"emoji"`
	Count       int    `json:"count"`
	ReactedByMe bool   `json:"reactedByMe"`
}

// Message is one entry in a conversation's message sequence.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Body           string         `json:"body"`
	CreatedAt      time.Time      `json:"createdAt"`
	EditedAt       *time.Time     `json:"editedAt,omitempty"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	Reactions      []Reaction     `json:"reactions,omitempty"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus"`
}

// Deleted reports whether the message carries a soft-delete marker.
func (m Message) Deleted() bool {
	return m.DeletedAt != nil
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}

	if m.Reactions != nil {
		m.Reactions = append([]Reaction(nil), m.Reactions...)
	}

	if m.EditedAt != nil {
		t := *m.EditedAt
		m.EditedAt = &t
	}

	if m.DeletedAt != nil {
		t := *m.DeletedAt
		m.DeletedAt = &t
	}

	return m
}

// Preview returns the text shown in a conversation list for this message.
func (m Message) Preview() string {
	if m.Deleted() {
		return ""
	}

	if m.Body == "" && len(m.Attachments) > 0 {
		return m.Attachments[0].Filename
	}

	return m.Body
}
