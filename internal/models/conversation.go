// Package models defines types shared across internal packages.
package models

import (
	"fmt"
	"time"
)

// ConversationKind distinguishes one-to-one conversations from groups.
type ConversationKind string

const (
	KindDirect ConversationKind = "DIRECT"
	KindGroup  ConversationKind = "GROUP"
)

// Member is a participant of a conversation. Members are kept in join order.
type Member struct {
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
	Online   bool      `json:"online,omitempty"`
}

// Conversation is the locally cached view of one server conversation.
type Conversation struct {
	ID                 string           `json:"id"`
	Kind               ConversationKind `json:"kind"`
	Topic              string           `json:"topic,omitempty"`
	CreatedBy          string           `json:"createdBy"`
	CreatedAt          time.Time        `json:"createdAt"`
	Members            []Member         `json:"members"`
	LastMessagePreview string           `json:"lastMessagePreview,omitempty"`
	LastMessageAt      time.Time        `json:"lastMessageAt,omitzero"`
	UnreadCount        int              `json:"unreadCount"`
	Pinned             bool             `json:"pinned,omitempty"`
	Muted              bool             `json:"muted,omitempty"`
	Archived           bool             `json:"archived,omitempty"`
}

// Clone returns a deep copy so callers never share the member slice.
func (c Conversation) Clone() Conversation {
	if c.Members != nil {
		c.Members = append([]Member(nil), c.Members...)
	}

	return c
}

// HasMember reports whether userID is in the member set.
func (c Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m.UserID == userID {
			return true
		}
	}

	return false
}

// Validate checks the fields the sync core relies on.
func (c Conversation) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("conversation: missing id")
	}

	switch c.Kind {
	case KindDirect, KindGroup, "":
	default:
		return fmt.Errorf("conversation %s: unknown kind %q", c.ID, c.Kind)
	}

	if c.UnreadCount < 0 {
		return fmt.Errorf("conversation %s: negative unread count", c.ID)
	}

	return nil
}
