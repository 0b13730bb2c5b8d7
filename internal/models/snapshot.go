package models

import "time"

// ConnectionState describes the event stream as seen by the supervisor.
type ConnectionState string

const (
	ConnStopped    ConnectionState = "stopped"
	ConnConnecting ConnectionState = "connecting"
	ConnConnected  ConnectionState = "connected"
	ConnBackoff    ConnectionState = "backoff"
)

// ConnectionStatus is the stream state published with every snapshot.
type ConnectionStatus struct {
	State     ConnectionState `json:"state"`
	Attempt   int             `json:"attempt"`
	LastDelay time.Duration   `json:"lastDelay"`
	Since     time.Time       `json:"since,omitzero"`
}

// Typist is a remote user currently typing in a conversation.
type Typist struct {
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// UserError is a fetch failure surfaced once to a waiting user.
type UserError struct {
	Op      string    `json:"op"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Snapshot is an immutable view of all synchronized state at one instant.
// Values handed out by the store are deep copies and safe to retain.
type Snapshot struct {
	Version              uint64                       `json:"version"`
	Conversations        []Conversation               `json:"conversations"`
	ActiveConversationID string                       `json:"activeConversationId,omitempty"`
	Messages             []Message                    `json:"messages"`
	HasMoreBefore        bool                         `json:"hasMoreBefore"`
	Typing               map[string][]Typist          `json:"typing,omitempty"`
	ReadCursors          map[string]map[string]string `json:"readCursors,omitempty"`
	Presence             map[string]bool              `json:"presence,omitempty"`
	Connection           ConnectionStatus             `json:"connection"`
	Error                *UserError                   `json:"error,omitempty"`
	SessionExpired       bool                         `json:"sessionExpired,omitempty"`
}

// Conversation looks up a conversation by id.
func (s Snapshot) Conversation(id string) (Conversation, bool) {
	for _, c := range s.Conversations {
		if c.ID == id {
			return c, true
		}
	}

	return Conversation{}, false
}

// Message looks up a message in the active window by id.
func (s Snapshot) Message(id string) (Message, bool) {
	for _, m := range s.Messages {
		if m.ID == id {
			return m, true
		}
	}

	return Message{}, false
}

// Typists returns the users typing in a conversation whose entries have
// not expired at now.
func (s Snapshot) Typists(conversationID string, now time.Time) []string {
	var out []string

	for _, t := range s.Typing[conversationID] {
		if now.Before(t.ExpiresAt) {
			out = append(out, t.UserID)
		}
	}

	return out
}
