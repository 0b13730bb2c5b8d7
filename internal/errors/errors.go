package errors

import "errors"

// Session errors.
var (
	ErrAuthExpired   = errors.New("credential rejected or expired")
	ErrSessionClosed = errors.New("sync session is not running")
)

// Event stream errors.
var (
	ErrDecode       = errors.New("malformed event frame")
	ErrUnknownEvent = errors.New("unknown event type")
)

// Reconciliation errors.
var (
	ErrReferentialGap       = errors.New("event references unknown entity")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrStaleCursor          = errors.New("pagination cursor no longer matches loaded window")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
