package stream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/coder/websocket"
)

const defaultReadLimit = 1 << 20

// Conn is the subset of *websocket.Conn the supervisor uses. Abstracted so
// the read loop can be tested without a server.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	CloseNow() error
}

// Dialer opens one event stream connection.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketDialer dials the event stream with the session credential
// attached as a bearer token.
type WebsocketDialer struct {
	URL        string
	Token      string
	DeviceID   string
	HTTPClient *http.Client

	// ReadLimit bounds a single frame. Zero uses 1 MiB.
	ReadLimit int64

	now func() time.Time
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	now := time.Now
	if d.now != nil {
		now = d.now
	}

	if credentialExpired(d.Token, now()) {
		return nil, fmt.Errorf("%w: credential expired before dialing", apperrors.ErrAuthExpired)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.Token)

	if d.DeviceID != "" {
		header.Set("X-Device-ID", d.DeviceID)
	}

	conn, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: stream rejected credential (HTTP %d)", apperrors.ErrAuthExpired, resp.StatusCode)
		}

		return nil, fmt.Errorf("dialing event stream: %w", err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}

	conn.SetReadLimit(limit)

	return conn, nil
}
