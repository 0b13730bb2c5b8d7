// Package chat is the REST client for the chat service: conversation and
// message listing, read markers, and typing signals.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. A full message page
	// with attachments fits comfortably.
	maxAPIResponseBytes = 8 * 1024 * 1024
)

// APIError is the error body the service returns with non-2xx statuses.
type APIError struct {
	Error string `json:"error"`
}

// Client talks to the chat REST API on behalf of one user and device.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	deviceID   string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaks
// to another domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client. If httpClient is nil, a client with a
// 30-second timeout and same-host redirect policy is created.
func NewClient(baseURL, token, deviceID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		deviceID:   deviceID,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends one request and decodes a 2xx JSON response into result.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	var payload io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, payload)
	if err != nil {
		return fmt.Errorf("%w: creating request: %w", apperrors.ErrAPIRequest, err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("%w: %s %s: %w", apperrors.ErrAPIRequest, method, endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s %s returned %d", apperrors.ErrAuthExpired, method, endpoint, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := sanitizeResponseBody(respBody)

		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = sanitizeResponseBody([]byte(apiErr.Error))
		}

		err := fmt.Errorf("%w: %s %s returned %d: %s", apperrors.ErrAPIResponse, method, endpoint, resp.StatusCode, msg)
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: err}
		}

		return err
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", apperrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

func pageQuery(limit, offset int) string {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	return "?" + q.Encode()
}

// ListConversations returns one page of the user's conversations in
// server order.
func (c *Client) ListConversations(ctx context.Context, limit, offset int) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations"+pageQuery(limit, offset), nil, &out); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	for i := range out {
		if err := out[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: conversation %d: %w", apperrors.ErrAPIResponse, i, err)
		}
	}

	return out, nil
}

// ListMessages returns one page of a conversation's messages, newest
// first. Offset 0 is the newest message.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error) {
	endpoint := "/conversations/" + url.PathEscape(conversationID) + "/messages" + pageQuery(limit, offset)

	var out []models.Message
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, fmt.Errorf("listing messages for %s: %w", conversationID, err)
	}

	return out, nil
}

type markReadRequest struct {
	MessageID string `json:"messageId,omitempty"`
}

// MarkRead moves the local user's read cursor on the server.
func (c *Client) MarkRead(ctx context.Context, conversationID, lastMessageID string) error {
	endpoint := "/conversations/" + url.PathEscape(conversationID) + "/read"

	if err := c.do(ctx, http.MethodPost, endpoint, markReadRequest{MessageID: lastMessageID}, nil); err != nil {
		return fmt.Errorf("marking %s read: %w", conversationID, err)
	}

	return nil
}

type typingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// SendTyping broadcasts the local user's typing state.
func (c *Client) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	endpoint := "/conversations/" + url.PathEscape(conversationID) + "/typing"

	if err := c.do(ctx, http.MethodPost, endpoint, typingRequest{IsTyping: isTyping}, nil); err != nil {
		return fmt.Errorf("sending typing for %s: %w", conversationID, err)
	}

	return nil
}
