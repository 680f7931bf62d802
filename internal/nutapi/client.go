// Package nutapi is the HTTP client for the chat backend's message
// history endpoint, including the paginated loader that pulls a whole
// conversation page by page.
package nutapi

import (
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

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/tidwall/gjson"
)

// TransientError wraps a transport failure that is likely temporary. The
// loader does not retry these; callers may retry the whole load.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RateLimitError is returned for HTTP 429.
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	if e.Message == "" {
		return chaterrors.ErrRateLimited.Error()
	}

	return chaterrors.ErrRateLimited.Error() + ": " + e.Message
}

func (e *RateLimitError) Unwrap() error { return chaterrors.ErrRateLimited }

// IsRateLimited reports whether err is a rate limit response.
func IsRateLimited(err error) bool {
	return errors.Is(err, chaterrors.ErrRateLimited)
}

// APIError is a non-retryable, non-2xx response. Message is the server's
// own error message when it sent one.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return e.Message }
func (e *APIError) Unwrap() error { return chaterrors.ErrAPIResponse }

// Order is the sort direction of a message page.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. A page of 100
	// messages with attachments fits comfortably.
	maxAPIResponseBytes = 16 * 1024 * 1024

	// maxRedirects matches the default net/http limit.
	maxRedirects = 10
)

// Client talks to the chat backend REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaks to
// another domain.
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

// NewClient creates an API client for baseURL authenticating with token.
// If httpClient is nil, a client with a 30-second timeout and same-host
// redirect policy is created.
func NewClient(httpClient *http.Client, baseURL, token string) *Client {
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
	}
}

// sanitizeResponseBody truncates a response body for inclusion in error
// messages and replaces control characters to prevent log injection.
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

// errorMessage extracts the server's {"message": "..."} field, falling
// back to the sanitized body and finally the status text.
func errorMessage(status int, body []byte) string {
	if gjson.ValidBytes(body) {
		if msg := gjson.GetBytes(body, "message"); msg.Type == gjson.String && msg.Str != "" {
			return msg.Str
		}
	}

	if s := strings.TrimSpace(sanitizeResponseBody(body)); s != "" {
		return fmt.Sprintf("request failed with status %d: %s", status, s)
	}

	return fmt.Sprintf("request failed with status %d: %s", status, http.StatusText(status))
}

// FetchMessagePage fetches one page of a conversation's messages. A 404
// means the conversation has no messages yet and yields an empty page.
func (c *Client) FetchMessagePage(ctx context.Context, conversationID string, offset, limit int, order Order) (*models.Page, error) {
	if conversationID == "" {
		return nil, chaterrors.ErrConversationRequired
	}

	if order == "" {
		order = OrderAsc
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("order", string(order))

	endpoint := "/api/projects/" + url.PathEscape(conversationID) + "/messages"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, &TransientError{Err: fmt.Errorf("%w: sending request to %s: %w", chaterrors.ErrAPIRequest, endpoint, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &models.Page{Messages: []models.Message{}, Total: 0}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		rl := &RateLimitError{}
		if msg := gjson.GetBytes(body, "message"); msg.Type == gjson.String {
			rl.Message = msg.Str
		}

		return nil, rl

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &APIError{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, body)}
	}

	return decodePage(body)
}

// decodePage validates and decodes a 2xx page body. The body must be a
// JSON object with a messages array and a numeric total.
func decodePage(body []byte) (*models.Page, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON", chaterrors.ErrMalformedResponse)
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: expected object", chaterrors.ErrMalformedResponse)
	}

	if msgs := root.Get("messages"); !msgs.IsArray() {
		return nil, fmt.Errorf("%w: messages is not an array", chaterrors.ErrMalformedResponse)
	}

	if total := root.Get("total"); total.Type != gjson.Number {
		return nil, fmt.Errorf("%w: total is not a number", chaterrors.ErrMalformedResponse)
	}

	var page models.Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("%w: %w", chaterrors.ErrMalformedResponse, err)
	}

	if page.Total < 0 {
		return nil, fmt.Errorf("%w: negative total", chaterrors.ErrMalformedResponse)
	}

	return &page, nil
}
