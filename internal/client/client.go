// Package client is a small XRPC client for the handful of Bluesky endpoints
// the gateway needs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bskylink/bskylink/internal/model"
)

const (
	MethodCreateSession  = "com.atproto.server.createSession"
	MethodRefreshSession = "com.atproto.server.refreshSession"
	MethodResolveHandle  = "com.atproto.identity.resolveHandle"
	MethodGetPostThread  = "app.bsky.feed.getPostThread"
	MethodGetAuthorFeed  = "app.bsky.feed.getAuthorFeed"
)

const defaultMaxResponseBytes = 8 << 20

// ErrMalformedResponse marks a 2xx response whose body could not be used.
var ErrMalformedResponse = errors.New("malformed response")

// Client is an XRPC client. It holds no credentials; every authenticated
// call takes the bearer token explicitly.
type Client struct {
	Host             string
	HTTPClient       *http.Client
	MaxResponseBytes int64

	// Observe, when set, is called once per completed call with the
	// method name and HTTP status (0 on transport failure).
	Observe func(method string, status int)
}

// Session is the token pair returned by createSession and refreshSession.
type Session struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	DID        string `json:"did"`
	Handle     string `json:"handle"`
}

// New creates a client for host (e.g. https://bsky.social) whose calls
// each give up after timeout.
func New(host string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		Host:             host,
		HTTPClient:       &http.Client{Timeout: timeout},
		MaxResponseBytes: defaultMaxResponseBytes,
	}
}

// CreateSession logs in with an identifier (handle or email) and password.
func (c *Client) CreateSession(ctx context.Context, identifier, password string) (Session, error) {
	body := map[string]string{"identifier": identifier, "password": password}
	var out Session
	if err := c.do(ctx, http.MethodPost, MethodCreateSession, "", nil, body, &out); err != nil {
		return Session{}, err
	}
	if out.AccessJwt == "" {
		return Session{}, fmt.Errorf("%s: %w: no access token", MethodCreateSession, ErrMalformedResponse)
	}
	return out, nil
}

// RefreshSession trades a refresh token for a new token pair.
func (c *Client) RefreshSession(ctx context.Context, refreshJwt string) (Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodPost, MethodRefreshSession, refreshJwt, nil, nil, &out); err != nil {
		return Session{}, err
	}
	if out.AccessJwt == "" {
		return Session{}, fmt.Errorf("%s: %w: no access token", MethodRefreshSession, ErrMalformedResponse)
	}
	return out, nil
}

// ResolveHandle returns the DID behind a handle.
func (c *Client) ResolveHandle(ctx context.Context, token, handle string) (string, error) {
	var out struct {
		DID string `json:"did"`
	}
	params := url.Values{"handle": {handle}}
	if err := c.do(ctx, http.MethodGet, MethodResolveHandle, token, params, nil, &out); err != nil {
		return "", err
	}
	if out.DID == "" {
		return "", fmt.Errorf("%s: %w: empty did for %q", MethodResolveHandle, ErrMalformedResponse, handle)
	}
	return out.DID, nil
}

// GetPostThread fetches the thread around the post at uri.
func (c *Client) GetPostThread(ctx context.Context, token, uri string) (*model.ThreadResponse, error) {
	var out model.ThreadResponse
	params := url.Values{"uri": {uri}}
	if err := c.do(ctx, http.MethodGet, MethodGetPostThread, token, params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAuthorFeed lists recent posts by actor.
func (c *Client) GetAuthorFeed(ctx context.Context, token, actor string) (*model.FeedResponse, error) {
	var out model.FeedResponse
	params := url.Values{"actor": {actor}}
	if err := c.do(ctx, http.MethodGet, MethodGetAuthorFeed, token, params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostURI builds the AT-URI of a post record.
func PostURI(did, rkey string) string {
	return "at://" + did + "/app.bsky.feed.post/" + rkey
}

func (c *Client) do(ctx context.Context, httpMethod, method, token string, params url.Values, body, out any) error {
	endpoint := c.Host + "/xrpc/" + method
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.observe(method, 0)
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	c.observe(method, resp.StatusCode)

	limit := c.MaxResponseBytes
	if limit <= 0 {
		limit = defaultMaxResponseBytes
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", method, err)
	}
	if int64(len(respBody)) > limit {
		return fmt.Errorf("%s: %w: body exceeds %d bytes", method, ErrMalformedResponse, limit)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newStatusError(method, resp.StatusCode, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: %w: %v", method, ErrMalformedResponse, err)
	}
	return nil
}

func (c *Client) observe(method string, status int) {
	if c.Observe != nil {
		c.Observe(method, status)
	}
}

// StatusError is a non-2xx XRPC response.
type StatusError struct {
	Method     string
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s failed (%d): %s: %s", e.Method, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s failed (%d)", e.Method, e.StatusCode)
}

func newStatusError(method string, status int, body []byte) *StatusError {
	e := &StatusError{Method: method, StatusCode: status}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		e.Code = payload.Error
		e.Message = payload.Message
	}
	return e
}

// IsAuthError reports whether err says the bearer token was rejected.
func IsAuthError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch {
	case se.StatusCode == http.StatusUnauthorized:
		return true
	case se.Code == "ExpiredToken" || se.Code == "InvalidToken" || se.Code == "AuthenticationRequired":
		return true
	}
	return false
}
