// Package wsclient calls the websocket gateway's internal API.
package wsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/inboxrelay/relay/common/httputil"
	"github.com/inboxrelay/relay/common/middleware"
	"github.com/inboxrelay/relay/common/models"
	"github.com/inboxrelay/relay/common/registry"
)

// StatusError is returned when the gateway answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the gateway over HTTP. When a shared registry is attached,
// presence checks read it directly instead of asking the gateway.
type Client struct {
	baseURL     string
	internalKey string
	http        *http.Client
	registry    registry.Registry
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRegistry answers IsOnline from reg, saving a round trip to the gateway.
func WithRegistry(reg registry.Registry) Option {
	return func(c *Client) { c.registry = reg }
}

// New creates a client for the gateway at baseURL.
func New(baseURL, internalKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		internalKey: internalKey,
		http:        &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send asks the gateway to push one event to a user's connections and
// returns how many connections it reached.
func (c *Client) Send(ctx context.Context, req models.SendRequest) (int, error) {
	var resp models.SendResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/events", req, &resp); err != nil {
		return 0, err
	}
	return resp.Delivered, nil
}

// Broadcast pushes one event to every connection of a tenant.
func (c *Client) Broadcast(ctx context.Context, req models.BroadcastRequest) (int, error) {
	var resp models.SendResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/broadcast", req, &resp); err != nil {
		return 0, err
	}
	return resp.Delivered, nil
}

// IsOnline reports whether the subscriber userID of environmentID has a live
// connection on any node.
func (c *Client) IsOnline(ctx context.Context, environmentID, userID string) (bool, error) {
	if c.registry != nil {
		return c.registry.IsOnline(ctx, registry.Key{EnvironmentID: environmentID, UserID: userID})
	}
	var resp models.OnlineResponse
	path := "/api/v1/environments/" + url.PathEscape(environmentID) +
		"/users/" + url.PathEscape(userID) + "/online"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Online, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.internalKey != "" {
		req.Header.Set(middleware.InternalKeyHeader, c.internalKey)
	}
	if reqID := middleware.GetRequestID(ctx); reqID != "" {
		req.Header.Set(middleware.RequestIDHeader, reqID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e httputil.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return &StatusError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
