// Package gateway talks to the pairing microservice that fronts each
// area's mesh coordinator: request/response control calls and the
// long-lived server-push event stream.
package gateway

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

	"github.com/iliyamo/campground-power/internal/model"
)

// NetworkError means the pairing service could not be reached or answered
// with a transport-level failure.  Operators are offered a retry.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("gateway %s: %v", e.Op, e.Err) }

func (e *NetworkError) Unwrap() error { return e.Err }

// GatewayError is a well-formed reply with success=false.
type GatewayError struct {
	Op      string
	Message string
}

func (e *GatewayError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway %s rejected the request", e.Op)
	}
	return fmt.Sprintf("gateway %s: %s", e.Op, e.Message)
}

// Status is the pairing service's view of one area, used to resynchronise
// after the event stream reconnects.
type Status struct {
	Active      bool   `json:"active"`
	IEEEAddress string `json:"ieee_address,omitempty"`
	Remaining   int    `json:"remaining,omitempty"`
}

type envelope struct {
	Success bool         `json:"success"`
	Error   string       `json:"error,omitempty"`
	Areas   []model.Area `json:"areas,omitempty"`
	Status  *Status      `json:"status,omitempty"`
}

// Client calls the pairing microservice.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client for baseURL.  timeout bounds every control
// call; the event stream uses its own client without a timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the service root the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

// Areas lists the areas (mesh networks) the service manages.
func (c *Client) Areas(ctx context.Context) ([]model.Area, error) {
	env, err := c.do(ctx, "areas", http.MethodGet, "/areas", nil)
	if err != nil {
		return nil, err
	}
	return env.Areas, nil
}

// StartPairing puts the area's coordinator into permit-join mode.  A
// non-zero sessionID is echoed back by the service on subsequent events.
func (c *Client) StartPairing(ctx context.Context, baseTopic string, sessionID uint64) error {
	body := map[string]any{"baseTopic": baseTopic}
	if sessionID != 0 {
		body["session_id"] = sessionID
	}
	_, err := c.do(ctx, "start", http.MethodPost, "/pairing/start", body)
	return err
}

// StopPairing takes the area's coordinator out of permit-join mode.
func (c *Client) StopPairing(ctx context.Context, baseTopic string) error {
	_, err := c.do(ctx, "stop", http.MethodPost, "/pairing/stop", map[string]any{"baseTopic": baseTopic})
	return err
}

// Rename asks the service to give the joined device its operator label.
// The outcome arrives later as a rename_response event.
func (c *Client) Rename(ctx context.Context, baseTopic, ieee, newName string) error {
	_, err := c.do(ctx, "rename", http.MethodPost, "/pairing/rename", map[string]any{
		"ieee_address": ieee,
		"new_name":     newName,
		"baseTopic":    baseTopic,
	})
	return err
}

// Remove makes the coordinator forget a device.
func (c *Client) Remove(ctx context.Context, baseTopic, ieee string, force bool) error {
	_, err := c.do(ctx, "remove", http.MethodPost, "/pairing/remove", map[string]any{
		"ieee_address": ieee,
		"baseTopic":    baseTopic,
		"force":        force,
	})
	return err
}

// Status reports whether the area is currently in pairing mode.
func (c *Client) Status(ctx context.Context, baseTopic string) (*Status, error) {
	env, err := c.do(ctx, "status", http.MethodGet, "/pairing/status?baseTopic="+url.QueryEscape(baseTopic), nil)
	if err != nil {
		return nil, err
	}
	if env.Status == nil {
		return &Status{}, nil
	}
	return env.Status, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any) (*envelope, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, &GatewayError{Op: op, Message: fmt.Sprintf("status %d", resp.StatusCode)}
		}
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if !env.Success || resp.StatusCode >= http.StatusBadRequest {
		return nil, &GatewayError{Op: op, Message: env.Error}
	}
	return &env, nil
}
