// ABOUTME: HTTP client for the greyzone gateway API used by the submitter CLI
// ABOUTME: Submits commands, reads requests and devices, and waits for requests to resolve

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
	"strconv"
	"strings"
	"time"
)

// DefaultPollInterval spaces Wait's polls when none is given.
const DefaultPollInterval = 2 * time.Second

// ErrNotFound matches an APIError with status 404.
var ErrNotFound = errors.New("not found")

// APIError is returned when the gateway answers with a non-2xx status.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// Is reports 404s as ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Request mirrors the gateway's request view.
type Request struct {
	ID          string     `json:"id"`
	Command     string     `json:"command"`
	Reason      string     `json:"reason,omitempty"`
	Agent       string     `json:"agent,omitempty"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	ExitCode    *int       `json:"exitCode"`
	Stdout      string     `json:"stdout"`
	Stderr      string     `json:"stderr"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	ApprovedAt  *time.Time `json:"approvedAt"`
	ApprovedBy  string     `json:"approvedBy,omitempty"`
	CompletedAt *time.Time `json:"completedAt"`
}

// Terminal reports whether the request can no longer change.
func (r *Request) Terminal() bool {
	switch r.Status {
	case "completed", "failed", "denied", "expired":
		return true
	}
	return false
}

// Device mirrors the gateway's device view.
type Device struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	UserAgent    string     `json:"userAgent,omitempty"`
	RegisteredAt time.Time  `json:"registeredAt"`
	LastUsedAt   *time.Time `json:"lastUsedAt"`
}

// SubmitInput is the body of a submission. Timeout is in seconds; zero takes
// the gateway default.
type SubmitInput struct {
	Command  string `json:"command"`
	Reason   string `json:"reason,omitempty"`
	Agent    string `json:"agent,omitempty"`
	Priority string `json:"priority,omitempty"`
	Timeout  int64  `json:"timeout,omitempty"`

	// IdempotencyKey makes retries of this submission return the original
	// request. Sent as a header.
	IdempotencyKey string `json:"-"`
}

// Submitted is the gateway's answer to a submission.
type Submitted struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Client wraps HTTP calls to the gateway.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a Client for baseURL (e.g. http://localhost:8080). token may be
// empty when the gateway accepts anonymous submissions.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.doWithHeaders(ctx, method, path, nil, body, out)
}

func (c *Client) doWithHeaders(ctx context.Context, method, path string, headers http.Header, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return &APIError{Status: resp.StatusCode, Message: errResp.Error}
		}
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// Health checks that the gateway is alive.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Submit queues a command for approval.
func (c *Client) Submit(ctx context.Context, in SubmitInput) (*Submitted, error) {
	var headers http.Header
	if in.IdempotencyKey != "" {
		headers = http.Header{"Idempotency-Key": {in.IdempotencyKey}}
	}

	var out Submitted
	if err := c.doWithHeaders(ctx, http.MethodPost, "/api/requests", headers, in, &out); err != nil {
		return nil, fmt.Errorf("submitting request: %w", err)
	}
	return &out, nil
}

// Get fetches one request.
func (c *Client) Get(ctx context.Context, id string) (*Request, error) {
	var out Request
	if err := c.do(ctx, http.MethodGet, "/api/requests/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, fmt.Errorf("getting request %s: %w", id, err)
	}
	return &out, nil
}

// List returns requests newest first. An empty status lists all; a zero limit
// takes the gateway default.
func (c *Client) List(ctx context.Context, status string, limit int) ([]*Request, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/requests"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var out []*Request
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	return out, nil
}

// Devices lists registered approver devices.
func (c *Client) Devices(ctx context.Context) ([]*Device, error) {
	var out []*Device
	if err := c.do(ctx, http.MethodGet, "/api/devices", nil, &out); err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	return out, nil
}

// Wait polls a request until it reaches a terminal status or ctx ends.
// onChange is called whenever the status differs from the last poll.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration, onChange func(*Request)) (*Request, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// last is the most recent successful poll, returned alongside ctx errors
	var last *Request
	for {
		req, err := c.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return nil, err
		}
		if last == nil || req.Status != last.Status {
			if onChange != nil {
				onChange(req)
			}
		}
		last = req
		if req.Terminal() {
			return req, nil
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}
