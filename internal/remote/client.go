package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"wmsync/internal/auth"
)

// TokenSource supplies the bearer token of the current session. It returns
// auth.ErrNoSession when nobody is signed in.
type TokenSource interface {
	Token() (string, error)
}

// Config contains client configuration
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Task is the server representation of a pick task
type Task struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Lines  []Line `json:"lines"`

	// Raw holds the response body as received, for the read-side cache
	Raw []byte `json:"-"`
}

// Line is a pick line of a task
type Line struct {
	ID        string   `json:"id"`
	ProductID string   `json:"product_id"`
	Name      string   `json:"name,omitempty"`
	Location  string   `json:"location,omitempty"`
	Barcodes  []string `json:"barcodes"`
	Quantity  int      `json:"quantity"`
	Picked    int      `json:"picked"`
}

// Client talks to the warehouse REST API
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	tokens    TokenSource
	userAgent string
}

// NewClient creates a new API client
func NewClient(cfg Config, tokens TokenSource) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url cannot be empty")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "wmsync"
	}

	return &Client{
		baseURL:   base,
		http:      &http.Client{Timeout: timeout},
		tokens:    tokens,
		userAgent: userAgent,
	}, nil
}

type scanRequest struct {
	Barcode  string `json:"barcode"`
	Quantity int    `json:"quantity"`
	LineID   string `json:"line_id,omitempty"`
}

type quantityRequest struct {
	Quantity int `json:"quantity"`
}

type completeRequest struct {
	IncompleteReason string `json:"incomplete_reason,omitempty"`
}

// SubmitScan submits a pick scan for a task
func (c *Client) SubmitScan(ctx context.Context, idempotencyKey, taskID, lineID, barcode string, quantity int) error {
	path := "/api/picking/tasks/" + url.PathEscape(taskID) + "/scans"
	body := scanRequest{Barcode: barcode, Quantity: quantity, LineID: lineID}
	return c.do(ctx, http.MethodPost, path, idempotencyKey, body, nil)
}

// ConfirmQuantity sets the confirmed quantity of a pick line
func (c *Client) ConfirmQuantity(ctx context.Context, idempotencyKey, lineID string, quantity int) error {
	path := "/api/picking/lines/" + url.PathEscape(lineID) + "/quantity"
	return c.do(ctx, http.MethodPut, path, idempotencyKey, quantityRequest{Quantity: quantity}, nil)
}

// CompleteTask completes a pick task. reason may be empty.
func (c *Client) CompleteTask(ctx context.Context, idempotencyKey, taskID, reason string) error {
	path := "/api/picking/tasks/" + url.PathEscape(taskID) + "/complete"
	return c.do(ctx, http.MethodPost, path, idempotencyKey, completeRequest{IncompleteReason: reason}, nil)
}

// GetTask fetches the current server state of a task
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var raw json.RawMessage
	path := "/api/picking/tasks/" + url.PathEscape(taskID)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &raw); err != nil {
		return nil, err
	}

	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", taskID, err)
	}
	task.Raw = []byte(raw)
	return &task, nil
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	token, err := c.tokens.Token()
	if errors.Is(err, auth.ErrNoSession) {
		return fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}
	if err != nil {
		// the token could not be read; the session itself may be fine
		return &TransientError{Err: err}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	// path segments are already escaped
	endpoint, err := url.Parse(c.baseURL.String() + path)
	if err != nil {
		return fmt.Errorf("failed to build url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if err := classifyStatus(resp.StatusCode, data); err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
