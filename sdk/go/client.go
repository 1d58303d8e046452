package deliverlinesdk

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
)

// Client is a minimal Deliverline HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	RequestID  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. Extraction waits on a model
// call, so the default timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 90 * time.Second,
	}
}

// Record is a canonical deliverable. DueDate is nil when the text gave none.
type Record struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Team        string  `json:"team"`
	DueDate     *string `json:"due_date"`
}

// Event is a journal entry.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	RequestID string `json:"request_id"`
	Payload   string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the server's error tag, e.g.
// service_unavailable or schema_violation.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	RequestID  string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsRetryable reports whether err is an API error the server marked retryable.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable
}

// Extract posts text to the webhook for source and returns the records.
func (c *Client) Extract(ctx context.Context, source, text string) ([]Record, error) {
	var resp []Record
	endpoint := "webhook/" + url.PathEscape(source)
	if err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"text": text}, &resp); err != nil {
		return nil, err
	}
	if resp == nil {
		resp = []Record{}
	}
	return resp, nil
}

// Health returns nil when the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "health", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("unexpected health status %q", resp.Status)
	}
	return nil
}

// EventsPage returns a page of journal events, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.RequestID != "" {
		req.Header.Set("X-Request-Id", c.RequestID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		RequestID:  resp.Header.Get("X-Request-Id"),
	}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		if v, ok := env.Error.Details["retryable"].(bool); ok {
			apiErr.Retryable = v
		}
		if v, ok := env.Error.Details["request_id"].(string); ok && v != "" {
			apiErr.RequestID = v
		}
	}
	return apiErr
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
