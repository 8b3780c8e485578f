package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRequestTimeout bounds a single request to the coordinator.
const DefaultRequestTimeout = 30 * time.Second

// ErrUnavailable indicates the coordinator could not be reached.
var ErrUnavailable = errors.New("coordinator unavailable")

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL is the coordinator address, e.g. "http://10.0.0.2:8080".
	// A bare host[:port] is accepted and gets an http:// scheme.
	BaseURL string

	// WorkerID identifies this worker in polls and reports.
	WorkerID string

	// PollRate caps poll requests per second. Zero means unlimited.
	PollRate float64

	// Timeout bounds each request. Default: DefaultRequestTimeout.
	Timeout time.Duration

	// HTTPClient overrides the HTTP client (tests).
	HTTPClient *http.Client
}

// Client talks to a coordinator over HTTP.
//
// Client is safe for concurrent use.
type Client struct {
	baseURL  string
	workerID string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewClient creates a coordinator client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := NormalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultRequestTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	c := &Client{
		baseURL:  base,
		workerID: strings.TrimSpace(cfg.WorkerID),
		http:     hc,
	}
	if cfg.PollRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.PollRate), 1)
	}
	return c, nil
}

// NormalizeBaseURL validates a coordinator address and adds a scheme if
// missing. Trailing slashes are removed.
func NormalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("coordinator address is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid coordinator address %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid coordinator address %q: missing host", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// BaseURL returns the normalized coordinator address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WorkerID returns the worker id sent with polls and reports.
func (c *Client) WorkerID() string {
	return c.workerID
}

// NextJob polls the coordinator for work, reporting this worker's health.
func (c *Client) NextJob(ctx context.Context, health, message string) (Poll, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Poll{}, err
		}
	}

	q := url.Values{}
	q.Set(ParamWorkerID, c.workerID)
	q.Set(ParamWorkerStatus, health)
	q.Set(ParamWorkerMessage, message)

	var body map[string]any
	if err := c.do(ctx, http.MethodGet, PathNextJob+"?"+q.Encode(), nil, &body); err != nil {
		return Poll{}, err
	}
	return DecodePoll(body)
}

// Report sends a job outcome.
func (c *Client) Report(ctx context.Context, req ReportRequest) error {
	if req.WorkerID == "" {
		req.WorkerID = c.workerID
	}
	var ack AckResponse
	if err := c.do(ctx, http.MethodPost, PathNextJob, req, &ack); err != nil {
		return err
	}
	if ack.Status != "ok" {
		return fmt.Errorf("unexpected report acknowledgement %q", ack.Status)
	}
	return nil
}

// Status fetches the aggregate run status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var st StatusResponse
	if err := c.do(ctx, http.MethodGet, PathStatus, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return &StatusError{Code: resp.StatusCode, Reason: e.Error}
		}
		return &StatusError{Code: resp.StatusCode, Reason: strings.TrimSpace(string(data))}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// StatusError is a non-2xx answer from the coordinator.
type StatusError struct {
	Code   int
	Reason string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.Code, e.Reason)
}

// IsUnavailable reports whether err means the coordinator was unreachable
// or answered with a server-side error, both of which are worth retrying.
func IsUnavailable(err error) bool {
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return false
}
