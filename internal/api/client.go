// Package api provides the HTTP and WebSocket client for the casework
// pipeline server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

const (
	defaultBaseURL = "http://localhost:8090"
	defaultTimeout = 30 * time.Second

	// maxAttempts bounds one logical request: the initial attempt plus
	// retries for network and 5xx failures.
	maxAttempts = 3

	sessionHeader = "X-Casework-Session"
)

// Client talks to a casework pipeline server.
//
// The server requires a session handshake before job endpoints accept work.
// The client performs it lazily on first use; concurrent callers coalesce
// onto a single handshake and share its outcome. A failed handshake is not
// cached, so the next call tries again.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *slog.Logger

	ready   singleflight.Group
	mu      sync.Mutex
	session string

	// newBackOff produces the retry schedule for one logical request.
	newBackOff func() backoff.BackOff
}

// New creates a client for the given server.
// If baseURL is empty, uses CASEWORK_SERVER_URL or defaults to localhost:8090.
// If token is empty, uses CASEWORK_TOKEN. The request timeout can be set via
// CASEWORK_CLIENT_TIMEOUT (default 30s).
func New(baseURL, token string, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("CASEWORK_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if token == "" {
		token = os.Getenv("CASEWORK_TOKEN")
	}

	timeout := defaultTimeout
	if t := os.Getenv("CASEWORK_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	if log == nil {
		log = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 1 * time.Second
			bo.MaxInterval = 10 * time.Second
			bo.Multiplier = 2.0
			bo.RandomizationFactor = 0
			return bo
		},
	}
}

// =============================================================================
// TYPES (matching the server's JSON API)
// =============================================================================

// Submission describes a job to run.
type Submission struct {
	Kind  string   `json:"kind"`
	Input string   `json:"input"`
	Tags  []string `json:"tags,omitempty"`
}

// Event is one status report from the pipeline. Agent is empty when the
// report concerns the job as a whole rather than a single agent.
type Event struct {
	JobID      string   `json:"jobId,omitempty"`
	Agent      string   `json:"agent,omitempty"`
	Phase      string   `json:"phase"`
	Message    string   `json:"message,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Tool       string   `json:"tool,omitempty"`
}

// Field is one extracted value together with the pipeline's confidence in it.
type Field struct {
	Name       string  `json:"name"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Agent      string  `json:"agent,omitempty"`
}

// Snapshot is the server's point-in-time view of a job. Fields is populated
// once the extraction agents have produced results.
type Snapshot struct {
	JobID   string  `json:"jobId"`
	Overall string  `json:"overall"`
	Agents  []Event `json:"agents"`
	Fields  []Field `json:"fields,omitempty"`
}

// JobSummary is one row in the server's job index.
type JobSummary struct {
	JobID     string    `json:"jobId"`
	Kind      string    `json:"kind"`
	Overall   string    `json:"overall"`
	CreatedAt time.Time `json:"createdAt"`
}

// OperationStats holds aggregate timings for one operation type.
type OperationStats struct {
	Count       int     `json:"count"`
	TotalTimeMs int64   `json:"totalTimeMs"`
	AvgTimeMs   float64 `json:"avgTimeMs"`
	MinTimeMs   int64   `json:"minTimeMs"`
	MaxTimeMs   int64   `json:"maxTimeMs"`
}

// ServerStats holds in-memory pipeline statistics (resets on server restart).
type ServerStats struct {
	UptimeSeconds float64         `json:"uptimeSeconds"`
	JobsSubmitted int             `json:"jobsSubmitted"`
	JobsCompleted int             `json:"jobsCompleted"`
	JobsFailed    int             `json:"jobsFailed"`
	AgentRun      *OperationStats `json:"agentRun,omitempty"`
	ToolCall      *OperationStats `json:"toolCall,omitempty"`
	StatusPoll    *OperationStats `json:"statusPoll,omitempty"`
}

// =============================================================================
// SESSION
// =============================================================================

type sessionResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// EnsureReady establishes the server session if one is not already cached.
func (c *Client) EnsureReady(ctx context.Context) error {
	if c.cachedSession() != "" {
		return nil
	}

	_, err, _ := c.ready.Do("session", func() (any, error) {
		if s := c.cachedSession(); s != "" {
			return s, nil
		}

		var resp sessionResponse
		if err := c.do(ctx, "open session", http.MethodPost, "/api/v1/session", nil, &resp); err != nil {
			return nil, err
		}
		if resp.Token == "" {
			return nil, &Error{Class: ClassServer, Op: "open session", Message: "empty session token"}
		}

		c.mu.Lock()
		c.session = resp.Token
		c.mu.Unlock()

		c.log.Debug("session established")
		return resp.Token, nil
	})
	return err
}

func (c *Client) cachedSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// =============================================================================
// JOB OPERATIONS
// =============================================================================

// Submit enqueues a job on the pipeline and returns its ID.
func (c *Client) Submit(ctx context.Context, sub Submission) (string, error) {
	if err := c.EnsureReady(ctx); err != nil {
		return "", err
	}

	var resp struct {
		JobID string `json:"jobId"`
	}
	if err := c.do(ctx, "submit job", http.MethodPost, "/api/v1/jobs", sub, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", &Error{Class: ClassServer, Op: "submit job", Message: "no job id in response"}
	}
	return resp.JobID, nil
}

// Status fetches the server's current view of a job.
func (c *Client) Status(ctx context.Context, jobID string) (*Snapshot, error) {
	if err := c.EnsureReady(ctx); err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := c.do(ctx, "poll status", http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID)+"/status", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Jobs lists the server's known jobs, newest first.
func (c *Client) Jobs(ctx context.Context) ([]JobSummary, error) {
	if err := c.EnsureReady(ctx); err != nil {
		return nil, err
	}

	var resp struct {
		Jobs []JobSummary `json:"jobs"`
	}
	if err := c.do(ctx, "list jobs", http.MethodGet, "/api/v1/jobs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Stats returns the server's runtime statistics.
func (c *Client) Stats(ctx context.Context) (*ServerStats, error) {
	if err := c.EnsureReady(ctx); err != nil {
		return nil, err
	}

	var stats ServerStats
	if err := c.do(ctx, "fetch stats", http.MethodGet, "/api/v1/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// =============================================================================
// TRANSPORT
// =============================================================================

// do executes one logical request, retrying network and 5xx failures per the
// client's backoff schedule. Auth and 4xx failures return immediately.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = b
	}

	operation := func() error {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		c.authorize(req.Header)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return netError(op, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return netError(op, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := classifyStatus(op, resp.StatusCode, respBody)
			if !apiErr.Retryable() {
				return backoff.Permanent(apiErr)
			}
			return apiErr
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return backoff.Permanent(fmt.Errorf("%s: unmarshal response: %w", op, err))
			}
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), maxAttempts-1), ctx)
	notify := func(err error, wait time.Duration) {
		c.log.Warn("request failed, retrying", "op", op, "wait", wait, "error", err)
	}
	return backoff.RetryNotify(operation, bo, notify)
}

// authorize attaches the bearer token and, once established, the session ID.
func (c *Client) authorize(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	if s := c.cachedSession(); s != "" {
		h.Set(sessionHeader, s)
	}
}
