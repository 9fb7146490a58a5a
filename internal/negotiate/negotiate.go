// Package negotiate asks the speech backend to open a conversation session and
// returns the opaque session identifier used to bind the signaling channel.
package negotiate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Jubbery/simli-facetime-app/internal/observe"
	"github.com/Jubbery/simli-facetime-app/internal/resilience"
)

var (
	// ErrInvalidRequest is returned before any I/O when the prompt or voice
	// id is empty.
	ErrInvalidRequest = errors.New("negotiate: prompt and voice id are required")

	// ErrNegotiationFailed covers every backend-side failure: transport
	// errors, non-2xx statuses, undecodable bodies, and missing session ids.
	ErrNegotiationFailed = errors.New("negotiate: start conversation failed")
)

// startPath is appended to the backend base URL.
const startPath = "/start-conversation"

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 1 << 20

type startRequest struct {
	Prompt  string `json:"prompt"`
	VoiceID string `json:"voiceId"`
}

type startResponse struct {
	Message      string `json:"message"`
	ConnectionID string `json:"connectionId"`
}

// Client performs session negotiation against the speech backend.
// It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *resilience.Breaker
	metrics *observe.Metrics
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client (10s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker guards requests with a circuit breaker. An open breaker is
// reported as [ErrNegotiationFailed].
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithMetrics records request latency on m instead of the default instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a [Client] for the backend rooted at baseURL
// (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Negotiate requests a new conversation and returns its session id. The id is
// opaque and must be passed through unchanged. Failures are reported once;
// there is no automatic retry.
func (c *Client) Negotiate(ctx context.Context, prompt, voiceID string) (string, error) {
	if prompt == "" || voiceID == "" {
		return "", ErrInvalidRequest
	}

	ctx, span := observe.StartSpan(ctx, "negotiate.start_conversation")
	defer span.End()

	start := time.Now()
	var sessionID string
	call := func(ctx context.Context) error {
		id, err := c.post(ctx, prompt, voiceID)
		sessionID = id
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}

	status := "ok"
	if err != nil {
		status = "error"
		observe.FailSpan(span, err, "")
		if errors.Is(err, resilience.ErrOpen) {
			err = fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
		}
	}
	c.metrics.RecordNegotiation(ctx, time.Since(start), status)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("session_id", sessionID))
	return sessionID, nil
}

func (c *Client) post(ctx context.Context, prompt, voiceID string) (string, error) {
	body, err := json.Marshal(startRequest{Prompt: prompt, VoiceID: voiceID})
	if err != nil {
		return "", fmt.Errorf("negotiate: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+startPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %w", ErrNegotiationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("negotiate: %w", ctx.Err())
		}
		return "", fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", ErrNegotiationFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d: %s", ErrNegotiationFailed, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out startResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrNegotiationFailed, err)
	}
	if out.ConnectionID == "" {
		return "", fmt.Errorf("%w: response carried no connectionId", ErrNegotiationFailed)
	}

	slog.Debug("negotiate: conversation started", "session_id", out.ConnectionID, "message", out.Message)
	return out.ConnectionID, nil
}
