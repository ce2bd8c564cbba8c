// Package webhook provides an ErrorReporter that POSTs failure reports to
// an external HTTP endpoint, with bounded retries. Delivery is best-effort:
// a report that cannot be delivered is logged locally and dropped, it never
// propagates back into the publish path.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/glancehq/eventmesh/internal/core/domain"
	"github.com/glancehq/eventmesh/internal/core/ports"
)

const defaultTimeout = 5 * time.Second

// Reporter delivers failure reports to a webhook endpoint.
type Reporter struct {
	url     string
	retries int
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

// Config configures a webhook reporter.
type Config struct {
	URL     string
	Timeout time.Duration
	Retries int
	Headers map[string]string
}

// Option customizes a Reporter.
type Option func(*Reporter)

// WithHTTPClient replaces the HTTP client. The caller owns the client's
// timeout when this is used.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Reporter) {
		if client != nil {
			r.client = client
		}
	}
}

// WithLogger sets the logger used when delivery ultimately fails.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reporter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReporter creates a webhook reporter. The URL is required.
func NewReporter(cfg Config, opts ...Option) (*Reporter, error) {
	if cfg.URL == "" {
		return nil, domain.ErrValidation("webhook reporter requires a url").
			WithParam("reporter.webhook.url")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	r := &Reporter{
		url:     cfg.URL,
		retries: cfg.Retries,
		headers: cfg.Headers,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// reportPayload is the wire form of a delivered report.
type reportPayload struct {
	Stage      string        `json:"stage"`
	Error      string        `json:"error,omitempty"`
	Attempts   int           `json:"attempts"`
	OccurredAt time.Time     `json:"occurred_at"`
	Event      *domain.Event `json:"event,omitempty"`
}

// Report POSTs the entry to the configured endpoint, retrying on failure.
func (r *Reporter) Report(ctx context.Context, entry ports.ReportEntry) {
	payload := reportPayload{
		Stage:      entry.Stage,
		Attempts:   entry.Attempts,
		OccurredAt: entry.OccurredAt,
		Event:      entry.Event,
	}
	if entry.Err != nil {
		payload.Error = entry.Err.Error()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("marshal webhook report", "stage", entry.Stage, "error", err)
		return
	}

	var lastErr error

	attempts := r.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		err := r.deliver(ctx, body)
		if err == nil {
			return
		}
		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			break
		}
	}

	r.logger.Error("webhook report delivery failed",
		"url", r.url,
		"stage", entry.Stage,
		"attempts", attempts,
		"error", lastErr)
}

func (r *Reporter) deliver(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// Ensure Reporter implements the interface.
var _ ports.ErrorReporter = (*Reporter)(nil)
