// Package amplitude downloads hourly event exports from the Amplitude
// Export API and extracts them into the staging directory.
package amplitude

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/lumehq/ampsync/internal/bucket"
	"github.com/lumehq/ampsync/internal/logging"
	"github.com/lumehq/ampsync/internal/metrics"
)

// ErrRetryBudgetExhausted is returned when the shared attempt budget is
// spent without a successful response.
var ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

// StatusError is a non-retryable export API response, such as 400 on a
// malformed range or 403 on bad credentials.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("export API returned %d: %s", e.Code, e.Body)
}

// Config configures the export client.
type Config struct {
	APIKey            string
	SecretKey         string
	ExportURL         string
	MaxAttempts       int
	RetryDelay        time.Duration
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 = unlimited
}

// Client downloads export archives with basic auth and bounded retries.
type Client struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewClient creates an export client.
func NewClient(cfg Config) *Client {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: limiter,
		log:     logging.Component("amplitude"),
	}
}

// Export downloads the archive covering r. One attempt budget is shared
// across all retry causes: the request is issued at most MaxAttempts
// times in total. Server errors wait RetryDelay before the next
// attempt, rate limiting waits twice that. Any other non-200 status is
// fatal, as are transport errors.
func (c *Client) Export(ctx context.Context, r bucket.Range) ([]byte, error) {
	lastStatus := 0

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		if m := metrics.Get(); m != nil {
			m.ExportRequests.Inc()
		}

		resp, err := c.get(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("export request for %s: %w", r, err)
		}

		if resp.StatusCode == http.StatusOK {
			data, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("read export body for %s: %w", r, err)
			}
			if m := metrics.Get(); m != nil {
				m.BytesFetched.Add(float64(len(data)))
			}
			return data, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		var wait time.Duration
		var cause string
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait = 2 * c.cfg.RetryDelay
			cause = "rate_limited"
		case resp.StatusCode >= 500:
			wait = c.cfg.RetryDelay
			cause = "server_error"
		default:
			if m := metrics.Get(); m != nil {
				m.ExportFailures.WithLabelValues("fatal_status").Inc()
			}
			return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		lastStatus = resp.StatusCode

		if attempt < c.cfg.MaxAttempts {
			if m := metrics.Get(); m != nil {
				m.ExportRetries.WithLabelValues(cause).Inc()
			}
			c.log.Warn("export attempt failed, retrying",
				"range", r.String(),
				"status", resp.StatusCode,
				"attempt", attempt,
				"max_attempts", c.cfg.MaxAttempts,
				"wait", wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	if m := metrics.Get(); m != nil {
		m.ExportFailures.WithLabelValues("budget_exhausted").Inc()
	}
	return nil, fmt.Errorf("export %s: all %d attempts failed (last status %d): %w",
		r, c.cfg.MaxAttempts, lastStatus, ErrRetryBudgetExhausted)
}

// get issues a single export request.
func (c *Client) get(ctx context.Context, r bucket.Range) (*http.Response, error) {
	q := url.Values{}
	q.Set("start", r.Start.Stamp())
	q.Set("end", r.End.Stamp())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ExportURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.cfg.APIKey, c.cfg.SecretKey)
	req.Header.Set("Accept", "application/zip")

	return c.client.Do(req)
}
