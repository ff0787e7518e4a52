package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/khabarhub/ingest/internal/ratelimit"
)

var (
	// ErrTerminalStatus marks a 4xx (other than 429) that is never retried.
	ErrTerminalStatus = errors.New("terminal http status")
	// ErrRetriesExhausted marks a retryable failure that used up its attempts.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Error is the terminal failure of one fetch. It never escapes a worker's
// per-article loop: callers log it and move to the next URL.
type Error struct {
	URL      string
	Status   int // last HTTP status, 0 for pure network failures
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d after %d attempt(s): %v", e.URL, e.Status, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v after %d attempt(s)", e.URL, e.Err, e.Attempts)
}

func (e *Error) Unwrap() error { return e.Err }

// NextDelay is the pure backoff policy for network errors and 5xx:
// exponential growth per attempt (attempt starts at 1), capped at a minute.
// Jitter is added by the caller. 429 waits are not computed here; the
// limiter's cooldown window gates the next Acquire instead.
func NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	d := time.Second << (attempt - 1)
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

// Client retrieves URLs for a single source. Every request first passes the
// source's rate limiter; retry and backoff policy lives here, the transport
// is stateless per call.
type Client struct {
	source     string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	headers    map[string]string
	maxRetries int
	log        *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(source string, limiter *ratelimit.Limiter, timeout time.Duration, maxRetries int, headers map[string]string, log *slog.Logger) *Client {
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &Client{
		source:     source,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		headers:    headers,
		maxRetries: maxRetries,
		log:        log,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fetch retrieves url under the given request class. 2xx returns the body.
// 429 signals the limiter and retries; 5xx and network errors retry with
// exponential backoff plus jitter; any other 4xx fails immediately.
func (c *Client) Fetch(ctx context.Context, url string, class ratelimit.Class) ([]byte, error) {
	var lastErr error
	lastStatus := 0

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Acquire(ctx, class); err != nil {
			return nil, err
		}

		status, retryAfter, body, err := c.do(ctx, url)
		switch {
		case err != nil:
			lastErr = err
			lastStatus = 0
			c.log.Warn("fetch failed",
				"source", c.source, "class", string(class), "url", url,
				"attempt", attempt, "error", err)
			if attempt < c.maxRetries {
				if err := c.backoff(ctx, attempt); err != nil {
					return nil, err
				}
			}

		case status >= 200 && status < 300:
			c.limiter.ReportSuccess(class)
			c.log.Debug("fetch ok",
				"source", c.source, "class", string(class), "url", url,
				"attempt", attempt, "bytes", len(body))
			return body, nil

		case status == http.StatusTooManyRequests:
			cooldown := c.limiter.Report429(class, retryAfter)
			lastErr = fmt.Errorf("rate limited")
			lastStatus = status
			c.log.Warn("fetch rate limited",
				"source", c.source, "class", string(class), "url", url,
				"attempt", attempt, "cooldown", cooldown)
			// No extra sleep here: the limiter cooldown gates the next Acquire.

		case status >= 500:
			lastErr = fmt.Errorf("server error")
			lastStatus = status
			c.log.Warn("fetch server error",
				"source", c.source, "class", string(class), "url", url,
				"attempt", attempt, "status", status)
			if attempt < c.maxRetries {
				if err := c.backoff(ctx, attempt); err != nil {
					return nil, err
				}
			}

		default:
			c.log.Warn("fetch terminal status",
				"source", c.source, "class", string(class), "url", url,
				"attempt", attempt, "status", status)
			return nil, &Error{URL: url, Status: status, Attempts: attempt, Err: ErrTerminalStatus}
		}
	}

	c.log.Warn("fetch gave up",
		"source", c.source, "class", string(class), "url", url,
		"attempts", c.maxRetries, "status", lastStatus)
	return nil, &Error{
		URL:      url,
		Status:   lastStatus,
		Attempts: c.maxRetries,
		Err:      fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr),
	}
}

func (c *Client) backoff(ctx context.Context, attempt int) error {
	d := NextDelay(attempt)
	d += time.Duration(rand.Int63n(int64(d)/4 + 1))
	return c.sleep(ctx, d)
}

func (c *Client) do(ctx context.Context, url string) (status int, retryAfter time.Duration, body []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, nil, err
	}

	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "fa-IR,fa;q=0.9,en-US;q=0.8,en;q=0.7")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, nil, err
	}
	return resp.StatusCode, retryAfter, body, nil
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}
