// Package httpclient provides the rate-limited HTTP client shared by the
// registry source adapters.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fossable/fossdb/internal/ratelimit"
)

const (
	// DefaultTimeout is the default per-request timeout.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize caps response bodies at 50MB. Registry listings are
	// paginated; anything larger indicates a misbehaving endpoint.
	MaxResponseSize = 50 * 1024 * 1024

	// UserAgent identifies fossdb to the registries it polls.
	UserAgent = "fossdb/1.0 (https://github.com/fossable/fossdb)"
)

// Client is the interface for outbound registry requests.
type Client interface {
	// Get performs an HTTP GET request and returns the response body.
	Get(ctx context.Context, url string) ([]byte, error)
}

// rateLimitedClient wraps the standard HTTP client with an adaptive rate
// limiter. Every response status is fed back into the limiter; transport
// errors are propagated without touching it.
type rateLimitedClient struct {
	client  *http.Client
	limiter *ratelimit.Limiter
}

// New creates a rate-limited client. A zero timeout means DefaultTimeout.
func New(limiter *ratelimit.Limiter, timeout time.Duration) Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &rateLimitedClient{
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

// Get waits for a rate limiter permit, performs the request, and reports the
// response status back to the limiter. Non-2xx statuses are returned as
// *HTTPError so callers can distinguish throttling from hard failures.
func (c *rateLimitedClient) Get(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// No status code: the limiter is left alone and the error
		// propagates unchanged.
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	c.limiter.Observe(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewHTTPError(resp.StatusCode, url, resp.Status)
	}

	limited := io.LimitReader(resp.Body, MaxResponseSize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response from %s exceeds maximum allowed size of %d bytes", url, MaxResponseSize)
	}

	return body, nil
}
