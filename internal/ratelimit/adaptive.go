// Package ratelimit provides an adaptive token-bucket limiter for outbound
// registry calls. The rate shrinks when the registry pushes back (429 or
// server errors) and grows again on success, always staying within the
// configured floor and ceiling.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// Config bounds the adaptive limiter. Rates are permits per second.
type Config struct {
	Initial float64
	Min     float64
	Max     float64
	// Burst is the token bucket capacity. Zero means 1: at most one
	// request is dispatched per accumulated permit.
	Burst int
}

// Validate checks the config for internal consistency.
func (c Config) Validate() error {
	if c.Min <= 0 {
		return fmt.Errorf("min rate must be positive, got %v", c.Min)
	}
	if c.Max < c.Min {
		return fmt.Errorf("max rate %v is below min rate %v", c.Max, c.Min)
	}
	if c.Initial < c.Min || c.Initial > c.Max {
		return fmt.Errorf("initial rate %v outside [%v, %v]", c.Initial, c.Min, c.Max)
	}
	return nil
}

// Limiter is an adaptive token-bucket rate limiter. Wait blocks for a permit
// at the current rate; Observe adjusts the rate from a response status code.
// Rate changes take effect on all subsequent waits immediately.
type Limiter struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	current float64
}

// New creates a limiter seeded at cfg.Initial.
func New(cfg Config, logger *slog.Logger) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limiter config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.Initial), burst),
		current: cfg.Initial,
	}, nil
}

// Wait blocks until a permit is available or the context is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Rate returns the current permits-per-second rate.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Observe feeds a response status code back into the limiter:
//
//	429        -> halve the rate
//	5xx        -> shrink the rate by 10%
//	2xx        -> grow the rate by 10%
//	other      -> unchanged
//
// Network-level failures have no status code and must not be reported here.
func (l *Limiter) Observe(statusCode int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	old := l.current
	var next float64
	switch {
	case statusCode == http.StatusTooManyRequests:
		next = maxFloat(old/2, l.cfg.Min)
	case statusCode >= 500 && statusCode <= 599:
		next = maxFloat(old*0.9, l.cfg.Min)
	case statusCode >= 200 && statusCode <= 299:
		next = minFloat(old*1.1, l.cfg.Max)
	default:
		return
	}

	if next == old {
		return
	}
	l.current = next
	l.limiter.SetLimit(rate.Limit(next))

	if statusCode == http.StatusTooManyRequests {
		l.logger.Warn("Registry throttling detected, halving request rate",
			"old_rate", old, "new_rate", next)
	} else {
		l.logger.Debug("Adjusted request rate",
			"status", statusCode, "old_rate", old, "new_rate", next)
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
