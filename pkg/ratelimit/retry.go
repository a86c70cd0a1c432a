package ratelimit

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// RetryConfig controls how 429 responses from a platform API are retried
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// ResetHeaders are checked in order for an epoch-seconds reset time
	ResetHeaders []string
}

// DefaultRetryConfig returns the platform retry defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   10,
		BaseDelay:    time.Second,
		MaxDelay:     60 * time.Second,
		ResetHeaders: []string{"x-rate-limit-reset", "x-ratelimit-reset"},
	}
}

// RateLimitedError is returned once the retry cap is exceeded on 429 responses.
// Body carries the platform's last error payload.
type RateLimitedError struct {
	Attempts int
	Body     string
}

func (e *RateLimitedError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = http.StatusText(http.StatusTooManyRequests)
	}
	return fmt.Sprintf("rate limited after %d attempts: %s", e.Attempts, msg)
}

// Retrier wraps outbound platform calls with rate-limit aware retries.
// Only 429 responses are retried; transport errors and other statuses go straight back to the caller.
type Retrier struct {
	cfg   RetryConfig
	clock clockwork.Clock
	// jitter returns a value in [0,1) used to spread exponential waits
	jitter func() float64
	// OnRetry is called before each wait, if set
	OnRetry func(attempt int, wait time.Duration)
}

// NewRetrier creates a retrier. A nil clock means the real clock.
func NewRetrier(cfg RetryConfig, clock clockwork.Clock) *Retrier {
	def := DefaultRetryConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if len(cfg.ResetHeaders) == 0 {
		cfg.ResetHeaders = def.ResetHeaders
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Retrier{
		cfg:    cfg,
		clock:  clock,
		jitter: rand.Float64,
	}
}

// WithJitter replaces the jitter source (tests pin it to zero)
func (r *Retrier) WithJitter(fn func() float64) *Retrier {
	r.jitter = fn
	return r
}

// Do runs fn, retrying while the response is 429 and the cap allows it.
// The returned response body belongs to the caller.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) (*http.Response, error)) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		body := drain(resp)
		if attempt >= r.cfg.MaxRetries {
			return nil, &RateLimitedError{Attempts: attempt + 1, Body: body}
		}

		wait := r.Delay(resp.Header, attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt+1, wait)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.clock.After(wait):
		}
	}
}

// Delay computes the wait before the next attempt. A reset header wins over exponential backoff.
func (r *Retrier) Delay(h http.Header, attempt int) time.Duration {
	if d, ok := r.resetDelay(h); ok {
		return d
	}
	return r.backoff(attempt)
}

func (r *Retrier) resetDelay(h http.Header) (time.Duration, bool) {
	for _, name := range r.cfg.ResetHeaders {
		raw := strings.TrimSpace(h.Get(name))
		if raw == "" {
			continue
		}
		epoch, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		wait := time.UnixMilli(epoch * 1000).Sub(r.clock.Now())
		if wait < 0 {
			wait = 0
		}
		if wait > r.cfg.MaxDelay {
			wait = r.cfg.MaxDelay
		}
		return wait, true
	}
	return 0, false
}

func (r *Retrier) backoff(attempt int) time.Duration {
	if attempt > 30 {
		return r.cfg.MaxDelay
	}
	d := r.cfg.BaseDelay * time.Duration(1<<uint(attempt))
	if d > r.cfg.MaxDelay || d <= 0 {
		d = r.cfg.MaxDelay
	}
	if r.jitter != nil {
		d += time.Duration(float64(d) * 0.1 * r.jitter())
	}
	if d > r.cfg.MaxDelay {
		d = r.cfg.MaxDelay
	}
	return d
}

func drain(resp *http.Response) string {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return string(data)
}
