package httpclient

import (
	"context"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// DefaultShouldRetry retries on network errors, server errors (5xx) and rate limits (429)
func DefaultShouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// RetryConfig configures the retrying executor
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	ShouldRetry func(resp *http.Response, err error) bool
}

// DefaultRetryConfig returns defaults suited to control-plane calls
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		ShouldRetry: DefaultShouldRetry,
	}
}

func normalize(cfg RetryConfig) RetryConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = DefaultShouldRetry
	}
	return cfg
}

// NewExecutor builds a failsafe executor with exponential backoff and 10% jitter
//
//nolint:bodyclose // *http.Response is the generic result type, not a live response
func NewExecutor(cfg RetryConfig) failsafe.Executor[*http.Response] {
	cfg = normalize(cfg)
	policy := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(resp *http.Response, err error) bool {
			return cfg.ShouldRetry(resp, err)
		}).
		Build()
	return failsafe.With(policy)
}

// Do runs one HTTP round trip through the executor. When retries are exhausted on a
// retryable status the last response is returned without an error so callers can
// read the platform's message.
func Do(ctx context.Context, executor failsafe.Executor[*http.Response], fn func() (*http.Response, error)) (*http.Response, error) {
	resp, err := executor.WithContext(ctx).Get(fn)
	if err != nil && resp != nil && ctx.Err() == nil {
		return resp, nil
	}
	if err != nil && resp != nil {
		resp.Body.Close()
	}
	return resp, err
}
