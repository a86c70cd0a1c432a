package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/social-autopilot/internal/metrics"
	"github.com/social-autopilot/pkg/logger"
	"github.com/social-autopilot/pkg/ratelimit"
)

// Transport sends authenticated JSON requests to one platform API. Every call
// waits on the platform's limiter and goes through the 429 retry wrapper.
type Transport struct {
	platform string
	baseURL  string
	client   *http.Client
	retrier  *ratelimit.Retrier
	limiter  *ratelimit.MultiLimiter
	headers  http.Header
	log      *logger.Logger
}

// TransportConfig configures a Transport
type TransportConfig struct {
	Platform string
	BaseURL  string
	Timeout  time.Duration
	// Headers are added to every request
	Headers http.Header
}

// NewTransport creates a transport. clock, limiter and m may be nil.
func NewTransport(cfg TransportConfig, retry ratelimit.RetryConfig, clock clockwork.Clock, limiter *ratelimit.MultiLimiter, m *metrics.Metrics, log *logger.Logger) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	t := &Transport{
		platform: cfg.Platform,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   &http.Client{Timeout: cfg.Timeout},
		retrier:  ratelimit.NewRetrier(retry, clock),
		limiter:  limiter,
		headers:  cfg.Headers,
		log:      log.WithComponent(cfg.Platform),
	}
	t.retrier.OnRetry = func(attempt int, wait time.Duration) {
		m.RateLimitRetry(cfg.Platform)
		t.log.Warn().Int("attempt", attempt).Dur("wait", wait).Msg("Rate limited, backing off")
	}
	return t
}

// Do sends the request and returns the response for any status. The body
// belongs to the caller.
func (t *Transport) Do(ctx context.Context, method, path, accessToken string, body interface{}) (*http.Response, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		payload = data
	}

	t.log.Debug().Str("method", method).Str("path", path).Msg("Making API request")

	return t.retrier.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx, t.platform); err != nil {
				return nil, fmt.Errorf("rate limit error: %w", err)
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		for k, vs := range t.headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		return resp, nil
	})
}

// DoJSON sends the request, checks for a success status and decodes the body into out (if non-nil).
// Non-success responses become *APIError.
func (t *Transport) DoJSON(ctx context.Context, method, path, accessToken string, body, out interface{}) (http.Header, error) {
	resp, err := t.Do(ctx, method, path, accessToken, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.Header, &APIError{Platform: t.platform, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.Header, fmt.Errorf("failed to decode %s response: %w", t.platform, err)
		}
	}
	return resp.Header, nil
}
