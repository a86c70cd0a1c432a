package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/social-autopilot/internal/config"
	"github.com/social-autopilot/pkg/httpclient"
	"github.com/social-autopilot/pkg/logger"
)

// RunStatus is the state the runtime reports for a run
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Message is one input message of a run
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message types returned by the runtime
const (
	MessageTypeAssistant = "assistant_message"
	MessageTypeToolCall  = "tool_call_message"
)

// RunMessage is one output message of a run
type RunMessage struct {
	ID          string    `json:"id,omitempty"`
	MessageType string    `json:"message_type"`
	Content     string    `json:"content,omitempty"`
	ToolCall    *ToolCall `json:"tool_call,omitempty"`
}

// ToolCall is a function call emitted by the runtime agent. Arguments is a JSON-encoded string.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Runtime is the asynchronous generation service
type Runtime interface {
	SubmitAsync(ctx context.Context, runtimeAgentID string, messages []Message) (runID string, err error)
	RunStatus(ctx context.Context, runID string) (RunStatus, error)
	RunMessages(ctx context.Context, runID string) ([]RunMessage, error)
}

// MalformedResponseError carries a response body that could not be decoded as JSON
type MalformedResponseError struct {
	Body []byte
	Err  error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed runtime response (%d bytes): %v", len(e.Body), e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// HTTPRuntime talks to an agent runtime exposing the async runs API:
//
//	POST /v1/agents/{agent}/messages/async
//	GET  /v1/runs/{run}
//	GET  /v1/runs/{run}/messages
type HTTPRuntime struct {
	baseURL string
	apiKey  string
	client  *http.Client
	exec    failsafe.Executor[*http.Response]
	log     *logger.Logger
}

var _ Runtime = (*HTTPRuntime)(nil)

// NewHTTPRuntime creates a runtime client
func NewHTTPRuntime(cfg config.RuntimeConfig, retry httpclient.RetryConfig, log *logger.Logger) *HTTPRuntime {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPRuntime{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		exec:    httpclient.NewExecutor(retry),
		log:     log.WithComponent("runtime"),
	}
}

// SubmitAsync starts a run and returns its id
func (r *HTTPRuntime) SubmitAsync(ctx context.Context, runtimeAgentID string, messages []Message) (string, error) {
	body, err := json.Marshal(map[string]interface{}{"messages": messages})
	if err != nil {
		return "", fmt.Errorf("failed to encode messages: %w", err)
	}

	var run struct {
		ID     string    `json:"id"`
		Status RunStatus `json:"status"`
	}
	path := "/v1/agents/" + url.PathEscape(runtimeAgentID) + "/messages/async"
	if err := r.do(ctx, http.MethodPost, path, body, &run); err != nil {
		return "", fmt.Errorf("submit run: %w", err)
	}
	if run.ID == "" {
		return "", fmt.Errorf("submit run: runtime returned no run id")
	}
	return run.ID, nil
}

// RunStatus fetches the status of a run
func (r *HTTPRuntime) RunStatus(ctx context.Context, runID string) (RunStatus, error) {
	var run struct {
		Status RunStatus `json:"status"`
	}
	if err := r.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return "", err
	}
	return run.Status, nil
}

// RunMessages lists the messages a run produced, oldest first
func (r *HTTPRuntime) RunMessages(ctx context.Context, runID string) ([]RunMessage, error) {
	var msgs []RunMessage
	if err := r.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/messages", nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *HTTPRuntime) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	resp, err := httpclient.Do(ctx, r.exec, func() (*http.Response, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if r.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+r.apiKey)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return r.client.Do(req)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("runtime returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		r.log.Warn().Err(err).Str("path", path).Int("bytes", len(data)).Msg("Runtime returned invalid JSON")
		return &MalformedResponseError{Body: data, Err: err}
	}
	return nil
}
