package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/social-autopilot/internal/metrics"
	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/internal/storage"
	"github.com/social-autopilot/pkg/logger"
	"github.com/social-autopilot/pkg/ratelimit"
)

// GenerationTimeoutError means the poll budget ran out before the run finished
type GenerationTimeoutError struct {
	RunID    string
	Attempts int
}

func (e *GenerationTimeoutError) Error() string {
	return fmt.Sprintf("generation run %s did not finish after %d polls", e.RunID, e.Attempts)
}

// GenerationFailedError means the run failed or produced no usable content
type GenerationFailedError struct {
	RunID  string
	Reason string
	Err    error
}

func (e *GenerationFailedError) Error() string {
	msg := "generation run " + e.RunID + " failed: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GenerationFailedError) Unwrap() error { return e.Err }

// AgentStore is the data the coordinator reads
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	GetRule(ctx context.Context, agentID string, category models.TriggerCategory) (*models.AutomationRule, error)
}

// HeadlineProvider supplies optional inspiration for prompts
type HeadlineProvider interface {
	Headlines(ctx context.Context, agent *models.Agent, limit int) []string
}

// Config tunes the polling loop
type Config struct {
	PollInterval    time.Duration
	MaxPollAttempts int
	MaxHeadlines    int
}

// Coordinator drives one generation run per request: submit, poll, extract, format.
type Coordinator struct {
	runtime   Runtime
	store     AgentStore
	headlines HeadlineProvider
	limiter   *ratelimit.MultiLimiter
	clock     clockwork.Clock
	cfg       Config
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock sets the clock polling waits on
func WithClock(c clockwork.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithHeadlines enables headline inspiration
func WithHeadlines(h HeadlineProvider) Option {
	return func(co *Coordinator) { co.headlines = h }
}

// WithLimiter throttles submissions
func WithLimiter(l *ratelimit.MultiLimiter) Option {
	return func(co *Coordinator) { co.limiter = l }
}

// WithMetrics records run outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(co *Coordinator) { co.metrics = m }
}

// NewCoordinator creates a coordinator
func NewCoordinator(runtime Runtime, store AgentStore, cfg Config, log *logger.Logger, opts ...Option) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = 30
	}
	c := &Coordinator{
		runtime: runtime,
		store:   store,
		clock:   clockwork.NewRealClock(),
		cfg:     cfg,
		log:     log.WithComponent("generation"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate produces formatted content for the agent. It returns
// *GenerationTimeoutError or *GenerationFailedError when no content comes back.
func (c *Coordinator) Generate(ctx context.Context, agentID string, format models.PostFormat, scheduledFor time.Time) (string, error) {
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("failed to load agent %s: %w", agentID, err)
	}
	if agent.RuntimeAgentID == "" {
		return "", &GenerationFailedError{Reason: "agent has no runtime agent id"}
	}

	in := PromptInput{Agent: agent, Format: format, ScheduledFor: scheduledFor}
	rule, err := c.store.GetRule(ctx, agentID, models.TriggerNewPosts)
	switch {
	case err == nil:
		in.Topics = rule.TopicsOfInterest
	case !errors.Is(err, storage.ErrNotFound):
		return "", fmt.Errorf("failed to load rule for agent %s: %w", agentID, err)
	}
	if c.headlines != nil {
		in.Headlines = c.headlines.Headlines(ctx, agent, c.cfg.MaxHeadlines)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, ratelimit.LimiterGeneration); err != nil {
			return "", err
		}
	}

	log := c.log.WithAgentID(agentID)
	runID, err := c.runtime.SubmitAsync(ctx, agent.RuntimeAgentID, []Message{{Role: "user", Content: BuildPrompt(in)}})
	if err != nil {
		return "", &GenerationFailedError{Reason: "submit", Err: err}
	}
	log = log.WithRunID(runID)
	log.Debug().Str("format", string(format)).Msg("Generation run submitted")

	raw, polls, err := c.await(ctx, runID)
	if err != nil {
		var timeout *GenerationTimeoutError
		outcome := "failed"
		if errors.As(err, &timeout) {
			outcome = "timeout"
		}
		c.metrics.ObserveGeneration(outcome, polls)
		log.Warn().Err(err).Int("polls", polls).Msg("Generation run did not produce content")
		return "", err
	}

	content := FormatContent(SanitizeContent(raw), format)
	if strings.TrimSpace(content) == "" {
		c.metrics.ObserveGeneration("failed", polls)
		return "", &GenerationFailedError{RunID: runID, Reason: "empty content"}
	}

	c.metrics.ObserveGeneration("completed", polls)
	log.Info().Int("polls", polls).Int("length", len(content)).Msg("Generation run completed")
	return content, nil
}

// await polls the run until it completes, fails or the budget runs out
func (c *Coordinator) await(ctx context.Context, runID string) (string, int, error) {
	for attempt := 1; attempt <= c.cfg.MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", attempt - 1, ctx.Err()
		case <-c.clock.After(c.cfg.PollInterval):
		}

		status, err := c.runtime.RunStatus(ctx, runID)
		if err != nil {
			var malformed *MalformedResponseError
			if errors.As(err, &malformed) {
				content, rerr := c.recover(runID, malformed)
				return content, attempt, rerr
			}
			c.log.Debug().Err(err).Str("run_id", runID).Int("attempt", attempt).Msg("Status check failed, polling again")
			continue
		}

		switch status {
		case RunCompleted:
			content, err := c.collect(ctx, runID)
			return content, attempt, err
		case RunFailed:
			return "", attempt, &GenerationFailedError{RunID: runID, Reason: "runtime reported failure"}
		}
	}
	return "", c.cfg.MaxPollAttempts, &GenerationTimeoutError{RunID: runID, Attempts: c.cfg.MaxPollAttempts}
}

func (c *Coordinator) collect(ctx context.Context, runID string) (string, error) {
	msgs, err := c.runtime.RunMessages(ctx, runID)
	if err != nil {
		var malformed *MalformedResponseError
		if errors.As(err, &malformed) {
			return c.recover(runID, malformed)
		}
		return "", &GenerationFailedError{RunID: runID, Reason: "list messages", Err: err}
	}

	if content, ok := ExtractContent(msgs); ok {
		return content, nil
	}
	return "", &GenerationFailedError{RunID: runID, Reason: "no assistant content in run messages"}
}

func (c *Coordinator) recover(runID string, malformed *MalformedResponseError) (string, error) {
	content, ok := RecoverContent(malformed.Body)
	if !ok {
		return "", &GenerationFailedError{RunID: runID, Reason: "unparseable response", Err: malformed}
	}
	c.log.Warn().Str("run_id", runID).Msg("Recovered content from malformed runtime response")
	return content, nil
}

// ExtractContent picks the post text from run messages: the last assistant message
// with content, else the message argument of the last tool call.
func ExtractContent(msgs []RunMessage) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.MessageType == MessageTypeAssistant && strings.TrimSpace(m.Content) != "" {
			return m.Content, true
		}
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.MessageType != MessageTypeToolCall || m.ToolCall == nil || m.ToolCall.Arguments == "" {
			continue
		}
		var args struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(m.ToolCall.Arguments), &args); err == nil && strings.TrimSpace(args.Message) != "" {
			return args.Message, true
		}
	}
	return "", false
}
