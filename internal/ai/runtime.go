package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/social-autopilot/internal/generation"
	"github.com/social-autopilot/pkg/logger"
)

// completer is the part of Client the runtime needs
type completer interface {
	Complete(ctx context.Context, systemPrompt, userMessage string) (string, error)
}

type run struct {
	status   generation.RunStatus
	messages []generation.RunMessage
	err      error
	finished time.Time
}

// Runtime adapts synchronous Claude completions to the async run API the
// generation coordinator polls. Each submission runs in its own goroutine and
// finished runs are kept for the retention period.
type Runtime struct {
	client    completer
	clock     clockwork.Clock
	timeout   time.Duration
	retention time.Duration
	log       *logger.Logger

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

var _ generation.Runtime = (*Runtime)(nil)

// NewRuntime creates a runtime backed by the given client
func NewRuntime(client *Client, log *logger.Logger) *Runtime {
	return newRuntime(client, clockwork.NewRealClock(), log)
}

func newRuntime(client completer, clock clockwork.Clock, log *logger.Logger) *Runtime {
	return &Runtime{
		client:    client,
		clock:     clock,
		timeout:   2 * time.Minute,
		retention: time.Hour,
		log:       log.WithComponent("ai-runtime"),
		runs:      make(map[string]*run),
	}
}

// SubmitAsync starts a completion for the joined user messages
func (r *Runtime) SubmitAsync(_ context.Context, runtimeAgentID string, messages []generation.Message) (string, error) {
	var prompt strings.Builder
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		if prompt.Len() > 0 {
			prompt.WriteString("\n\n")
		}
		prompt.WriteString(m.Content)
	}
	if prompt.Len() == 0 {
		return "", fmt.Errorf("no user message to submit")
	}

	id := uuid.NewString()
	r.mu.Lock()
	r.prune()
	r.runs[id] = &run{status: generation.RunRunning}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// the submitting request may return before the completion does
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		text, err := r.client.Complete(ctx, SystemPrompt, prompt.String())
		r.finish(id, text, err)
		if err != nil {
			r.log.Warn().Err(err).Str("run_id", id).Str("runtime_agent_id", runtimeAgentID).Msg("Completion failed")
		}
	}()

	return id, nil
}

func (r *Runtime) finish(id, text string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[id]
	if !ok {
		return
	}
	rn.finished = r.clock.Now()
	if err != nil {
		rn.status = generation.RunFailed
		rn.err = err
		return
	}
	rn.status = generation.RunCompleted
	rn.messages = []generation.RunMessage{{
		ID:          id + "-0",
		MessageType: generation.MessageTypeAssistant,
		Content:     text,
	}}
}

// RunStatus reports the run's current status
func (r *Runtime) RunStatus(_ context.Context, runID string) (generation.RunStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[runID]
	if !ok {
		return "", fmt.Errorf("unknown run %s", runID)
	}
	return rn.status, nil
}

// RunMessages returns the output of a completed run
func (r *Runtime) RunMessages(_ context.Context, runID string) ([]generation.RunMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[runID]
	if !ok {
		return nil, fmt.Errorf("unknown run %s", runID)
	}
	if rn.status == generation.RunFailed {
		return nil, rn.err
	}
	out := make([]generation.RunMessage, len(rn.messages))
	copy(out, rn.messages)
	return out, nil
}

// Wait blocks until in-flight completions finish
func (r *Runtime) Wait() {
	r.wg.Wait()
}

// prune drops finished runs past retention. Caller holds mu.
func (r *Runtime) prune() {
	cutoff := r.clock.Now().Add(-r.retention)
	for id, rn := range r.runs {
		if !rn.finished.IsZero() && rn.finished.Before(cutoff) {
			delete(r.runs, id)
		}
	}
}
