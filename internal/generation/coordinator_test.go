package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/social-autopilot/internal/metrics"
	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/internal/storage"
	"github.com/social-autopilot/pkg/logger"
)

// instantClock fires every After immediately and counts the waits
type instantClock struct {
	clockwork.Clock
	mu    sync.Mutex
	waits int
}

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits++
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- c.Clock.Now()
	return ch
}

func newInstantClock() *instantClock {
	return &instantClock{Clock: clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))}
}

type fakeStore struct {
	agent *models.Agent
	rule  *models.AutomationRule
}

func (s *fakeStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	if s.agent == nil || s.agent.ID != id {
		return nil, storage.ErrNotFound
	}
	return s.agent, nil
}

func (s *fakeStore) GetRule(context.Context, string, models.TriggerCategory) (*models.AutomationRule, error) {
	if s.rule == nil {
		return nil, storage.ErrNotFound
	}
	return s.rule, nil
}

type statusReply struct {
	status RunStatus
	err    error
}

type fakeRuntime struct {
	mu        sync.Mutex
	submitted []Message
	statuses  []statusReply
	polls     int
	messages  []RunMessage
	msgErr    error
}

func (r *fakeRuntime) SubmitAsync(_ context.Context, _ string, messages []Message) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted = append(r.submitted, messages...)
	return "run-1", nil
}

func (r *fakeRuntime) RunStatus(context.Context, string) (RunStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls++
	if len(r.statuses) == 0 {
		return RunRunning, nil
	}
	next := r.statuses[0]
	if len(r.statuses) > 1 {
		r.statuses = r.statuses[1:]
	}
	return next.status, next.err
}

func (r *fakeRuntime) RunMessages(context.Context, string) ([]RunMessage, error) {
	return r.messages, r.msgErr
}

type staticHeadlines []string

func (h staticHeadlines) Headlines(context.Context, *models.Agent, int) []string { return h }

func newTestCoordinator(rt Runtime, opts ...Option) (*Coordinator, *instantClock) {
	clock := newInstantClock()
	store := &fakeStore{
		agent: &models.Agent{ID: "agent-1", Name: "Acme", RuntimeAgentID: "rt-agent-1"},
		rule:  &models.AutomationRule{TopicsOfInterest: models.StringSlice{"cloud costs"}},
	}
	opts = append([]Option{WithClock(clock)}, opts...)
	return NewCoordinator(rt, store, Config{PollInterval: time.Second, MaxPollAttempts: 30}, logger.Nop(), opts...), clock
}

func TestGenerate_CompletesAfterPolling(t *testing.T) {
	rt := &fakeRuntime{
		statuses: []statusReply{{status: RunCreated}, {status: RunRunning}, {status: RunCompleted}},
		messages: []RunMessage{
			{MessageType: "reasoning_message", Content: "thinking"},
			{MessageType: MessageTypeAssistant, Content: "Early draft"},
			{MessageType: MessageTypeAssistant, Content: "Final   post\ntext"},
		},
	}
	reg := prometheus.NewRegistry()
	c, clock := newTestCoordinator(rt, WithHeadlines(staticHeadlines{"Cloud bills are up"}), WithMetrics(metrics.New(reg)))

	got, err := c.Generate(context.Background(), "agent-1", models.FormatNormal, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, "Final post text", got)
	assert.Equal(t, 3, rt.polls)
	assert.Equal(t, 3, clock.waits)
	require.Len(t, rt.submitted, 1)
	assert.Contains(t, rt.submitted[0].Content, "cloud costs")
	assert.Contains(t, rt.submitted[0].Content, "Cloud bills are up")
	n, err := testutil.GatherAndCount(reg, "autopilot_generation_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGenerate_TimesOutAfterMaxPolls(t *testing.T) {
	rt := &fakeRuntime{}
	c, clock := newTestCoordinator(rt)

	_, err := c.Generate(context.Background(), "agent-1", models.FormatNormal, time.Time{})

	var timeout *GenerationTimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, "run-1", timeout.RunID)
	assert.Equal(t, 30, timeout.Attempts)
	assert.Equal(t, 30, rt.polls)
	assert.Equal(t, 30, clock.waits)
}

func TestGenerate_FailedRunStopsPolling(t *testing.T) {
	rt := &fakeRuntime{statuses: []statusReply{{status: RunRunning}, {status: RunFailed}}}
	c, _ := newTestCoordinator(rt)

	_, err := c.Generate(context.Background(), "agent-1", models.FormatNormal, time.Time{})

	var failed *GenerationFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, 2, rt.polls)
}

func TestGenerate_TransientStatusErrorsKeepPolling(t *testing.T) {
	rt := &fakeRuntime{
		statuses: []statusReply{
			{err: errors.New("connection reset")},
			{status: RunCompleted},
		},
		messages: []RunMessage{{MessageType: MessageTypeAssistant, Content: "ok"}},
	}
	c, _ := newTestCoordinator(rt)

	got, err := c.Generate(context.Background(), "agent-1", models.FormatNormal, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, rt.polls)
}

func TestGenerate_RecoversFromMalformedMessages(t *testing.T) {
	body := []byte("[{\"message_type\":\"assistant_message\",\"content\":\"Launch\x01 day\\n\\nis here\"}]")
	rt := &fakeRuntime{
		statuses: []statusReply{{status: RunCompleted}},
		msgErr:   &MalformedResponseError{Body: body, Err: errors.New("invalid character")},
	}
	c, _ := newTestCoordinator(rt)

	got, err := c.Generate(context.Background(), "agent-1", models.FormatLongForm, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "Launch day\n\nis here", got)
}

func TestGenerate_MalformedStatusWithoutContentFails(t *testing.T) {
	rt := &fakeRuntime{
		statuses: []statusReply{{err: &MalformedResponseError{Body: []byte("{\"status\":\"comp\x00"), Err: errors.New("bad")}}},
	}
	c, _ := newTestCoordinator(rt)

	_, err := c.Generate(context.Background(), "agent-1", models.FormatNormal, time.Time{})

	var failed *GenerationFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, 1, rt.polls)
}

func TestGenerate_ToolCallFallback(t *testing.T) {
	rt := &fakeRuntime{
		statuses: []statusReply{{status: RunCompleted}},
		messages: []RunMessage{
			{MessageType: MessageTypeToolCall, ToolCall: &ToolCall{Name: "send_message", Arguments: `{"message":"Tool text"}`}},
		},
	}
	c, _ := newTestCoordinator(rt)

	got, err := c.Generate(context.Background(), "agent-1", models.FormatNormal, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "Tool text", got)
}

func TestGenerate_EmptyContentFails(t *testing.T) {
	rt := &fakeRuntime{
		statuses: []statusReply{{status: RunCompleted}},
		messages: []RunMessage{{MessageType: MessageTypeAssistant, Content: "\x00\x01"}},
	}
	c, _ := newTestCoordinator(rt)

	_, err := c.Generate(context.Background(), "agent-1", models.FormatNormal, time.Time{})

	var failed *GenerationFailedError
	assert.True(t, errors.As(err, &failed))
}

func TestGenerate_NormalFormatCapsLength(t *testing.T) {
	rt := &fakeRuntime{
		statuses: []statusReply{{status: RunCompleted}},
		messages: []RunMessage{{MessageType: MessageTypeAssistant, Content: strings.Repeat("abcd ", 80)}},
	}
	c, _ := newTestCoordinator(rt)

	got, err := c.Generate(context.Background(), "agent-1", models.FormatNormal, time.Time{})
	require.NoError(t, err)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), MaxShortPostLength)
}

func TestGenerate_CanceledContext(t *testing.T) {
	rt := &fakeRuntime{}
	c := NewCoordinator(rt, &fakeStore{agent: &models.Agent{ID: "agent-1", RuntimeAgentID: "rt"}},
		Config{PollInterval: time.Hour, MaxPollAttempts: 3}, logger.Nop(), WithClock(clockwork.NewFakeClock()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Generate(ctx, "agent-1", models.FormatNormal, time.Time{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rt.polls)
}

func TestGenerate_UnknownAgent(t *testing.T) {
	c, _ := newTestCoordinator(&fakeRuntime{})
	_, err := c.Generate(context.Background(), "missing", models.FormatNormal, time.Time{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
