package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/social-autopilot/internal/dispatch"
	"github.com/social-autopilot/internal/generation"
	"github.com/social-autopilot/internal/lifecycle"
	"github.com/social-autopilot/internal/metrics"
	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/internal/storage"
	"github.com/social-autopilot/pkg/logger"
)

// Handler runs generate-content jobs. Generation timeouts are left to the backend's
// retry policy; every other generation failure is final.
func (s *Service) Handler() dispatch.Handler {
	return dispatch.HandlerFunc(dispatch.TopicGenerateContent, func(ctx context.Context, payload []byte) error {
		var job GeneratePayload
		if err := json.Unmarshal(payload, &job); err != nil {
			return dispatch.Permanent(fmt.Errorf("decode generate payload: %w", err))
		}
		if job.AgentID == "" {
			return dispatch.Permanent(errors.New("decode generate payload: missing agentId"))
		}

		if job.ScheduledFor == nil {
			_, err := s.PlanPeriod(ctx, job.AgentID)
			if errors.Is(err, storage.ErrNotFound) {
				return dispatch.Permanent(err)
			}
			return err
		}

		format := job.Format
		if format == "" {
			format = models.FormatNormal
		}
		_, err := s.GenerateFor(ctx, job.AgentID, format, *job.ScheduledFor)
		var timeout *generation.GenerationTimeoutError
		if err == nil || errors.As(err, &timeout) {
			return err
		}
		var (
			failed *generation.GenerationFailedError
			vErr   *lifecycle.ValidationError
		)
		if errors.As(err, &failed) || errors.As(err, &vErr) || errors.Is(err, storage.ErrNotFound) {
			return dispatch.Permanent(err)
		}
		return err
	})
}

// ForEachAgent runs fn for every id. A failing or panicking agent is logged and
// the loop moves on. It returns the number of agents that failed.
func ForEachAgent(ctx context.Context, ids []string, log *logger.Logger, fn func(ctx context.Context, agentID string) error) int {
	failed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return failed + 1
		}
		if err := runIsolated(ctx, id, fn); err != nil {
			failed++
			log.WithAgentID(id).Error().Err(err).Msg("Agent iteration failed")
		}
	}
	return failed
}

func runIsolated(ctx context.Context, id string, fn func(ctx context.Context, agentID string) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, id)
}

// Resync re-registers the schedules of every agent with an enabled new-posts rule.
// Local queue cron entries live in process memory, so this runs at startup and nightly.
func (s *Service) Resync(ctx context.Context) (int, error) {
	rules, err := s.store.ListEnabledRules(ctx, models.TriggerNewPosts)
	if err != nil {
		return 0, fmt.Errorf("failed to list rules: %w", err)
	}
	ids := make([]string, 0, len(rules))
	for _, r := range rules {
		ids = append(ids, r.AgentID)
	}

	failed := ForEachAgent(ctx, ids, s.log, func(ctx context.Context, agentID string) error {
		return s.ScheduleAgent(ctx, agentID, false)
	})
	s.log.Info().Int("agents", len(ids)).Int("failed", failed).Msg("Schedules resynced")
	return len(ids) - failed, nil
}

// DuePublisher publishes the posts inside the current window
type DuePublisher interface {
	ProcessDuePosts(ctx context.Context) (int, []error)
}

// StaleExpirer fails posts left scheduled past their budget
type StaleExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// SweepResult summarizes one publish sweep
type SweepResult struct {
	Published int
	Expired   int
	Errors    []error
}

// Sweeper is the periodic safety net that publishes due posts regardless of
// whether their one-shot job fired.
type Sweeper struct {
	publisher DuePublisher
	expirer   StaleExpirer
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// NewSweeper creates a sweeper. m may be nil.
func NewSweeper(publisher DuePublisher, expirer StaleExpirer, m *metrics.Metrics, log *logger.Logger) *Sweeper {
	return &Sweeper{
		publisher: publisher,
		expirer:   expirer,
		metrics:   m,
		log:       log.WithComponent("sweep"),
	}
}

// Run publishes due posts, then expires stale ones
func (s *Sweeper) Run(ctx context.Context) SweepResult {
	start := time.Now()
	var res SweepResult

	res.Published, res.Errors = s.publisher.ProcessDuePosts(ctx)
	expired, err := s.expirer.ExpireStale(ctx)
	if err != nil {
		res.Errors = append(res.Errors, err)
	}
	res.Expired = expired

	s.metrics.ObserveSweep("publish", time.Since(start))
	for _, err := range res.Errors {
		s.log.Warn().Err(err).Msg("Sweep error")
	}
	s.log.Info().
		Int("published", res.Published).
		Int("expired", res.Expired).
		Int("errors", len(res.Errors)).
		Dur("elapsed", time.Since(start)).
		Msg("Publish sweep complete")
	return res
}
