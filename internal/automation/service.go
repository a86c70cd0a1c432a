package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/social-autopilot/internal/dispatch"
	"github.com/social-autopilot/internal/lifecycle"
	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/internal/planner"
	"github.com/social-autopilot/internal/storage"
	"github.com/social-autopilot/pkg/logger"
)

// Store is the persistence automation reads and writes
type Store interface {
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListActiveConnections(ctx context.Context, agentID string) ([]*models.SocialConnection, error)
	SetPostingMode(ctx context.Context, agentID string, mode models.PostingMode) error
	SaveRule(ctx context.Context, rule *models.AutomationRule) error
	GetRule(ctx context.Context, agentID string, category models.TriggerCategory) (*models.AutomationRule, error)
	ListEnabledRules(ctx context.Context, category models.TriggerCategory) ([]*models.AutomationRule, error)
	ClaimPeriod(ctx context.Context, ruleID, period string) (bool, error)
	ReleasePeriod(ctx context.Context, ruleID, period, previous string) error
}

// Generator produces post content for an agent
type Generator interface {
	Generate(ctx context.Context, agentID string, format models.PostFormat, scheduledFor time.Time) (string, error)
}

// PostCreator persists generated posts
type PostCreator interface {
	CreateScheduled(ctx context.Context, req lifecycle.CreateRequest) (*models.Post, error)
}

// GeneratePayload is the argument of a generate-content job. Without ScheduledFor the
// job is a period tick that fans out one job per planned instant.
type GeneratePayload struct {
	AgentID      string            `json:"agentId"`
	Format       models.PostFormat `json:"format,omitempty"`
	ScheduledFor *time.Time        `json:"scheduledFor,omitempty"`
	Index        int               `json:"index,omitempty"`
}

// ScheduleKey is the dispatcher key of an agent's recurring generation job
func ScheduleKey(agentID string) string {
	return "generate-" + agentID
}

func periodJob(key, agentID string) dispatch.Job {
	payload, _ := json.Marshal(GeneratePayload{AgentID: agentID})
	return dispatch.Job{Topic: dispatch.TopicGenerateContent, Key: key, Payload: payload}
}

func instantJob(agentID, period string, format models.PostFormat, at time.Time, index int) dispatch.Job {
	at = at.UTC()
	payload, _ := json.Marshal(GeneratePayload{AgentID: agentID, Format: format, ScheduledFor: &at, Index: index})
	return dispatch.Job{
		Topic:   dispatch.TopicGenerateContent,
		Key:     fmt.Sprintf("generate-%s-%s-%d", agentID, period, index),
		Payload: payload,
	}
}

// FormatFor picks the format of the i-th post of a period. "both" alternates,
// starting with normal.
func FormatFor(f models.PostFormat, i int) models.PostFormat {
	if f != models.FormatBoth {
		return f
	}
	if i%2 == 0 {
		return models.FormatNormal
	}
	return models.FormatLongForm
}

// Service saves trigger rules, keeps dispatcher schedules in sync with them and
// runs generation jobs.
type Service struct {
	store      Store
	planner    *planner.Planner
	dispatcher dispatch.Dispatcher
	generator  Generator
	posts      PostCreator
	clock      clockwork.Clock
	log        *logger.Logger

	// in-flight async scheduling started by SaveTriggers
	wg sync.WaitGroup
}

// NewService creates the automation service
func NewService(store Store, p *planner.Planner, d dispatch.Dispatcher, gen Generator, posts PostCreator, clock clockwork.Clock, log *logger.Logger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		store:      store,
		planner:    p,
		dispatcher: d,
		generator:  gen,
		posts:      posts,
		clock:      clock,
		log:        log.WithComponent("automation"),
	}
}

// SaveTriggers validates and persists the submitted rules, then re-plans the agent's
// schedules in the background. Scheduling failures are logged and never fail the save.
func (s *Service) SaveTriggers(ctx context.Context, agentID string, data TriggerData, userID string) ([]*models.AutomationRule, error) {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &ValidationError{Field: "agent", Reason: "not found", Err: err}
		}
		return nil, fmt.Errorf("failed to load agent %s: %w", agentID, err)
	}
	if data.PostingMode != "" && !data.PostingMode.Valid() {
		return nil, &ValidationError{Field: "postingMode", Reason: fmt.Sprintf("unknown mode %q", data.PostingMode)}
	}

	var rules []*models.AutomationRule
	for _, c := range data.Triggers.byCategory() {
		if c.input == nil {
			continue
		}
		rule, err := c.input.toRule(agentID, c.category, userID)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	if data.PostingMode != "" {
		if err := s.store.SetPostingMode(ctx, agentID, data.PostingMode); err != nil {
			return nil, fmt.Errorf("failed to update posting mode: %w", err)
		}
	}
	for _, rule := range rules {
		if err := s.store.SaveRule(ctx, rule); err != nil {
			return nil, fmt.Errorf("failed to save %s rule: %w", rule.Category, err)
		}
	}

	s.log.Info().
		Str("agent_id", agentID).
		Str("user_id", userID).
		Int("rules", len(rules)).
		Msg("Triggers saved")

	if data.Triggers.NewPosts != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			// the request context ends with the save
			bg, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := s.ScheduleAgent(bg, agentID, true); err != nil {
				s.log.WithAgentID(agentID).Error().Err(err).Msg("Failed to schedule agent after save")
			}
		}()
	}
	return rules, nil
}

// Wait blocks until background scheduling started by SaveTriggers is done
func (s *Service) Wait() {
	s.wg.Wait()
}

// ScheduleAgent registers the agent's recurring generation job from its new-posts rule,
// replacing whatever was registered before. With generateNow a daily or weekly rule
// also gets an immediate period tick.
func (s *Service) ScheduleAgent(ctx context.Context, agentID string, generateNow bool) error {
	key := ScheduleKey(agentID)
	log := s.log.WithAgentID(agentID)

	rule, err := s.store.GetRule(ctx, agentID, models.TriggerNewPosts)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load rule: %w", err)
	}

	if err := s.dispatcher.Unschedule(ctx, key); err != nil {
		return fmt.Errorf("failed to clear schedules: %w", err)
	}
	if rule == nil || !rule.Enabled {
		log.Info().Msg("New-posts trigger disabled, schedules cleared")
		return nil
	}

	job := periodJob(key, agentID)
	if rule.Frequency == models.FrequencyCustom {
		if err := s.dispatcher.ScheduleCustom(ctx, job, rule.CustomSchedule()); err != nil {
			return fmt.Errorf("failed to register custom schedule: %w", err)
		}
		log.Info().Strs("days", rule.CustomDays).Str("time", rule.CustomTime).Msg("Custom schedule registered")
		return nil
	}

	expr, err := s.planner.RecurringDescriptor(rule)
	if err != nil {
		return err
	}
	if err := s.dispatcher.ScheduleRecurring(ctx, job, expr); err != nil {
		return fmt.Errorf("failed to register recurring schedule: %w", err)
	}
	log.Info().Str("cron", expr).Str("frequency", string(rule.Frequency)).Msg("Recurring schedule registered")

	if generateNow {
		now := s.clock.Now()
		tick := periodJob(fmt.Sprintf("%s-now-%d", key, now.Unix()), agentID)
		if err := s.dispatcher.ScheduleOnce(ctx, tick, now); err != nil {
			return fmt.Errorf("failed to enqueue initial generation: %w", err)
		}
	}
	return nil
}

// PlanPeriod fans a period tick out into one generation job per planned instant.
// Custom rules fire on their configured day and time, so their tick plans a single
// post for now. A period is planned once: later ticks for the same period (the
// recurring entry after an immediate tick, a re-save on the same day) plan nothing.
func (s *Service) PlanPeriod(ctx context.Context, agentID string) (int, error) {
	log := s.log.WithAgentID(agentID)

	rule, err := s.store.GetRule(ctx, agentID, models.TriggerNewPosts)
	if err != nil {
		return 0, fmt.Errorf("failed to load rule: %w", err)
	}
	if !rule.Enabled {
		return 0, nil
	}

	var instants []time.Time
	if rule.Frequency == models.FrequencyCustom {
		instants = []time.Time{s.clock.Now()}
	} else if instants, err = s.planner.NextInstants(rule); err != nil {
		return 0, err
	}

	period := s.planner.Period(rule.Frequency, instants)
	claimed, err := s.store.ClaimPeriod(ctx, rule.ID, period)
	if err != nil {
		return 0, fmt.Errorf("failed to claim period %s: %w", period, err)
	}
	if !claimed {
		log.Info().Str("period", period).Msg("Period already planned, skipping")
		return 0, nil
	}

	now := s.clock.Now()
	for i, at := range instants {
		job := instantJob(agentID, period, FormatFor(rule.Format, i), at, i)
		if err := s.dispatcher.ScheduleOnce(ctx, job, now); err != nil {
			// let the retried tick plan the period again; jobs already queued keep their keys
			if rerr := s.store.ReleasePeriod(ctx, rule.ID, period, rule.PlannedPeriod); rerr != nil {
				log.Error().Err(rerr).Str("period", period).Msg("Failed to release period")
			}
			return i, fmt.Errorf("failed to enqueue generation %d: %w", i, err)
		}
	}

	log.Info().Str("period", period).Int("posts", len(instants)).Msg("Period planned")
	return len(instants), nil
}

// GenerateFor generates one piece of content and schedules it on every active
// connection of the agent. Per-connection failures are logged and skipped.
func (s *Service) GenerateFor(ctx context.Context, agentID string, format models.PostFormat, at time.Time) ([]*models.Post, error) {
	log := s.log.WithAgentID(agentID)

	conns, err := s.store.ListActiveConnections(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	if len(conns) == 0 {
		log.Info().Msg("No active connections, skipping generation")
		return nil, nil
	}

	content, err := s.generator.Generate(ctx, agentID, format, at)
	if err != nil {
		return nil, err
	}

	var (
		posts   []*models.Post
		lastErr error
	)
	for _, conn := range conns {
		post, err := s.posts.CreateScheduled(ctx, lifecycle.CreateRequest{
			AgentID:      agentID,
			ConnectionID: conn.ID,
			Content:      content,
			Format:       format,
			ScheduledFor: at,
		})
		if err != nil {
			log.Error().Err(err).Str("connection_id", conn.ID).Msg("Failed to schedule post")
			lastErr = err
			continue
		}
		posts = append(posts, post)
	}
	if len(posts) == 0 {
		return nil, fmt.Errorf("no post could be scheduled for agent %s: %w", agentID, lastErr)
	}
	return posts, nil
}
