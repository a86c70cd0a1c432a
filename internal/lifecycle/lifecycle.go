// Package lifecycle owns the scheduled -> posted | failed state machine of posts.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/social-autopilot/internal/dispatch"
	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/pkg/logger"
)

// DefaultPublishWindow is how far ahead the sweep looks for due posts
const DefaultPublishWindow = 15 * time.Minute

// StaleReason is recorded on posts that were never published in time
const StaleReason = "publish window missed"

// ValidationError is returned when a post cannot be created from its inputs
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// InconsistencyError flags a transition that contradicts the stored state.
// These need manual review.
type InconsistencyError struct {
	PostID         string
	Status         models.PostStatus
	PlatformPostID string
	Attempted      string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("post %s is %s (platform id %q), cannot mark posted as %q",
		e.PostID, e.Status, e.PlatformPostID, e.Attempted)
}

// Store is the persistence the manager needs
type Store interface {
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	GetConnection(ctx context.Context, id string) (*models.SocialConnection, error)
	CreatePost(ctx context.Context, post *models.Post) error
	GetPost(ctx context.Context, id string) (*models.Post, error)
	DuePosts(ctx context.Context, from, to time.Time) ([]*models.Post, error)
	StalePosts(ctx context.Context, cutoff time.Time) ([]*models.Post, error)
	MarkPosted(ctx context.Context, id, platformPostID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id, reason string, at time.Time) (bool, error)
}

// Recorder is told about every post that reaches a terminal state
type Recorder interface {
	RecordPost(ctx context.Context, post *models.Post)
}

// PublishPayload is the argument of a publish job
type PublishPayload struct {
	PostID string `json:"postId"`
}

// PublishJob builds the one-shot publish job for a post
func PublishJob(postID string) dispatch.Job {
	payload, _ := json.Marshal(PublishPayload{PostID: postID})
	return dispatch.Job{
		Topic:   dispatch.TopicPublishPost,
		Key:     "publish-" + postID,
		Payload: payload,
	}
}

// DecodePublishPayload parses a publish job argument
func DecodePublishPayload(data []byte) (PublishPayload, error) {
	var p PublishPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode publish payload: %w", err)
	}
	if p.PostID == "" {
		return p, errors.New("decode publish payload: missing postId")
	}
	return p, nil
}

// CreateRequest describes a freshly generated post
type CreateRequest struct {
	AgentID      string
	ConnectionID string
	Content      string
	Format       models.PostFormat
	ScheduledFor time.Time
	Metadata     models.JSON
}

// Manager creates scheduled posts and moves them to terminal states
type Manager struct {
	store      Store
	dispatcher dispatch.Dispatcher
	clock      clockwork.Clock
	window     time.Duration
	staleAfter time.Duration
	recorder   Recorder
	log        *logger.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithClock sets the clock used for timestamps and windows
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithPublishWindow sets the sweep look-ahead
func WithPublishWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithStaleAfter sets how long past scheduled_for a post may stay scheduled.
// Zero disables expiry.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) { m.staleAfter = d }
}

// WithRecorder reports terminal transitions to r
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// NewManager creates a lifecycle manager
func NewManager(store Store, dispatcher dispatch.Dispatcher, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		dispatcher: dispatcher,
		clock:      clockwork.NewRealClock(),
		window:     DefaultPublishWindow,
		log:        log.WithComponent("lifecycle"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateScheduled inserts a scheduled post and registers its one-shot publish job.
// A failure to register the job is logged only; the sweep still picks the post up.
func (m *Manager) CreateScheduled(ctx context.Context, req CreateRequest) (*models.Post, error) {
	if _, err := m.store.GetAgent(ctx, req.AgentID); err != nil {
		return nil, &ValidationError{Field: "agent", Reason: "lookup failed", Err: err}
	}
	conn, err := m.store.GetConnection(ctx, req.ConnectionID)
	if err != nil {
		return nil, &ValidationError{Field: "connection", Reason: "lookup failed", Err: err}
	}
	if conn.AgentID != req.AgentID {
		return nil, &ValidationError{Field: "connection", Reason: "belongs to another agent"}
	}
	if !conn.Active {
		return nil, &ValidationError{Field: "connection", Reason: "inactive"}
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, &ValidationError{Field: "content", Reason: "empty"}
	}
	if req.ScheduledFor.IsZero() {
		return nil, &ValidationError{Field: "scheduled_for", Reason: "missing"}
	}
	format := req.Format
	if format == "" {
		format = models.FormatNormal
	}

	meta := models.JSON{"format": string(format)}
	for k, v := range req.Metadata {
		meta[k] = v
	}

	post := &models.Post{
		AgentID:      req.AgentID,
		ConnectionID: conn.ID,
		Platform:     conn.Platform,
		Content:      req.Content,
		Format:       format,
		ScheduledFor: req.ScheduledFor.UTC(),
		Status:       models.PostStatusScheduled,
		Metadata:     meta,
	}
	if err := m.store.CreatePost(ctx, post); err != nil {
		return nil, fmt.Errorf("failed to save post: %w", err)
	}

	log := m.log.WithPostID(post.ID)
	if err := m.dispatcher.ScheduleOnce(ctx, PublishJob(post.ID), post.ScheduledFor); err != nil {
		log.Warn().Err(err).Time("scheduled_for", post.ScheduledFor).Msg("Failed to register publish job, relying on sweep")
	}

	log.Info().
		Str("agent_id", post.AgentID).
		Str("platform", post.Platform).
		Str("format", string(post.Format)).
		Time("scheduled_for", post.ScheduledFor).
		Msg("Post scheduled")
	return post, nil
}

// TransitionToPosted marks a scheduled post as posted. Repeating the call with the
// same platform id is a no-op; any other conflict is an *InconsistencyError.
func (m *Manager) TransitionToPosted(ctx context.Context, postID, platformPostID string) error {
	if platformPostID == "" {
		return fmt.Errorf("post %s: empty platform post id", postID)
	}
	ok, err := m.store.MarkPosted(ctx, postID, platformPostID, m.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to mark post %s posted: %w", postID, err)
	}

	post, err := m.store.GetPost(ctx, postID)
	if err != nil {
		return fmt.Errorf("failed to reload post %s: %w", postID, err)
	}
	if ok {
		m.record(ctx, post)
		m.log.WithPostID(postID).Info().Str("platform_post_id", platformPostID).Msg("Post published")
		return nil
	}

	if post.Status == models.PostStatusPosted && post.PlatformPostID == platformPostID {
		return nil
	}
	ierr := &InconsistencyError{
		PostID:         postID,
		Status:         post.Status,
		PlatformPostID: post.PlatformPostID,
		Attempted:      platformPostID,
	}
	m.log.WithPostID(postID).Error().Err(ierr).Msg("Inconsistent posted transition, needs manual review")
	return ierr
}

// TransitionToFailed marks a scheduled post as failed. Errors are logged, never returned.
func (m *Manager) TransitionToFailed(ctx context.Context, postID, reason string) {
	if strings.TrimSpace(reason) == "" {
		reason = "unknown error"
	}
	log := m.log.WithPostID(postID)

	ok, err := m.store.MarkFailed(ctx, postID, reason, m.clock.Now())
	if err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("Failed to record post failure")
		return
	}
	if !ok {
		log.Debug().Str("reason", reason).Msg("Post no longer scheduled, failure not recorded")
		return
	}
	log.Warn().Str("reason", reason).Msg("Post failed")

	if m.recorder != nil {
		if post, err := m.store.GetPost(ctx, postID); err == nil {
			m.record(ctx, post)
		}
	}
}

// DueForPublish returns the posts the sweep should publish now
func (m *Manager) DueForPublish(ctx context.Context) ([]*models.Post, error) {
	now := m.clock.Now()
	posts, err := m.store.DuePosts(ctx, now, now.Add(m.window))
	if err != nil {
		return nil, fmt.Errorf("failed to select due posts: %w", err)
	}
	return posts, nil
}

// ExpireStale fails posts still scheduled past their window plus the retry budget.
// It returns how many were considered.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	if m.staleAfter <= 0 {
		return 0, nil
	}
	posts, err := m.store.StalePosts(ctx, m.clock.Now().Add(-m.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("failed to select stale posts: %w", err)
	}
	for _, p := range posts {
		m.TransitionToFailed(ctx, p.ID, StaleReason)
	}
	if len(posts) > 0 {
		m.log.Info().Int("count", len(posts)).Msg("Expired stale posts")
	}
	return len(posts), nil
}

func (m *Manager) record(ctx context.Context, post *models.Post) {
	if m.recorder != nil {
		m.recorder.RecordPost(ctx, post)
	}
}
