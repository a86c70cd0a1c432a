package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/social-autopilot/internal/dispatch"
	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/internal/storage"
	"github.com/social-autopilot/internal/storage/gormstore"
	"github.com/social-autopilot/pkg/logger"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type onceCall struct {
	job    dispatch.Job
	fireAt time.Time
}

type fakeDispatcher struct {
	mu    sync.Mutex
	once  []onceCall
	fails error
}

func (d *fakeDispatcher) ScheduleRecurring(context.Context, dispatch.Job, string) error { return nil }
func (d *fakeDispatcher) ScheduleCustom(context.Context, dispatch.Job, models.CustomSchedule) error {
	return nil
}
func (d *fakeDispatcher) Unschedule(context.Context, string) error { return nil }

func (d *fakeDispatcher) ScheduleOnce(_ context.Context, job dispatch.Job, fireAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.once = append(d.once, onceCall{job: job, fireAt: fireAt})
	return d.fails
}

type recorder struct {
	mu    sync.Mutex
	posts []*models.Post
}

func (r *recorder) RecordPost(_ context.Context, p *models.Post) {
	r.mu.Lock()
	r.posts = append(r.posts, p)
	r.mu.Unlock()
}

type env struct {
	repo  *gormstore.Repository
	disp  *fakeDispatcher
	rec   *recorder
	clock *clockwork.FakeClock
	mgr   *Manager
	agent *models.Agent
	conn  *models.SocialConnection
}

func newEnv(t *testing.T) *env {
	t.Helper()
	repo, err := gormstore.New("sqlite", filepath.Join(t.TempDir(), "lifecycle.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	agent := &models.Agent{Name: "Acme"}
	require.NoError(t, repo.CreateAgent(ctx, agent))
	conn := &models.SocialConnection{AgentID: agent.ID, Platform: models.PlatformLinkedIn, PostingMode: models.PostingModeAutomatic, Active: true}
	require.NoError(t, repo.CreateConnection(ctx, conn))

	e := &env{repo: repo, disp: &fakeDispatcher{}, rec: &recorder{}, clock: clockwork.NewFakeClockAt(testNow), agent: agent, conn: conn}
	e.mgr = NewManager(repo, e.disp, logger.Nop(),
		WithClock(e.clock), WithStaleAfter(6*time.Hour), WithRecorder(e.rec))
	return e
}

func (e *env) create(t *testing.T, at time.Time) *models.Post {
	t.Helper()
	post, err := e.mgr.CreateScheduled(context.Background(), CreateRequest{
		AgentID:      e.agent.ID,
		ConnectionID: e.conn.ID,
		Content:      "Hello world",
		Format:       models.FormatNormal,
		ScheduledFor: at,
	})
	require.NoError(t, err)
	return post
}

func TestCreateScheduled_PersistsAndRegistersPublishJob(t *testing.T) {
	e := newEnv(t)
	at := testNow.Add(2 * time.Hour)

	post := e.create(t, at)

	stored, err := e.repo.GetPost(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusScheduled, stored.Status)
	assert.Equal(t, models.PlatformLinkedIn, stored.Platform)
	assert.True(t, at.Equal(stored.ScheduledFor))
	assert.Equal(t, "normal", stored.Metadata["format"])

	require.Len(t, e.disp.once, 1)
	call := e.disp.once[0]
	assert.Equal(t, dispatch.TopicPublishPost, call.job.Topic)
	assert.Equal(t, "publish-"+post.ID, call.job.Key)
	assert.True(t, at.Equal(call.fireAt))

	payload, err := DecodePublishPayload(call.job.Payload)
	require.NoError(t, err)
	assert.Equal(t, post.ID, payload.PostID)
}

func TestCreateScheduled_DispatchFailureDoesNotFailCreate(t *testing.T) {
	e := newEnv(t)
	e.disp.fails = errors.New("redis down")

	post := e.create(t, testNow.Add(time.Hour))
	_, err := e.repo.GetPost(context.Background(), post.ID)
	assert.NoError(t, err)
}

func TestCreateScheduled_ValidationErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	other := &models.Agent{Name: "Other"}
	require.NoError(t, e.repo.CreateAgent(ctx, other))

	tests := []struct {
		name  string
		req   CreateRequest
		field string
	}{
		{"unknown agent", CreateRequest{AgentID: "missing", ConnectionID: e.conn.ID, Content: "x", ScheduledFor: testNow}, "agent"},
		{"unknown connection", CreateRequest{AgentID: e.agent.ID, ConnectionID: "missing", Content: "x", ScheduledFor: testNow}, "connection"},
		{"foreign connection", CreateRequest{AgentID: other.ID, ConnectionID: e.conn.ID, Content: "x", ScheduledFor: testNow}, "connection"},
		{"empty content", CreateRequest{AgentID: e.agent.ID, ConnectionID: e.conn.ID, Content: "  ", ScheduledFor: testNow}, "content"},
		{"no time", CreateRequest{AgentID: e.agent.ID, ConnectionID: e.conn.ID, Content: "x"}, "scheduled_for"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.mgr.CreateScheduled(ctx, tt.req)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	_, err := e.mgr.CreateScheduled(ctx, tests[0].req)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, e.disp.once)
}

func TestTransitionToPosted_IsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	post := e.create(t, testNow)

	require.NoError(t, e.mgr.TransitionToPosted(ctx, post.ID, "urn:li:share:1"))
	require.NoError(t, e.mgr.TransitionToPosted(ctx, post.ID, "urn:li:share:1"))

	stored, err := e.repo.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPosted, stored.Status)
	assert.Equal(t, "urn:li:share:1", stored.PlatformPostID)
	require.NotNil(t, stored.PostedAt)
	assert.True(t, testNow.Equal(*stored.PostedAt))
	assert.Len(t, e.rec.posts, 1)
}

func TestTransitionToPosted_ConflictingIDIsInconsistent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	post := e.create(t, testNow)

	require.NoError(t, e.mgr.TransitionToPosted(ctx, post.ID, "a"))
	err := e.mgr.TransitionToPosted(ctx, post.ID, "b")

	var ierr *InconsistencyError
	require.True(t, errors.As(err, &ierr))
	assert.Equal(t, models.PostStatusPosted, ierr.Status)
	assert.Equal(t, "a", ierr.PlatformPostID)

	failed := e.create(t, testNow)
	e.mgr.TransitionToFailed(ctx, failed.ID, "boom")
	err = e.mgr.TransitionToPosted(ctx, failed.ID, "c")
	require.True(t, errors.As(err, &ierr))
	assert.Equal(t, models.PostStatusFailed, ierr.Status)
}

func TestTransitionToFailed_NeverPanicsOrErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	post := e.create(t, testNow)

	e.mgr.TransitionToFailed(ctx, post.ID, "")
	e.mgr.TransitionToFailed(ctx, post.ID, "second")
	e.mgr.TransitionToFailed(ctx, "missing", "whatever")

	stored, err := e.repo.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusFailed, stored.Status)
	assert.Equal(t, "unknown error", stored.ErrorMessage)
	assert.Len(t, e.rec.posts, 1)
}

func TestDueForPublish_UsesWindow(t *testing.T) {
	e := newEnv(t)
	inside := e.create(t, testNow.Add(10*time.Minute))
	e.create(t, testNow.Add(15*time.Minute))
	e.create(t, testNow.Add(-time.Minute))

	due, err := e.mgr.DueForPublish(context.Background())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, inside.ID, due[0].ID)
}

func TestExpireStale(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	old := e.create(t, testNow.Add(-7*time.Hour))
	recent := e.create(t, testNow.Add(-time.Hour))

	n, err := e.mgr.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := e.repo.GetPost(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusFailed, stored.Status)
	assert.Equal(t, StaleReason, stored.ErrorMessage)

	stored, err = e.repo.GetPost(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusScheduled, stored.Status)
}

func TestDecodePublishPayload_Rejects(t *testing.T) {
	_, err := DecodePublishPayload([]byte(`{`))
	assert.Error(t, err)
	_, err = DecodePublishPayload([]byte(`{}`))
	assert.Error(t, err)
}
