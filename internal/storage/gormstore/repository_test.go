package gormstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/internal/storage"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New("sqlite", filepath.Join(t.TempDir(), "autopilot.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

type fixture struct {
	agent     *models.Agent
	automatic *models.SocialConnection
	manual    *models.SocialConnection
}

func seed(t *testing.T, repo *Repository) fixture {
	t.Helper()
	ctx := context.Background()

	agent := &models.Agent{Name: "Acme", Industry: "logistics"}
	require.NoError(t, repo.CreateAgent(ctx, agent))

	automatic := &models.SocialConnection{AgentID: agent.ID, Platform: models.PlatformTwitter, PostingMode: models.PostingModeAutomatic, Active: true}
	manual := &models.SocialConnection{AgentID: agent.ID, Platform: models.PlatformLinkedIn, PostingMode: models.PostingModeManualApproval, Active: true}
	require.NoError(t, repo.CreateConnection(ctx, automatic))
	require.NoError(t, repo.CreateConnection(ctx, manual))

	return fixture{agent: agent, automatic: automatic, manual: manual}
}

func scheduledPost(t *testing.T, repo *Repository, agentID string, conn *models.SocialConnection, at time.Time) *models.Post {
	t.Helper()
	post := &models.Post{
		AgentID:      agentID,
		ConnectionID: conn.ID,
		Platform:     conn.Platform,
		Content:      "hello",
		Format:       models.FormatNormal,
		ScheduledFor: at,
		Status:       models.PostStatusScheduled,
	}
	require.NoError(t, repo.CreatePost(context.Background(), post))
	return post
}

func TestRepository_GetMissingReturnsErrNotFound(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.GetPost(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = repo.GetAgent(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = repo.GetApproval(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRepository_DuePostsAppliesApprovalGate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	f := seed(t, repo)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	at := now.Add(5 * time.Minute)

	autoNoRecord := scheduledPost(t, repo, f.agent.ID, f.automatic, at)
	autoRejected := scheduledPost(t, repo, f.agent.ID, f.automatic, at)
	autoPending := scheduledPost(t, repo, f.agent.ID, f.automatic, at)
	manualNoRecord := scheduledPost(t, repo, f.agent.ID, f.manual, at)
	manualApproved := scheduledPost(t, repo, f.agent.ID, f.manual, at)
	manualPending := scheduledPost(t, repo, f.agent.ID, f.manual, at)
	outsideWindow := scheduledPost(t, repo, f.agent.ID, f.automatic, now.Add(15*time.Minute))
	pastWindow := scheduledPost(t, repo, f.agent.ID, f.automatic, now.Add(-time.Minute))

	require.NoError(t, repo.SaveApproval(ctx, &models.PostApproval{PostID: autoRejected.ID, Status: models.ApprovalRejected}))
	require.NoError(t, repo.SaveApproval(ctx, &models.PostApproval{PostID: autoPending.ID, Status: models.ApprovalPending}))
	require.NoError(t, repo.SaveApproval(ctx, &models.PostApproval{PostID: manualApproved.ID, Status: models.ApprovalApproved}))
	require.NoError(t, repo.SaveApproval(ctx, &models.PostApproval{PostID: manualPending.ID, Status: models.ApprovalPending}))

	due, err := repo.DuePosts(ctx, now, now.Add(15*time.Minute))
	require.NoError(t, err)

	var ids []string
	for _, p := range due {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{autoNoRecord.ID, autoPending.ID, manualApproved.ID}, ids)
	assert.NotContains(t, ids, manualNoRecord.ID)
	assert.NotContains(t, ids, outsideWindow.ID)
	assert.NotContains(t, ids, pastWindow.ID)
}

func TestRepository_DuePostsSkipsClaimedPosts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	f := seed(t, repo)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	post := scheduledPost(t, repo, f.agent.ID, f.automatic, now.Add(time.Minute))
	ok, err := repo.ClaimPost(ctx, post.ID, "oneshot")
	require.NoError(t, err)
	require.True(t, ok)

	due, err := repo.DuePosts(ctx, now, now.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRepository_ClaimPostHasSingleWinner(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	f := seed(t, repo)
	post := scheduledPost(t, repo, f.agent.ID, f.automatic, time.Now())

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.ClaimPost(ctx, post.ID, "claimant")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRepository_GuardedTransitions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	f := seed(t, repo)
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	post := scheduledPost(t, repo, f.agent.ID, f.automatic, at)

	ok, err := repo.MarkPosted(ctx, post.ID, "tweet-1", at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkPosted(ctx, post.ID, "tweet-2", at)
	require.NoError(t, err)
	assert.False(t, ok, "second transition must not touch a posted row")

	ok, err = repo.MarkFailed(ctx, post.ID, "late failure", at)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPosted, got.Status)
	assert.Equal(t, "tweet-1", got.PlatformPostID)
	require.NotNil(t, got.PostedAt)
	assert.Empty(t, got.ErrorMessage)
}

func TestRepository_StalePosts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	f := seed(t, repo)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	old := scheduledPost(t, repo, f.agent.ID, f.automatic, now.Add(-7*time.Hour))
	scheduledPost(t, repo, f.agent.ID, f.automatic, now.Add(-time.Hour))

	stale, err := repo.StalePosts(ctx, now.Add(-6*time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

func TestRepository_SaveRuleUpserts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	f := seed(t, repo)

	first := &models.AutomationRule{AgentID: f.agent.ID, Category: models.TriggerNewPosts, Enabled: true, Frequency: models.FrequencyDaily, PostsPerPeriod: 3}
	require.NoError(t, repo.SaveRule(ctx, first))

	second := &models.AutomationRule{
		AgentID: f.agent.ID, Category: models.TriggerNewPosts, Enabled: true,
		Frequency: models.FrequencyCustom, CustomDays: models.StringSlice{"monday"}, CustomTime: "09:30", PostsPerPeriod: 1,
	}
	require.NoError(t, repo.SaveRule(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	got, err := repo.GetRule(ctx, f.agent.ID, models.TriggerNewPosts)
	require.NoError(t, err)
	assert.Equal(t, models.FrequencyCustom, got.Frequency)
	assert.Equal(t, models.StringSlice{"monday"}, got.CustomDays)

	enabled, err := repo.ListEnabledRules(ctx, models.TriggerNewPosts)
	require.NoError(t, err)
	assert.Len(t, enabled, 1)
}

func TestRepository_ClaimPeriodOncePerPeriod(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	f := seed(t, repo)

	rule := &models.AutomationRule{AgentID: f.agent.ID, Category: models.TriggerNewPosts, Enabled: true, Frequency: models.FrequencyDaily, PostsPerPeriod: 3}
	require.NoError(t, repo.SaveRule(ctx, rule))

	ok, err := repo.ClaimPeriod(ctx, rule.ID, "2026-03-02")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.ClaimPeriod(ctx, rule.ID, "2026-03-02")
	require.NoError(t, err)
	assert.False(t, ok)

	// re-saving the rule keeps the planned period
	resaved := &models.AutomationRule{AgentID: f.agent.ID, Category: models.TriggerNewPosts, Enabled: true, Frequency: models.FrequencyDaily, PostsPerPeriod: 5}
	require.NoError(t, repo.SaveRule(ctx, resaved))
	got, err := repo.GetRule(ctx, f.agent.ID, models.TriggerNewPosts)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", got.PlannedPeriod)
	assert.Equal(t, 5, got.PostsPerPeriod)

	require.NoError(t, repo.ReleasePeriod(ctx, rule.ID, "2026-03-02", ""))
	ok, err = repo.ClaimPeriod(ctx, rule.ID, "2026-03-02")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ClaimPeriod(ctx, rule.ID, "2026-03-03")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRepository_ConnectionTokens(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	f := seed(t, repo)
	exp := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.UpdateConnectionTokens(ctx, f.automatic.ID, "new-access", "new-refresh", &exp))
	require.NoError(t, repo.SetConnectionAccountID(ctx, f.automatic.ID, "12345"))

	got, err := repo.GetConnection(ctx, f.automatic.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-access", got.AccessToken)
	assert.Equal(t, "new-refresh", got.RefreshToken)
	assert.Equal(t, "12345", got.AccountID)
	require.NotNil(t, got.TokenExpiresAt)
	assert.True(t, exp.Equal(*got.TokenExpiresAt))

	active, err := repo.ListActiveConnections(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestRepository_SetPostingMode(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	f := seed(t, repo)

	require.NoError(t, repo.SetPostingMode(ctx, f.agent.ID, models.PostingModeManualApproval))

	conns, err := repo.ListActiveConnections(ctx, f.agent.ID)
	require.NoError(t, err)
	for _, c := range conns {
		assert.Equal(t, models.PostingModeManualApproval, c.PostingMode)
	}
}
