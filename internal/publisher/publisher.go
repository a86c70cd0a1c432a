// Package publisher sends due posts to their platform and records the outcome.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/social-autopilot/internal/connector"
	"github.com/social-autopilot/internal/dispatch"
	"github.com/social-autopilot/internal/lifecycle"
	"github.com/social-autopilot/internal/metrics"
	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/internal/storage"
	"github.com/social-autopilot/pkg/logger"
)

// PublishError carries the platform's message for a failed publish
type PublishError struct {
	PostID   string
	Platform string
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish post %s to %s: %v", e.PostID, e.Platform, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// UnsupportedPlatformError is returned for posts whose platform has no connector
type UnsupportedPlatformError struct {
	Platform string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("unsupported platform %q", e.Platform)
}

// Store is the persistence the publisher reads and claims through
type Store interface {
	GetPost(ctx context.Context, id string) (*models.Post, error)
	GetConnection(ctx context.Context, id string) (*models.SocialConnection, error)
	GetApproval(ctx context.Context, postID string) (*models.PostApproval, error)
	ClaimPost(ctx context.Context, id, claim string) (bool, error)
	SetConnectionAccountID(ctx context.Context, id, accountID string) error
}

// Lifecycle is the state machine the publisher reports to
type Lifecycle interface {
	TransitionToPosted(ctx context.Context, postID, platformPostID string) error
	TransitionToFailed(ctx context.Context, postID, reason string)
	DueForPublish(ctx context.Context) ([]*models.Post, error)
}

// Result describes one publish attempt
type Result struct {
	PostID         string
	PlatformPostID string
	Published      bool
	// Skipped explains why nothing was sent, if so
	Skipped string
}

// Publisher routes posts to platform connectors
type Publisher struct {
	store      Store
	lifecycle  Lifecycle
	connectors *connector.Registry
	metrics    *metrics.Metrics
	log        *logger.Logger
}

// New creates a publisher. m may be nil.
func New(store Store, lc Lifecycle, connectors *connector.Registry, m *metrics.Metrics, log *logger.Logger) *Publisher {
	return &Publisher{
		store:      store,
		lifecycle:  lc,
		connectors: connectors,
		metrics:    m,
		log:        log.WithComponent("publisher"),
	}
}

// Publish sends a scheduled post to its platform. Posts no longer scheduled,
// not yet approved, or already claimed by a concurrent attempt are skipped.
// Failures are recorded on the post before they are returned.
func (p *Publisher) Publish(ctx context.Context, postID string) (*Result, error) {
	result := &Result{PostID: postID}
	log := p.log.WithPostID(postID)

	post, err := p.store.GetPost(ctx, postID)
	if err != nil {
		return result, fmt.Errorf("post not found: %w", err)
	}
	if post.Status != models.PostStatusScheduled {
		result.Skipped = "status " + string(post.Status)
		log.Debug().Str("status", string(post.Status)).Msg("Post not scheduled, skipping")
		return result, nil
	}

	conn, err := p.store.GetConnection(ctx, post.ConnectionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.lifecycle.TransitionToFailed(ctx, postID, "connection not found")
		}
		return result, fmt.Errorf("failed to load connection %s: %w", post.ConnectionID, err)
	}

	approval, err := p.store.GetApproval(ctx, postID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		approval = nil
	case err != nil:
		return result, fmt.Errorf("failed to load approval: %w", err)
	}
	if !models.PublishEligible(conn.PostingMode, approval) {
		result.Skipped = "awaiting approval"
		log.Info().Str("posting_mode", string(conn.PostingMode)).Msg("Post not approved for publishing, skipping")
		return result, nil
	}

	platform, ok := p.connectors.Lookup(post.Platform)
	if !ok {
		uerr := &UnsupportedPlatformError{Platform: post.Platform}
		p.lifecycle.TransitionToFailed(ctx, postID, uerr.Error())
		p.metrics.ObservePublish(post.Platform, "unsupported")
		return result, uerr
	}

	claimed, err := p.store.ClaimPost(ctx, postID, uuid.NewString())
	if err != nil {
		return result, fmt.Errorf("failed to claim post: %w", err)
	}
	if !claimed {
		result.Skipped = "claimed by another attempt"
		log.Debug().Msg("Post already claimed, skipping")
		return result, nil
	}

	p.ensureAccountID(ctx, platform, conn)

	log.Info().Str("platform", post.Platform).Msg("Publishing post")
	start := time.Now()
	platformPostID, err := platform.CreatePost(ctx, conn, post)
	if err != nil {
		perr := &PublishError{PostID: postID, Platform: post.Platform, Err: err}
		p.lifecycle.TransitionToFailed(ctx, postID, err.Error())
		p.metrics.ObservePublish(post.Platform, "failed")
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Failed to publish post")
		return result, perr
	}

	result.PlatformPostID = platformPostID
	result.Published = true
	p.metrics.ObservePublish(post.Platform, "posted")

	if err := p.lifecycle.TransitionToPosted(ctx, postID, platformPostID); err != nil {
		return result, err
	}
	return result, nil
}

// ensureAccountID stores the platform account id on first publish. Failures only cost
// the connector an extra lookup later.
func (p *Publisher) ensureAccountID(ctx context.Context, platform connector.Connector, conn *models.SocialConnection) {
	if conn.AccountID != "" {
		return
	}
	id, err := platform.GetUserID(ctx, conn)
	if err != nil {
		p.log.Warn().Err(err).Str("connection_id", conn.ID).Msg("Failed to resolve platform account id")
		return
	}
	conn.AccountID = id
	if err := p.store.SetConnectionAccountID(ctx, conn.ID, id); err != nil {
		p.log.Warn().Err(err).Str("connection_id", conn.ID).Msg("Failed to save platform account id")
	}
}

// ProcessDuePosts publishes every post in the current publish window. One post's
// failure never stops the others.
func (p *Publisher) ProcessDuePosts(ctx context.Context) (int, []error) {
	posts, err := p.lifecycle.DueForPublish(ctx)
	if err != nil {
		return 0, []error{err}
	}

	var errs []error
	published := 0
	for _, post := range posts {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		result, err := p.Publish(ctx, post.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("post %s: %w", post.ID, err))
			continue
		}
		if result.Published {
			published++
		}
	}

	if len(posts) > 0 {
		p.log.Info().Int("due", len(posts)).Int("published", published).Int("errors", len(errs)).Msg("Publish sweep finished")
	}
	return published, errs
}

// Handler runs publish jobs. Outcomes already recorded on the post are not retried.
func (p *Publisher) Handler() dispatch.Handler {
	return dispatch.HandlerFunc(dispatch.TopicPublishPost, func(ctx context.Context, payload []byte) error {
		job, err := lifecycle.DecodePublishPayload(payload)
		if err != nil {
			return dispatch.Permanent(err)
		}

		_, err = p.Publish(ctx, job.PostID)
		var (
			perr *PublishError
			uerr *UnsupportedPlatformError
			ierr *lifecycle.InconsistencyError
		)
		switch {
		case err == nil:
			return nil
		case errors.As(err, &perr), errors.As(err, &uerr), errors.As(err, &ierr), errors.Is(err, storage.ErrNotFound):
			return dispatch.Permanent(err)
		default:
			return err
		}
	})
}
