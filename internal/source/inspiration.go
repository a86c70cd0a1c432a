package source

import (
	"context"

	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/pkg/logger"
	"github.com/social-autopilot/pkg/ratelimit"
)

// FeedFactory builds a source for one feed URL
type FeedFactory func(url string) Source

// Inspiration gathers recent headlines for an agent from the shared sources and
// the agent's own feeds. Fetch failures are logged and skipped.
type Inspiration struct {
	manager *Manager
	feed    FeedFactory
	limiter *ratelimit.MultiLimiter
	log     *logger.Logger
}

// NewInspiration creates an inspiration provider
func NewInspiration(manager *Manager, feed FeedFactory, limiter *ratelimit.MultiLimiter, log *logger.Logger) *Inspiration {
	return &Inspiration{
		manager: manager,
		feed:    feed,
		limiter: limiter,
		log:     log.WithComponent("inspiration"),
	}
}

// Headlines returns up to limit headline titles for the agent
func (i *Inspiration) Headlines(ctx context.Context, agent *models.Agent, limit int) []string {
	if limit <= 0 {
		return nil
	}

	var extra []Source
	if i.feed != nil {
		for _, url := range agent.FeedURLs {
			extra = append(extra, i.feed(url))
		}
	}
	if len(extra) == 0 && len(i.manager.GetSources()) == 0 {
		return nil
	}

	if i.limiter != nil {
		if err := i.limiter.Wait(ctx, ratelimit.LimiterRSS); err != nil {
			return nil
		}
	}

	headlines, errs := i.manager.FetchAll(ctx, extra...)
	for _, err := range errs {
		i.log.Warn().Err(err).Str("agent_id", agent.ID).Msg("Headline source failed")
	}

	seen := make(map[string]bool)
	out := make([]string, 0, limit)
	for _, h := range headlines {
		if h.Title == "" || seen[h.Title] {
			continue
		}
		seen[h.Title] = true
		out = append(out, h.Title)
		if len(out) == limit {
			break
		}
	}
	return out
}
