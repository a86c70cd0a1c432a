package rss

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/social-autopilot/internal/source"
	"github.com/social-autopilot/pkg/logger"
)

// maxAge drops items older than this
const maxAge = 7 * 24 * time.Hour

// Source implements source.Source for one RSS or Atom feed
type Source struct {
	name   string
	url    string
	parser *gofeed.Parser
	now    func() time.Time
	log    *logger.Logger
}

// New creates a new RSS source for a single feed
func New(name, url string, log *logger.Logger) *Source {
	if name == "" {
		name = url
	}
	return &Source{
		name:   name,
		url:    url,
		parser: gofeed.NewParser(),
		now:    time.Now,
		log:    log.WithComponent("rss"),
	}
}

// Factory returns a source.FeedFactory producing RSS sources
func Factory(log *logger.Logger) source.FeedFactory {
	return func(url string) source.Source {
		return New("", url, log)
	}
}

// Name returns the source name
func (s *Source) Name() string {
	return s.name
}

// Type returns "rss"
func (s *Source) Type() string {
	return "rss"
}

// Fetch retrieves recent headlines from the feed
func (s *Source) Fetch(ctx context.Context) ([]source.Headline, error) {
	s.log.Debug().Str("url", s.url).Msg("Fetching RSS feed")

	feed, err := s.parser.ParseURLWithContext(s.url, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RSS feed %s: %w", s.name, err)
	}

	now := s.now()
	headlines := make([]source.Headline, 0, len(feed.Items))

	for _, item := range feed.Items {
		publishedAt := now
		if item.PublishedParsed != nil {
			publishedAt = *item.PublishedParsed
			if now.Sub(publishedAt) > maxAge {
				continue
			}
		}

		headlines = append(headlines, source.Headline{
			Title:       cleanText(item.Title),
			Summary:     cleanText(item.Description),
			URL:         item.Link,
			Source:      s.name,
			PublishedAt: publishedAt,
		})
	}

	s.log.Debug().
		Int("count", len(headlines)).
		Str("feed", s.name).
		Msg("Fetched RSS headlines")

	return headlines, nil
}

// cleanText removes HTML tags and extra whitespace
func cleanText(text string) string {
	text = strings.ReplaceAll(text, "<br>", " ")
	text = strings.ReplaceAll(text, "<br/>", " ")
	text = strings.ReplaceAll(text, "<br />", " ")
	text = strings.ReplaceAll(text, "</p>", " ")

	var result strings.Builder
	inTag := false
	for _, r := range text {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			result.WriteRune(r)
		}
	}

	return strings.Join(strings.Fields(result.String()), " ")
}

// Ensure Source implements source.Source
var _ source.Source = (*Source)(nil)
