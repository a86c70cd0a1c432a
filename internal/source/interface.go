package source

import (
	"context"
	"sort"
	"time"
)

// Headline is a recent item an agent's post can riff on
type Headline struct {
	Title       string
	Summary     string
	URL         string
	Source      string
	PublishedAt time.Time
}

// Source provides headlines
type Source interface {
	// Name returns the unique name of this source
	Name() string

	// Type returns the source type (rss)
	Type() string

	// Fetch retrieves headlines from the source
	Fetch(ctx context.Context) ([]Headline, error)
}

// Manager manages multiple headline sources
type Manager struct {
	sources []Source
}

// NewManager creates a new source manager
func NewManager() *Manager {
	return &Manager{
		sources: make([]Source, 0),
	}
}

// Register adds a source that applies to every agent
func (m *Manager) Register(source Source) {
	m.sources = append(m.sources, source)
}

// GetSources returns all registered sources
func (m *Manager) GetSources() []Source {
	return m.sources
}

// FetchAll fetches from the registered sources plus extra concurrently, newest first
func (m *Manager) FetchAll(ctx context.Context, extra ...Source) ([]Headline, []error) {
	type result struct {
		headlines []Headline
		err       error
	}

	sources := append(append([]Source{}, m.sources...), extra...)
	results := make(chan result, len(sources))

	for _, source := range sources {
		go func(s Source) {
			headlines, err := s.Fetch(ctx)
			results <- result{headlines: headlines, err: err}
		}(source)
	}

	var all []Headline
	var errs []error

	for range sources {
		r := <-results
		if r.err != nil {
			errs = append(errs, r.err)
		} else {
			all = append(all, r.headlines...)
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].PublishedAt.After(all[j].PublishedAt) })
	return all, errs
}
