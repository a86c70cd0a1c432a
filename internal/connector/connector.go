// Package connector defines the platform publishing contract and the shared
// HTTP plumbing platform clients are built on.
package connector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/social-autopilot/internal/models"
)

// Connector publishes posts to one social platform
type Connector interface {
	// Platform is the models.Platform* value this connector serves
	Platform() string
	// GetUserID returns the platform account id of the connection's owner
	GetUserID(ctx context.Context, conn *models.SocialConnection) (string, error)
	// CreatePost publishes the post and returns the platform-assigned id
	CreatePost(ctx context.Context, conn *models.SocialConnection, post *models.Post) (string, error)
}

// APIError is a non-success response from a platform API
type APIError struct {
	Platform   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API returned %d: %s", e.Platform, e.StatusCode, strings.TrimSpace(e.Body))
}

// Registry maps platforms to connectors
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry creates a registry holding the given connectors
func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{connectors: make(map[string]Connector)}
	for _, c := range connectors {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the connector for its platform
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Platform()] = c
}

// Lookup returns the connector for a platform
func (r *Registry) Lookup(platform string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[platform]
	return c, ok
}

// Platforms lists registered platforms
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connectors))
	for p := range r.connectors {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
