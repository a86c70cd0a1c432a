package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes the jobs of one topic
type Handler interface {
	Name() string
	Invoke(ctx context.Context, payload []byte) error
}

type handlerFunc struct {
	name string
	fn   func(ctx context.Context, payload []byte) error
}

func (h handlerFunc) Name() string { return h.name }

func (h handlerFunc) Invoke(ctx context.Context, payload []byte) error { return h.fn(ctx, payload) }

// HandlerFunc adapts a function into a Handler for topic
func HandlerFunc(topic Topic, fn func(ctx context.Context, payload []byte) error) Handler {
	return handlerFunc{name: string(topic), fn: fn}
}

// Registry maps topic names to handlers. It is built at startup and passed
// to whatever receives jobs (queue worker or webhook server).
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a registry holding the given handlers
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a handler; names must be unique
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Name()]; exists {
		return fmt.Errorf("handler %q already registered", h.Name())
	}
	r.handlers[h.Name()] = h
	return nil
}

// Lookup returns the handler registered for name
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered handler names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the handler registered for name. An unknown name is a permanent failure.
func (r *Registry) Invoke(ctx context.Context, name string, payload []byte) error {
	h, ok := r.Lookup(name)
	if !ok {
		return Permanent(fmt.Errorf("%w: %s", ErrUnknownTopic, name))
	}
	return h.Invoke(ctx, payload)
}
