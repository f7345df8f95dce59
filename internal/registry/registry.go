// Package registry maps entity tags to their sync handling: endpoint,
// priority and conflict policy.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"caresync/internal/config"
	"caresync/internal/models"
)

// MergeFunc combines a local and a remote snapshot into one value.
type MergeFunc func(local, remote json.RawMessage) (json.RawMessage, error)

// Handler is the sync handling of one entity tag.
type Handler struct {
	Entity   string
	Endpoint string
	Priority int
	Policy   models.ConflictPolicy
	Merge    MergeFunc
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	merges   map[string]MergeFunc
}

// New returns a registry with the built-in "shallow" merge available.
func New() *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		merges:   make(map[string]MergeFunc),
	}
	r.RegisterMerge("shallow", ShallowMerge)
	return r
}

// FromConfig builds a registry from the entities section.
func FromConfig(entities []config.EntityConfig) (*Registry, error) {
	if err := config.ValidateEntities(entities); err != nil {
		return nil, err
	}
	r := New()
	for _, e := range entities {
		h := Handler{
			Entity:   e.Name,
			Endpoint: e.Endpoint,
			Priority: e.Priority,
			Policy:   models.ConflictPolicy(strings.ToLower(e.Policy)),
		}
		if e.Merge != "" {
			fn, ok := r.mergeFunc(e.Merge)
			if !ok {
				return nil, fmt.Errorf("entity %s: unknown merge function %q", e.Name, e.Merge)
			}
			h.Merge = fn
		}
		r.Register(h)
	}
	return r, nil
}

// RegisterMerge makes a named merge function available to Register callers.
func (r *Registry) RegisterMerge(name string, fn MergeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merges[name] = fn
}

func (r *Registry) mergeFunc(name string) (MergeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.merges[name]
	return fn, ok
}

func (r *Registry) Register(h Handler) {
	if h.Policy == "" {
		h.Policy = models.PolicyRemote
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Entity] = h
}

// Lookup returns the handler for entity, or the default handling
// (endpoint /api/<entity>, priority 0, remote wins) for unknown tags.
func (r *Registry) Lookup(entity string) Handler {
	r.mu.RLock()
	h, ok := r.handlers[entity]
	r.mu.RUnlock()
	if !ok {
		h = Handler{Entity: entity, Policy: models.PolicyRemote}
	}
	if h.Endpoint == "" {
		h.Endpoint = "/api/" + entity
	}
	return h
}

func (r *Registry) Entities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ShallowMerge merges two JSON objects at the top level. Local fields win;
// fields only the server has are kept.
func ShallowMerge(local, remote json.RawMessage) (json.RawMessage, error) {
	var l, r map[string]json.RawMessage
	if err := json.Unmarshal(local, &l); err != nil {
		return nil, fmt.Errorf("local is not an object: %w", err)
	}
	if err := json.Unmarshal(remote, &r); err != nil {
		return nil, fmt.Errorf("remote is not an object: %w", err)
	}
	if r == nil {
		r = make(map[string]json.RawMessage, len(l))
	}
	for k, v := range l {
		r[k] = v
	}
	return json.Marshal(r)
}
