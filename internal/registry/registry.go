// Package registry maps trigger ids to their consumer Handle, guarding
// concurrent access.
package registry

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/openwhisk/openwhisk-package-kafka/internal/trigger"
)

// Registry is a sync.RWMutex-guarded map[string]*trigger.Handle.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*trigger.Handle
	deps    trigger.Deps
}

func New(deps trigger.Deps) *Registry {
	return &Registry{handles: make(map[string]*trigger.Handle), deps: deps}
}

// Create starts a new Handle for cfg. Fails if a trigger with this id
// already exists.
func (r *Registry) Create(cfg trigger.Config) (*trigger.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[cfg.ID]; exists {
		return nil, errors.Errorf("trigger %q already exists", cfg.ID)
	}

	h := trigger.NewHandle(cfg, r.deps)
	if err := h.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start trigger %q", cfg.ID)
	}
	r.handles[cfg.ID] = h
	return h, nil
}

// Delete shuts down and removes the trigger's Handle.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	h, ok := r.handles[id]
	if !ok {
		r.mu.Unlock()
		return errors.Errorf("trigger %q not found", id)
	}
	delete(r.handles, id)
	r.mu.Unlock()

	h.Shutdown()
	return nil
}

func (r *Registry) Get(id string) (*trigger.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// List returns a snapshot of every registered Handle.
func (r *Registry) List() []*trigger.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*trigger.Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

// Reap drops a Dead handle from the map without shutting it down again
// (the Supervisor has already observed it terminal).
func (r *Registry) Reap(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, id)
}
