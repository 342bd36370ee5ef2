package dialog

import (
	"fmt"
	"sync"
)

// Registry is the process-global owner of every live Dialog instance: at
// most one instance per Id exists at a time (kernel spec §3 "Dialog":
// "Exactly one live in-memory instance per (rootId, selfId); registry
// enforces this", §9 "Process-wide state"). A SubDialog never holds a
// pointer to its root; it looks the root up through this registry by id
// (kernel spec §9 "Cyclic / back-references").
type Registry struct {
	mu  sync.RWMutex
	all map[Id]*Dialog
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{all: make(map[Id]*Dialog)}
}

// Register adds d to the registry. It is a hard error to register two
// live instances for the same Id.
func (r *Registry) Register(d *Dialog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.all[d.ID]; exists {
		return fmt.Errorf("dialog: registry already holds a live instance for %s", d.ID)
	}
	r.all[d.ID] = d
	return nil
}

// Unregister removes id's instance, e.g. after it transitions to done or
// archived and is evicted from memory.
func (r *Registry) Unregister(id Id) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.all, id)
}

// Get returns the live instance for id, if any.
func (r *Registry) Get(id Id) (*Dialog, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.all[id]
	return d, ok
}

// All returns a snapshot of every currently registered dialog.
func (r *Registry) All() []*Dialog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Dialog, 0, len(r.all))
	for _, d := range r.all {
		out = append(out, d)
	}
	return out
}
