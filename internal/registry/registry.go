// Package registry tracks every configured model through its lifecycle:
// starting, loading, warming, ready, failed, draining, stopped. Readers get
// immutable snapshots; state changes replace the whole entry under the write
// lock so a reader never observes a half-updated model.
package registry

import (
	"sync"
	"time"

	"github.com/hiplawrussia-stack/FolliCore/internal/engine"
	"github.com/hiplawrussia-stack/FolliCore/pkg/types"
)

// EntryState is the lifecycle state of one model entry.
type EntryState string

const (
	StateStarting EntryState = "starting"
	StateLoading  EntryState = "loading"
	StateWarming  EntryState = "warming"
	StateReady    EntryState = "ready"
	StateFailed   EntryState = "failed"
	StateDraining EntryState = "draining"
	StateStopped  EntryState = "stopped"
)

// Entry is an immutable snapshot of one model. Engine is non-nil from the
// loading state onward; it only accepts traffic once State is ready.
type Entry struct {
	Descriptor types.ModelDescriptor
	State      EntryState
	Engine     *engine.Engine
	Warmup     *types.WarmupStats
	LoadedAt   time.Time
	Err        string
}

// Ready reports whether this entry accepts inference traffic.
func (e *Entry) Ready() bool {
	return e.State == StateReady
}

// Registry is the concurrent entry table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string // configured order, kept stable in listings
}

func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Put replaces the entry for id. The caller must treat the stored entry as
// frozen after this call.
func (r *Registry) Put(id string, e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.entries[id]; !known {
		r.order = append(r.order, id)
	}
	r.entries[id] = e
}

// Get returns the current snapshot for id.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// List returns all entries in configured order.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}

// Len reports the number of registered models.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// AllReady reports whether every entry is ready. False when empty: a server
// with no models never becomes ready.
func (r *Registry) AllReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return false
	}
	for _, e := range r.entries {
		if e.State != StateReady {
			return false
		}
	}
	return true
}

// update re-publishes the entry for id with fn applied to a copy. No-op when
// the id is unknown.
func (r *Registry) update(id string, fn func(e *Entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[id]
	if !ok {
		return
	}
	next := *cur
	fn(&next)
	r.entries[id] = &next
}
