package session

import (
	"sync"

	"github.com/parlancehq/parlance/pkg/types"
)

// Registry owns the set of live orchestrators. Connections insert on attach
// and remove on close; shutdown walks the registry to stop every session.
// There is no package-level registry; the owner decides the lifetime.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Orchestrator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Orchestrator)}
}

// Add registers an orchestrator under its session ID, replacing any previous
// entry with the same ID.
func (r *Registry) Add(o *Orchestrator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[o.ID()] = o
}

// Remove drops the orchestrator with the given ID. Unknown IDs are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns the orchestrator with the given ID.
func (r *Registry) Get(id string) (*Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.sessions[id]
	return o, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StopAll stops every live session and clears the registry, returning the
// summaries so the caller can flush them best-effort. Used by cooperative
// shutdown before the listener closes.
func (r *Registry) StopAll() []*types.Summary {
	r.mu.Lock()
	live := make([]*Orchestrator, 0, len(r.sessions))
	for _, o := range r.sessions {
		live = append(live, o)
	}
	r.sessions = make(map[string]*Orchestrator)
	r.mu.Unlock()

	summaries := make([]*types.Summary, 0, len(live))
	for _, o := range live {
		summaries = append(summaries, o.Stop())
	}
	return summaries
}
