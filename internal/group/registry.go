package group

import "sync"

// Registry holds the live ProcessGroup of one process. The package default
// registry stands for the real process; tests that simulate several ranks in
// one binary give every rank its own Registry.
type Registry struct {
	mu       sync.Mutex
	live     *ProcessGroup
	building bool
}

var defaultRegistry = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Current returns the live group of the default registry, or nil. It never
// constructs one.
func Current() *ProcessGroup { return defaultRegistry.Current() }

// Current returns the live group, or nil if none has been constructed or the
// last one was closed.
func (r *Registry) Current() *ProcessGroup {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// reserve claims the registry for a construction in progress. It fails,
// returning the live group if there is one, when a group is live or being
// built.
func (r *Registry) reserve() (*ProcessGroup, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live != nil || r.building {
		return r.live, false
	}
	r.building = true
	return nil, true
}

func (r *Registry) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.building = false
}

func (r *Registry) publish(g *ProcessGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = g
	r.building = false
}

func (r *Registry) unregister(g *ProcessGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live == g {
		r.live = nil
	}
}
