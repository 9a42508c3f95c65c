package breaker

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Registry hands out one breaker per exchange id.
type Registry struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry constructs an empty registry; breakers share opts.
func NewRegistry(opts Options, logger zerolog.Logger) *Registry {
	return &Registry{
		opts:     opts.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.opts, r.logger)
	r.breakers[name] = b
	return b
}

// Snapshot lists every known breaker ordered by name.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
