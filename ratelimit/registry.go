package ratelimit

import (
	"fmt"
	"sync"
)

// Registry is the map of (provider, model) -> *Gate shared by every
// transcription worker, protected by a single mutex the way the teacher
// protects cache/cache.go's map.
type Registry struct {
	mu    sync.Mutex
	gates map[string]*Gate
}

func NewRegistry() *Registry {
	return &Registry{gates: map[string]*Gate{}}
}

func key(provider, model string) string {
	return fmt.Sprintf("%s:%s", provider, model)
}

// Gate returns the Gate for (provider, model), creating one with the given
// model class defaults on first use.
func (r *Registry) Gate(provider, model, modelClass string) *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(provider, model)
	g, ok := r.gates[k]
	if !ok {
		g = NewGate(DefaultConfig(modelClass))
		r.gates[k] = g
	}
	return g
}
