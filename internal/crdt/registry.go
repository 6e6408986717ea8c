package crdt

import (
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"
)

var ErrUnknownVariable = errors.New("unknown variable")

// Registry owns the node's variables. Lookups and lazy creation share one
// RWMutex; work on different variables never contends beyond it.
type Registry struct {
	mu     sync.RWMutex
	vars   map[string]*Variable
	logger *zap.Logger
	hooks  Hooks
}

func NewRegistry(logger *zap.Logger, hooks Hooks) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		vars:   make(map[string]*Variable),
		logger: logger,
		hooks:  hooks,
	}
}

func (r *Registry) Get(name string) (*Variable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vars[name]
	return v, ok
}

// GetOrCreate returns the named variable, creating it with a zero baseline.
// The second result reports whether it was created by this call.
func (r *Registry) GetOrCreate(name string) (*Variable, bool) {
	if v, ok := r.Get(name); ok {
		return v, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.vars[name]; ok {
		return v, false
	}
	v := NewVariable(name, r.logger, r.hooks)
	r.vars[name] = v
	r.logger.Debug("variable created", zap.String("variable", name))
	return v, true
}

// Names returns variable names in ascending order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.vars))
	for name := range r.vars {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// All returns the variables ordered by name.
func (r *Registry) All() []*Variable {
	names := r.Names()
	out := make([]*Variable, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if v, ok := r.vars[name]; ok {
			out = append(out, v)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.vars)
}
