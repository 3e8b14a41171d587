package nodes

import (
	"fmt"
	"sort"
	"sync"
)

// Registry resolves node type names to their implementation.
type Registry struct {
	mu    sync.RWMutex
	types map[string]NodeType
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]NodeType)}
}

// NewDefaultRegistry creates a Registry holding the built-in node types.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range Builtins() {
		// built-in names are unique
		_ = r.Register(t)
	}
	return r
}

// Register adds a node type. Registering the same name twice is an error.
func (r *Registry) Register(t NodeType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[t.Type()]; exists {
		return fmt.Errorf("node type %q already registered", t.Type())
	}
	r.types[t.Type()] = t
	return nil
}

// Lookup returns the node type registered under name.
func (r *Registry) Lookup(name string) (NodeType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Types lists registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
