// Package vars holds the hierarchical variable bindings consulted by
// notation expressions: a shared global frame, a per-task frame seeded
// from task metadata, and an innermost capture frame that ">> name"
// writes into.
package vars

import "sync"

// Built-in variable names maintained by the interaction engine.
const (
	BuiltinURL  = "_url"  // the task's resolved URL
	BuiltinNode = "_node" // label of the node being interacted with
	BuiltinNth  = "_nth"  // index of the current element in an all-match
)

// Scope is one frame of bindings chained to its parent. Lookup walks
// innermost to outermost; Set always writes the receiver's own frame.
type Scope struct {
	mu     sync.RWMutex
	parent *Scope
	values map[string]any
}

// NewRoot creates the outermost (global) frame.
func NewRoot() *Scope {
	return &Scope{values: map[string]any{}}
}

// Fork creates a child frame. The child sees the parent's bindings but
// writes shadow rather than mutate them.
func (s *Scope) Fork() *Scope {
	return &Scope{parent: s, values: map[string]any{}}
}

// Seed copies the given bindings into this frame.
func (s *Scope) Seed(values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.values[k] = v
	}
}

// Lookup resolves name through the frame chain.
func (s *Scope) Lookup(name string) (any, bool) {
	for f := s; f != nil; f = f.parent {
		f.mu.RLock()
		v, ok := f.values[name]
		f.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	return nil, false
}

// Set binds name in this frame.
func (s *Scope) Set(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}
