package metadata

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrContextInvalidated is returned by Tx.Commit after the recovery
// manager reset all live contexts. The in-memory state of the Tx is
// discarded; callers must begin a fresh Tx against the reloaded store.
var ErrContextInvalidated = errors.New("metadata context invalidated by store recovery")

// ContextKind labels what a Tx is for. Background event application and
// host-visible reads use distinct contexts that only exchange state
// through commits, never by sharing objects.
type ContextKind string

const (
	ContextBackground ContextKind = "background"
	ContextEvents     ContextKind = "events"
	ContextHost       ContextKind = "host"
)

// ContextHandle is the registration token for one live Tx.
type ContextHandle struct {
	kind        ContextKind
	invalidated atomic.Bool
}

// Invalidated reports whether the context was reset.
func (h *ContextHandle) Invalidated() bool { return h.invalidated.Load() }

// ContextRegistry tracks live contexts with explicit lifetimes:
// registered on Tx creation, deregistered on commit or rollback. The
// recovery manager iterates it under its exclusive-access window to
// force every open context to discard in-memory state.
type ContextRegistry struct {
	mu      sync.Mutex
	handles map[*ContextHandle]struct{}
}

// NewContextRegistry returns an empty registry.
func NewContextRegistry() *ContextRegistry {
	return &ContextRegistry{handles: make(map[*ContextHandle]struct{})}
}

func (cr *ContextRegistry) register(kind ContextKind) *ContextHandle {
	h := &ContextHandle{kind: kind}
	cr.mu.Lock()
	cr.handles[h] = struct{}{}
	cr.mu.Unlock()
	return h
}

func (cr *ContextRegistry) deregister(h *ContextHandle) {
	cr.mu.Lock()
	delete(cr.handles, h)
	cr.mu.Unlock()
}

// ResetAll invalidates every live context and returns how many were
// affected. Only the recovery manager calls this, with exclusive access
// to the underlying store.
func (cr *ContextRegistry) ResetAll() int {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	for h := range cr.handles {
		h.invalidated.Store(true)
	}
	return len(cr.handles)
}

// Live returns the number of registered contexts.
func (cr *ContextRegistry) Live() int {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return len(cr.handles)
}
