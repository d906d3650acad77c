package fsprovider

import (
	"context"
	"sync"
)

// Completion is a single-resolution promise. Host-facing operations must
// invoke their completion exactly once even when cancelled mid-flight;
// Completion guarantees at-most-once resolution by construction, so
// callers don't need to nil out callbacks manually.
type Completion[T any] struct {
	once sync.Once
	ch   chan T
}

// NewCompletion returns an unresolved completion.
func NewCompletion[T any]() *Completion[T] {
	return &Completion[T]{ch: make(chan T, 1)}
}

// Resolve delivers the value. Only the first call wins; it reports
// whether this call was the one that resolved the completion.
func (c *Completion[T]) Resolve(v T) bool {
	resolved := false
	c.once.Do(func() {
		c.ch <- v
		close(c.ch)
		resolved = true
	})
	return resolved
}

// Wait blocks until the completion resolves or ctx is done.
func (c *Completion[T]) Wait(ctx context.Context) (T, error) {
	select {
	case v := <-c.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done exposes the resolution channel for select loops. The channel is
// closed after the value is consumed or delivered.
func (c *Completion[T]) Done() <-chan T { return c.ch }
