// Package store implements the crash-safe swap protocol for the
// metadata store file: disconnect the live store, work against a fresh
// recovery store, then either discard the recovery or promote it via a
// backup. Leftover Recovery_/Backup_ files at startup are the sole
// signal that a previous run was interrupted.
package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for the recovery protocol. Failures of individual
// filesystem or store operations wrap their cause in an OpError that
// matches one of these via errors.Is.
var (
	ErrNoStore          = errors.New("no store found")
	ErrNoStorePath      = errors.New("no store path found")
	ErrStoreAddition    = errors.New("store addition failed")
	ErrStoreLoading     = errors.New("store loading failed")
	ErrStoreMigration   = errors.New("store migration failed")
	ErrStoreReplacement = errors.New("store replacing failed")
	ErrStoreRemoval     = errors.New("store removal failed")
	ErrStoreDeletion    = errors.New("store deletion failed")
)

// OpError wraps the inner cause of a failed store operation. It matches
// its kind sentinel via errors.Is and exposes the cause via Unwrap.
type OpError struct {
	Kind  error
	Cause error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *OpError) Unwrap() error { return e.Cause }

// Is matches both the kind sentinel and the wrapped cause chain.
func (e *OpError) Is(target error) bool { return target == e.Kind }

func opError(kind, cause error) error {
	return &OpError{Kind: kind, Cause: cause}
}
