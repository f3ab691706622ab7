package tokenstore

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyIdentity is returned by Put for a record without an identity.
	ErrEmptyIdentity = errors.New("identity cannot be empty")

	// ErrMissingAccessToken is returned by Put for a record that is not valid.
	ErrMissingAccessToken = errors.New("credential record has no access token")
)

// PersistenceError reports a snapshot write that did not reach disk.
// The in-memory store is unaffected.
type PersistenceError struct {
	Path string
	Op   string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist token snapshot %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
