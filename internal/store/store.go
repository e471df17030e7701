// Package store persists serialized histories under named slots.
//
// A Store holds opaque byte values; the history package owns the encoding.
// Update is the only write path and is atomic per slot for the server-side
// backends, which keeps two tabs reconciling at once from dropping an entry.
// The cookie backend lives on the client and cannot offer that guarantee.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("slot not found")
	ErrValueTooLarge = errors.New("value too large for store")
	ErrConflict      = errors.New("concurrent update conflict")
	ErrInvalidValue  = errors.New("stored value failed verification")
)

// UpdateFunc receives the current slot value and returns the value to
// write. Returning a nil slice leaves the slot untouched.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Close() error
	Name() string // Returns the backend name for metrics and logging
}

// Pinger is implemented by backends that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
