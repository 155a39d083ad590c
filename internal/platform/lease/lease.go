// Package lease provides per-key mutual exclusion for token refreshes. A lease
// is held across the provider round trip and the store write so that at most
// one refresh per link record is in flight, in this process or across replicas.
package lease

import (
	"context"
	"errors"
)

// ErrNotAcquired is returned when the context ends before the lease is granted.
var ErrNotAcquired = errors.New("lease not acquired")

// Locker grants exclusive leases on keys.
type Locker interface {
	// Acquire blocks until the lease on key is held or ctx is done. The
	// returned release func must be called exactly once.
	Acquire(ctx context.Context, key string) (release func(), err error)
}
