package ports

import (
	"context"
	"time"
)

// UnlockFunc is a function that releases a lock.
type UnlockFunc func(ctx context.Context) error

// Locker defines the interface for run-level concurrency control.
// It prevents two processes from resuming the same run at once.
type Locker interface {
	// Lock blocks until the lock for key is acquired or ctx is done.
	// The lock expires after ttl if never released (implementation specific).
	// Returns an UnlockFunc that MUST be called to release the lock.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}
