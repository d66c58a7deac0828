// Package lock provides per-environment mutual exclusion for release runs.
package lock

import (
	"context"
	"time"
)

// DefaultTTL bounds how long a crashed holder can keep an environment busy.
const DefaultTTL = 2 * time.Minute

// Locker grants single-owner leases on keys. Owners refresh leases while
// they work and release them on any terminal outcome.
type Locker interface {
	// Acquire takes key for owner. It reports false when another owner holds it.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Refresh extends the lease. It reports false when owner no longer holds key.
	Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release drops the lease if owner still holds it.
	Release(ctx context.Context, key, owner string) error
	// Owner returns the current holder of key.
	Owner(ctx context.Context, key string) (string, bool, error)
	Close()
}
