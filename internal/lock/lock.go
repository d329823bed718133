// Package lock implements named, TTL-bounded mutual-exclusion leases backed
// by an external key-value store.
//
// A lease is a (key, owner token, expiry) triple. Acquire sets the key only if
// it is absent; Release deletes it only if it still holds the caller's token,
// as one atomic check-and-delete. The ownership check is what keeps a caller
// whose lease already expired from destroying the next owner's lease.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLockTimeout is returned when a lease could not be acquired within the
	// overall wall-clock budget or attempt count. Callers may retry.
	ErrLockTimeout = errors.New("lock: timed out acquiring lease")

	// ErrLockUnavailable is returned under the fail-closed policy when the
	// backing store cannot be reached.
	ErrLockUnavailable = errors.New("lock: backing store unavailable")
)

// Locker is the store primitive the Coordinator is built on.
//
// Acquire returns (false, nil) when another owner holds the key, and a
// non-nil error only when the store itself could not be reached.
type Locker interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

// Policy selects what WithLock does when the backing store is unreachable.
type Policy string

const (
	// FailOpen runs the critical section without mutual exclusion.
	FailOpen Policy = "open"
	// FailClosed rejects the operation with ErrLockUnavailable.
	FailClosed Policy = "closed"
)

// ParsePolicy maps a config string to a Policy. Unknown values fail closed.
func ParsePolicy(s string) Policy {
	if s == string(FailOpen) {
		return FailOpen
	}
	return FailClosed
}

// Lease describes the exclusion a critical section runs under.
// Held is false only when the coordinator degraded to fail-open; callers must
// then rely on their own conditional writes for atomicity.
type Lease struct {
	Key   string
	Token string
	Held  bool
}
