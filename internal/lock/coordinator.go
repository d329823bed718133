package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/world-exchange/internal/metrics"
)

// Options configures a Coordinator. Zero fields take the defaults below.
type Options struct {
	TTL           time.Duration // lease lifetime in the store (default 5s)
	Timeout       time.Duration // overall acquisition budget (default 2s)
	RetryInterval time.Duration // fixed backoff between attempts (default 100ms)
	MaxAttempts   int           // attempt cap (default 20)
	Policy        Policy        // behavior when the store is unreachable (default FailClosed)
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 100 * time.Millisecond
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 20
	}
	if o.Policy == "" {
		o.Policy = FailClosed
	}
	return o
}

// Coordinator runs critical sections under named leases.
// It holds no global state; each instance wraps an injected Locker.
type Coordinator struct {
	locker Locker
	opts   Options
}

// NewCoordinator creates a coordinator over the given locker.
func NewCoordinator(locker Locker, opts Options) *Coordinator {
	return &Coordinator{locker: locker, opts: opts.withDefaults()}
}

// Policy returns the configured degradation policy.
func (c *Coordinator) Policy() Policy {
	return c.opts.Policy
}

// WithLock acquires the lease for key, runs fn, and always releases the lease
// afterwards, including when fn panics.
//
// Acquisition retries with a fixed backoff until either the wall-clock budget
// or the attempt cap runs out, then fails with ErrLockTimeout. If the store is
// unreachable, FailClosed returns ErrLockUnavailable and FailOpen runs fn with
// Lease.Held == false.
func (c *Coordinator) WithLock(ctx context.Context, key string, fn func(ctx context.Context, lease Lease) error) error {
	lease := Lease{Key: key, Token: uuid.NewString()}
	deadline := time.Now().Add(c.opts.Timeout)

	for attempt := 1; ; attempt++ {
		ok, err := c.locker.Acquire(ctx, key, lease.Token, c.opts.TTL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return c.degrade(ctx, lease, err, fn)
		}
		if ok {
			break
		}

		if attempt >= c.opts.MaxAttempts || time.Now().Add(c.opts.RetryInterval).After(deadline) {
			metrics.LockAcquisitions.WithLabelValues("timeout").Inc()
			return fmt.Errorf("%w: %s after %d attempts", ErrLockTimeout, key, attempt)
		}

		timer := time.NewTimer(c.opts.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
	lease.Held = true
	defer c.release(ctx, lease)

	return fn(ctx, lease)
}

func (c *Coordinator) degrade(ctx context.Context, lease Lease, cause error, fn func(context.Context, Lease) error) error {
	if c.opts.Policy != FailOpen {
		metrics.LockAcquisitions.WithLabelValues("unavailable").Inc()
		slog.Error("lock store unreachable, rejecting operation",
			"key", lease.Key,
			"policy", string(c.opts.Policy),
			"err", cause,
		)
		return fmt.Errorf("%w: %v", ErrLockUnavailable, cause)
	}

	metrics.LockAcquisitions.WithLabelValues("fail_open").Inc()
	slog.Error("LOCK STORE UNREACHABLE: proceeding WITHOUT mutual exclusion",
		"key", lease.Key,
		"policy", string(c.opts.Policy),
		"err", cause,
	)
	return fn(ctx, lease)
}

// release runs on a context detached from the caller's cancellation so a
// cancelled request still frees its lease.
func (c *Coordinator) release(ctx context.Context, lease Lease) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()

	released, err := c.locker.Release(rctx, lease.Key, lease.Token)
	switch {
	case err != nil:
		slog.Warn("lock release failed; lease will expire by TTL",
			"key", lease.Key, "ttl", c.opts.TTL.String(), "err", err)
	case !released:
		metrics.LockReleaseLost.Inc()
		slog.Warn("lease expired before release", "key", lease.Key)
	}
}
