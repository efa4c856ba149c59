// Package lock provides named, time-bounded mutual exclusion across worker processes.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/flowworker/errors"
)

// DefaultRetryInterval is how often Acquire retries a held lock
const DefaultRetryInterval = 100 * time.Millisecond

// Lock is a held lock. Release is safe to call more than once.
type Lock interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker acquires locks. The timeout bounds both how long Acquire waits for a
// held lock and how long the acquired lock lives if its holder never releases it.
type Locker interface {
	Acquire(ctx context.Context, key string, timeout time.Duration) (Lock, error)
}

// tryFunc attempts a single acquisition, reporting whether it succeeded
type tryFunc func(ctx context.Context) (bool, error)

// acquireWithRetry calls try until it succeeds, the timeout elapses or ctx ends
func acquireWithRetry(ctx context.Context, key string, timeout, interval time.Duration, try tryFunc) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := try(ctx)
		if err != nil {
			err = errors.Wrap(err, "lock acquisition failed")
			return errors.WithDetail(err, fmt.Sprintf("Lock key: %s", key))
		}
		if ok {
			return nil
		}

		if !time.Now().Before(deadline) {
			err := errors.Wrapf(errors.ErrLockNotAcquired, "timed out after %s", timeout)
			return errors.WithDetail(err, fmt.Sprintf("Lock key: %s", key))
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "lock acquisition cancelled")
		case <-ticker.C:
		}
	}
}
