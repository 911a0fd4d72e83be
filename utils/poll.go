package utils

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrWaitTimeout is returned by WaitFor when the condition never held.
var ErrWaitTimeout = errors.New("condition not met before timeout")

// WaitFor calls check immediately and then every interval until it reports
// done, fails, or timeout elapses. Cancellation of ctx is returned as is.
func WaitFor(ctx context.Context, timeout, interval time.Duration, check func() (done bool, err error)) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		switch done, err := check(); {
		case err != nil:
			return err
		case done:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w after %s", ErrWaitTimeout, timeout)
		case <-tick.C:
		}
	}
}
