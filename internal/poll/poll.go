// Package poll provides the deadline and ticker primitives shared by every
// wait loop in hotswap: command timeouts, RPC build-status polling and
// process liveness re-checks all measure their budgets through this package.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrBudgetExceeded is returned by Every when the budget elapses before the
// condition reports done.
var ErrBudgetExceeded = errors.New("poll budget exceeded")

// =============================================================================
// Deadline
// =============================================================================

// Deadline is a time budget measured from the moment it was started.
// A zero or negative budget never expires.
type Deadline struct {
	start  time.Time
	budget time.Duration
}

// Start begins a new budget.
func Start(budget time.Duration) Deadline {
	return Deadline{start: time.Now(), budget: budget}
}

// Budget returns the total budget.
func (d Deadline) Budget() time.Duration {
	return d.budget
}

// Elapsed returns the time spent since Start.
func (d Deadline) Elapsed() time.Duration {
	return time.Since(d.start)
}

// Unbounded reports whether the deadline has no budget.
func (d Deadline) Unbounded() bool {
	return d.budget <= 0
}

// Remaining returns the time left, never negative.
func (d Deadline) Remaining() time.Duration {
	if d.Unbounded() {
		return time.Duration(1<<63 - 1)
	}
	left := d.budget - d.Elapsed()
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether the budget is used up.
func (d Deadline) Expired() bool {
	return !d.Unbounded() && d.Elapsed() >= d.budget
}

// Cap returns the smaller of v and the remaining budget.
func (d Deadline) Cap(v time.Duration) time.Duration {
	if left := d.Remaining(); left < v {
		return left
	}
	return v
}

// Context derives a context that is cancelled when the budget runs out.
func (d Deadline) Context(parent context.Context) (context.Context, context.CancelFunc) {
	if d.Unbounded() {
		return context.WithCancel(parent)
	}
	return context.WithDeadline(parent, d.start.Add(d.budget))
}

// =============================================================================
// Waiting
// =============================================================================

// Sleep blocks for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Condition is evaluated by Every. Returning done=true stops the loop with
// success; returning an error stops it with that error.
type Condition func(ctx context.Context) (done bool, err error)

// Every evaluates cond immediately and then once per interval until it
// reports done, returns an error, ctx is cancelled, or budget elapses.
// The last evaluation happens no later than the budget boundary.
func Every(ctx context.Context, interval, budget time.Duration, cond Condition) error {
	d := Start(budget)

	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if d.Expired() {
			return ErrBudgetExceeded
		}
		if err := Sleep(ctx, d.Cap(interval)); err != nil {
			return err
		}
	}
}
