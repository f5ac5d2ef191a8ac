// Package loopctl is the Go analogue of the original Wuild ThreadLoop
// (original_source/Platform/ThreadLoop.cpp): a cooperative loop that runs a
// quant function repeatedly until told to stop. Where the original checked
// a process-wide interrupted flag plus its own atomic_bool condition, this
// version uses a context.Context and an errgroup.Group so callers can wait
// for clean shutdown instead of fire-and-forget goroutines.
package loopctl

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Loop runs quant in its own goroutine, supervised by group, until ctx is
// canceled. Between quants it sleeps idle, unless kick receives a value
// first, in which case it requants immediately — this realizes spec.md
// §9's "condition variable wake-up whenever C4 or C3 state changes"
// alternative to a fixed sleep.
func Loop(group *errgroup.Group, ctx context.Context, idle time.Duration, kick <-chan struct{}, quant func(ctx context.Context)) {
	group.Go(func() error {
		timer := time.NewTimer(idle)
		defer timer.Stop()
		for {
			quant(ctx)

			select {
			case <-ctx.Done():
				return nil
			default:
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)

			select {
			case <-ctx.Done():
				return nil
			case <-kick:
			case <-timer.C:
			}
		}
	})
}

// Kick is a single-slot signal channel: sending never blocks, and repeated
// sends before the receiver drains collapse into one wake-up. Used to
// nudge DispatchLoop and CoordinatorClient when queue/channel state
// changes instead of waiting out the idle quant.
type Kick chan struct{}

// NewKick creates a ready-to-use Kick channel.
func NewKick() Kick { return make(Kick, 1) }

// Send requests a requant without blocking.
func (k Kick) Send() {
	select {
	case k <- struct{}{}:
	default:
	}
}
