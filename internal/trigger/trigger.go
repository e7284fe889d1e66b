// Package trigger produces the signals that start scheduling passes.
//
// A pass is started by any of:
//   - the periodic Ticker
//   - a control message received on the Redis control stream (Control)
//   - the process itself, for example right after the queue is restored
//
// Merge fans the sources into one channel and rate limits the passes, so a
// burst of control messages collapses into a single pass.
package trigger

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Signal is a coalescing trigger: any number of Fire calls between two
// receives deliver a single value.
type Signal chan struct{}

// NewSignal creates a Signal.
func NewSignal() Signal {
	return make(Signal, 1)
}

// Fire requests a pass without blocking.
func (s Signal) Fire() {
	select {
	case s <- struct{}{}:
	default:
	}
}

// Ticker fires once immediately and then every interval until ctx is done.
func Ticker(ctx context.Context, interval time.Duration) <-chan struct{} {
	out := NewSignal()
	out.Fire()
	if interval <= 0 {
		return out
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				out.Fire()
			}
		}
	}()
	return out
}

// Merge combines sources into one channel. Signals arriving while a pass is
// waiting on the limiter are collapsed. A nil limiter disables rate
// limiting. The returned channel is closed when ctx is done.
func Merge(ctx context.Context, limiter *rate.Limiter, sources ...<-chan struct{}) <-chan struct{} {
	pending := NewSignal()
	for _, src := range sources {
		go func(src <-chan struct{}) {
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-src:
					if !ok {
						return
					}
					pending.Fire()
				}
			}
		}(src)
	}

	out := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-pending:
			}
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- struct{}{}:
			}
		}
	}()
	return out
}

// NewLimiter allows one pass per interval with the given burst.
// A non-positive interval returns nil (unlimited).
func NewLimiter(interval time.Duration, burst int) *rate.Limiter {
	if interval <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(interval), burst)
}
