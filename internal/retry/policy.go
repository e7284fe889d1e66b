// Package retry decides what happens to a command after an attempt.
package retry

import "github.com/relaybird/syncd/internal/outcome"

// Decision is the policy's verdict on a finalized attempt.
type Decision int

const (
	// Succeeded means the attempt finished without errors.
	Succeeded Decision = iota
	// Retry means the command goes back to the queue for a later pass.
	Retry
	// Abandon means the command failed permanently or ran out of budget.
	Abandon
)

func (d Decision) String() string {
	switch d {
	case Succeeded:
		return "succeeded"
	case Retry:
		return "retry"
	case Abandon:
		return "abandon"
	default:
		return "unknown"
	}
}

// Finished reports whether the command leaves the queue.
func (d Decision) Finished() bool {
	return d != Retry
}

// Decide classifies a result that already went through FinalizeAttempt.
// Hard errors are abandoned regardless of the remaining budget; soft errors
// are retried while budget remains.
func Decide(r outcome.Result) Decision {
	switch {
	case !r.HasError():
		return Succeeded
	case r.ShouldRetry():
		return Retry
	default:
		return Abandon
	}
}
