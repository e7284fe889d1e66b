// Package outcome holds the result record of one command execution.
//
// A Result is produced per step by a step executor and folded into the
// command's aggregate Result:
//
//	aggregate = Fold(step1, step2, ...)
//
// The aggregate also carries attempt bookkeeping (execution count, retry
// budget, last execution time) that step results never contribute.
package outcome

import "time"

// DefaultRetryBudget is the retry budget of ordinary command kinds.
const DefaultRetryBudget = 10

// MessageSeparator joins messages of accumulated steps.
const MessageSeparator = "; \n"

// Result is the outcome of executing a command or one of its steps.
type Result struct {
	// Attempt bookkeeping, owned by the aggregate
	LastExecutedAt time.Time
	ExecutionCount int
	RetriesLeft    int
	Executed       bool

	// Error tallies
	AuthErrors  int64
	IOErrors    int64
	ParseErrors int64

	// Message is a human readable diagnostic, never overwritten by merges
	Message string

	// ItemID identifies the primary affected item; 0 means unset
	ItemID int64

	// Rate limit telemetry; 0 means the service did not report it
	HourlyLimit   int
	RemainingHits int

	// Counters for user notifications
	MessagesAdded   int
	MentionsAdded   int
	DirectedAdded   int
	DownloadedCount int

	// Progress is transient and reset at the start of every attempt
	Progress string
}

// HasError reports whether the result carries any error.
func (r *Result) HasError() bool {
	return r.HasSoftError() || r.HasHardError()
}

// HasHardError reports a permanent failure: rejected credentials or an
// unparseable response. Hard errors are never retried.
func (r *Result) HasHardError() bool {
	return r.AuthErrors > 0 || r.ParseErrors > 0
}

// HasSoftError reports a transient failure.
func (r *Result) HasSoftError() bool {
	return r.IOErrors > 0
}

// ShouldRetry is the retry gate evaluated right after FinalizeAttempt.
func (r *Result) ShouldRetry() bool {
	return (!r.Executed || r.HasError()) && !r.HasHardError() && r.RetriesLeft > 0
}

// NewAttempt clears everything a step can contribute. Attempt bookkeeping
// (retry budget, execution count, last execution time) is kept.
func (r *Result) NewAttempt() {
	r.Executed = false

	r.AuthErrors = 0
	r.IOErrors = 0
	r.ParseErrors = 0
	r.Message = ""

	r.ItemID = 0

	r.HourlyLimit = 0
	r.RemainingHits = 0

	r.MessagesAdded = 0
	r.MentionsAdded = 0
	r.DirectedAdded = 0
	r.DownloadedCount = 0

	r.Progress = ""
}

// ResetRetryBudget sets the budget for a fresh launch and starts a new attempt.
func (r *Result) ResetRetryBudget(budget int) {
	if budget < 0 {
		budget = 0
	}
	r.RetriesLeft = budget
	r.NewAttempt()
}

// FinalizeAttempt closes one attempt. It must be called exactly once per
// attempt, after all steps of the attempt have been accumulated.
func (r *Result) FinalizeAttempt(now time.Time) {
	r.Executed = true
	r.ExecutionCount++
	if r.RetriesLeft > 0 {
		r.RetriesLeft--
	}
	r.LastExecutedAt = now
}

// Accumulate merges a step result into r.
func (r *Result) Accumulate(step Result) {
	*r = Merge(*r, step)
}

// ClearErrors zeroes the error tallies.
func (r *Result) ClearErrors() {
	r.AuthErrors = 0
	r.IOErrors = 0
	r.ParseErrors = 0
}

// Merge combines an aggregate with one step result and returns the new
// aggregate. Counters are summed, messages concatenated, ItemID keeps the
// first non-zero value and the quota fields take the step's values.
// Merge is associative, so steps may be folded in any grouping as long as
// their order is kept.
func Merge(agg, step Result) Result {
	out := agg

	out.AuthErrors += step.AuthErrors
	out.IOErrors += step.IOErrors
	out.ParseErrors += step.ParseErrors

	out.Message = joinMessages(agg.Message, step.Message)

	if out.ItemID == 0 {
		out.ItemID = step.ItemID
	}

	// The latest step has the freshest quota view
	out.HourlyLimit = step.HourlyLimit
	out.RemainingHits = step.RemainingHits

	out.MessagesAdded += step.MessagesAdded
	out.MentionsAdded += step.MentionsAdded
	out.DirectedAdded += step.DirectedAdded
	out.DownloadedCount += step.DownloadedCount

	return out
}

// Fold merges step results in order, starting from the empty Result.
func Fold(steps ...Result) Result {
	var agg Result
	for _, step := range steps {
		agg = Merge(agg, step)
	}
	return agg
}

func joinMessages(a, b string) string {
	switch {
	case b == "":
		return a
	case a == "":
		return b
	default:
		return a + MessageSeparator + b
	}
}

// IncAuthErrors counts a rejected credential or revoked access.
func (r *Result) IncAuthErrors() { r.AuthErrors++ }

// IncIOErrors counts a transient network failure.
func (r *Result) IncIOErrors() { r.IOErrors++ }

// IncParseErrors counts a malformed or incompatible response.
func (r *Result) IncParseErrors() { r.ParseErrors++ }

// SetSoftErrorIfNotOK counts an IO error when ok is false.
func (r *Result) SetSoftErrorIfNotOK(ok bool) {
	if !ok {
		r.IncIOErrors()
	}
}

func (r *Result) IncMessages()   { r.MessagesAdded++ }
func (r *Result) IncMentions()   { r.MentionsAdded++ }
func (r *Result) IncDirected()   { r.DirectedAdded++ }
func (r *Result) IncDownloaded() { r.DownloadedCount++ }

// SetItemID records the primary affected item.
func (r *Result) SetItemID(id int64) { r.ItemID = id }

// SetQuota records the service's current rate limit view.
func (r *Result) SetQuota(hourlyLimit, remainingHits int) {
	r.HourlyLimit = hourlyLimit
	r.RemainingHits = remainingHits
}

// AppendMessage adds a diagnostic using the same separator as Merge.
func (r *Result) AppendMessage(msg string) {
	r.Message = joinMessages(r.Message, msg)
}
