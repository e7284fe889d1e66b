package outcome

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ErrorClass names the classification shown in summaries.
func (r *Result) ErrorClass() string {
	switch {
	case r.HasHardError():
		return "Hard"
	case r.HasSoftError():
		return "Soft"
	default:
		return "None"
	}
}

// Summary renders the result for the scheduler and for users. The field
// order is fixed: execution count, time since last run, retries left, error
// class, non-zero item counters (downloaded, messages, mentions, directed),
// then the free-text message.
func (r *Result) Summary(now time.Time) string {
	var b strings.Builder
	if r.ExecutionCount > 0 {
		fmt.Fprintf(&b, "executed:%d, ", r.ExecutionCount)
		fmt.Fprintf(&b, "last:%s, ", relativeTime(r.LastExecutedAt, now))
		if r.RetriesLeft > 0 {
			fmt.Fprintf(&b, "retriesLeft:%d, ", r.RetriesLeft)
		}
		if !r.HasError() {
			b.WriteString("error:None, ")
		}
	}
	if r.HasError() {
		fmt.Fprintf(&b, "error:%s, ", r.ErrorClass())
	}
	if r.DownloadedCount > 0 {
		fmt.Fprintf(&b, "downloaded:%d, ", r.DownloadedCount)
	}
	if r.MessagesAdded > 0 {
		fmt.Fprintf(&b, "messages:%d, ", r.MessagesAdded)
	}
	if r.MentionsAdded > 0 {
		fmt.Fprintf(&b, "mentions:%d, ", r.MentionsAdded)
	}
	if r.DirectedAdded > 0 {
		fmt.Fprintf(&b, "directed:%d, ", r.DirectedAdded)
	}
	if r.Message != "" {
		b.WriteString(" \n")
		b.WriteString(r.Message)
	}
	return b.String()
}

// String is used in log lines.
func (r *Result) String() string {
	if r == nil {
		return "(result is nil)"
	}
	return "Result{" + r.Summary(time.Now()) + "}"
}

func relativeTime(then, now time.Time) string {
	if then.IsZero() {
		return "never"
	}
	return humanize.RelTime(then, now, "ago", "from now")
}
