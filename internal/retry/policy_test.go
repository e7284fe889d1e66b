package retry

import (
	"testing"
	"time"

	"github.com/relaybird/syncd/internal/outcome"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		result outcome.Result
		want   Decision
	}{
		{"clean", outcome.Result{Executed: true, RetriesLeft: 5}, Succeeded},
		{"clean without budget", outcome.Result{Executed: true}, Succeeded},
		{"soft with budget", outcome.Result{Executed: true, IOErrors: 1, RetriesLeft: 1}, Retry},
		{"soft without budget", outcome.Result{Executed: true, IOErrors: 1}, Abandon},
		{"auth with budget", outcome.Result{Executed: true, AuthErrors: 1, RetriesLeft: 9}, Abandon},
		{"parse with budget", outcome.Result{Executed: true, ParseErrors: 1, RetriesLeft: 9}, Abandon},
		{"soft and hard", outcome.Result{Executed: true, IOErrors: 1, ParseErrors: 1, RetriesLeft: 9}, Abandon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.result); got != tt.want {
				t.Errorf("Decide() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Decide must agree with the record's own retry gate once an attempt is finalized.
func TestDecideAgreesWithShouldRetry(t *testing.T) {
	for auth := int64(0); auth <= 1; auth++ {
		for io := int64(0); io <= 1; io++ {
			for parse := int64(0); parse <= 1; parse++ {
				for budget := 0; budget <= 2; budget++ {
					r := outcome.Result{AuthErrors: auth, IOErrors: io, ParseErrors: parse, RetriesLeft: budget}
					r.FinalizeAttempt(time.Now())
					if (Decide(r) == Retry) != r.ShouldRetry() {
						t.Errorf("Decide(%+v) = %v, ShouldRetry = %v", r, Decide(r), r.ShouldRetry())
					}
				}
			}
		}
	}
}

func TestDecisionFinished(t *testing.T) {
	if !Succeeded.Finished() || !Abandon.Finished() {
		t.Error("Succeeded and Abandon should be finished")
	}
	if Retry.Finished() {
		t.Error("Retry should not be finished")
	}
	if Decision(99).String() != "unknown" {
		t.Errorf("String() = %q", Decision(99).String())
	}
}
