package command

import (
	"errors"
	"testing"
	"time"

	"github.com/relaybird/syncd/internal/outcome"
)

func TestDefaultTableBudgets(t *testing.T) {
	table := DefaultTable()
	zero := []Kind{KindFetchTimeline, KindFetchOlderTimeline, KindRateLimitStatus, KindSyncAllAccounts}
	for _, k := range zero {
		if got := table.Budget(k); got != 0 {
			t.Errorf("Budget(%s) = %d, want 0", k, got)
		}
	}
	ten := []Kind{KindFetchAvatar, KindFetchAttachment, KindPostMessage, KindDeleteMessage, KindFollow}
	for _, k := range ten {
		if got := table.Budget(k); got != outcome.DefaultRetryBudget {
			t.Errorf("Budget(%s) = %d, want %d", k, got, outcome.DefaultRetryBudget)
		}
	}
}

func TestLookup(t *testing.T) {
	table := DefaultTable()

	policy, err := table.Lookup(KindSyncAllAccounts)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if policy.FanOut != FanOutAllAccounts || policy.StepKind != KindFetchTimeline {
		t.Errorf("sync-all policy = %+v", policy)
	}

	policy, err = table.Lookup(KindFetchAvatar)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if policy.StepKind != KindFetchAvatar {
		t.Errorf("StepKind should default to the kind itself, got %q", policy.StepKind)
	}

	if _, err := table.Lookup("teleport"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Lookup(unknown) error = %v, want ErrUnknownKind", err)
	}
}

func TestWithBudgets(t *testing.T) {
	base := DefaultTable()
	table, err := base.WithBudgets(map[string]int{"post-message": 3, "fetch-timeline": 1})
	if err != nil {
		t.Fatalf("WithBudgets: %v", err)
	}
	if table.Budget(KindPostMessage) != 3 || table.Budget(KindFetchTimeline) != 1 {
		t.Errorf("overrides not applied: %+v", table)
	}
	if base.Budget(KindPostMessage) != outcome.DefaultRetryBudget {
		t.Error("WithBudgets must not modify the receiver")
	}

	if _, err := base.WithBudgets(map[string]int{"nope": 1}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("unknown override error = %v", err)
	}
	if _, err := base.WithBudgets(map[string]int{"follow": -1}); err == nil {
		t.Error("negative budget should be rejected")
	}
}

func TestScopeConflicts(t *testing.T) {
	a := Scope{Account: "alice@mastodon.social"}
	a2 := Scope{Account: "alice@mastodon.social", Target: "avatar"}
	b := Scope{Account: "bob@pump.io"}
	all := Scope{Account: AllAccounts}

	if !a.Conflicts(a2) {
		t.Error("same account should conflict")
	}
	if a.Conflicts(b) {
		t.Error("different accounts should not conflict")
	}
	if !all.Conflicts(b) || !b.Conflicts(all) {
		t.Error("all-accounts scope conflicts with every account")
	}
}

func TestCommandKeyAndValidate(t *testing.T) {
	now := time.Now()
	c1 := New(KindFetchAvatar, Scope{Account: "a", Target: "u1"}, "", now)
	c2 := New(KindFetchAvatar, Scope{Account: "a", Target: "u1"}, "", now)
	c3 := New(KindFetchAvatar, Scope{Account: "a", Target: "u2"}, "", now)

	if c1.ID == c2.ID {
		t.Error("commands should get distinct ids")
	}
	if c1.Key() != c2.Key() {
		t.Error("equivalent commands should share a key")
	}
	if c1.Key() == c3.Key() {
		t.Error("different targets should not share a key")
	}
	if c1.State != StatePending {
		t.Errorf("State = %s, want pending", c1.State)
	}

	table := DefaultTable()
	if err := c1.Validate(table); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if err := New(KindFollow, Scope{}, "", now).Validate(table); !errors.Is(err, ErrNoAccount) {
		t.Errorf("Validate without account = %v", err)
	}
}

func TestStateFinished(t *testing.T) {
	for _, s := range []State{StateSucceeded, StateAbandoned, StateCancelled} {
		if !s.Finished() {
			t.Errorf("%s should be finished", s)
		}
	}
	for _, s := range []State{StatePending, StateExecuting, StateRetrying} {
		if s.Finished() {
			t.Errorf("%s should not be finished", s)
		}
	}
}
