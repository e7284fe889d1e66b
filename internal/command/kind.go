package command

import (
	"fmt"
	"sort"

	"github.com/relaybird/syncd/internal/outcome"
)

// Kind is an enumerated command operation.
type Kind string

const (
	KindFetchTimeline      Kind = "fetch-timeline"
	KindFetchOlderTimeline Kind = "fetch-older-timeline"
	KindRateLimitStatus    Kind = "rate-limit-status"
	KindSyncAllAccounts    Kind = "sync-all-accounts"
	KindFetchAvatar        Kind = "fetch-avatar"
	KindFetchAttachment    Kind = "fetch-attachment"
	KindPostMessage        Kind = "post-message"
	KindDeleteMessage      Kind = "delete-message"
	KindFollow             Kind = "follow"
)

// FanOut tells the runner how a command splits into steps.
type FanOut int

const (
	// FanOutScope runs one step against the command's own scope.
	FanOutScope FanOut = iota
	// FanOutAllAccounts runs one step per configured account.
	FanOutAllAccounts
)

// Policy is the retry budget and step fan-out of a kind.
type Policy struct {
	// Budget is the retry budget set when the command is launched
	Budget int

	// FanOut selects the step strategy
	FanOut FanOut

	// StepKind is the kind executed by each step; defaults to the command's kind
	StepKind Kind
}

// Table maps every known kind to its Policy.
type Table map[Kind]Policy

// DefaultTable returns the built-in kinds. Periodic refreshes and rate limit
// checks run at most once per launch; everything else gets the default budget.
func DefaultTable() Table {
	return Table{
		KindFetchTimeline:      {Budget: 0},
		KindFetchOlderTimeline: {Budget: 0},
		KindRateLimitStatus:    {Budget: 0},
		KindSyncAllAccounts:    {Budget: 0, FanOut: FanOutAllAccounts, StepKind: KindFetchTimeline},
		KindFetchAvatar:        {Budget: outcome.DefaultRetryBudget},
		KindFetchAttachment:    {Budget: outcome.DefaultRetryBudget},
		KindPostMessage:        {Budget: outcome.DefaultRetryBudget},
		KindDeleteMessage:      {Budget: outcome.DefaultRetryBudget},
		KindFollow:             {Budget: outcome.DefaultRetryBudget},
	}
}

// Lookup returns the policy for kind.
func (t Table) Lookup(kind Kind) (Policy, error) {
	policy, ok := t[kind]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if policy.StepKind == "" {
		policy.StepKind = kind
	}
	return policy, nil
}

// Budget returns the retry budget for kind, or 0 for unknown kinds.
func (t Table) Budget(kind Kind) int {
	return t[kind].Budget
}

// WithBudgets returns a copy of t with the given budgets replaced.
func (t Table) WithBudgets(overrides map[string]int) (Table, error) {
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	for name, budget := range overrides {
		kind := Kind(name)
		policy, ok := out[kind]
		if !ok {
			return nil, fmt.Errorf("budget override: %w: %q", ErrUnknownKind, name)
		}
		if budget < 0 {
			return nil, fmt.Errorf("budget override for %s: must not be negative, got %d", name, budget)
		}
		policy.Budget = budget
		out[kind] = policy
	}
	return out, nil
}

// Kinds returns the known kinds in lexical order.
func (t Table) Kinds() []Kind {
	kinds := make([]Kind, 0, len(t))
	for k := range t {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
