// Package command defines the unit of scheduled work and the per-kind
// policy table that drives retry budgets and step fan-out.
package command

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/relaybird/syncd/internal/outcome"
)

// AllAccounts is the account of commands that touch every account.
const AllAccounts = "*"

var (
	// ErrUnknownKind is returned for kinds missing from the Table.
	ErrUnknownKind = errors.New("unknown command kind")
	// ErrNoAccount is returned when a command has no target account.
	ErrNoAccount = errors.New("command has no account")
	// ErrCancelled is returned by stores when the stored command was
	// cancelled by another process and the update was not applied.
	ErrCancelled = errors.New("command was cancelled")
)

// State is the lifecycle state of a command in the queue and ledger.
type State string

const (
	StatePending   State = "pending"
	StateExecuting State = "executing"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateAbandoned State = "abandoned"
	StateCancelled State = "cancelled"
)

// Finished reports whether the state is terminal.
func (s State) Finished() bool {
	switch s {
	case StateSucceeded, StateAbandoned, StateCancelled:
		return true
	}
	return false
}

// Scope is the target a command operates on.
type Scope struct {
	// Account is the account id used for mutual exclusion
	Account string

	// Target optionally names an item within the account (user, message, media)
	Target string
}

// Conflicts reports whether two scopes must not execute concurrently.
func (s Scope) Conflicts(other Scope) bool {
	return s.Account == other.Account || s.Account == AllAccounts || other.Account == AllAccounts
}

// Command is a logical unit of scheduled work owning one Result across
// all of its attempts.
type Command struct {
	ID        string
	Kind      Kind
	Scope     Scope
	Payload   string
	CreatedAt time.Time

	// Seq orders commands in the queue; assigned on enqueue
	Seq int64

	State  State
	Result outcome.Result
}

// New creates a pending command with a fresh id.
func New(kind Kind, scope Scope, payload string, now time.Time) *Command {
	return &Command{
		ID:        uuid.New().String(),
		Kind:      kind,
		Scope:     scope,
		Payload:   payload,
		CreatedAt: now,
		State:     StatePending,
	}
}

// Key identifies equivalent commands for coalescing.
func (c *Command) Key() string {
	return string(c.Kind) + "|" + c.Scope.Account + "|" + c.Scope.Target
}

// Validate checks the command against the kind table.
func (c *Command) Validate(table Table) error {
	if _, err := table.Lookup(c.Kind); err != nil {
		return err
	}
	if c.Scope.Account == "" {
		return ErrNoAccount
	}
	return nil
}

// Clone returns a copy safe to hand outside the owner's lock.
func (c *Command) Clone() *Command {
	cp := *c
	return &cp
}
