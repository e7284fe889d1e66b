// Package queue holds pending commands in insertion order and hands them to
// runners one at a time.
//
// The queue enforces two rules:
//   - equivalent commands (same kind, account and target) are coalesced into
//     one entry
//   - at most one command per account executes at a time; the all-accounts
//     scope conflicts with every account
//
// Every membership change is written through to the Store so that the queue
// can be rebuilt after a restart. A command the Store reports as cancelled
// by another process (command.ErrCancelled) is dropped the next time the
// queue touches it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/relaybird/syncd/internal/command"
	"github.com/relaybird/syncd/internal/retry"
)

// ErrNotExecuting is returned when completing a command the queue did not hand out.
var ErrNotExecuting = errors.New("command is not executing")

// Store persists queue state. ledger.Store implements it.
type Store interface {
	Save(ctx context.Context, cmd *command.Command) error
	LoadUnfinished(ctx context.Context) ([]*command.Command, error)
	MaxSeq(ctx context.Context) (int64, error)
}

// Config holds configuration for the queue.
type Config struct {
	// Store is the durable ledger; nil keeps the queue in memory only
	Store Store

	// Table validates command kinds (default: command.DefaultTable())
	Table command.Table
}

type flight struct {
	cmd       *command.Command
	view      *command.Command // copy taken when the command was handed out
	cancelled bool
}

// Queue is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	store    Store
	table    command.Table
	pending  []*command.Command
	inFlight map[string]*flight
	deferred map[string]bool
	seq      int64
}

// New creates an empty queue.
func New(cfg Config) *Queue {
	table := cfg.Table
	if table == nil {
		table = command.DefaultTable()
	}
	return &Queue{
		store:    cfg.Store,
		table:    table,
		inFlight: make(map[string]*flight),
		deferred: make(map[string]bool),
	}
}

// Restore loads unfinished commands from the store, replacing the pending
// list. Commands that were executing when the previous process stopped come
// back as pending. It returns the number of restored commands.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	cmds, err := q.store.LoadUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore queue: %w", err)
	}
	maxSeq, err := q.store.MaxSeq(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = q.pending[:0]
	for _, cmd := range cmds {
		if cmd.State == command.StateExecuting {
			cmd.State = resumeState(cmd)
		}
		q.pending = append(q.pending, cmd)
	}
	if maxSeq > q.seq {
		q.seq = maxSeq
	}
	return len(cmds), nil
}

// Enqueue appends cmd unless an equivalent command is already pending or
// executing, in which case that command is returned and coalesced is true.
func (q *Queue) Enqueue(ctx context.Context, cmd *command.Command) (queued *command.Command, coalesced bool, err error) {
	if err := cmd.Validate(q.table); err != nil {
		return nil, false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := cmd.Key()
	for _, f := range q.inFlight {
		if f.cmd.Key() == key {
			return f.view.Clone(), true, nil
		}
	}
	for _, p := range q.pending {
		if p.Key() == key {
			return p.Clone(), true, nil
		}
	}

	cmd.Seq = q.nextSeqLocked(ctx)
	cmd.State = command.StatePending
	if err := q.save(ctx, cmd); err != nil {
		q.seq--
		return nil, false, err
	}
	q.pending = append(q.pending, cmd)
	return cmd.Clone(), false, nil
}

// BeginPass starts a scheduling pass. Commands requeued for retry during the
// previous pass become eligible again.
func (q *Queue) BeginPass() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deferred = make(map[string]bool)
}

// NextEligible removes and returns the oldest pending command whose scope
// does not conflict with an executing command, or nil when none is eligible.
// The caller owns the returned command until Complete or Release.
func (q *Queue) NextEligible(ctx context.Context) (*command.Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := 0; i < len(q.pending); i++ {
		cmd := q.pending[i]
		if q.deferred[cmd.ID] || q.conflictsLocked(cmd.Scope) {
			continue
		}

		prev := cmd.State
		cmd.State = command.StateExecuting
		err := q.save(ctx, cmd)
		if errors.Is(err, command.ErrCancelled) {
			cmd.State = command.StateCancelled
			q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
			delete(q.deferred, cmd.ID)
			i--
			continue
		}
		if err != nil {
			cmd.State = prev
			return nil, err
		}
		q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
		q.inFlight[cmd.ID] = &flight{cmd: cmd, view: cmd.Clone()}
		return cmd, nil
	}
	return nil, nil
}

func (q *Queue) conflictsLocked(scope command.Scope) bool {
	for _, f := range q.inFlight {
		if f.cmd.Scope.Conflicts(scope) {
			return true
		}
	}
	return false
}

// Complete records the decision for an executing command. Retried commands
// go to the back of the queue and are skipped until the next pass; finished
// commands leave the queue. The result is persisted either way.
// A command cancelled while executing is stored as cancelled.
func (q *Queue) Complete(ctx context.Context, cmd *command.Command, decision retry.Decision) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, ok := q.inFlight[cmd.ID]
	if !ok || f.cmd != cmd {
		return fmt.Errorf("%w: %s", ErrNotExecuting, cmd.ID)
	}
	delete(q.inFlight, cmd.ID)

	switch {
	case f.cancelled:
		cmd.State = command.StateCancelled
	case decision == retry.Retry:
		cmd.Seq = q.nextSeqLocked(ctx)
		cmd.State = command.StateRetrying
	case decision == retry.Succeeded:
		cmd.State = command.StateSucceeded
	default:
		cmd.State = command.StateAbandoned
	}

	err := q.save(ctx, cmd)
	if errors.Is(err, command.ErrCancelled) {
		cmd.State = command.StateCancelled
		return nil
	}
	if cmd.State == command.StateRetrying {
		q.pending = append(q.pending, cmd)
		q.deferred[cmd.ID] = true
	}
	return err
}

// Checkpoint persists an executing command mid-attempt, such as its
// progress between steps. A command cancelled in the store by another
// process is flagged as if Cancel had been called.
func (q *Queue) Checkpoint(ctx context.Context, cmd *command.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, ok := q.inFlight[cmd.ID]
	if !ok || f.cmd != cmd {
		return fmt.Errorf("%w: %s", ErrNotExecuting, cmd.ID)
	}
	err := q.save(ctx, cmd)
	if errors.Is(err, command.ErrCancelled) {
		f.cancelled = true
		return nil
	}
	return err
}

// Release returns an executing command to the queue without recording an
// attempt, keeping its original position. Used when execution is
// interrupted, for example on shutdown.
func (q *Queue) Release(ctx context.Context, cmd *command.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, ok := q.inFlight[cmd.ID]
	if !ok || f.cmd != cmd {
		return fmt.Errorf("%w: %s", ErrNotExecuting, cmd.ID)
	}
	delete(q.inFlight, cmd.ID)

	if f.cancelled {
		cmd.State = command.StateCancelled
		return q.save(ctx, cmd)
	}

	cmd.State = resumeState(cmd)
	err := q.save(ctx, cmd)
	if errors.Is(err, command.ErrCancelled) {
		cmd.State = command.StateCancelled
		return nil
	}
	idx := sort.Search(len(q.pending), func(i int) bool { return q.pending[i].Seq > cmd.Seq })
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = cmd
	return err
}

// Cancel removes a pending command or flags an executing one. It reports
// whether the command was found.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if f, ok := q.inFlight[id]; ok {
		f.cancelled = true
		return true, nil
	}
	for i, cmd := range q.pending {
		if cmd.ID != id {
			continue
		}
		q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
		delete(q.deferred, id)
		cmd.State = command.StateCancelled
		return true, q.save(ctx, cmd)
	}
	return false, nil
}

// IsCancelled reports whether an executing command was cancelled.
func (q *Queue) IsCancelled(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	f, ok := q.inFlight[id]
	return ok && f.cancelled
}

// Len returns the number of pending commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Executing returns the number of commands handed out and not yet completed.
func (q *Queue) Executing() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Snapshot returns copies of the executing and pending commands in queue
// order. Executing commands are shown as they were when handed out.
func (q *Queue) Snapshot() []*command.Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*command.Command, 0, len(q.inFlight)+len(q.pending))
	for _, f := range q.inFlight {
		out = append(out, f.view.Clone())
	}
	for _, cmd := range q.pending {
		out = append(out, cmd.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if (out[i].State == command.StateExecuting) != (out[j].State == command.StateExecuting) {
			return out[i].State == command.StateExecuting
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func (q *Queue) save(ctx context.Context, cmd *command.Command) error {
	if q.store == nil {
		return nil
	}
	if err := q.store.Save(ctx, cmd); err != nil {
		return fmt.Errorf("persist command %s: %w", cmd.ID, err)
	}
	return nil
}

// nextSeqLocked returns the next sequence number, first catching up with
// rows another process (the CLI) may have added to the store.
func (q *Queue) nextSeqLocked(ctx context.Context) int64 {
	if q.store != nil {
		if max, err := q.store.MaxSeq(ctx); err == nil && max > q.seq {
			q.seq = max
		}
	}
	q.seq++
	return q.seq
}

func resumeState(cmd *command.Command) command.State {
	if cmd.Result.ExecutionCount > 0 {
		return command.StateRetrying
	}
	return command.StatePending
}
