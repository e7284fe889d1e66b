// Package runner executes queued commands against step executors.
//
// Architecture:
//
//	Queue → Runner → StepExecutor (one per step) → Result fold → retry.Decide → Queue
//
// For each command the Runner:
//  1. Resets the retry budget on the first attempt, or starts a new attempt
//  2. Runs every step in order, folding each step's Result into the command's
//  3. Finalizes the attempt once and asks the retry policy for a decision
//  4. Hands the command back to the queue and reports the outcome
//
// Step failures never escape the Runner: they are counted in the Result.
package runner

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/relaybird/syncd/internal/command"
	"github.com/relaybird/syncd/internal/outcome"
	"github.com/relaybird/syncd/internal/queue"
	"github.com/relaybird/syncd/internal/retry"
)

// Step is one concrete network operation of a command.
type Step struct {
	CommandID string
	Kind      command.Kind
	Scope     command.Scope
	Payload   string

	// Index and Total locate the step within its attempt
	Index int
	Total int
}

// StepExecutor performs one step. It returns the step's contribution and,
// on failure, an error classified with Classify.
type StepExecutor interface {
	Execute(ctx context.Context, step Step) (outcome.Result, error)
}

// StepFunc adapts a function to StepExecutor.
type StepFunc func(ctx context.Context, step Step) (outcome.Result, error)

func (f StepFunc) Execute(ctx context.Context, step Step) (outcome.Result, error) {
	return f(ctx, step)
}

// AccountLister lists the accounts a fan-out command runs against.
type AccountLister interface {
	Accounts() []string
}

// Accounts is a static AccountLister.
type Accounts []string

func (a Accounts) Accounts() []string { return a }

// Report is the outcome of one attempt as seen by the scheduler.
type Report struct {
	CommandID string
	Kind      command.Kind
	Scope     command.Scope
	State     command.State
	Decision  retry.Decision
	Cancelled bool
	Result    outcome.Result
	Summary   string
}

// Success reports whether the command finished without errors.
func (r *Report) Success() bool {
	return !r.Cancelled && r.Decision == retry.Succeeded
}

// Reporter receives every report, for example to publish it.
type Reporter interface {
	Report(ctx context.Context, report Report) error
}

// Config holds configuration for the runner.
type Config struct {
	// Queue hands out commands and takes them back
	Queue *queue.Queue

	// Executors maps a step kind to the executor performing it
	Executors map[command.Kind]StepExecutor

	// Accounts lists accounts for fan-out kinds (optional)
	Accounts AccountLister

	// Table is the kind policy table (default: command.DefaultTable())
	Table command.Table

	// Clock stamps attempts (default: time.Now)
	Clock func() time.Time

	// Reporter is notified after every attempt (optional)
	Reporter Reporter

	// LogFn is called for log messages (if nil, prints to stdout/stderr)
	LogFn func(level, msg string)
}

// Runner orchestrates command execution.
type Runner struct {
	queue     *queue.Queue
	executors map[command.Kind]StepExecutor
	accounts  AccountLister
	table     command.Table
	clock     func() time.Time
	reporter  Reporter
	logFn     func(level, msg string)
}

// New creates a runner.
func New(cfg Config) *Runner {
	table := cfg.Table
	if table == nil {
		table = command.DefaultTable()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	accounts := cfg.Accounts
	if accounts == nil {
		accounts = Accounts(nil)
	}
	executors := cfg.Executors
	if executors == nil {
		executors = make(map[command.Kind]StepExecutor)
	}
	return &Runner{
		queue:     cfg.Queue,
		executors: executors,
		accounts:  accounts,
		table:     table,
		clock:     clock,
		reporter:  cfg.Reporter,
		logFn:     cfg.LogFn,
	}
}

// log outputs a message - uses the LogFn callback if set, otherwise prints to stdout/stderr
func (r *Runner) log(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if r.logFn != nil {
		r.logFn(level, msg)
		return
	}
	if level == "error" || level == "warning" {
		fmt.Fprintf(os.Stderr, "%s\n", msg)
	} else {
		fmt.Printf("%s\n", msg)
	}
}

// RunNext executes the next eligible command. It returns nil, nil when no
// command is eligible.
func (r *Runner) RunNext(ctx context.Context) (*Report, error) {
	cmd, err := r.queue.NextEligible(ctx)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, nil
	}
	return r.Execute(ctx, cmd)
}

// Execute runs one attempt of a command handed out by the queue.
// An error is returned only when the command could not be handed back to
// the queue, or when ctx was cancelled and the attempt was abandoned
// unfinished; in the latter case the command is released for a later run.
func (r *Runner) Execute(ctx context.Context, cmd *command.Command) (*Report, error) {
	r.log("info", "Running %s %s (id: %s)", cmd.Kind, scopeString(cmd.Scope), cmd.ID)

	policy, err := r.table.Lookup(cmd.Kind)
	if err != nil {
		// Rows written by another build may name kinds this one does not know
		cmd.Result.NewAttempt()
		recordError(&cmd.Result, ParseError(err))
		return r.finish(ctx, cmd, false)
	}

	if cmd.Result.ExecutionCount == 0 {
		cmd.Result.ResetRetryBudget(policy.Budget)
	} else {
		cmd.Result.NewAttempt()
	}

	steps := r.planSteps(cmd, policy)
	if len(steps) == 0 {
		cmd.Result.AppendMessage("no accounts to run against")
	}

	ran := 0
	for _, step := range steps {
		if ctx.Err() == nil {
			// Also picks up a cancel written to the ledger by another process
			cmd.Result.Progress = fmt.Sprintf("step %d/%d", step.Index+1, step.Total)
			if err := r.queue.Checkpoint(ctx, cmd); err != nil {
				r.log("warning", "Failed to checkpoint %s (id: %s): %v", cmd.Kind, cmd.ID, err)
			}
		}
		if r.queue.IsCancelled(cmd.ID) {
			return r.cancel(ctx, cmd, ran > 0)
		}
		if ctx.Err() != nil {
			return nil, r.release(ctx, cmd)
		}

		res := r.runStep(ctx, step)
		if ctx.Err() != nil {
			// Shutdown interrupted the step; its failure says nothing about the remote
			return nil, r.release(ctx, cmd)
		}
		cmd.Result.Accumulate(res)
		ran++
	}

	if r.queue.IsCancelled(cmd.ID) {
		return r.cancel(ctx, cmd, ran > 0)
	}
	return r.finish(ctx, cmd, false)
}

// planSteps expands a command into its steps according to the kind's fan-out.
func (r *Runner) planSteps(cmd *command.Command, policy command.Policy) []Step {
	base := Step{
		CommandID: cmd.ID,
		Kind:      policy.StepKind,
		Scope:     cmd.Scope,
		Payload:   cmd.Payload,
	}

	switch policy.FanOut {
	case command.FanOutAllAccounts:
		accounts := r.accounts.Accounts()
		steps := make([]Step, 0, len(accounts))
		for i, account := range accounts {
			s := base
			s.Scope = command.Scope{Account: account, Target: cmd.Scope.Target}
			s.Index = i
			s.Total = len(accounts)
			steps = append(steps, s)
		}
		return steps
	default:
		base.Total = 1
		return []Step{base}
	}
}

// runStep executes one step and converts any failure, including a panic,
// into counters on the step's result.
func (r *Runner) runStep(ctx context.Context, step Step) (res outcome.Result) {
	exec, ok := r.executors[step.Kind]
	if !ok {
		r.log("error", "No executor for step kind %s", step.Kind)
		recordError(&res, ParseError(fmt.Errorf("no executor for %s", step.Kind)))
		return res
	}

	defer func() {
		if p := recover(); p != nil {
			r.log("error", "Step %s %s panicked: %v", step.Kind, scopeString(step.Scope), p)
			res = outcome.Result{}
			recordError(&res, panicError(p))
		}
	}()

	res, err := exec.Execute(ctx, step)
	if err != nil {
		r.log("warning", "Step %s %s failed (%s): %v", step.Kind, scopeString(step.Scope), Classify(err), err)
		recordError(&res, err)
	}
	return res
}

// cancel reports a cancelled command as abandoned without error counters,
// so it is not mistaken for a hard failure.
func (r *Runner) cancel(ctx context.Context, cmd *command.Command, attempted bool) (*Report, error) {
	cmd.Result.ClearErrors()
	cmd.Result.AppendMessage("cancelled")
	if !attempted {
		return r.complete(ctx, cmd, retry.Abandon, true)
	}
	return r.finish(ctx, cmd, true)
}

func (r *Runner) finish(ctx context.Context, cmd *command.Command, cancelled bool) (*Report, error) {
	cmd.Result.FinalizeAttempt(r.clock())
	decision := retry.Decide(cmd.Result)
	if cancelled {
		decision = retry.Abandon
	}
	return r.complete(ctx, cmd, decision, cancelled)
}

func (r *Runner) complete(ctx context.Context, cmd *command.Command, decision retry.Decision, cancelled bool) (*Report, error) {
	cmd.Result.Progress = ""

	// Persist the outcome even when ctx is already cancelled
	persistCtx := context.WithoutCancel(ctx)
	if err := r.queue.Complete(persistCtx, cmd, decision); err != nil {
		r.log("error", "Failed to record %s (id: %s): %v", cmd.Kind, cmd.ID, err)
		return nil, fmt.Errorf("complete command %s: %w", cmd.ID, err)
	}

	if cmd.State == command.StateCancelled {
		// Cancelled in the ledger while the attempt was running
		decision = retry.Abandon
	}

	report := Report{
		CommandID: cmd.ID,
		Kind:      cmd.Kind,
		Scope:     cmd.Scope,
		State:     cmd.State,
		Decision:  decision,
		Cancelled: cancelled || cmd.State == command.StateCancelled,
		Result:    cmd.Result,
		Summary:   cmd.Result.Summary(r.clock()),
	}

	switch {
	case report.Cancelled:
		r.log("info", "Command %s %s cancelled", cmd.Kind, scopeString(cmd.Scope))
	case decision == retry.Succeeded:
		r.log("success", "Command %s %s completed: %s", cmd.Kind, scopeString(cmd.Scope), report.Summary)
	case decision == retry.Retry:
		r.log("warning", "Command %s %s will retry: %s", cmd.Kind, scopeString(cmd.Scope), report.Summary)
	default:
		r.log("error", "Command %s %s abandoned: %s", cmd.Kind, scopeString(cmd.Scope), report.Summary)
	}

	if r.reporter != nil {
		if err := r.reporter.Report(persistCtx, report); err != nil {
			r.log("warning", "Failed to publish report for %s: %v", cmd.ID, err)
		}
	}
	return &report, nil
}

func (r *Runner) release(ctx context.Context, cmd *command.Command) error {
	r.log("info", "Command %s %s interrupted, released for a later run", cmd.Kind, scopeString(cmd.Scope))
	cmd.Result.Progress = ""
	if err := r.queue.Release(context.WithoutCancel(ctx), cmd); err != nil {
		return fmt.Errorf("release command %s: %w", cmd.ID, err)
	}
	return ctx.Err()
}

func scopeString(s command.Scope) string {
	if s.Target == "" {
		return "[" + s.Account + "]"
	}
	return "[" + s.Account + " " + s.Target + "]"
}
