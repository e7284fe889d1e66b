package runner

import (
	"context"
	"sync"
)

// Pool drains the queue with a bounded number of concurrent executions.
// Each trigger starts one scheduling pass; commands retried during a pass
// wait for the next one.
type Pool struct {
	runner  *Runner
	workers int
}

// NewPool creates a pool running at most workers commands at once.
func NewPool(r *Runner, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{runner: r, workers: workers}
}

// Run performs a pass for every value received on triggers until ctx is
// cancelled or triggers is closed.
func (p *Pool) Run(ctx context.Context, triggers <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-triggers:
			if !ok {
				return nil
			}
			p.Drain(ctx)
		}
	}
}

// Drain runs one scheduling pass and returns the reports of the attempts
// that completed. It returns once nothing is eligible and every execution
// it started has finished.
func (p *Pool) Drain(ctx context.Context) []Report {
	q := p.runner.queue
	q.BeginPass()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		reports []Report
	)
	done := make(chan struct{}, p.workers)
	active := 0

	for {
		for active < p.workers && ctx.Err() == nil {
			cmd, err := q.NextEligible(ctx)
			if err != nil {
				p.runner.log("error", "Failed to take next command: %v", err)
				break
			}
			if cmd == nil {
				break
			}
			active++
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { done <- struct{}{} }()
				report, err := p.runner.Execute(ctx, cmd)
				if err != nil {
					if ctx.Err() == nil {
						p.runner.log("error", "Command %s: %v", cmd.ID, err)
					}
					return
				}
				mu.Lock()
				reports = append(reports, *report)
				mu.Unlock()
			}()
		}

		if active == 0 {
			break
		}
		// A finished execution may unblock a command for the same account
		<-done
		active--
	}

	wg.Wait()
	return reports
}
