package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaybird/syncd/internal/command"
	"github.com/relaybird/syncd/internal/outcome"
	"github.com/relaybird/syncd/internal/queue"
	"github.com/relaybird/syncd/internal/retry"
)

func TestPoolDrainsEveryAccount(t *testing.T) {
	var (
		mu      sync.Mutex
		running = map[string]int{}
		peak    int32
		active  int32
	)
	exec := StepFunc(func(ctx context.Context, step Step) (outcome.Result, error) {
		n := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}

		mu.Lock()
		running[step.Scope.Account]++
		if running[step.Scope.Account] > 1 {
			mu.Unlock()
			t.Errorf("account %s ran concurrently", step.Scope.Account)
			return outcome.Result{}, nil
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		running[step.Scope.Account]--
		mu.Unlock()
		return outcome.Result{}, nil
	})

	q := queue.New(queue.Config{})
	r := New(Config{
		Queue:     q,
		Executors: map[command.Kind]StepExecutor{command.KindPostMessage: exec},
		LogFn:     quietLog,
	})
	for _, account := range []string{"a", "b", "c", "d", "e"} {
		for _, target := range []string{"1", "2"} {
			cmd := command.New(command.KindPostMessage, command.Scope{Account: account, Target: target}, "", time.Now())
			if _, _, err := q.Enqueue(context.Background(), cmd); err != nil {
				t.Fatal(err)
			}
		}
	}

	reports := NewPool(r, 3).Drain(context.Background())

	if len(reports) != 10 {
		t.Errorf("reports = %d, want 10", len(reports))
	}
	if p := atomic.LoadInt32(&peak); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
	if q.Len() != 0 || q.Executing() != 0 {
		t.Errorf("queue not drained: len=%d executing=%d", q.Len(), q.Executing())
	}
}

func TestPoolDefersRetriesToNextPass(t *testing.T) {
	var calls int32
	exec := StepFunc(func(ctx context.Context, step Step) (outcome.Result, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return outcome.Result{}, IOError(errors.New("timeout"))
		}
		return outcome.Result{}, nil
	})
	q := queue.New(queue.Config{})
	r := New(Config{
		Queue:     q,
		Executors: map[command.Kind]StepExecutor{command.KindFollow: exec},
		LogFn:     quietLog,
	})
	cmd := command.New(command.KindFollow, command.Scope{Account: "a", Target: "b"}, "", time.Now())
	if _, _, err := q.Enqueue(context.Background(), cmd); err != nil {
		t.Fatal(err)
	}
	pool := NewPool(r, 2)

	first := pool.Drain(context.Background())
	if len(first) != 1 || first[0].Decision != retry.Retry {
		t.Fatalf("first pass = %+v", first)
	}
	if q.Len() != 1 {
		t.Errorf("retried command should wait in the queue, len = %d", q.Len())
	}

	second := pool.Drain(context.Background())
	if len(second) != 1 || !second[0].Success() {
		t.Fatalf("second pass = %+v", second)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestPoolRunStopsOnClosedTriggers(t *testing.T) {
	q := queue.New(queue.Config{})
	r := New(Config{Queue: q, LogFn: quietLog})
	triggers := make(chan struct{}, 1)
	triggers <- struct{}{}
	close(triggers)

	if err := NewPool(r, 1).Run(context.Background(), triggers); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestPoolRunStopsOnCancel(t *testing.T) {
	q := queue.New(queue.Config{})
	r := New(Config{Queue: q, LogFn: quietLog})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewPool(r, 1).Run(ctx, make(chan struct{}))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestNewPoolMinimumWorkers(t *testing.T) {
	p := NewPool(New(Config{Queue: queue.New(queue.Config{})}), 0)
	if p.workers != 1 {
		t.Errorf("workers = %d, want 1", p.workers)
	}
}
