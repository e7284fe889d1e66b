// cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaybird/syncd/internal/command"
	"github.com/relaybird/syncd/internal/config"
	"github.com/relaybird/syncd/internal/origin"
	"github.com/relaybird/syncd/internal/queue"
	"github.com/relaybird/syncd/internal/runner"
	"github.com/relaybird/syncd/internal/trigger"
)

var (
	runWorkers  int
	runInterval time.Duration
	runOnce     bool
	runNoSync   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Runs the command queue until interrupted.

On startup the daemon restores unfinished commands from the ledger. It then
starts a scheduling pass on every tick, on every control message received
from Redis (when configured) and after each periodic sync is enqueued.
Commands that fail transiently are retried on the next pass.`,
	Example: `  # Run in the foreground
  syncd run

  # Drain the queue once and exit (cron style)
  syncd run --once`,
	Run: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) {
	headerColor.Printf("--- Starting syncd %s ---\n", Version)

	cfg := mustLoadConfig()
	if cmd.Flags().Changed("workers") {
		cfg.Workers = runWorkers
	}
	if cmd.Flags().Changed("interval") {
		cfg.PassInterval = runInterval
	}
	if err := cfg.Validate(); err != nil {
		fatal("%v", err)
	}
	table := mustKindTable(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := mustOpenLedger(cfg)
	defer store.Close()

	if cfg.PruneAfter > 0 {
		n, err := store.PruneFinished(ctx, time.Now().Add(-cfg.PruneAfter))
		if err != nil {
			logLine("warning", fmt.Sprintf("Failed to prune ledger: %v", err))
		} else if n > 0 {
			logLine("info", fmt.Sprintf("Pruned %d finished commands", n))
		}
	}

	q := queue.New(queue.Config{Store: store, Table: table})
	restored, err := q.Restore(ctx)
	if err != nil {
		fatal("%v", err)
	}
	logLine("info", fmt.Sprintf("Restored %d unfinished commands from %s", restored, cfg.DBPath))
	for _, c := range q.Snapshot() {
		Debug("restored %s %s %s (%s)", shortID(c.ID), c.Kind, scopeLabel(c.Scope), c.State)
	}

	client := origin.NewClient(origin.ClientConfig{
		Accounts:  cfg.Accounts,
		DataDir:   cfg.DataDir,
		Timeout:   cfg.RequestTimeout,
		UserAgent: "syncd/" + Version,
		DebugFunc: Debug,
	})
	if names := cfg.AccountNames(); len(names) > 0 {
		logLine("info", fmt.Sprintf("Accounts: %s (workers: %d)", strings.Join(names, ", "), cfg.Workers))
	} else {
		logLine("warning", "No accounts configured; only the control stream can add work")
	}

	var reporter runner.Reporter
	var control *trigger.Control
	if cfg.Redis.Enabled() {
		rc, ctl, err := connectControl(ctx, cfg)
		if err != nil {
			fatal("%v", err)
		}
		defer rc.Close()
		control = ctl
		reporter = trigger.NewRedisReporter(rc, cfg.Redis.ReportChannel, cfg.Redis.StatusTTL)
		logLine("success", "Connected to Redis")
	}

	r := runner.New(runner.Config{
		Queue:     q,
		Executors: client.Executors(),
		Accounts:  client,
		Table:     table,
		Reporter:  reporter,
		LogFn:     logLine,
	})
	pool := runner.NewPool(r, cfg.Workers)

	if runOnce {
		if !runNoSync {
			enqueueSync(ctx, q, cfg)
		}
		reports := pool.Drain(ctx)
		printPassSummary(reports, q)
		return
	}

	ticks := trigger.Ticker(ctx, cfg.PassInterval)
	sources := []<-chan struct{}{ticks}
	if !runNoSync {
		sources[0] = syncOnTick(ctx, q, cfg, ticks)
	}
	if control != nil {
		notify := trigger.NewSignal()
		sources = append(sources, notify)
		go func() {
			if err := control.Run(ctx, q, notify); err != nil && !errors.Is(err, context.Canceled) {
				logLine("error", fmt.Sprintf("Control stream stopped: %v", err))
			}
		}()
	}

	passes := trigger.Merge(ctx, trigger.NewLimiter(cfg.MinPassGap, 1), sources...)
	logLine("success", "Daemon started. Waiting for work...")

	if err := pool.Run(ctx, passes); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	left := q.Snapshot()
	fmt.Printf("\n   - Interrupted with %d commands queued, %d executing\n", q.Len(), q.Executing())
	for _, c := range left {
		Debug("left for next start: %s %s %s (%s)", shortID(c.ID), c.Kind, scopeLabel(c.Scope), c.State)
	}
	headerColor.Println("--- syncd shutdown complete ---")
}

// syncOnTick enqueues a sync of every account on each tick before
// forwarding it. Ticks while a sync is still queued coalesce into it.
func syncOnTick(ctx context.Context, q *queue.Queue, cfg *config.Config, ticks <-chan struct{}) <-chan struct{} {
	out := trigger.NewSignal()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticks:
				enqueueSync(ctx, q, cfg)
				out.Fire()
			}
		}
	}()
	return out
}

func enqueueSync(ctx context.Context, q *queue.Queue, cfg *config.Config) {
	if len(cfg.Accounts) == 0 {
		return
	}
	cmd := command.New(command.KindSyncAllAccounts, command.Scope{Account: command.AllAccounts}, "", time.Now())
	queued, coalesced, err := q.Enqueue(ctx, cmd)
	if err != nil {
		logLine("error", fmt.Sprintf("Failed to enqueue sync: %v", err))
		return
	}
	if !coalesced {
		Debug("enqueued periodic sync %s", queued.ID)
	}
}

func printPassSummary(reports []runner.Report, q *queue.Queue) {
	var ok, retry, failed int
	for _, rep := range reports {
		switch {
		case rep.Success():
			ok++
		case !rep.Decision.Finished():
			retry++
		default:
			failed++
		}
	}
	fmt.Printf("\n   - %s, %s, %s, %d still queued\n",
		goodColor.Sprintf("%d succeeded", ok),
		warnColor.Sprintf("%d to retry", retry),
		badColor.Sprintf("%d abandoned", failed),
		q.Len())
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntVar(&runWorkers, "workers", 4, "Maximum concurrent command executions")
	runCmd.Flags().DurationVar(&runInterval, "interval", 5*time.Minute, "Time between scheduled passes (0 disables)")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run a single pass and exit")
	runCmd.Flags().BoolVar(&runNoSync, "no-sync", false, "Do not enqueue periodic account syncs")
}
