// cmd/enqueue.go
package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/relaybird/syncd/internal/command"
	"github.com/relaybird/syncd/internal/queue"
	"github.com/relaybird/syncd/internal/trigger"
)

var (
	enqueuePayload string
	enqueueLocal   bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <kind> [account] [target]",
	Short: "Add a command to the queue",
	Long: `Adds a command to the queue.

When Redis is configured the command is sent to the running daemon over the
control stream. Otherwise (or with --local) it is written straight to the
ledger and picked up the next time the daemon starts.

An equivalent command (same kind, account and target) that is already queued
is reused instead of adding a duplicate.`,
	Example: `  # Refresh one account's home timeline
  syncd enqueue fetch-timeline alice@example.social

  # Post a message
  syncd enqueue post-message alice@example.social draft-1 --payload "Hello!"

  # Sync every configured account
  syncd enqueue sync-all-accounts`,
	Args: cobra.RangeArgs(1, 3),
	Run:  runEnqueue,
}

func runEnqueue(cmd *cobra.Command, args []string) {
	cfg := mustLoadConfig()
	table := mustKindTable(cfg)

	kind := command.Kind(args[0])
	policy, err := table.Lookup(kind)
	if err != nil {
		fatal("%v (known kinds: %s)", err, kindList(table))
	}

	scope := command.Scope{}
	if len(args) > 1 {
		scope.Account = args[1]
	}
	if len(args) > 2 {
		scope.Target = args[2]
	}
	if scope.Account == "" && policy.FanOut == command.FanOutAllAccounts {
		scope.Account = command.AllAccounts
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.Redis.Enabled() && !enqueueLocal {
		client, control, err := connectControl(ctx, cfg)
		if err != nil {
			fatal("%v", err)
		}
		defer client.Close()

		id, err := control.Send(ctx, trigger.Message{
			Type:    trigger.MessageEnqueue,
			Kind:    kind,
			Scope:   scope,
			Payload: enqueuePayload,
		})
		if err != nil {
			fatal("%v", err)
		}
		goodColor.Printf("Sent %s to the daemon (message %s)\n", kind, id)
		return
	}

	store := mustOpenLedger(cfg)
	defer store.Close()

	q := queue.New(queue.Config{Store: store, Table: table})
	if _, err := q.Restore(ctx); err != nil {
		fatal("%v", err)
	}

	queued, coalesced, err := q.Enqueue(ctx, command.New(kind, scope, enqueuePayload, time.Now()))
	if err != nil {
		fatal("%v", err)
	}
	if coalesced {
		warnColor.Printf("Already queued as %s (%s)\n", queued.ID, queued.State)
		return
	}
	goodColor.Printf("Queued %s\n", queued.ID)
	fmt.Printf("  %s %s, %d commands waiting\n", labelColor.Sprint("Position:"), humanize.Ordinal(q.Len()), q.Len())
}

func kindList(table command.Table) string {
	kinds := table.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "Command payload (message text or JSON)")
	enqueueCmd.Flags().BoolVar(&enqueueLocal, "local", false, "Write to the ledger even when Redis is configured")
}
