// cmd/prune.go
package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/relaybird/syncd/internal/ledger"
)

var pruneOlderThan time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune [id...]",
	Short: "Delete finished commands from the ledger",
	Long: `Deletes succeeded, abandoned and cancelled commands whose last update is
older than --older-than. With ids, deletes exactly those commands instead.
Queued and running commands are never removed.`,
	Example: `  # Remove everything finished more than a week ago
  syncd prune --older-than 168h

  # Remove two finished commands
  syncd prune 2f1c3a9e-... 7b0d44e1-...`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		store := mustOpenLedger(cfg)
		defer store.Close()
		ctx := context.Background()

		if len(args) > 0 {
			pruneIDs(ctx, store, args)
			return
		}

		cutoff := time.Now().Add(-pruneOlderThan)
		n, err := store.PruneFinished(ctx, cutoff)
		if err != nil {
			fatal("%v", err)
		}
		goodColor.Printf("Pruned %d finished commands last updated before %s\n", n, humanize.Time(cutoff))
	},
}

func pruneIDs(ctx context.Context, store *ledger.Store, ids []string) {
	removed := 0
	for _, id := range ids {
		c, err := store.Get(ctx, id)
		if errors.Is(err, ledger.ErrNotFound) {
			warnColor.Printf("No command with id %s\n", id)
			continue
		}
		if err != nil {
			fatal("%v", err)
		}
		if !c.State.Finished() {
			warnColor.Printf("Command %s is still %s; cancel it first\n", id, c.State)
			continue
		}
		if err := store.Delete(ctx, id); err != nil {
			fatal("%v", err)
		}
		removed++
	}
	goodColor.Printf("Pruned %d of %d commands\n", removed, len(ids))
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Minimum age of pruned commands")
}
