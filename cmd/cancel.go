// cmd/cancel.go
package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaybird/syncd/internal/command"
	"github.com/relaybird/syncd/internal/ledger"
	"github.com/relaybird/syncd/internal/trigger"
)

var cancelLocal bool

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued or running command",
	Long: `Cancels a command. A queued command is removed; a running command stops
before its next step and is recorded as cancelled.

Without Redis the cancellation is written to the ledger. A running daemon
honours it the next time it touches the command: before handing it out,
between steps, or when recording the attempt.`,
	Args: cobra.ExactArgs(1),
	Run:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) {
	cfg := mustLoadConfig()
	id := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.Redis.Enabled() && !cancelLocal {
		client, control, err := connectControl(ctx, cfg)
		if err != nil {
			fatal("%v", err)
		}
		defer client.Close()

		if _, err := control.Send(ctx, trigger.Message{Type: trigger.MessageCancel, CommandID: id}); err != nil {
			fatal("%v", err)
		}
		goodColor.Printf("Cancel request for %s sent to the daemon\n", id)
		return
	}

	store := mustOpenLedger(cfg)
	defer store.Close()

	c, err := store.Get(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		fatal("no command with id %s", id)
	}
	if err != nil {
		fatal("%v", err)
	}
	if c.State.Finished() {
		warnColor.Printf("Command %s already %s\n", id, c.State)
		return
	}

	c.State = command.StateCancelled
	if err := store.Save(ctx, c); err != nil {
		fatal("%v", err)
	}
	goodColor.Printf("Cancelled %s %s\n", c.Kind, id)
}

func init() {
	rootCmd.AddCommand(cancelCmd)
	cancelCmd.Flags().BoolVar(&cancelLocal, "local", false, "Update the ledger even when Redis is configured")
}
