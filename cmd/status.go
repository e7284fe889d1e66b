// cmd/status.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/relaybird/syncd/internal/command"
	"github.com/relaybird/syncd/internal/ledger"
	"github.com/relaybird/syncd/internal/outcome"
)

var (
	statusLimit   int
	statusPending bool
)

var statusCmd = &cobra.Command{
	Use:     "status [id]",
	Aliases: []string{"st", "ls"},
	Short:   "Shows queued and recent commands",
	Long: `Lists commands recorded in the ledger, newest first, with the outcome
of their last attempt. With an id, shows the full record of one command.`,
	Example: `  # Recent commands
  syncd status

  # Only queued and running commands, without colors
  syncd status --pending --no-color

  # One command in detail
  syncd status 2f1c3a9e-...`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		store := mustOpenLedger(cfg)
		defer store.Close()
		ctx := context.Background()

		if len(args) == 1 {
			c, err := store.Get(ctx, args[0])
			if errors.Is(err, ledger.ErrNotFound) {
				fatal("no command with id %s", args[0])
			}
			if err != nil {
				fatal("%v", err)
			}
			printCommand(c, mustKindTable(cfg))
			return
		}

		var cmds []*command.Command
		var err error
		if statusPending {
			cmds, err = store.LoadUnfinished(ctx)
		} else {
			cmds, err = store.List(ctx, statusLimit)
		}
		if err != nil {
			fatal("%v", err)
		}

		headerColor.Printf("--- syncd ledger (%s) ---\n", cfg.DBPath)
		if len(cmds) == 0 {
			fmt.Println("  (no commands)")
			return
		}
		printTable(cmds)
	},
}

func printTable(cmds []*command.Command) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, labelColor.Sprint("ID\tKIND\tSCOPE\tSTATE\tRUNS\tLAST\tRESULT"))
	now := time.Now()
	resultWidth := terminalWidth() - 90
	if resultWidth < 20 {
		resultWidth = 20
	}
	for _, c := range cmds {
		last := "never"
		if !c.Result.LastExecutedAt.IsZero() {
			last = humanize.RelTime(c.Result.LastExecutedAt, now, "ago", "from now")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(c.ID),
			c.Kind,
			runewidth.Truncate(scopeLabel(c.Scope), 28, "…"),
			stateColor(c.State).Sprint(c.State),
			c.Result.ExecutionCount,
			last,
			runewidth.Truncate(firstLine(resultLabel(c)), resultWidth, "…"),
		)
	}
}

func printCommand(c *command.Command, table command.Table) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	headerColor.Fprintf(w, "--- Command %s ---\n", c.ID)
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Kind"), c.Kind)
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Scope"), scopeLabel(c.Scope))
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("State"), stateColor(c.State).Sprint(c.State))
	fmt.Fprintf(w, "  %s:\t%s (%s)\n", labelColor.Sprint("Created"), c.CreatedAt.Local().Format(time.RFC3339), humanize.Time(c.CreatedAt))
	if c.Payload != "" {
		fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Payload"), runewidth.Truncate(firstLine(c.Payload), 80, "…"))
	}
	if c.Result.Progress != "" {
		fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Progress"), c.Result.Progress)
	}
	fmt.Fprintf(w, "  %s:\t%d\n", labelColor.Sprint("Executions"), c.Result.ExecutionCount)
	fmt.Fprintf(w, "  %s:\t%d (budget %d)\n", labelColor.Sprint("Retries left"), c.Result.RetriesLeft, table.Budget(c.Kind))
	if c.Result.ItemID != 0 {
		fmt.Fprintf(w, "  %s:\t%d\n", labelColor.Sprint("Item"), c.Result.ItemID)
	}
	if c.Result.HourlyLimit > 0 {
		fmt.Fprintf(w, "  %s:\t%d of %d remaining\n", labelColor.Sprint("Rate limit"), c.Result.RemainingHits, c.Result.HourlyLimit)
	}
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Summary"), c.Result.Summary(time.Now()))
}

func stateColor(s command.State) *color.Color {
	switch s {
	case command.StateSucceeded:
		return goodColor
	case command.StateRetrying, command.StateExecuting:
		return warnColor
	case command.StateAbandoned:
		return badColor
	default:
		return color.New(color.Reset)
	}
}

func resultLabel(c *command.Command) string {
	if !c.Result.Executed && c.Result.ExecutionCount == 0 {
		return "-"
	}
	label := "error:" + c.Result.ErrorClass()
	if c.Result.Message != "" {
		label += " " + c.Result.Message
	}
	return label
}

func scopeLabel(s command.Scope) string {
	if s.Target == "" {
		return s.Account
	}
	return s.Account + " " + s.Target
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	s = strings.ReplaceAll(s, outcome.MessageSeparator, "; ")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 160
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&statusLimit, "limit", 50, "Maximum number of commands to list")
	statusCmd.Flags().BoolVar(&statusPending, "pending", false, "Only list queued and running commands")
}
