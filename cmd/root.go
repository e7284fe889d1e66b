// cmd/root.go
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/relaybird/syncd/internal/config"
	"github.com/relaybird/syncd/internal/platform"
)

var cfgFile string
var debugMode bool
var noColor bool

// debugLog appends --debug output to <config dir>/logs/debug.log. It is
// opened lazily on the first Debug call.
var debugLog struct {
	sync.Mutex
	once sync.Once
	f    *os.File
}

func openDebugLog() {
	dir := filepath.Join(platform.ConfigDir(), "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "debug.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	debugLog.f = f
	fmt.Fprintf(f, "\n=== syncd %s, pid %d, %s ===\n", Version, os.Getpid(), time.Now().Format(debugTimeFormat))
}

const debugTimeFormat = "2006-01-02 15:04:05.000"

// Debug prints a message if debug mode is enabled and writes to log file
func Debug(format string, args ...interface{}) {
	if !debugMode {
		return
	}
	msg := fmt.Sprintf(format, args...)
	fmt.Printf("[DEBUG] %s\n", msg)

	debugLog.Lock()
	defer debugLog.Unlock()
	debugLog.once.Do(openDebugLog)
	if debugLog.f != nil {
		fmt.Fprintf(debugLog.f, "[%s] %s\n", time.Now().Format(debugTimeFormat), msg)
	}
}

// invocation reconstructs the command line from the flags that were set.
func invocation(cmd *cobra.Command, args []string) string {
	parts := []string{cmd.CommandPath()}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch {
		case f.Name == "debug":
		case f.Value.Type() == "bool":
			parts = append(parts, "--"+f.Name)
		default:
			parts = append(parts, "--"+f.Name+"="+f.Value.String())
		}
	})
	return strings.Join(append(parts, args...), " ")
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "syncd keeps local state in sync with your social network accounts",
	Long: `A daemon and CLI that runs a durable queue of sync commands (timeline
refreshes, avatar downloads, posts, follows) against Mastodon-compatible
servers, retrying transient failures with a bounded budget.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Colors only make sense on a terminal
		if noColor || !term.IsTerminal(int(os.Stdout.Fd())) {
			color.NoColor = true
		}

		Debug("command: %s", invocation(cmd, args))
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// configPath returns the --config flag or the default location.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if env := os.Getenv("SYNCD_CONFIG"); env != "" {
		return env
	}
	return config.DefaultPath()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <config dir>/syncd.yaml, or $SYNCD_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")
}
