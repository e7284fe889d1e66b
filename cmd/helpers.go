// cmd/helpers.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	goredis "github.com/redis/go-redis/v9"

	"github.com/relaybird/syncd/internal/command"
	"github.com/relaybird/syncd/internal/config"
	"github.com/relaybird/syncd/internal/ledger"
	"github.com/relaybird/syncd/internal/trigger"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
)

// fatal prints an error and exits.
func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// logLine renders component log messages on the console.
func logLine(level, msg string) {
	switch level {
	case "success":
		goodColor.Printf("   - %s\n", msg)
	case "warning":
		warnColor.Fprintf(os.Stderr, "   - %s\n", msg)
	case "error":
		badColor.Fprintf(os.Stderr, "   - %s\n", msg)
	case "debug":
		Debug("%s", msg)
	default:
		fmt.Printf("   - %s\n", msg)
	}
}

// mustLoadConfig loads the configuration or exits.
func mustLoadConfig() *config.Config {
	path := configPath()
	Debug("loading config from %s", path)
	cfg, err := config.Load(path)
	if err != nil {
		fatal("%v", err)
	}
	return cfg
}

// mustOpenLedger opens the ledger, creating its directory, or exits.
func mustOpenLedger(cfg *config.Config) *ledger.Store {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		fatal("could not create data directory: %v", err)
	}
	Debug("opening ledger %s", cfg.DBPath)
	store, err := ledger.Open(cfg.DBPath)
	if err != nil {
		fatal("%v", err)
	}
	return store
}

// mustKindTable returns the configured kind table or exits.
func mustKindTable(cfg *config.Config) command.Table {
	table, err := cfg.Table()
	if err != nil {
		fatal("%v", err)
	}
	return table
}

// connectControl connects to the control stream configured in cfg.
func connectControl(ctx context.Context, cfg *config.Config) (*goredis.Client, *trigger.Control, error) {
	client, err := trigger.Connect(ctx, cfg.Redis.URL, cfg.Redis.Password)
	if err != nil {
		return nil, nil, err
	}
	control := trigger.NewControl(trigger.ControlConfig{
		Client:        client,
		Stream:        cfg.Redis.ControlStream,
		ConsumerGroup: cfg.Redis.ConsumerGroup,
		LogFn:         logLine,
	})
	return client, control, nil
}
