// cmd/version.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaybird/syncd/internal/ledger"
)

// Version will be set at build time
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of syncd",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("syncd version %s (ledger schema %s)\n", Version, ledger.SchemaVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
