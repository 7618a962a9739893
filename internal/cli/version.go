package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/memorable-ai/memorable/internal/store"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version, build and storage schema information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "memorable %s (commit: %s, built: %s, %s)\nstore schema: v%d\n",
			Version, Commit, BuildDate, runtime.Version(), store.LatestSchemaVersion())
	},
}

// VersionString is the version reported by the health endpoint.
func VersionString() string {
	return fmt.Sprintf("%s (%s, schema v%d)", Version, Commit, store.LatestSchemaVersion())
}
