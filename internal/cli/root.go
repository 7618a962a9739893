package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "memorable",
	Short: "Relevance and relationship core for long-lived memory",
	Long: "Memorable decides which memories matter, tracks emotional pressure between people, " +
		"synthesizes relationships on demand and surfaces memories before they are asked for.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to memorable.yaml (default ./memorable.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(relationshipCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(pressureCmd)
}
