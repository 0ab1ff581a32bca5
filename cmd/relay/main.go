// Command relay connects a chat platform to a language model.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

// configFile is the --config flag; RELAY_CONFIG_FILE is used when empty.
var configFile string

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay chat messages to a language model and post the replies",
	Long: `relay polls a chat gateway, builds a prompt from the persona, the
conversation history and what it knows about each participant, and posts the
model's reply back in platform-sized chunks.

Configuration comes from environment variables, optionally layered over a
YAML file given with --config or RELAY_CONFIG_FILE.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file (or set RELAY_CONFIG_FILE)")

	eventsCmd.Flags().Int64Var(&eventsRootID, "id", 0, "show subtree of a specific event ID")
	eventsCmd.Flags().IntVarP(&eventsMaxDepth, "depth", "L", 0, "limit display depth (0 = unlimited)")
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "output JSON format")
	eventsCmd.Flags().BoolVar(&eventsNoPayload, "no-payload", false, "hide payload details")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(eventsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
