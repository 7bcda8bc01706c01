// Kazi is a task orchestration and remote sandbox provisioning engine.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kazi",
	Short: "Task orchestration and remote sandbox provisioning engine",
	Long: `Kazi coordinates a fleet of SSH-reachable workers: it plans queued tasks
into per-worker bash scripts, tracks their lifecycle through an append-only
state machine, and provisions throwaway Node.js sandboxes that an LLM agent
builds and deploys iteratively.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
