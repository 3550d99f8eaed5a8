// Command enginectl is the operator CLI for the conversational orchestration
// engine: it starts the long-running server (tick driver, session/tool
// workers, janitor) and offers point operations against a live or
// soon-to-be-live conversation (push a message, force a tick, inspect or
// rewrite branch history).
//
// Start the server:
//
//	enginectl serve --config engine.toml
//
// Push a message and let the tick driver carry it forward:
//
//	enginectl push --conversation conv-1 --agent assistant --text "hello"
//
// Documentation: https://github.com/p2engine/convorch
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "enginectl",
		Short: "Operate the conversational orchestration engine",
		Long: `enginectl runs and inspects the orchestration engine: a tick-driven
barrier over a population of agents, each stepping forward on its own
Redis-backed interaction stack.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file (defaults baked in if omitted)")

	root.AddCommand(
		buildServeCmd(),
		buildPushCmd(),
		buildTickCmd(),
		buildBranchesCmd(),
		buildForkCmd(),
		buildRewindCmd(),
	)
	return root
}
