package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kagan",
	Short: "Supervise parallel coding agents on isolated git worktrees",
	Long: `Kagan runs autonomous coding agents against tasks on a local board.

Each AUTO task gets its own git worktree and its own agent. The automation
core enforces a concurrency cap, drives the iterate/review/merge loop, and
serializes merges back to the base branch.

Typical flow:
  kagan task add "Fix the flaky cache test"
  kagan serve
  kagan status`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
