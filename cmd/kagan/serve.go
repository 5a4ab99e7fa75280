package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kagansh/kagan/internal/agent"
	"github.com/kagansh/kagan/internal/automation"
	"github.com/kagansh/kagan/internal/config"
	"github.com/kagansh/kagan/internal/state"
	"github.com/kagansh/kagan/internal/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the automation core",
	Long: `Start the automation core against the repository in the current
directory. The core watches the task board, spawns agents for IN_PROGRESS
AUTO tasks up to the concurrency cap, and drives the run/review/merge loop
until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	db, err := state.Open(state.DefaultDBPath(cfg.Paths.DataDir))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	manager, err := workspace.NewManager(cwd, cfg.Paths.WorktreeDir)
	if err != nil {
		return fmt.Errorf("workspace manager: %w", err)
	}

	profiles, err := config.LoadBackendProfiles()
	if err != nil {
		return fmt.Errorf("load backend profiles: %w", err)
	}

	core := automation.New(
		cfg,
		state.NewTaskRepository(db),
		state.NewExecutionRepository(db),
		manager,
		agent.NewFactory(profiles),
	)

	if err := core.Start(); err != nil {
		return fmt.Errorf("start automation core: %w", err)
	}

	fmt.Printf("%s automation core running (max %d agents, repo %s)\n",
		color.GreenString("✓"), cfg.Automation.MaxConcurrentAgents, cwd)
	fmt.Println("Press Ctrl+C to stop.")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("[kagan] shutting down")
	core.Shutdown()
	return nil
}
