package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kagansh/kagan/internal/config"
	"github.com/kagansh/kagan/internal/state"
	"github.com/kagansh/kagan/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the task board",
	Long: `Display the task board grouped by status, with iteration counts,
merge readiness, and the most recent execution for each task.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbPath := state.DefaultDBPath(cfg.Paths.DataDir)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No task board yet. Run 'kagan task add <title>' to create one.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	tasks := state.NewTaskRepository(db)
	execs := state.NewExecutionRepository(db)

	total := 0
	for _, status := range []models.TaskStatus{
		models.StatusInProgress,
		models.StatusReview,
		models.StatusBacklog,
		models.StatusDone,
	} {
		list, err := tasks.GetByStatus(status)
		if err != nil {
			return fmt.Errorf("list %s tasks: %w", status, err)
		}
		if len(list) == 0 {
			continue
		}
		total += len(list)

		fmt.Printf("%s\n", statusHeading(status))
		for _, t := range list {
			displayTask(t, execs)
		}
		fmt.Println()
	}

	if total == 0 {
		fmt.Println("Task board is empty. Run 'kagan task add <title>' to create one.")
	}
	return nil
}

func statusHeading(status models.TaskStatus) string {
	switch status {
	case models.StatusInProgress:
		return color.CyanString("In progress:")
	case models.StatusReview:
		return color.YellowString("Review:")
	case models.StatusDone:
		return color.GreenString("Done:")
	default:
		return "Backlog:"
	}
}

func displayTask(t *models.Task, execs *state.ExecutionRepository) {
	detail := ""
	if t.TotalIterations > 0 {
		detail = fmt.Sprintf(" [%d iterations]", t.TotalIterations)
	}
	if t.MergeReadiness != "" && t.Status == models.StatusReview {
		detail += fmt.Sprintf(" (%s)", t.MergeReadiness)
	}
	if t.BlockReason != "" && t.Status == models.StatusBacklog {
		detail += fmt.Sprintf(" blocked: %s", t.BlockReason)
	}

	fmt.Printf("  %s: %q%s\n", t.ID, t.Title, detail)

	if exec, err := execs.GetLatestExecutionForTask(t.ID); err == nil && exec != nil {
		age := formatDuration(time.Since(exec.CreatedAt))
		line := fmt.Sprintf("      last run: %s, %s ago", exec.Status, age)
		if turns, err := execs.ListAgentTurns(exec.ID); err == nil && len(turns) > 0 {
			line += fmt.Sprintf(", %d agent turns", len(turns))
		}
		fmt.Println(line)
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dd", int(d.Hours())/24)
}
