package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kagansh/kagan/internal/config"
	"github.com/kagansh/kagan/internal/state"
	"github.com/kagansh/kagan/pkg/models"
)

var (
	taskDescription string
	taskCriteria    string
	taskBaseBranch  string
	taskBackend     string
	taskPair        bool
	messageLane     string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks on the board",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task to the backlog",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskAdd,
}

var taskStartCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Move a task to IN_PROGRESS so the core picks it up",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskStart,
}

var taskStopCmd = &cobra.Command{
	Use:   "stop <task-id>",
	Short: "Park a task back in the backlog",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskStop,
}

var taskMessageCmd = &cobra.Command{
	Use:   "message <task-id> <text>",
	Short: "Queue a follow-up message for a task's next iteration",
	Long: `Queue a follow-up prompt on one of the task's message lanes.
The implementation lane is drained into the agent's next prompt; a task
that completes while messages are still queued is re-run instead of being
sent to review.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runTaskMessage,
}

func init() {
	taskAddCmd.Flags().StringVarP(&taskDescription, "description", "d", "", "Task description")
	taskAddCmd.Flags().StringVar(&taskCriteria, "criteria", "", "Acceptance criteria")
	taskAddCmd.Flags().StringVar(&taskBaseBranch, "base", "", "Base branch (defaults to git.default_base_branch)")
	taskAddCmd.Flags().StringVar(&taskBackend, "backend", "", "Agent backend (claude, opencode, api)")
	taskAddCmd.Flags().BoolVar(&taskPair, "pair", false, "Create a PAIR task (no autonomous agent)")
	taskMessageCmd.Flags().StringVar(&messageLane, "lane", string(models.LaneImplementation), "Message lane (implementation, review, planner)")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskStartCmd)
	taskCmd.AddCommand(taskStopCmd)
	taskCmd.AddCommand(taskMessageCmd)
}

// openTaskRepo opens the board database and returns the task repository.
func openTaskRepo() (*state.DB, *state.TaskRepository, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := state.Open(state.DefaultDBPath(cfg.Paths.DataDir))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, state.NewTaskRepository(db), nil
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	db, tasks, err := openTaskRepo()
	if err != nil {
		return err
	}
	defer db.Close()

	taskType := models.TypeAuto
	if taskPair {
		taskType = models.TypePair
	}

	task := &models.Task{
		ID:                 uuid.New().String()[:8],
		Title:              strings.Join(args, " "),
		Description:        taskDescription,
		AcceptanceCriteria: taskCriteria,
		Status:             models.StatusBacklog,
		Type:               taskType,
		BaseBranch:         taskBaseBranch,
		AgentBackend:       taskBackend,
	}
	if err := tasks.CreateTask(task); err != nil {
		return err
	}

	fmt.Printf("%s created task %s: %q\n", color.GreenString("✓"), task.ID, task.Title)
	return nil
}

func runTaskStart(cmd *cobra.Command, args []string) error {
	db, tasks, err := openTaskRepo()
	if err != nil {
		return err
	}
	defer db.Close()

	taskID := args[0]
	task, err := tasks.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}

	if err := tasks.SetStatus(taskID, models.StatusInProgress); err != nil {
		return err
	}
	fmt.Printf("%s task %s moved to in_progress; a running core will pick it up\n", color.GreenString("✓"), taskID)
	return nil
}

func runTaskStop(cmd *cobra.Command, args []string) error {
	db, tasks, err := openTaskRepo()
	if err != nil {
		return err
	}
	defer db.Close()

	taskID := args[0]
	task, err := tasks.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}

	if err := tasks.SetStatus(taskID, models.StatusBacklog); err != nil {
		return err
	}
	fmt.Printf("%s task %s parked in backlog\n", color.GreenString("✓"), taskID)
	return nil
}

func runTaskMessage(cmd *cobra.Command, args []string) error {
	lane := models.Lane(messageLane)
	if !lane.Valid() {
		return fmt.Errorf("invalid lane %q (want implementation, review, or planner)", messageLane)
	}

	db, tasks, err := openTaskRepo()
	if err != nil {
		return err
	}
	defer db.Close()

	taskID := args[0]
	content := strings.Join(args[1:], " ")
	task, err := tasks.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}

	// The in-memory lanes live in the serving process; from the CLI the
	// message is folded into the scratchpad so the next session sees it.
	pad, err := tasks.GetScratchpad(taskID)
	if err != nil {
		return err
	}
	note := fmt.Sprintf("Follow-up (%s lane): %s", lane, content)
	if pad != "" {
		note = pad + "\n\n" + note
	}
	if err := tasks.UpdateScratchpad(taskID, note); err != nil {
		return err
	}

	fmt.Printf("%s queued message for task %s\n", color.GreenString("✓"), taskID)
	return nil
}
