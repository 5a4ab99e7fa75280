package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kagansh/kagan/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show configuration",
	Long: `Display the effective configuration after merging defaults, the
user config (~/.config/kagan/config.yaml), any project .kagan.yaml, and
KAGAN_* environment variables.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		if len(args) == 0 {
			displayAllConfig(cfg)
			return
		}

		value, err := configValue(cfg, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(value)
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("automation.max_concurrent_agents: %d\n", cfg.Automation.MaxConcurrentAgents)
	fmt.Printf("automation.max_iterations: %d\n", cfg.Automation.MaxIterations)
	fmt.Printf("automation.iteration_delay: %s\n", cfg.Automation.IterationDelay)
	fmt.Printf("automation.auto_approve: %t\n", cfg.Automation.AutoApprove)
	fmt.Printf("automation.auto_review: %t\n", cfg.Automation.AutoReview)
	fmt.Printf("automation.auto_merge: %t\n", cfg.Automation.AutoMerge)
	fmt.Printf("automation.auto_retry_on_merge_conflict: %t\n", cfg.Automation.AutoRetryOnMergeConflict)
	fmt.Printf("automation.auto_start: %t\n", cfg.Automation.AutoStart)
	fmt.Printf("git.default_base_branch: %s\n", cfg.Git.DefaultBaseBranch)
	fmt.Printf("models.default_model_claude: %s\n", orUnset(cfg.Models.DefaultModelClaude))
	fmt.Printf("models.default_model_opencode: %s\n", orUnset(cfg.Models.DefaultModelOpencode))
	fmt.Printf("paths.data_dir: %s\n", cfg.Paths.DataDir)
	fmt.Printf("paths.worktree_dir: %s\n", cfg.Paths.WorktreeDir)
	fmt.Printf("timeouts.agent_ready: %s\n", cfg.Timeouts.AgentReady)
	fmt.Printf("timeouts.job_submit: %s\n", cfg.Timeouts.JobSubmit)
}

// configValue retrieves a configuration value by dot-notation key.
func configValue(cfg *config.Config, key string) (string, error) {
	switch key {
	case "automation.max_concurrent_agents":
		return fmt.Sprintf("%d", cfg.Automation.MaxConcurrentAgents), nil
	case "automation.max_iterations":
		return fmt.Sprintf("%d", cfg.Automation.MaxIterations), nil
	case "automation.iteration_delay":
		return cfg.Automation.IterationDelay.String(), nil
	case "automation.auto_approve":
		return fmt.Sprintf("%t", cfg.Automation.AutoApprove), nil
	case "automation.auto_review":
		return fmt.Sprintf("%t", cfg.Automation.AutoReview), nil
	case "automation.auto_merge":
		return fmt.Sprintf("%t", cfg.Automation.AutoMerge), nil
	case "automation.auto_retry_on_merge_conflict":
		return fmt.Sprintf("%t", cfg.Automation.AutoRetryOnMergeConflict), nil
	case "automation.auto_start":
		return fmt.Sprintf("%t", cfg.Automation.AutoStart), nil
	case "git.default_base_branch":
		return cfg.Git.DefaultBaseBranch, nil
	case "models.default_model_claude":
		return orUnset(cfg.Models.DefaultModelClaude), nil
	case "models.default_model_opencode":
		return orUnset(cfg.Models.DefaultModelOpencode), nil
	case "paths.data_dir":
		return cfg.Paths.DataDir, nil
	case "paths.worktree_dir":
		return cfg.Paths.WorktreeDir, nil
	case "timeouts.agent_ready":
		return cfg.Timeouts.AgentReady.String(), nil
	case "timeouts.job_submit":
		return cfg.Timeouts.JobSubmit.String(), nil
	default:
		return "", fmt.Errorf("unknown config key: %s", key)
	}
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
