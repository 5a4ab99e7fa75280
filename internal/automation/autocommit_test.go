package automation

import (
	"testing"

	"github.com/kagansh/kagan/pkg/models"
)

func TestCommitType(t *testing.T) {
	cases := []struct {
		title string
		want  string
	}{
		{"Fix crash on empty input", "fix"},
		{"Repair the broken pagination", "fix"},
		{"Update README with setup steps", "docs"},
		{"Add retry support to the client", "feat"},
		{"Implement the scheduler", "feat"},
		{"Tidy up imports", "chore"},
	}
	for _, tc := range cases {
		if got := commitType(tc.title); got != tc.want {
			t.Errorf("commitType(%q) = %q, want %q", tc.title, got, tc.want)
		}
	}
}

func TestCommitMessage(t *testing.T) {
	task := &models.Task{Title: "Add retry support to the client"}
	if got := commitMessage(task); got != "feat: Add retry support to the client" {
		t.Errorf("commitMessage = %q", got)
	}
}

func TestEnsureCommitted(t *testing.T) {
	env := setupService(t, nil)
	task := &models.Task{ID: "a", Title: "Fix crash on empty input"}

	// A clean worktree is a no-op.
	if err := env.svc.ensureCommitted("/wt", task); err != nil {
		t.Fatalf("ensureCommitted clean: %v", err)
	}
	if len(env.ws.commits) != 0 {
		t.Errorf("commit made on clean worktree: %v", env.ws.commits)
	}

	env.ws.dirty["/wt"] = true
	if err := env.svc.ensureCommitted("/wt", task); err != nil {
		t.Fatalf("ensureCommitted dirty: %v", err)
	}
	if len(env.ws.commits) != 1 || env.ws.commits[0] != "fix: Fix crash on empty input" {
		t.Errorf("commits = %v", env.ws.commits)
	}
	if env.ws.dirty["/wt"] {
		t.Error("worktree still dirty")
	}
}
