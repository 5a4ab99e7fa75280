package agent

import (
	"fmt"
	"strings"

	"github.com/kagansh/kagan/internal/config"
)

// Factory creates agents bound to a worktree. The automation core holds
// one factory and asks it for implementation agents (read-write) and
// review agents (read-only).
type Factory interface {
	// NewAgent creates an agent for the named backend working in worktree.
	NewAgent(backend, worktree string, readOnly bool) (Agent, error)
}

// DefaultFactory builds agents from configured backend profiles.
type DefaultFactory struct {
	profiles *config.BackendProfiles
	// defaultBackend is used when a task names no backend.
	defaultBackend string
}

// NewFactory creates a DefaultFactory over the given profiles.
func NewFactory(profiles *config.BackendProfiles) *DefaultFactory {
	if profiles == nil {
		profiles = config.DefaultBackendProfiles()
	}
	return &DefaultFactory{
		profiles:       profiles,
		defaultBackend: "claude",
	}
}

// NewAgent creates an agent for the named backend working in worktree.
func (f *DefaultFactory) NewAgent(backend, worktree string, readOnly bool) (Agent, error) {
	if backend == "" {
		backend = f.defaultBackend
	}

	profile := f.profiles.Get(backend)
	if profile == nil {
		return nil, fmt.Errorf("unknown agent backend %q", backend)
	}

	if profile.Name == "api" {
		return NewAPIAgent("")
	}

	return NewCLIAgent(*profile, worktree, readOnly), nil
}

// ResolveModelOverride maps an agent identity to the configured default
// model for that backend family. Returns "" when no override applies.
func ResolveModelOverride(identity string, models config.ModelsConfig) string {
	id := strings.ToLower(identity)
	switch {
	case strings.Contains(id, "claude"), id == "api":
		return models.DefaultModelClaude
	case strings.Contains(id, "opencode"):
		return models.DefaultModelOpencode
	default:
		return ""
	}
}

// Verify DefaultFactory implements Factory at compile time.
var _ Factory = (*DefaultFactory)(nil)
