package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// BackendProfile describes how to launch one coding-agent backend.
type BackendProfile struct {
	// Name identifies the backend (claude, opencode, api).
	Name string `yaml:"name"`
	// Command is the CLI executable for subprocess backends.
	Command string `yaml:"command,omitempty"`
	// Args are extra arguments passed on every invocation.
	Args []string `yaml:"args,omitempty"`
	// ReadOnlyArgs are appended when the agent must not modify files.
	ReadOnlyArgs []string `yaml:"read_only_args,omitempty"`
	// ModelFlag is the CLI flag used to select a model (e.g. "--model").
	ModelFlag string `yaml:"model_flag,omitempty"`
	// DefaultModel is used when no override applies.
	DefaultModel string `yaml:"default_model,omitempty"`
}

// BackendProfiles holds all configured backends keyed by name.
type BackendProfiles struct {
	Backends []BackendProfile `yaml:"backends"`
}

// Get returns the profile for the named backend, or nil.
func (p *BackendProfiles) Get(name string) *BackendProfile {
	for i := range p.Backends {
		if p.Backends[i].Name == name {
			return &p.Backends[i]
		}
	}
	return nil
}

// LoadBackendProfiles reads backend profiles from backends.yaml in the user
// config directory. A missing file yields the built-in defaults.
func LoadBackendProfiles() (*BackendProfiles, error) {
	path := filepath.Join(getUserConfigDir(), "backends.yaml")
	return LoadBackendProfilesFromPath(path)
}

// LoadBackendProfilesFromPath reads backend profiles from a specific file.
func LoadBackendProfilesFromPath(path string) (*BackendProfiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultBackendProfiles(), nil
		}
		return nil, fmt.Errorf("read backend profiles: %w", err)
	}

	profiles := &BackendProfiles{}
	if err := yaml.Unmarshal(data, profiles); err != nil {
		return nil, fmt.Errorf("parse backend profiles %s: %w", path, err)
	}

	if len(profiles.Backends) == 0 {
		return DefaultBackendProfiles(), nil
	}

	return profiles, nil
}

// DefaultBackendProfiles returns the built-in backend definitions.
func DefaultBackendProfiles() *BackendProfiles {
	return &BackendProfiles{
		Backends: []BackendProfile{
			{
				Name:    "claude",
				Command: "claude",
				Args: []string{
					"--output-format", "stream-json",
					"--verbose",
				},
				ReadOnlyArgs: []string{"--allowedTools", "Read,Glob,Grep"},
				ModelFlag:    "--model",
			},
			{
				Name:      "opencode",
				Command:   "opencode",
				Args:      []string{"run", "--format", "json"},
				ModelFlag: "--model",
			},
			{
				Name: "api",
			},
		},
	}
}
