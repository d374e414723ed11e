package provider

import (
	"fmt"
	"os"
	"sort"
)

// LaunchSpec describes how to start one capability provider subprocess.
type LaunchSpec struct {
	Name    string            `json:"name" yaml:"name"`
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Dir     string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Validate checks that the spec names a provider and an executable.
func (s LaunchSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidSpec)
	}
	if s.Command == "" {
		return fmt.Errorf("%w: provider %s has no command", ErrInvalidSpec, s.Name)
	}
	return nil
}

// Environ returns the parent environment extended with the spec's variables.
// Spec values come last so they take precedence over inherited ones.
func (s LaunchSpec) Environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}
