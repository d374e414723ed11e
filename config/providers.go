package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/localrivet/livegate/provider"
	"gopkg.in/yaml.v3"
)

// ProviderDefinition is one entry of the providers file.
type ProviderDefinition struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
}

// ProvidersFile is the on-disk shape of the providers file.
type ProvidersFile struct {
	MCPServers map[string]ProviderDefinition `json:"mcpServers" yaml:"mcpServers"`
	// Order lists provider names that take precedence, in order, when two
	// providers declare the same tool. Unlisted providers follow, by name.
	Order []string `json:"order,omitempty" yaml:"order,omitempty"`
}

// LoadProviders reads a JSON or YAML providers file. The format is chosen by
// extension; .yaml and .yml are YAML, anything else is JSON.
func LoadProviders(path string) ([]provider.LaunchSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading providers file: %w", err)
	}
	return ParseProviders(data, filepath.Ext(path))
}

// ParseProviders decodes providers file content. ext selects the format
// the same way LoadProviders does.
func ParseProviders(data []byte, ext string) ([]provider.LaunchSpec, error) {
	var file ProvidersFile
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing providers YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing providers JSON: %w", err)
		}
	}
	return file.Specs(), nil
}

// Specs converts the file into launch specs in precedence order. Env values
// have ${VAR} references expanded from the gateway environment.
func (f ProvidersFile) Specs() []provider.LaunchSpec {
	specs := make([]provider.LaunchSpec, 0, len(f.MCPServers))
	for _, name := range f.orderedNames() {
		def := f.MCPServers[name]
		var env map[string]string
		if len(def.Env) > 0 {
			env = make(map[string]string, len(def.Env))
			for k, v := range def.Env {
				env[k] = os.ExpandEnv(v)
			}
		}
		specs = append(specs, provider.LaunchSpec{
			Name:    name,
			Command: def.Command,
			Args:    def.Args,
			Dir:     def.Cwd,
			Env:     env,
		})
	}
	return specs
}

func (f ProvidersFile) orderedNames() []string {
	seen := make(map[string]bool, len(f.MCPServers))
	names := make([]string, 0, len(f.MCPServers))
	for _, name := range f.Order {
		if _, ok := f.MCPServers[name]; ok && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	var rest []string
	for name := range f.MCPServers {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}
