// ABOUTME: Static tool metadata: auth type, declared actions and parameter schemas
// ABOUTME: Loaded once from YAML or TOML and treated as immutable afterwards

package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// AuthType selects how a tool's credential is obtained.
type AuthType string

const (
	AuthOAuth2              AuthType = "oauth2"
	AuthAPIKey              AuthType = "api_key"
	AuthManual              AuthType = "manual"
	AuthAPIKeyOrCredentials AuthType = "api_key_or_credentials"
)

// Valid reports whether a is a known auth type.
func (a AuthType) Valid() bool {
	switch a {
	case AuthOAuth2, AuthAPIKey, AuthManual, AuthAPIKeyOrCredentials:
		return true
	}
	return false
}

// ErrInvalidDescriptor is returned for descriptors that fail validation.
var ErrInvalidDescriptor = errors.New("invalid tool descriptor")

// Parameter describes one action parameter.
type Parameter struct {
	Type        string `yaml:"type" toml:"type"`
	Description string `yaml:"description" toml:"description"`
	Required    bool   `yaml:"required" toml:"required"`
}

// Action is a single named operation of a tool.
type Action struct {
	Name           string               `yaml:"name" toml:"name"`
	Description    string               `yaml:"description" toml:"description"`
	Parameters     map[string]Parameter `yaml:"parameters" toml:"parameters"`
	TimeoutSeconds int                  `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// RequiredParameters returns the names of required parameters, sorted.
func (a *Action) RequiredParameters() []string {
	var names []string
	for name, p := range a.Parameters {
		if p.Required {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// AdapterSpec tells the adapter factory how to build the tool's executor
// and, for manual tools, how to self-authenticate.
type AdapterSpec struct {
	// Kind is "process" or "http". Defaults to "process".
	Kind string `yaml:"kind" toml:"kind"`
	// Command runs the tool for process adapters.
	Command []string          `yaml:"command" toml:"command"`
	Dir     string            `yaml:"dir" toml:"dir"`
	Env     map[string]string `yaml:"env" toml:"env"`
	// URL receives action invocations for http adapters.
	URL string `yaml:"url" toml:"url"`
	// AuthURL is called with the user id for manual tools.
	AuthURL string `yaml:"auth_url" toml:"auth_url"`
}

// Descriptor is the immutable description of one tool.
type Descriptor struct {
	Name        string      `yaml:"name" toml:"name"`
	DisplayName string      `yaml:"display_name" toml:"display_name"`
	Description string      `yaml:"description" toml:"description"`
	AuthType    AuthType    `yaml:"auth_type" toml:"auth_type"`
	Actions     []Action    `yaml:"actions" toml:"actions"`
	Adapter     AdapterSpec `yaml:"adapter" toml:"adapter"`
}

// Action looks up a declared action by name.
func (d *Descriptor) Action(name string) (*Action, bool) {
	for i := range d.Actions {
		if d.Actions[i].Name == name {
			return &d.Actions[i], true
		}
	}
	return nil, false
}

// Validate checks the descriptor is usable.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	}
	if !d.AuthType.Valid() {
		return fmt.Errorf("%w: tool %q has unknown auth_type %q", ErrInvalidDescriptor, d.Name, d.AuthType)
	}
	seen := make(map[string]bool, len(d.Actions))
	for _, a := range d.Actions {
		if a.Name == "" {
			return fmt.Errorf("%w: tool %q has an action without a name", ErrInvalidDescriptor, d.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("%w: tool %q declares action %q twice", ErrInvalidDescriptor, d.Name, a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// descriptorFile is the on-disk layout.
type descriptorFile struct {
	Tools []*Descriptor `yaml:"tools" toml:"tools"`
}

// LoadDescriptors reads tool descriptors from a YAML or TOML file, chosen by
// extension. File order becomes registration order.
func LoadDescriptors(path string) ([]*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tools file: %w", err)
	}

	var file descriptorFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &file); err != nil {
			return nil, fmt.Errorf("parsing tools TOML: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing tools YAML: %w", err)
		}
	}

	for _, d := range file.Tools {
		if d.DisplayName == "" {
			d.DisplayName = d.Name
		}
		if d.Adapter.Kind == "" {
			d.Adapter.Kind = "process"
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	return file.Tools, nil
}
