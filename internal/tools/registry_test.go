// ABOUTME: Tests for the tool registry and descriptor loading
// ABOUTME: Covers collisions, capability checks, ordering and YAML/TOML parsing

package tools

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExchanger struct{}

func (stubExchanger) AuthCodeURL(state string) string { return "https://provider/auth?state=" + state }
func (stubExchanger) ExchangeCode(ctx context.Context, code string) (*Grant, error) {
	return &Grant{Payload: map[string]any{"access_token": code}}, nil
}

var noopAdapter = AdapterFunc(func(ctx context.Context, inv *Invocation) (any, error) { return nil, nil })

func descriptor(name string, auth AuthType, actions ...string) *Descriptor {
	d := &Descriptor{Name: name, DisplayName: name, AuthType: auth}
	for _, a := range actions {
		d.Actions = append(d.Actions, Action{Name: a})
	}
	return d
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(slog.Default())

	require.NoError(t, r.Register(&Tool{
		Descriptor: descriptor("github", AuthOAuth2, "list_repositories"),
		Adapter:    noopAdapter,
		Exchanger:  stubExchanger{},
	}))

	got, err := r.Get("github")
	require.NoError(t, err)
	assert.Equal(t, "github", got.Name())

	_, err = r.Get("gitlab")
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestRegistry_Collision(t *testing.T) {
	r := NewRegistry(nil)
	tool := &Tool{Descriptor: descriptor("n8n", AuthAPIKey), Adapter: noopAdapter}

	require.NoError(t, r.Register(tool))
	assert.ErrorIs(t, r.Register(tool), ErrToolCollision)
}

func TestRegistry_CapabilityChecks(t *testing.T) {
	r := NewRegistry(nil)

	err := r.Register(&Tool{Descriptor: descriptor("github", AuthOAuth2), Adapter: noopAdapter})
	assert.ErrorIs(t, err, ErrMissingCapability)

	err = r.Register(&Tool{Descriptor: descriptor("r2r", AuthManual), Adapter: noopAdapter})
	assert.ErrorIs(t, err, ErrMissingCapability)

	err = r.Register(&Tool{Descriptor: descriptor("n8n", AuthAPIKey)})
	assert.ErrorIs(t, err, ErrMissingCapability)

	err = r.Register(&Tool{Descriptor: descriptor("x", AuthType("kerberos")), Adapter: noopAdapter})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	err = r.Register(&Tool{Descriptor: descriptor("y", AuthAPIKey, "a", "a"), Adapter: noopAdapter})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestRegistry_ListKeepsRegistrationOrder(t *testing.T) {
	r := NewRegistry(nil)
	for _, name := range []string{"slack", "github", "n8n", "aws"} {
		require.NoError(t, r.Register(&Tool{Descriptor: descriptor(name, AuthAPIKey), Adapter: noopAdapter}))
	}

	var names []string
	for _, tool := range r.List() {
		names = append(names, tool.Name())
	}
	assert.Equal(t, []string{"slack", "github", "n8n", "aws"}, names)
}

func TestAction_RequiredParameters(t *testing.T) {
	a := Action{Parameters: map[string]Parameter{
		"title": {Type: "string", Required: true},
		"body":  {Type: "string"},
		"repo":  {Type: "string", Required: true},
	}}
	assert.Equal(t, []string{"repo", "title"}, a.RequiredParameters())
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDescriptors_YAML(t *testing.T) {
	path := writeFile(t, "tools.yaml", `
tools:
  - name: github
    display_name: GitHub
    auth_type: oauth2
    adapter:
      command: ["python3", "tools/github/main.py"]
    actions:
      - name: list_repositories
        description: List repositories
        parameters:
          per_page: {type: integer, description: Page size}
      - name: create_repository
        timeout_seconds: 60
        parameters:
          name: {type: string, required: true}
  - name: r2r
    auth_type: manual
    adapter:
      kind: http
      url: http://r2r:7272/execute
      auth_url: http://r2r:7272/auth
`)

	descs, err := LoadDescriptors(path)
	require.NoError(t, err)
	require.Len(t, descs, 2)

	gh := descs[0]
	assert.Equal(t, "GitHub", gh.DisplayName)
	assert.Equal(t, AuthOAuth2, gh.AuthType)
	assert.Equal(t, "process", gh.Adapter.Kind)
	assert.Equal(t, []string{"python3", "tools/github/main.py"}, gh.Adapter.Command)

	create, ok := gh.Action("create_repository")
	require.True(t, ok)
	assert.Equal(t, 60, create.TimeoutSeconds)
	assert.Equal(t, []string{"name"}, create.RequiredParameters())

	_, ok = gh.Action("delete_everything")
	assert.False(t, ok)

	r2r := descs[1]
	assert.Equal(t, "r2r", r2r.DisplayName, "display name defaults to name")
	assert.Equal(t, "http://r2r:7272/auth", r2r.Adapter.AuthURL)
}

func TestLoadDescriptors_TOML(t *testing.T) {
	path := writeFile(t, "tools.toml", `
[[tools]]
name = "n8n"
display_name = "n8n"
auth_type = "api_key"

[tools.adapter]
command = ["node", "n8n.js"]

[[tools.actions]]
name = "run_workflow"

[tools.actions.parameters.workflow_id]
type = "string"
required = true
`)

	descs, err := LoadDescriptors(path)
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, AuthAPIKey, descs[0].AuthType)
	run, ok := descs[0].Action("run_workflow")
	require.True(t, ok)
	assert.Equal(t, []string{"workflow_id"}, run.RequiredParameters())
}

func TestLoadDescriptors_Invalid(t *testing.T) {
	path := writeFile(t, "tools.yaml", `
tools:
  - name: broken
    auth_type: carrier_pigeon
`)
	_, err := LoadDescriptors(path)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	_, err = LoadDescriptors(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
