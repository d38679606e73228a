// ABOUTME: Subprocess tool adapter: one process per invocation, JSON over stdin/stdout
// ABOUTME: String credential fields are also exported as upper-cased environment variables

package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/2389/toolbroker/internal/tools"
)

// ErrNoCommand is returned for process adapters without a command.
var ErrNoCommand = errors.New("process adapter has no command")

// envExcluded are credential fields never exported to the environment.
var envExcluded = map[string]bool{
	"auth_type":     true,
	"registered_at": true,
}

// processInput is written to the tool's stdin.
type processInput struct {
	Action          string         `json:"action"`
	Parameters      map[string]any `json:"parameters"`
	UserID          string         `json:"user_id"`
	UserCredentials map[string]any `json:"user_credentials"`
}

// Process runs a command per invocation.
type Process struct {
	tool    string
	command []string
	dir     string
	env     map[string]string
	logger  *slog.Logger
}

// NewProcess builds a process adapter from a descriptor's adapter spec.
func NewProcess(tool string, spec tools.AdapterSpec, logger *slog.Logger) (*Process, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCommand, tool)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{
		tool:    tool,
		command: spec.Command,
		dir:     spec.Dir,
		env:     spec.Env,
		logger:  logger.With("component", "process", "tool", tool),
	}, nil
}

// Invoke runs the command, killing it when ctx is done.
// Stdout is decoded as JSON and falls back to the raw text.
func (p *Process) Invoke(ctx context.Context, inv *tools.Invocation) (any, error) {
	input, err := json.Marshal(processInput{
		Action:          inv.Action,
		Parameters:      inv.Parameters,
		UserID:          inv.UserID,
		UserCredentials: inv.Credential,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding tool input: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.command[0], p.command[1:]...)
	cmd.Dir = p.dir
	cmd.Env = p.environ(inv.Credential)
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.Debug("starting tool process", "action", inv.Action, "user_id", inv.UserID)
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("tool exited with status %d: %s", exitErr.ExitCode(), msg)
		}
		return nil, fmt.Errorf("running tool: %w", err)
	}

	var out any
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return stdout.String(), nil
	}
	return out, nil
}

// environ is the parent environment plus spec env plus credential fields.
func (p *Process) environ(cred map[string]any) []string {
	env := os.Environ()

	keys := make([]string, 0, len(p.env))
	for k := range p.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+p.env[k])
	}

	return append(env, credentialEnv(cred)...)
}

// credentialEnv exports string credential fields as KEY=value, sorted.
func credentialEnv(cred map[string]any) []string {
	var env []string
	for k, v := range cred {
		s, ok := v.(string)
		if !ok || envExcluded[k] {
			continue
		}
		env = append(env, strings.ToUpper(k)+"="+s)
	}
	sort.Strings(env)
	return env
}

var _ tools.Adapter = (*Process)(nil)
