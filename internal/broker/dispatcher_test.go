// ABOUTME: Tests for the execution dispatcher's checks, timeouts and load control
// ABOUTME: Adapters are scripted per action on the fixture's github recorder

package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolbroker/internal/credentials"
	"github.com/2389/toolbroker/internal/sealer"
	"github.com/2389/toolbroker/internal/tools"
)

func TestExecute_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.authorize(t, "u1", "github")

	tests := []struct {
		name string
		req  ExecuteRequest
		want error
	}{
		{"missing user", ExecuteRequest{Tool: "github", Action: "list_repositories"}, ErrInvalidParameters},
		{"unknown tool", ExecuteRequest{UserID: "u1", Tool: "gitlab", Action: "list"}, ErrToolNotFound},
		{"unknown action", ExecuteRequest{UserID: "u1", Tool: "github", Action: "delete_everything"}, ErrActionNotFound},
		{"missing required", ExecuteRequest{UserID: "u1", Tool: "github", Action: "create_repository", Parameters: map[string]any{"private": true}}, ErrInvalidParameters},
		{"nil parameters", ExecuteRequest{UserID: "u1", Tool: "github", Action: "create_repository"}, ErrInvalidParameters},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.ExecuteAction(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err := f.engine.ExecuteAction(ctx, ExecuteRequest{
		UserID: "u1", Tool: "github", Action: "create_repository",
		Parameters: map[string]any{"name": "demo"},
	})
	require.NoError(t, err)
}

func TestExecute_DisabledBeforeParameters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.authorize(t, "u1", "github")
	require.NoError(t, f.engine.SetActionDisabled(ctx, "u1", "github", "create_repository", true))

	_, err := f.engine.ExecuteAction(ctx, ExecuteRequest{UserID: "u1", Tool: "github", Action: "create_repository"})
	require.ErrorIs(t, err, ErrActionDisabled)

	require.NoError(t, f.engine.SetActionDisabled(ctx, "u1", "github", "create_repository", false))
	_, err = f.engine.ExecuteAction(ctx, ExecuteRequest{
		UserID: "u1", Tool: "github", Action: "create_repository",
		Parameters: map[string]any{"name": "demo"},
	})
	require.NoError(t, err)
}

func TestExecute_CredentialUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := sealer.New([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	rotated := credentials.New(f.store, other, nil)
	require.NoError(t, rotated.Put(ctx, "u1", "github", "oauth2", credentials.Payload{"access_token": "gho_old_key"}, nil))

	_, err = f.engine.ExecuteAction(ctx, ExecuteRequest{UserID: "u1", Tool: "github", Action: "list_repositories"})
	require.ErrorIs(t, err, ErrCredentialUnavailable)
	assert.Nil(t, f.github.last(), "adapter must not run without a usable credential")
}

func TestExecute_AdapterErrorIsRedacted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.authorize(t, "u1", "github")

	f.github.handlers["list_repositories"] = func(ctx context.Context, inv *tools.Invocation) (any, error) {
		return nil, fmt.Errorf("401 Bad credentials for token %s (type bearer)", inv.Credential["access_token"])
	}

	_, err := f.engine.ExecuteAction(ctx, ExecuteRequest{UserID: "u1", Tool: "github", Action: "list_repositories"})
	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, "github", adapterErr.Tool)
	assert.Equal(t, "list_repositories", adapterErr.Action)
	assert.NotContains(t, err.Error(), f.exchCfg.token)
	assert.Contains(t, adapterErr.Message, "401 Bad credentials for token [REDACTED]")
	assert.Contains(t, adapterErr.Message, "bearer", "short values are left alone")
}

func TestExecute_AdapterErrorRedactsNestedAndShortSecrets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.creds.Put(ctx, "u1", "github", "manual", credentials.Payload{
		"auth_type": "manual",
		"session":   map[string]any{"api_key": "r2r-nested-super-secret", "scopes": []any{"repo-admin-scope"}},
		"pin":       "s3cr3t7",
		"account":   float64(4242),
	}, nil))

	f.github.handlers["list_repositories"] = func(ctx context.Context, inv *tools.Invocation) (any, error) {
		session := inv.Credential["session"].(map[string]any)
		return nil, fmt.Errorf("upstream rejected key %s pin %s account %d scope %s via manual",
			session["api_key"], inv.Credential["pin"], 4242, session["scopes"].([]any)[0])
	}

	_, err := f.engine.ExecuteAction(ctx, ExecuteRequest{UserID: "u1", Tool: "github", Action: "list_repositories"})
	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, "upstream rejected key [REDACTED] pin [REDACTED] account [REDACTED] scope [REDACTED] via manual", adapterErr.Message)
	assert.NotContains(t, err.Error(), "r2r-nested-super-secret")
	assert.NotContains(t, err.Error(), "s3cr3t7")
}

func TestExecute_AdapterPanic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.authorize(t, "u1", "github")

	f.github.handlers["list_repositories"] = func(ctx context.Context, inv *tools.Invocation) (any, error) {
		panic("nil map")
	}

	_, err := f.engine.ExecuteAction(ctx, ExecuteRequest{UserID: "u1", Tool: "github", Action: "list_repositories"})
	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Contains(t, adapterErr.Message, "adapter panic: nil map")

	// The slot was released
	_, err = f.engine.ExecuteAction(ctx, ExecuteRequest{UserID: "u1", Tool: "github", Action: "create_repository", Parameters: map[string]any{"name": "x"}})
	require.NoError(t, err)
}

func TestExecute_Timeout(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Timeout = 20 * time.Millisecond })
	ctx := context.Background()
	f.authorize(t, "u1", "github")

	f.github.handlers["slow"] = func(ctx context.Context, inv *tools.Invocation) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := f.engine.ExecuteAction(ctx, ExecuteRequest{UserID: "u1", Tool: "github", Action: "slow"})
	require.ErrorIs(t, err, ErrTimeout)

	// Execution never mutates permission state
	st := f.status(t, "u1", "github")
	assert.True(t, st["_active"])
	assert.True(t, st["slow"])
}

func TestExecute_IgnoringAdapterStillTimesOut(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Timeout = 20 * time.Millisecond })
	f.authorize(t, "u1", "github")

	release := make(chan struct{})
	defer close(release)
	f.github.handlers["slow"] = func(ctx context.Context, inv *tools.Invocation) (any, error) {
		<-release
		return "late", nil
	}

	start := time.Now()
	_, err := f.engine.ExecuteAction(context.Background(), ExecuteRequest{UserID: "u1", Tool: "github", Action: "slow"})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecute_CallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "u1", "github")

	started := make(chan struct{})
	f.github.handlers["slow"] = func(ctx context.Context, inv *tools.Invocation) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := f.engine.ExecuteAction(ctx, ExecuteRequest{UserID: "u1", Tool: "github", Action: "slow"})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestExecute_Busy(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.MaxConcurrent = 1
		c.MaxQueue = 0
	})
	ctx := context.Background()
	f.authorize(t, "u1", "github")

	started := make(chan struct{})
	release := make(chan struct{})
	f.github.handlers["slow"] = func(ctx context.Context, inv *tools.Invocation) (any, error) {
		close(started)
		<-release
		return "done", nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.ExecuteAction(ctx, ExecuteRequest{UserID: "u1", Tool: "github", Action: "slow"})
		done <- err
	}()
	<-started

	_, err := f.engine.ExecuteAction(ctx, ExecuteRequest{UserID: "u1", Tool: "github", Action: "list_repositories"})
	require.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)

	_, err = f.engine.ExecuteAction(ctx, ExecuteRequest{UserID: "u1", Tool: "github", Action: "list_repositories"})
	require.NoError(t, err)
}

func TestExecute_QueuedCallerRuns(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.MaxConcurrent = 1
		c.MaxQueue = 1
	})
	ctx := context.Background()
	f.authorize(t, "u1", "github")

	started := make(chan struct{})
	release := make(chan struct{})
	f.github.handlers["slow"] = func(ctx context.Context, inv *tools.Invocation) (any, error) {
		close(started)
		<-release
		return "done", nil
	}

	first := make(chan error, 1)
	go func() {
		_, err := f.engine.ExecuteAction(ctx, ExecuteRequest{UserID: "u1", Tool: "github", Action: "slow"})
		first <- err
	}()
	<-started

	second := make(chan error, 1)
	go func() {
		_, err := f.engine.ExecuteAction(ctx, ExecuteRequest{UserID: "u1", Tool: "github", Action: "list_repositories"})
		second <- err
	}()

	require.Eventually(t, func() bool {
		return f.engine.dispatcher.gate.waiting.Load() == 1
	}, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
}

func TestExecute_RateLimited(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.UserRequestsPerMinute = 2
		c.UserBurst = 2
	})
	ctx := context.Background()
	f.authorize(t, "u1", "github")
	req := ExecuteRequest{UserID: "u1", Tool: "github", Action: "list_repositories"}

	_, err := f.engine.ExecuteAction(ctx, req)
	require.NoError(t, err)
	_, err = f.engine.ExecuteAction(ctx, req)
	require.NoError(t, err)
	_, err = f.engine.ExecuteAction(ctx, req)
	require.ErrorIs(t, err, ErrRateLimited)

	// Other users have their own bucket
	_, err = f.engine.ExecuteAction(ctx, ExecuteRequest{UserID: "u2", Tool: "github", Action: "list_repositories"})
	require.ErrorIs(t, err, ErrNotAuthenticated)

	f.clock.Advance(30 * time.Second)
	_, err = f.engine.ExecuteAction(ctx, req)
	require.NoError(t, err)
}

func TestExecute_ActionTimeoutOverride(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Timeout = 10 * time.Millisecond })
	f.authorize(t, "u1", "github")

	tool, err := f.engine.registry.Get("github")
	require.NoError(t, err)
	action, ok := tool.Descriptor.Action("slow")
	require.True(t, ok)
	action.TimeoutSeconds = 1

	f.github.handlers["slow"] = func(ctx context.Context, inv *tools.Invocation) (any, error) {
		select {
		case <-time.After(50 * time.Millisecond):
			return "ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	res, err := f.engine.ExecuteAction(context.Background(), ExecuteRequest{UserID: "u1", Tool: "github", Action: "slow"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Result)
}
