// ABOUTME: Tests for the permission matrix
// ABOUTME: Covers the tool gate, action toggles, validation and ordered status listing

package permissions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolbroker/internal/credentials"
	"github.com/2389/toolbroker/internal/sealer"
	"github.com/2389/toolbroker/internal/store"
	"github.com/2389/toolbroker/internal/tools"
)

type fixture struct {
	matrix *Matrix
	creds  *credentials.Store
	store  *store.MockStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sealer.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	st := store.NewMockStore()
	creds := credentials.New(st, s, nil)

	reg := tools.NewRegistry(nil)
	noop := tools.AdapterFunc(func(ctx context.Context, inv *tools.Invocation) (any, error) { return nil, nil })
	for _, d := range []*tools.Descriptor{
		{Name: "slack", DisplayName: "Slack", AuthType: tools.AuthAPIKey, Actions: []tools.Action{{Name: "post"}}},
		{Name: "github", DisplayName: "GitHub", AuthType: tools.AuthAPIKey, Actions: []tools.Action{
			{Name: "list_repositories"}, {Name: "create_repository"},
		}},
	} {
		require.NoError(t, reg.Register(&tools.Tool{Descriptor: d, Adapter: noop}))
	}

	return &fixture{matrix: New(creds, st, reg, nil), creds: creds, store: st}
}

func (f *fixture) authenticate(t *testing.T, user, tool string) {
	t.Helper()
	require.NoError(t, f.creds.Put(context.Background(), user, tool, "api_key", credentials.Payload{"api_key": "k"}, nil))
}

func TestIsToolActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	active, err := f.matrix.IsToolActive(ctx, "u1", "github")
	require.NoError(t, err)
	assert.False(t, active, "no credential means inactive")

	f.authenticate(t, "u1", "github")
	active, err = f.matrix.IsToolActive(ctx, "u1", "github")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestActionToggle_NoResidue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.authenticate(t, "u1", "github")

	require.NoError(t, f.matrix.SetActionDisabled(ctx, "u1", "github", "create_repository", true))
	enabled, err := f.matrix.IsActionEnabled(ctx, "u1", "github", "create_repository")
	require.NoError(t, err)
	assert.False(t, enabled)

	enabled, err = f.matrix.IsActionEnabled(ctx, "u1", "github", "list_repositories")
	require.NoError(t, err)
	assert.True(t, enabled)

	require.NoError(t, f.matrix.SetActionDisabled(ctx, "u1", "github", "create_repository", false))
	enabled, err = f.matrix.IsActionEnabled(ctx, "u1", "github", "create_repository")
	require.NoError(t, err)
	assert.True(t, enabled)

	all, err := f.store.ListDisabledActions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSetActionDisabled_TakesPairLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.authenticate(t, "u1", "github")

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = f.creds.WithLock("u1", "github", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	done := make(chan error, 1)
	go func() { done <- f.matrix.SetActionDisabled(ctx, "u1", "github", "create_repository", true) }()

	select {
	case <-done:
		t.Fatal("toggle ran while the pair was locked")
	case <-time.After(20 * time.Millisecond):
	}
	disabled, err := f.store.IsActionDisabled(ctx, "u1", "github", "create_repository")
	require.NoError(t, err)
	assert.False(t, disabled)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("toggle never ran")
	}
	disabled, err = f.store.IsActionDisabled(ctx, "u1", "github", "create_repository")
	require.NoError(t, err)
	assert.True(t, disabled)
}

func TestSetActionDisabled_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.matrix.SetActionDisabled(ctx, "u1", "gitlab", "x", true)
	assert.ErrorIs(t, err, tools.ErrToolNotFound)

	err = f.matrix.SetActionDisabled(ctx, "u1", "github", "delete_everything", true)
	assert.ErrorIs(t, err, ErrActionNotFound)
}

func TestToolGateDominates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.authenticate(t, "u1", "github")
	require.NoError(t, f.matrix.SetActionDisabled(ctx, "u1", "github", "create_repository", true))

	require.NoError(t, f.matrix.SetToolActive(ctx, "u1", "github", false))

	for _, action := range []string{"list_repositories", "create_repository"} {
		enabled, err := f.matrix.IsActionEnabled(ctx, "u1", "github", action)
		require.NoError(t, err)
		assert.False(t, enabled, action)
	}

	// Action rows are not touched by the tool gate
	disabled, err := f.store.IsActionDisabled(ctx, "u1", "github", "create_repository")
	require.NoError(t, err)
	assert.True(t, disabled)
	disabled, err = f.store.IsActionDisabled(ctx, "u1", "github", "list_repositories")
	require.NoError(t, err)
	assert.False(t, disabled)

	require.NoError(t, f.matrix.SetToolActive(ctx, "u1", "github", true))
	enabled, err := f.matrix.IsActionEnabled(ctx, "u1", "github", "list_repositories")
	require.NoError(t, err)
	assert.True(t, enabled)
	enabled, err = f.matrix.IsActionEnabled(ctx, "u1", "github", "create_repository")
	require.NoError(t, err)
	assert.False(t, enabled, "prior disable survives reactivation")
}

func TestSetToolActive_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.matrix.SetToolActive(ctx, "u1", "gitlab", true), tools.ErrToolNotFound)
	assert.ErrorIs(t, f.matrix.SetToolActive(ctx, "u1", "github", true), credentials.ErrNotFound)
}

func TestListEffectiveStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.authenticate(t, "u1", "github")
	require.NoError(t, f.matrix.SetActionDisabled(ctx, "u1", "github", "create_repository", true))

	statuses, err := f.matrix.ListEffectiveStatus(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	// Registration order, not alphabetical
	assert.Equal(t, "slack", statuses[0].Tool)
	assert.False(t, statuses[0].IsAuthenticated)
	assert.False(t, statuses[0].IsActive)
	assert.Equal(t, []ActionStatus{{Name: "post", IsActive: false}}, statuses[0].Actions)

	gh := statuses[1]
	assert.Equal(t, "github", gh.Tool)
	assert.Equal(t, "GitHub", gh.DisplayName)
	assert.True(t, gh.IsAuthenticated)
	assert.True(t, gh.IsActive)
	assert.NotNil(t, gh.LastAuthAt)
	assert.Equal(t, []ActionStatus{
		{Name: "list_repositories", IsActive: true},
		{Name: "create_repository", IsActive: false},
	}, gh.Actions)

	// Another user sees nothing of u1's state
	statuses, err = f.matrix.ListEffectiveStatus(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, statuses[1].IsAuthenticated)
}
