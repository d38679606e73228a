// ABOUTME: Engine facade exposing the authentication and execution operations to transports
// ABOUTME: Also runs the periodic sweep of state tokens and idle rate-limit buckets

package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/toolbroker/internal/credentials"
	"github.com/2389/toolbroker/internal/permissions"
	"github.com/2389/toolbroker/internal/statetoken"
	"github.com/2389/toolbroker/internal/store"
	"github.com/2389/toolbroker/internal/tools"
)

// limiterIdle is how long a user's rate-limit bucket survives without requests.
const limiterIdle = 10 * time.Minute

// Engine wires the orchestrator, permission matrix and dispatcher together.
type Engine struct {
	registry   *tools.Registry
	creds      *credentials.Store
	matrix     *permissions.Matrix
	states     statetoken.Registry
	orch       *Orchestrator
	dispatcher *Dispatcher
	now        func() time.Time
	logger     *slog.Logger
}

// Config contains the engine's collaborators and execution limits.
type Config struct {
	Registry *tools.Registry
	Creds    *credentials.Store
	Actions  store.ActionStore
	States   statetoken.Registry
	FormURL  func(tool string) string

	Timeout               time.Duration
	MaxConcurrent         int
	MaxQueue              int
	UserRequestsPerMinute int
	UserBurst             int

	Now    func() time.Time
	Logger *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	formURL := cfg.FormURL
	if formURL == nil {
		formURL = func(tool string) string { return "/auth/form/" + tool }
	}

	matrix := permissions.New(cfg.Creds, cfg.Actions, cfg.Registry, logger)

	return &Engine{
		registry: cfg.Registry,
		creds:    cfg.Creds,
		matrix:   matrix,
		states:   cfg.States,
		orch: NewOrchestrator(OrchestratorConfig{
			Registry: cfg.Registry,
			Creds:    cfg.Creds,
			States:   cfg.States,
			FormURL:  formURL,
			Now:      now,
			Logger:   logger,
		}),
		dispatcher: NewDispatcher(DispatcherConfig{
			Registry:              cfg.Registry,
			Matrix:                matrix,
			Creds:                 cfg.Creds,
			Timeout:               cfg.Timeout,
			MaxConcurrent:         cfg.MaxConcurrent,
			MaxQueue:              cfg.MaxQueue,
			UserRequestsPerMinute: cfg.UserRequestsPerMinute,
			UserBurst:             cfg.UserBurst,
			Now:                   now,
			Logger:                logger,
		}),
		now:    now,
		logger: logger.With("component", "engine"),
	}
}

// GetAuthorizationTarget starts authorization of a tool for a user.
func (e *Engine) GetAuthorizationTarget(ctx context.Context, userID, toolName string) (*AuthorizationTarget, error) {
	return e.orch.GetAuthorizationTarget(ctx, userID, toolName)
}

// RegisterManualCredential stores caller-supplied credentials.
func (e *Engine) RegisterManualCredential(ctx context.Context, userID, toolName string, fields map[string]string) error {
	return e.orch.RegisterManualCredential(ctx, userID, toolName, fields)
}

// SubmitCredentialForm stores credentials posted from a state-bound form.
func (e *Engine) SubmitCredentialForm(ctx context.Context, toolName, state string, fields map[string]string) (*CallbackResult, error) {
	return e.orch.SubmitCredentialForm(ctx, toolName, state, fields)
}

// CompleteCallback finishes an OAuth2 handshake.
func (e *Engine) CompleteCallback(ctx context.Context, toolName, code, state string) (*CallbackResult, error) {
	return e.orch.CompleteCallback(ctx, toolName, code, state)
}

// ListUserToolStatus reports every registered tool's effective state for the user.
func (e *Engine) ListUserToolStatus(ctx context.Context, userID string) ([]permissions.ToolStatus, error) {
	return e.matrix.ListEffectiveStatus(ctx, userID)
}

// SetToolActive toggles the tool-level gate without touching action rows.
func (e *Engine) SetToolActive(ctx context.Context, userID, toolName string, active bool) error {
	return e.matrix.SetToolActive(ctx, userID, toolName, active)
}

// SetActionDisabled toggles a single action.
func (e *Engine) SetActionDisabled(ctx context.Context, userID, toolName, actionName string, disabled bool) error {
	return e.matrix.SetActionDisabled(ctx, userID, toolName, actionName, disabled)
}

// DisconnectTool removes the user's credential and action rows for the tool.
func (e *Engine) DisconnectTool(ctx context.Context, userID, toolName string) error {
	if _, err := e.registry.Get(toolName); err != nil {
		return err
	}
	if err := e.creds.Delete(ctx, userID, toolName); err != nil {
		return err
	}
	e.logger.Info("tool disconnected", "user_id", userID, "tool", toolName)
	return nil
}

// ExecuteAction runs one action for a user.
func (e *Engine) ExecuteAction(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	return e.dispatcher.Execute(ctx, req)
}

// Health always reports true.
func (e *Engine) Health() bool {
	return true
}

// Sweep purges stale state tokens and idle rate-limit buckets.
func (e *Engine) Sweep(ctx context.Context) (int64, error) {
	n, err := e.states.Sweep(ctx)
	if err != nil {
		return 0, err
	}
	pruned := e.dispatcher.limiter.prune(e.now().Add(-limiterIdle))
	if n > 0 || pruned > 0 {
		e.logger.Debug("sweep completed", "state_tokens", n, "rate_buckets", pruned)
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("sweep failed", "error", err)
			}
		}
	}
}
