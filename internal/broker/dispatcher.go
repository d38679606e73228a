// ABOUTME: Execution dispatcher: permission checks, credential load and bounded adapter calls
// ABOUTME: Execution reads the stores but never writes them

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/toolbroker/internal/credentials"
	"github.com/2389/toolbroker/internal/permissions"
	"github.com/2389/toolbroker/internal/tools"
)

// DefaultTimeout is the adapter deadline when neither config nor action sets one.
const DefaultTimeout = 30 * time.Second

// ExecuteRequest asks for one action to run on a user's behalf.
type ExecuteRequest struct {
	UserID     string
	Tool       string
	Action     string
	Parameters map[string]any
}

// ExecuteResult is a successful execution.
type ExecuteResult struct {
	Success       bool
	Tool          string
	Action        string
	Result        any
	ExecutionTime time.Duration
}

// Dispatcher runs actions.
type Dispatcher struct {
	registry *tools.Registry
	matrix   *permissions.Matrix
	creds    *credentials.Store
	timeout  time.Duration
	gate     *gate
	limiter  *userLimiter
	now      func() time.Time
	logger   *slog.Logger
}

// DispatcherConfig contains the dispatcher's collaborators and limits.
type DispatcherConfig struct {
	Registry *tools.Registry
	Matrix   *permissions.Matrix
	Creds    *credentials.Store

	Timeout               time.Duration
	MaxConcurrent         int
	MaxQueue              int
	UserRequestsPerMinute int
	UserBurst             int

	Now    func() time.Time
	Logger *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}

	return &Dispatcher{
		registry: cfg.Registry,
		matrix:   cfg.Matrix,
		creds:    cfg.Creds,
		timeout:  timeout,
		gate:     newGate(maxConcurrent, cfg.MaxQueue),
		limiter:  newUserLimiter(cfg.UserRequestsPerMinute, cfg.UserBurst),
		now:      now,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Execute runs req.Action of req.Tool for req.UserID.
func (d *Dispatcher) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if req.UserID == "" || req.Tool == "" || req.Action == "" {
		return nil, fmt.Errorf("%w: user_id, tool and action are required", ErrInvalidParameters)
	}

	if !d.limiter.allow(req.UserID, d.now()) {
		return nil, ErrRateLimited
	}
	if err := d.gate.acquire(ctx); err != nil {
		if errors.Is(err, ErrBusy) {
			d.logger.Warn("execution rejected, queue full", "user_id", req.UserID, "tool", req.Tool)
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			d.gate.release()
		}
	}()

	tool, err := d.registry.Get(req.Tool)
	if err != nil {
		return nil, err
	}
	action, ok := tool.Descriptor.Action(req.Action)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrActionNotFound, req.Tool, req.Action)
	}

	enabled, err := d.matrix.IsActionEnabled(ctx, req.UserID, req.Tool, req.Action)
	if err != nil {
		return nil, err
	}
	if !enabled {
		// The tool gate dominates the action row when reporting why
		active, err := d.matrix.IsToolActive(ctx, req.UserID, req.Tool)
		if err != nil {
			return nil, err
		}
		if !active {
			return nil, fmt.Errorf("%w: %s", ErrNotAuthenticated, req.Tool)
		}
		return nil, fmt.Errorf("%w: %s.%s", ErrActionDisabled, req.Tool, req.Action)
	}

	cred, err := d.creds.Get(ctx, req.UserID, req.Tool)
	if errors.Is(err, credentials.ErrNotFound) {
		// Disconnected between the activation check and the load
		return nil, fmt.Errorf("%w: %s", ErrNotAuthenticated, req.Tool)
	}
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, name := range action.RequiredParameters() {
		if _, ok := req.Parameters[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required parameters %v", ErrInvalidParameters, missing)
	}

	timeout := d.timeout
	if action.TimeoutSeconds > 0 {
		timeout = time.Duration(action.TimeoutSeconds) * time.Second
	}

	handedOff = true
	start := d.now()
	result, err := d.invoke(ctx, tool, timeout, &tools.Invocation{
		UserID:     req.UserID,
		Action:     req.Action,
		Parameters: req.Parameters,
		Credential: cred,
	})
	elapsed := d.now().Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}

	if err != nil {
		d.logger.Warn("execution failed",
			"user_id", req.UserID,
			"tool", req.Tool,
			"action", req.Action,
			"duration", elapsed,
			"error", err,
		)
		return nil, err
	}

	d.logger.Info("execution completed",
		"user_id", req.UserID,
		"tool", req.Tool,
		"action", req.Action,
		"duration", elapsed,
	)
	return &ExecuteResult{
		Success:       true,
		Tool:          req.Tool,
		Action:        req.Action,
		Result:        result,
		ExecutionTime: elapsed,
	}, nil
}

type invokeOutcome struct {
	result any
	err    error
}

// invoke calls the adapter under timeout. The gate slot is released when the
// adapter returns, which may be after a timeout has already been reported.
func (d *Dispatcher) invoke(ctx context.Context, tool *tools.Tool, timeout time.Duration, inv *tools.Invocation) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan invokeOutcome, 1)
	go func() {
		defer d.gate.release()
		defer func() {
			if r := recover(); r != nil {
				done <- invokeOutcome{err: fmt.Errorf("adapter panic: %v", r)}
			}
		}()
		result, err := tool.Adapter.Invoke(ctx, inv)
		done <- invokeOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			return out.result, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s.%s after %s", ErrTimeout, tool.Name(), inv.Action, timeout)
		}
		return nil, newAdapterError(tool.Name(), inv.Action, out.err, inv.Credential)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s.%s after %s", ErrTimeout, tool.Name(), inv.Action, timeout)
	}
}
