// ABOUTME: Auth orchestrator driving OAuth2 handshakes and manual credential registration
// ABOUTME: The flow is chosen once from the descriptor's auth type

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/2389/toolbroker/internal/credentials"
	"github.com/2389/toolbroker/internal/statetoken"
	"github.com/2389/toolbroker/internal/tools"
)

// TargetKind says what the caller should do with an AuthorizationTarget.
type TargetKind string

const (
	// TargetRedirect: send the user to URL; a callback follows.
	TargetRedirect TargetKind = "redirect"
	// TargetForm: show the credential form at URL; it posts into SubmitCredentialForm.
	TargetForm TargetKind = "form"
	// TargetCompleted: authentication already happened during the call.
	TargetCompleted TargetKind = "completed"
)

// AuthorizationTarget is the outcome of starting authorization.
type AuthorizationTarget struct {
	Tool string
	Kind TargetKind
	URL  string
}

// CallbackResult identifies the handshake a callback completed.
type CallbackResult struct {
	UserID string
	Tool   string
}

// authFlow starts authorization for one auth type.
type authFlow interface {
	begin(ctx context.Context, userID string, tool *tools.Tool) (*AuthorizationTarget, error)
}

// Orchestrator runs authorization handshakes.
type Orchestrator struct {
	registry *tools.Registry
	creds    *credentials.Store
	states   statetoken.Registry
	formURL  func(tool string) string
	now      func() time.Time
	logger   *slog.Logger

	flows map[tools.AuthType]authFlow
}

// OrchestratorConfig contains the orchestrator's collaborators.
type OrchestratorConfig struct {
	Registry *tools.Registry
	Creds    *credentials.Store
	States   statetoken.Registry
	// FormURL returns the credential form URL for a tool, without query.
	FormURL func(tool string) string
	Now     func() time.Time
	Logger  *slog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	o := &Orchestrator{
		registry: cfg.Registry,
		creds:    cfg.Creds,
		states:   cfg.States,
		formURL:  cfg.FormURL,
		now:      now,
		logger:   logger.With("component", "auth"),
	}
	o.flows = map[tools.AuthType]authFlow{
		tools.AuthOAuth2:              oauth2Flow{o},
		tools.AuthManual:              manualFlow{o},
		tools.AuthAPIKey:              apiKeyFlow{o},
		tools.AuthAPIKeyOrCredentials: apiKeyFlow{o},
	}
	return o
}

// GetAuthorizationTarget starts authorization of toolName for userID.
// Manual tools authenticate synchronously and report TargetCompleted.
func (o *Orchestrator) GetAuthorizationTarget(ctx context.Context, userID, toolName string) (*AuthorizationTarget, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidParameters)
	}
	tool, err := o.registry.Get(toolName)
	if err != nil {
		return nil, err
	}
	flow, ok := o.flows[tool.Descriptor.AuthType]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported auth type %q", ErrInvalidParameters, tool.Descriptor.AuthType)
	}
	return flow.begin(ctx, userID, tool)
}

type oauth2Flow struct{ o *Orchestrator }

func (f oauth2Flow) begin(ctx context.Context, userID string, tool *tools.Tool) (*AuthorizationTarget, error) {
	state, err := f.o.states.Issue(ctx, userID, tool.Name())
	if err != nil {
		return nil, fmt.Errorf("issuing state token: %w", err)
	}
	f.o.logger.Info("authorization started", "user_id", userID, "tool", tool.Name())
	return &AuthorizationTarget{
		Tool: tool.Name(),
		Kind: TargetRedirect,
		URL:  tool.Exchanger.AuthCodeURL(state),
	}, nil
}

type manualFlow struct{ o *Orchestrator }

func (f manualFlow) begin(ctx context.Context, userID string, tool *tools.Tool) (*AuthorizationTarget, error) {
	grant, err := tool.Manual.ManualAuth(ctx, userID)
	if err != nil {
		f.o.logger.Warn("manual auth failed", "user_id", userID, "tool", tool.Name(), "error", err)
		return nil, newAdapterError(tool.Name(), "", err, nil)
	}
	if err := f.o.creds.Put(ctx, userID, tool.Name(), string(tools.AuthManual), grant.Payload, grant.ExpiresAt); err != nil {
		return nil, err
	}
	f.o.logger.Info("manual auth completed", "user_id", userID, "tool", tool.Name())
	return &AuthorizationTarget{Tool: tool.Name(), Kind: TargetCompleted}, nil
}

type apiKeyFlow struct{ o *Orchestrator }

// begin binds the form URL to a state token issued for userID.
func (f apiKeyFlow) begin(ctx context.Context, userID string, tool *tools.Tool) (*AuthorizationTarget, error) {
	state, err := f.o.states.Issue(ctx, userID, tool.Name())
	if err != nil {
		return nil, fmt.Errorf("issuing state token: %w", err)
	}
	f.o.logger.Info("credential form issued", "user_id", userID, "tool", tool.Name())
	return &AuthorizationTarget{
		Tool: tool.Name(),
		Kind: TargetForm,
		URL:  f.o.formURL(tool.Name()) + "?state=" + url.QueryEscape(state),
	}, nil
}

// RegisterManualCredential stores caller-supplied credentials for any registered tool.
func (o *Orchestrator) RegisterManualCredential(ctx context.Context, userID, toolName string, fields map[string]string) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidParameters)
	}
	tool, err := o.registry.Get(toolName)
	if err != nil {
		return err
	}

	payload := credentialFields(fields)
	if len(payload) == 0 {
		return fmt.Errorf("%w: no credential fields supplied", ErrInvalidParameters)
	}

	authType := tool.Descriptor.AuthType
	if authType != tools.AuthAPIKey && authType != tools.AuthAPIKeyOrCredentials {
		authType = tools.AuthManual
	}
	payload["auth_type"] = string(authType)
	payload["registered_at"] = o.now().UTC().Format(time.RFC3339)

	if err := o.creds.Put(ctx, userID, toolName, string(authType), payload, nil); err != nil {
		return err
	}
	o.logger.Info("manual credential registered", "user_id", userID, "tool", toolName, "fields", payload.Keys())
	return nil
}

// SubmitCredentialForm stores the fields posted from a credential form. The
// user comes from the form's state token, which is consumed on success.
// Empty submissions leave the token unconsumed.
func (o *Orchestrator) SubmitCredentialForm(ctx context.Context, toolName, state string, fields map[string]string) (*CallbackResult, error) {
	if state == "" {
		return nil, fmt.Errorf("%w: state is required", ErrInvalidParameters)
	}
	if len(credentialFields(fields)) == 0 {
		return nil, fmt.Errorf("%w: no credential fields supplied", ErrInvalidParameters)
	}

	claims, err := o.states.Consume(ctx, state)
	if err != nil {
		o.logger.Warn("form submission rejected", "tool", toolName, "error", err)
		return nil, err
	}
	if claims.ToolName != toolName {
		o.logger.Warn("form tool mismatch", "tool", toolName, "issued_for", claims.ToolName)
		return nil, fmt.Errorf("%w: state was issued for a different tool", ErrInvalidParameters)
	}

	if err := o.RegisterManualCredential(ctx, claims.UserID, toolName, fields); err != nil {
		return nil, err
	}
	return &CallbackResult{UserID: claims.UserID, Tool: toolName}, nil
}

// credentialFields drops blank keys and values.
func credentialFields(fields map[string]string) credentials.Payload {
	payload := make(credentials.Payload, len(fields)+2)
	for k, v := range fields {
		if k == "" || v == "" {
			continue
		}
		payload[k] = v
	}
	return payload
}

// CompleteCallback finishes an OAuth2 handshake. The state token is consumed
// before anything else, so a failed exchange or write cannot be replayed.
func (o *Orchestrator) CompleteCallback(ctx context.Context, toolName, code, state string) (*CallbackResult, error) {
	if code == "" || state == "" {
		return nil, fmt.Errorf("%w: code and state are required", ErrInvalidParameters)
	}

	claims, err := o.states.Consume(ctx, state)
	if err != nil {
		o.logger.Warn("callback rejected", "tool", toolName, "error", err)
		return nil, err
	}
	if claims.ToolName != toolName {
		o.logger.Warn("callback tool mismatch", "tool", toolName, "issued_for", claims.ToolName)
		return nil, fmt.Errorf("%w: state was issued for a different tool", ErrInvalidParameters)
	}

	tool, err := o.registry.Get(toolName)
	if err != nil {
		return nil, err
	}
	if tool.Exchanger == nil {
		return nil, fmt.Errorf("%w: tool %s does not use OAuth2", ErrInvalidParameters, toolName)
	}

	grant, err := tool.Exchanger.ExchangeCode(ctx, code)
	if err != nil {
		o.logger.Warn("code exchange failed", "user_id", claims.UserID, "tool", toolName, "error", err)
		return nil, newAdapterError(toolName, "", err, nil)
	}

	if err := o.creds.Put(ctx, claims.UserID, toolName, string(tools.AuthOAuth2), grant.Payload, grant.ExpiresAt); err != nil {
		o.logger.Error("persisting credential failed after consuming state", "user_id", claims.UserID, "tool", toolName, "error", err)
		return nil, err
	}

	o.logger.Info("authorization completed", "user_id", claims.UserID, "tool", toolName)
	return &CallbackResult{UserID: claims.UserID, Tool: toolName}, nil
}
