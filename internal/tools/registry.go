// ABOUTME: Thread-safe registry mapping tool names to descriptors and adapter capabilities
// ABOUTME: Keeps registration order so status listings are deterministic

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrToolNotFound indicates the requested tool is not registered.
var ErrToolNotFound = errors.New("tool not found")

// ErrToolCollision indicates a tool name is already registered.
var ErrToolCollision = errors.New("tool name collision")

// ErrMissingCapability indicates a tool lacks the capability its auth type needs.
var ErrMissingCapability = errors.New("tool is missing a required capability")

// Invocation is one action call handed to an adapter.
type Invocation struct {
	UserID     string
	Action     string
	Parameters map[string]any
	Credential map[string]any
}

// Adapter executes actions against a tool's upstream API.
type Adapter interface {
	Invoke(ctx context.Context, inv *Invocation) (any, error)
}

// AdapterFunc adapts a plain function to Adapter.
type AdapterFunc func(ctx context.Context, inv *Invocation) (any, error)

// Invoke calls f.
func (f AdapterFunc) Invoke(ctx context.Context, inv *Invocation) (any, error) {
	return f(ctx, inv)
}

// Grant is a credential obtained from a provider.
type Grant struct {
	Payload   map[string]any
	ExpiresAt *time.Time
}

// CodeExchanger is the OAuth2 capability of a tool.
type CodeExchanger interface {
	// AuthCodeURL builds the provider authorization URL carrying state.
	AuthCodeURL(state string) string
	// ExchangeCode trades an authorization code for a provider credential.
	ExchangeCode(ctx context.Context, code string) (*Grant, error)
}

// ManualAuthenticator lets a tool authenticate a user without interaction.
type ManualAuthenticator interface {
	ManualAuth(ctx context.Context, userID string) (*Grant, error)
}

// Tool is a registered tool: its descriptor plus capabilities.
// Exchanger is set for oauth2 tools and Manual for manual tools.
type Tool struct {
	Descriptor *Descriptor
	Adapter    Adapter
	Exchanger  CodeExchanger
	Manual     ManualAuthenticator
}

// Name returns the tool name.
func (t *Tool) Name() string {
	return t.Descriptor.Name
}

// Registry holds the registered tools. It is populated at startup and read
// concurrently afterwards.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register validates and adds a tool.
// Returns ErrToolCollision if the name exists and ErrMissingCapability if the
// tool's auth type needs a capability it does not provide.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Descriptor == nil {
		return fmt.Errorf("%w: nil tool", ErrInvalidDescriptor)
	}
	if err := t.Descriptor.Validate(); err != nil {
		return err
	}
	if t.Adapter == nil {
		return fmt.Errorf("%w: tool %q has no adapter", ErrMissingCapability, t.Name())
	}
	switch t.Descriptor.AuthType {
	case AuthOAuth2:
		if t.Exchanger == nil {
			return fmt.Errorf("%w: oauth2 tool %q has no code exchanger", ErrMissingCapability, t.Name())
		}
	case AuthManual:
		if t.Manual == nil {
			return fmt.Errorf("%w: manual tool %q has no manual authenticator", ErrMissingCapability, t.Name())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("%w: tool '%s' already registered", ErrToolCollision, t.Name())
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())

	r.logger.Info("tool registered",
		"tool", t.Name(),
		"auth_type", t.Descriptor.AuthType,
		"action_count", len(t.Descriptor.Actions),
		"total_tools", len(r.tools),
	)
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// List returns all tools in registration order.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}
