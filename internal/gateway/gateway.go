// ABOUTME: HTTP server exposing the engine operations, OAuth callbacks and credential forms
// ABOUTME: Runs the state token sweeper alongside the server and shuts both down together

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/toolbroker/internal/auth"
	"github.com/2389/toolbroker/internal/broker"
	"github.com/2389/toolbroker/internal/config"
	"github.com/2389/toolbroker/internal/tools"
)

// Gateway serves the engine over HTTP.
type Gateway struct {
	config     *config.Config
	engine     *broker.Engine
	registry   *tools.Registry
	verifier   auth.TokenVerifier
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a gateway around an engine. A configured server.api_secret
// turns on bearer token auth for the /api routes.
func New(cfg *config.Config, engine *broker.Engine, registry *tools.Registry, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gw := &Gateway{
		config:   cfg,
		engine:   engine,
		registry: registry,
		logger:   logger.With("component", "gateway"),
	}
	if cfg.Server.APISecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Server.APISecret))
		if err != nil {
			return nil, fmt.Errorf("creating API token verifier: %w", err)
		}
		gw.verifier = v
	}
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Handler returns the HTTP routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoint - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)

	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, g.protect(h))
	}

	// Auth flow. Authorize names the user so it sits behind API auth; the
	// callback and form are bound to the state token it issues.
	api("GET /auth/authorize/{tool}", g.handleAuthorize)
	mux.HandleFunc("GET /auth/callback/{tool}", g.handleCallback)
	mux.HandleFunc("GET /auth/form/{tool}", g.handleFormPage)
	mux.HandleFunc("POST /auth/form/{tool}", g.handleFormSubmit)

	// JSON API
	api("GET /api/tools", g.handleListTools)
	api("POST /api/tools/{tool}/credentials", g.handleRegisterCredential)
	api("GET /api/users/{user}/tools", g.handleUserTools)
	api("PUT /api/users/{user}/tools/{tool}", g.handleSetToolActive)
	api("DELETE /api/users/{user}/tools/{tool}", g.handleDisconnect)
	api("PUT /api/users/{user}/tools/{tool}/actions/{action}", g.handleSetActionDisabled)
	api("GET /api/users/{user}/functions", g.handleFunctions)
	api("POST /api/execute", g.handleExecute)

	return mux
}

// protect wraps h with bearer token auth when an API secret is configured.
func (g *Gateway) protect(h http.Handler) http.Handler {
	if g.verifier == nil {
		return h
	}
	return auth.Middleware(g.verifier, g.logger)(h)
}

// allowUser reports whether the caller may act for userID, writing a 403 if not.
// Without an API secret every caller is trusted.
func (g *Gateway) allowUser(w http.ResponseWriter, r *http.Request, userID string) bool {
	if g.verifier == nil {
		return true
	}
	if auth.FromContext(r.Context()).CanActFor(userID) {
		return true
	}
	g.sendJSON(w, http.StatusForbidden, ErrorResponse{Error: "not allowed to act for this user", Code: "forbidden"})
	return false
}

// Run serves HTTP and sweeps state tokens until ctx is cancelled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go g.engine.RunSweeper(sweepCtx, g.config.StateTokens.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown stops the HTTP server.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	if err := g.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// handleHealth returns 200 OK while the engine reports healthy.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !g.engine.Health() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
