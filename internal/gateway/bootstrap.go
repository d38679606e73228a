// ABOUTME: Builds the engine and its collaborators from configuration
// ABOUTME: Shared by the HTTP server and the local CLI commands

package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/2389/toolbroker/internal/adapters"
	"github.com/2389/toolbroker/internal/broker"
	"github.com/2389/toolbroker/internal/config"
	"github.com/2389/toolbroker/internal/credentials"
	"github.com/2389/toolbroker/internal/sealer"
	"github.com/2389/toolbroker/internal/statetoken"
	"github.com/2389/toolbroker/internal/store"
	"github.com/2389/toolbroker/internal/tools"
)

// Services holds everything built from one configuration.
type Services struct {
	Engine   *broker.Engine
	Registry *tools.Registry
	Store    *store.SQLiteStore
	States   statetoken.Registry
}

// Open constructs the store, state token registry, tool registry and engine.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	key, err := cfg.EncryptionKey()
	if err != nil {
		return nil, err
	}
	seal, err := sealer.New(key)
	if err != nil {
		return nil, fmt.Errorf("creating sealer: %w", err)
	}

	dbPath := cfg.Database.Path
	if envPath := os.Getenv("TOOLBROKER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	sqlStore, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	states, err := openStateRegistry(ctx, cfg, sqlStore)
	if err != nil {
		_ = sqlStore.Close()
		return nil, err
	}

	var descs []*tools.Descriptor
	if cfg.ToolsFile != "" {
		descs, err = tools.LoadDescriptors(cfg.ToolsFile)
		if err != nil {
			_ = closeStates(states)
			_ = sqlStore.Close()
			return nil, fmt.Errorf("loading tools: %w", err)
		}
	}

	registry := tools.NewRegistry(logger)
	client := &http.Client{Timeout: 30 * time.Second}
	if err := adapters.RegisterAll(registry, descs, cfg, client, logger); err != nil {
		_ = closeStates(states)
		_ = sqlStore.Close()
		return nil, fmt.Errorf("registering tools: %w", err)
	}

	engine := broker.NewEngine(broker.Config{
		Registry:              registry,
		Creds:                 credentials.New(sqlStore, seal, logger),
		Actions:               sqlStore,
		States:                states,
		FormURL:               cfg.FormURL,
		Timeout:               cfg.Execution.Timeout,
		MaxConcurrent:         cfg.Execution.MaxConcurrent,
		MaxQueue:              cfg.Execution.MaxQueue,
		UserRequestsPerMinute: cfg.Execution.UserRequestsPerMinute,
		UserBurst:             cfg.Execution.UserBurst,
		Logger:                logger,
	})

	logger.Info("engine ready",
		"tools", len(descs),
		"state_backend", cfg.StateTokens.Backend,
		"profile", cfg.Execution.Profile,
	)

	return &Services{
		Engine:   engine,
		Registry: registry,
		Store:    sqlStore,
		States:   states,
	}, nil
}

func openStateRegistry(ctx context.Context, cfg *config.Config, sqlStore *store.SQLiteStore) (statetoken.Registry, error) {
	opts := statetoken.Options{TTL: cfg.StateTokens.TTL}
	switch cfg.StateTokens.Backend {
	case config.BackendMemory:
		// The engine sweeper drives Sweep, so no background goroutine here
		return statetoken.NewMemoryRegistry(opts, 0), nil
	case config.BackendRedis:
		r, err := statetoken.NewRedisRegistry(ctx, cfg.StateTokens.Redis.URL, opts)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return r, nil
	default:
		return statetoken.NewStoreRegistry(sqlStore, opts), nil
	}
}

func closeStates(r statetoken.Registry) error {
	if c, ok := r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Close releases the state registry and the store.
func (s *Services) Close() error {
	var errs []error
	errs = appendCloseError(errs, "state registry close", closeStates(s.States))
	errs = appendCloseError(errs, "store close", s.Store.Close())
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
