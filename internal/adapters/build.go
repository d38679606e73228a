// ABOUTME: Builds registry tools from descriptors and provider configuration
// ABOUTME: Picks the adapter kind and attaches the capabilities each auth type needs

package adapters

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/2389/toolbroker/internal/config"
	"github.com/2389/toolbroker/internal/tools"
)

// Build turns a descriptor into a registry tool.
func Build(desc *tools.Descriptor, cfg *config.Config, client *http.Client, logger *slog.Logger) (*tools.Tool, error) {
	tool := &tools.Tool{Descriptor: desc}

	switch desc.Adapter.Kind {
	case "", "process":
		p, err := NewProcess(desc.Name, desc.Adapter, logger)
		if err != nil {
			return nil, err
		}
		tool.Adapter = p
	case "http":
		h, err := NewHTTP(desc.Adapter.URL, client)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", desc.Name, err)
		}
		tool.Adapter = h
	default:
		return nil, fmt.Errorf("tool %s: unknown adapter kind %q", desc.Name, desc.Adapter.Kind)
	}

	switch desc.AuthType {
	case tools.AuthOAuth2:
		provider, ok := cfg.Providers[desc.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoProvider, desc.Name)
		}
		ex, err := NewOAuth2(desc.Name, provider, cfg.CallbackURL(desc.Name), client)
		if err != nil {
			return nil, err
		}
		tool.Exchanger = ex
	case tools.AuthManual:
		m, err := NewEndpointAuth(desc.Adapter.AuthURL, client)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", desc.Name, err)
		}
		tool.Manual = m
	}

	return tool, nil
}

// RegisterAll builds and registers every descriptor in order.
func RegisterAll(reg *tools.Registry, descs []*tools.Descriptor, cfg *config.Config, client *http.Client, logger *slog.Logger) error {
	for _, d := range descs {
		tool, err := Build(d, cfg, client, logger)
		if err != nil {
			return err
		}
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
