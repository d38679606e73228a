// Package config handles configuration loading for toolbroker.
//
// # Overview
//
// Configuration is loaded once at startup from a YAML file with environment
// variable expansion. The resulting *Config is treated as immutable and passed
// to every component that needs it.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TOOLBROKER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/toolbroker/config.yaml
//  3. ~/.config/toolbroker/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	encryption:
//	  key: "${TOOLBROKER_ENCRYPTION_KEY}"
//
// # Configuration Sections
//
//	server:
//	  base_url: "https://broker.example.com"   # redirect + form URLs
//
//	database:
//	  path: "/var/lib/toolbroker/broker.db"
//
//	encryption:
//	  key: "${TOOLBROKER_ENCRYPTION_KEY}"      # base64, 32 bytes
//
//	state_tokens:
//	  backend: "sqlite"                        # memory, sqlite, redis
//	  ttl: "10m"
//	  sweep_interval: "1m"
//	  redis:
//	    url: "redis://localhost:6379/0"
//
//	execution:
//	  profile: "medium"                        # small, medium, large, enterprise
//	  timeout: "30s"
//	  max_concurrent: 50
//	  max_queue: 200
//	  user_requests_per_minute: 20
//	  user_burst: 10
//
//	providers:
//	  github:
//	    client_id: "${GITHUB_CLIENT_ID}"
//	    client_secret: "${GITHUB_CLIENT_SECRET}"
//
//	tools_file: "/etc/toolbroker/tools.yaml"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() rejects a missing base URL, database path or encryption key, a key
// that does not decode to exactly 32 bytes, an unknown state token backend and
// unknown execution profiles.
package config
