// ABOUTME: Entry point for the toolbroker server and its local admin commands
// ABOUTME: Serves the auth and execution API, or runs one engine operation against the configured store

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/toolbroker/internal/config"
	"github.com/2389/toolbroker/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _              _ _               _
 | |_ ___   ___ | | |__  _ __ ___ | | _____ _ __
 | __/ _ \ / _ \| | '_ \| '__/ _ \| |/ / _ \ '__|
 | || (_) | (_) | | |_) | | | (_) |   <  __/ |
  \__\___/ \___/|_|_.__/|_|  \___/|_|\_\___|_|
`

// getConfigPath returns the path to the toolbroker config file.
// Priority: TOOLBROKER_CONFIG env var > XDG_CONFIG_HOME/toolbroker/config.yaml > ~/.config/toolbroker/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TOOLBROKER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "toolbroker", "config.yaml")
}

// getDataPath returns the path to the toolbroker data directory.
// Priority: XDG_DATA_HOME/toolbroker > ~/.local/share/toolbroker
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "toolbroker")
}

func usage() {
	fmt.Println("Usage: toolbroker <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                        Start the HTTP server")
	fmt.Println("  init                                         Create a new config file interactively")
	fmt.Println("  health                                       Check server health")
	fmt.Println("  tools                                        List registered tools")
	fmt.Println("  status      --user U                         Show a user's tool status")
	fmt.Println("  authorize   --user U --tool T                Start authorization of a tool")
	fmt.Println("  callback    --tool T --code C --state S      Complete an OAuth2 callback")
	fmt.Println("  register    --user U --tool T key=value...   Store credentials for a tool")
	fmt.Println("  activate    --user U --tool T                Turn a tool on")
	fmt.Println("  deactivate  --user U --tool T                Turn a tool off")
	fmt.Println("  enable      --user U --tool T --action A     Enable one action")
	fmt.Println("  disable     --user U --tool T --action A     Disable one action")
	fmt.Println("  disconnect  --user U --tool T                Remove a tool's credentials")
	fmt.Println("  exec        --user U --tool T --action A [--params JSON]")
	fmt.Println("                                               Execute an action")
	fmt.Println("  functions   --user U                         Print function definitions")
	fmt.Println("  sweep                                        Purge stale state tokens")
	fmt.Println("  token       --subject S [--role service] [--ttl 720h]")
	fmt.Println("                                               Mint an API bearer token")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "tools":
		err = runTools(ctx)
	case "status":
		err = runStatus(ctx, args)
	case "authorize":
		err = runAuthorize(ctx, args)
	case "callback":
		err = runCallback(ctx, args)
	case "register":
		err = runRegister(ctx, args)
	case "activate":
		err = runSetActive(ctx, args, true)
	case "deactivate":
		err = runSetActive(ctx, args, false)
	case "enable":
		err = runSetDisabled(ctx, args, false)
	case "disable":
		err = runSetDisabled(ctx, args, true)
	case "disconnect":
		err = runDisconnect(ctx, args)
	case "exec":
		err = runExec(ctx, args)
	case "functions":
		err = runFunctions(ctx, args)
	case "sweep":
		err = runSweep(ctx)
	case "token":
		err = runToken(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Base URL:  %s\n", cfg.Server.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("API auth:  ")
	if cfg.Server.APISecret != "" {
		cyan.Println("bearer token")
	} else {
		yellow.Println("disabled")
	}
	green.Print("    ▶ ")
	fmt.Printf("State:     %s", cfg.StateTokens.Backend)
	if cfg.StateTokens.Backend == config.BackendMemory {
		yellow.Print(" [single instance]")
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Profile:   %s ", cfg.Execution.Profile)
	gray.Printf("(%d concurrent, %d queued, %s timeout)\n",
		cfg.Execution.MaxConcurrent, cfg.Execution.MaxQueue, cfg.Execution.Timeout)
	fmt.Println()

	logger.Info("starting toolbroker",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"base_url", cfg.Server.BaseURL,
	)

	services, err := gateway.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening engine: %w", err)
	}
	defer services.Close()

	gw, err := gateway.New(cfg, services.Engine, services.Registry, logger)
	if err != nil {
		return err
	}
	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// generateKey returns size fresh random bytes, base64 encoded.
func generateKey(size int) (string, error) {
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("toolbroker configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDbPath := filepath.Join(getDataPath(), "toolbroker.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	baseURL := prompt(reader, "Public base URL (used for OAuth redirects)", "http://"+httpAddr)

	fmt.Println("\n--- Storage Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)
	backend := prompt(reader, "State token backend (memory/sqlite/redis)", config.BackendSQLite)
	redisURL := ""
	if backend == config.BackendRedis {
		redisURL = prompt(reader, "Redis URL", "redis://localhost:6379/0")
	}

	fmt.Println("\n--- Execution Configuration ---")
	profile := prompt(reader, "Load profile (small/medium/large/enterprise)", config.DefaultProfile)
	toolsFile := prompt(reader, "Tool descriptor file", filepath.Join(filepath.Dir(outputFile), "tools.yaml"))

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	key, err := generateKey(config.KeySize)
	if err != nil {
		return err
	}
	apiSecret, err := generateKey(config.MinAPISecretLength)
	if err != nil {
		return err
	}

	var cfg strings.Builder
	cfg.WriteString("# toolbroker configuration\n")
	cfg.WriteString("# Generated by toolbroker init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  base_url: \"%s\"\n", baseURL))
	cfg.WriteString(fmt.Sprintf("  api_secret: \"%s\"\n", apiSecret))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("encryption:\n")
	cfg.WriteString(fmt.Sprintf("  key: \"%s\"\n", key))
	cfg.WriteString("\n")

	cfg.WriteString("state_tokens:\n")
	cfg.WriteString(fmt.Sprintf("  backend: \"%s\"\n", backend))
	cfg.WriteString("  ttl: \"10m\"\n")
	if redisURL != "" {
		cfg.WriteString("  redis:\n")
		cfg.WriteString(fmt.Sprintf("    url: \"%s\"\n", redisURL))
	}
	cfg.WriteString("\n")

	cfg.WriteString("execution:\n")
	cfg.WriteString(fmt.Sprintf("  profile: \"%s\"\n", profile))
	cfg.WriteString("\n")

	cfg.WriteString(fmt.Sprintf("tools_file: \"%s\"\n\n", toolsFile))

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file holds the encryption key.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nAdd OAuth client settings under providers: before authorizing oauth2 tools.")
	fmt.Println("\nTo start the server and mint a backend token:")
	fmt.Printf("  toolbroker serve\n")
	fmt.Printf("  toolbroker token --subject my-backend --role service\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
