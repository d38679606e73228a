// ABOUTME: Local admin commands that run one engine operation against the configured store
// ABOUTME: Flags accept both "--name value" and "--name=value" forms

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/toolbroker/internal/auth"
	"github.com/2389/toolbroker/internal/broker"
	"github.com/2389/toolbroker/internal/config"
	"github.com/2389/toolbroker/internal/gateway"
)

// cmdArgs holds parsed --flag values and bare positional arguments.
type cmdArgs struct {
	flags      map[string]string
	positional []string
}

// parseArgs parses the flags named in allowed. Unknown flags are an error.
func parseArgs(args []string, allowed ...string) (*cmdArgs, error) {
	known := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		known[name] = true
	}

	out := &cmdArgs{flags: make(map[string]string)}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			out.positional = append(out.positional, arg)
			continue
		}

		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		out.flags[name] = value
	}
	return out, nil
}

// require returns the named flag or an error if it is missing.
func (a *cmdArgs) require(name string) (string, error) {
	v := strings.TrimSpace(a.flags[name])
	if v == "" {
		return "", fmt.Errorf("--%s flag is required", name)
	}
	return v, nil
}

// keyValues parses key=value positional arguments.
func (a *cmdArgs) keyValues() (map[string]string, error) {
	out := make(map[string]string, len(a.positional))
	for _, kv := range a.positional {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", kv)
		}
		out[k] = v
	}
	return out, nil
}

// withEngine opens the engine from the config file, runs fn and closes everything.
// Local commands log warnings and errors only.
func withEngine(ctx context.Context, fn func(*gateway.Services) error) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.Logging.Level = "warn"
	logger := setupLogger(cfg.Logging)

	services, err := gateway.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening engine: %w", err)
	}
	defer services.Close()

	return fn(services)
}

func runTools(ctx context.Context) error {
	return withEngine(ctx, func(s *gateway.Services) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  NAME\tDISPLAY NAME\tAUTH\tACTIONS")
		fmt.Fprintln(w, "  ----\t------------\t----\t-------")
		for _, t := range s.Registry.List() {
			d := t.Descriptor
			names := make([]string, 0, len(d.Actions))
			for _, a := range d.Actions {
				names = append(names, a.Name)
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", d.Name, d.DisplayName, d.AuthType, strings.Join(names, ", "))
		}
		return w.Flush()
	})
}

func runStatus(ctx context.Context, args []string) error {
	parsed, err := parseArgs(args, "user")
	if err != nil {
		return err
	}
	userID, err := parsed.require("user")
	if err != nil {
		return err
	}

	return withEngine(ctx, func(s *gateway.Services) error {
		statuses, err := s.Engine.ListUserToolStatus(ctx, userID)
		if err != nil {
			return err
		}

		green := color.New(color.FgGreen)
		gray := color.New(color.FgHiBlack)
		for _, st := range statuses {
			switch {
			case st.IsActive:
				green.Print("  ● ")
			case st.IsAuthenticated:
				color.New(color.FgYellow).Print("  ◐ ")
			default:
				gray.Print("  ○ ")
			}
			fmt.Printf("%s ", st.Tool)
			gray.Printf("(%s)", st.AuthType)
			if st.LastAuthAt != nil {
				gray.Printf(" authorized %s", st.LastAuthAt.Format(time.RFC3339))
			}
			fmt.Println()
			for _, a := range st.Actions {
				mark := "off"
				if a.IsActive {
					mark = "on"
				}
				fmt.Printf("      %-32s %s\n", a.Name, mark)
			}
		}
		return nil
	})
}

func runAuthorize(ctx context.Context, args []string) error {
	parsed, err := parseArgs(args, "user", "tool")
	if err != nil {
		return err
	}
	userID, err := parsed.require("user")
	if err != nil {
		return err
	}
	tool, err := parsed.require("tool")
	if err != nil {
		return err
	}

	return withEngine(ctx, func(s *gateway.Services) error {
		target, err := s.Engine.GetAuthorizationTarget(ctx, userID, tool)
		if err != nil {
			return err
		}
		switch target.Kind {
		case broker.TargetCompleted:
			color.New(color.FgGreen).Printf("  ✓ %s authorized for %s\n", tool, userID)
		default:
			fmt.Printf("  Open this URL to continue (%s):\n\n", target.Kind)
			color.New(color.FgCyan).Printf("    %s\n\n", target.URL)
		}
		return nil
	})
}

func runCallback(ctx context.Context, args []string) error {
	parsed, err := parseArgs(args, "tool", "code", "state")
	if err != nil {
		return err
	}
	tool, err := parsed.require("tool")
	if err != nil {
		return err
	}
	code, err := parsed.require("code")
	if err != nil {
		return err
	}
	state, err := parsed.require("state")
	if err != nil {
		return err
	}

	return withEngine(ctx, func(s *gateway.Services) error {
		res, err := s.Engine.CompleteCallback(ctx, tool, code, state)
		if err != nil {
			return err
		}
		color.New(color.FgGreen).Printf("  ✓ %s authorized for %s\n", res.Tool, res.UserID)
		return nil
	})
}

func runRegister(ctx context.Context, args []string) error {
	parsed, err := parseArgs(args, "user", "tool")
	if err != nil {
		return err
	}
	userID, err := parsed.require("user")
	if err != nil {
		return err
	}
	tool, err := parsed.require("tool")
	if err != nil {
		return err
	}
	fields, err := parsed.keyValues()
	if err != nil {
		return err
	}

	return withEngine(ctx, func(s *gateway.Services) error {
		if err := s.Engine.RegisterManualCredential(ctx, userID, tool, fields); err != nil {
			return err
		}
		color.New(color.FgGreen).Printf("  ✓ Stored credentials for %s/%s\n", userID, tool)
		return nil
	})
}

func runSetActive(ctx context.Context, args []string, active bool) error {
	parsed, err := parseArgs(args, "user", "tool")
	if err != nil {
		return err
	}
	userID, err := parsed.require("user")
	if err != nil {
		return err
	}
	tool, err := parsed.require("tool")
	if err != nil {
		return err
	}

	return withEngine(ctx, func(s *gateway.Services) error {
		if err := s.Engine.SetToolActive(ctx, userID, tool, active); err != nil {
			return err
		}
		fmt.Printf("  %s for %s: active=%t\n", tool, userID, active)
		return nil
	})
}

func runSetDisabled(ctx context.Context, args []string, disabled bool) error {
	parsed, err := parseArgs(args, "user", "tool", "action")
	if err != nil {
		return err
	}
	userID, err := parsed.require("user")
	if err != nil {
		return err
	}
	tool, err := parsed.require("tool")
	if err != nil {
		return err
	}
	action, err := parsed.require("action")
	if err != nil {
		return err
	}

	return withEngine(ctx, func(s *gateway.Services) error {
		if err := s.Engine.SetActionDisabled(ctx, userID, tool, action, disabled); err != nil {
			return err
		}
		fmt.Printf("  %s.%s for %s: disabled=%t\n", tool, action, userID, disabled)
		return nil
	})
}

func runDisconnect(ctx context.Context, args []string) error {
	parsed, err := parseArgs(args, "user", "tool")
	if err != nil {
		return err
	}
	userID, err := parsed.require("user")
	if err != nil {
		return err
	}
	tool, err := parsed.require("tool")
	if err != nil {
		return err
	}

	return withEngine(ctx, func(s *gateway.Services) error {
		if err := s.Engine.DisconnectTool(ctx, userID, tool); err != nil {
			return err
		}
		color.New(color.FgGreen).Printf("  ✓ Disconnected %s for %s\n", tool, userID)
		return nil
	})
}

func runExec(ctx context.Context, args []string) error {
	parsed, err := parseArgs(args, "user", "tool", "action", "params")
	if err != nil {
		return err
	}
	userID, err := parsed.require("user")
	if err != nil {
		return err
	}
	tool, err := parsed.require("tool")
	if err != nil {
		return err
	}
	action, err := parsed.require("action")
	if err != nil {
		return err
	}

	var params map[string]any
	if raw := parsed.flags["params"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return fmt.Errorf("parsing --params: %w", err)
		}
	}

	return withEngine(ctx, func(s *gateway.Services) error {
		res, err := s.Engine.ExecuteAction(ctx, broker.ExecuteRequest{
			UserID:     userID,
			Tool:       tool,
			Action:     action,
			Parameters: params,
		})
		if err != nil {
			return err
		}
		color.New(color.FgHiBlack).Fprintf(os.Stderr, "  %s.%s took %s\n", tool, action, res.ExecutionTime.Round(time.Millisecond))
		return printJSON(os.Stdout, res.Result)
	})
}

func runFunctions(ctx context.Context, args []string) error {
	parsed, err := parseArgs(args, "user")
	if err != nil {
		return err
	}
	userID, err := parsed.require("user")
	if err != nil {
		return err
	}

	return withEngine(ctx, func(s *gateway.Services) error {
		defs, err := s.Engine.ListFunctionDefinitions(ctx, userID)
		if err != nil {
			return err
		}
		if defs == nil {
			defs = []broker.FunctionDefinition{}
		}
		return printJSON(os.Stdout, defs)
	})
}

func runSweep(ctx context.Context) error {
	return withEngine(ctx, func(s *gateway.Services) error {
		n, err := s.Engine.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("  Removed %d state token(s)\n", n)
		return nil
	})
}

// defaultTokenTTL matches the bootstrap token lifetime: 30 days.
const defaultTokenTTL = 30 * 24 * time.Hour

func runToken(args []string) error {
	parsed, err := parseArgs(args, "subject", "role", "ttl")
	if err != nil {
		return err
	}
	subject, err := parsed.require("subject")
	if err != nil {
		return err
	}
	role := parsed.flags["role"]
	if role != "" && role != auth.RoleService {
		return fmt.Errorf("--role must be %q or empty", auth.RoleService)
	}
	ttl := defaultTokenTTL
	if raw := parsed.flags["ttl"]; raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return fmt.Errorf("--ttl must be a positive duration, got %q", raw)
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.APISecret == "" {
		return fmt.Errorf("server.api_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Server.APISecret))
	if err != nil {
		return err
	}
	token, err := verifier.Generate(subject, role, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	color.New(color.FgHiBlack).Fprintf(os.Stderr, "  expires %s\n", time.Now().Add(ttl).Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
