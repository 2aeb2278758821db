// Tadpole is a tool-using chat agent for MCP-style tool servers.
//
// It keeps a directory of tool servers, lets a chat model call their
// tools inside a conversation, and exposes the whole thing over an HTTP
// and WebSocket API. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	tadpole init [dir]                 Write an example config
//	tadpole serve                      Start the API server
//	tadpole ask [-server id] <q>       Ask a single question
//	tadpole servers                    List configured tool servers
//	tadpole tools                      List tools of every reachable server
//	tadpole usage [period]             Show token usage
//	tadpole version                    Print version and build information
//	tadpole -o json servers            Output as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/tadpole/internal/buildinfo"
	"github.com/nugget/tadpole/internal/config"
)

// main only builds the OS environment and delegates to [run], keeping
// os.Exit, os.Stdout and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the parsed global flags.
type options struct {
	configPath string
	output     string // "text" or "json"
}

// run is the real entry point. Arguments are parsed by hand rather than
// with the flag package so run can be called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			// Everything after the command belongs to it.
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.output = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.output = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.output = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.output == "" {
		opts.output = "text"
	}
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
	}

	switch command {
	case "init":
		return runInit(stdout, cmdArgs)
	case "serve":
		return runServe(ctx, stdout, opts)
	case "ask":
		return runAsk(ctx, stdout, stderr, opts, cmdArgs)
	case "servers":
		return runServers(ctx, stdout, stderr, opts)
	case "tools":
		return runTools(ctx, stdout, stderr, opts)
	case "usage":
		return runUsage(ctx, stdout, stderr, opts, cmdArgs)
	case "version":
		return runVersion(stdout, opts.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, output string) error {
	info := buildinfo.BuildInfo()
	if output == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Tadpole - tool-using chat agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tadpole [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]                 Write an example config to dir")
	fmt.Fprintln(w, "  serve                      Start the API server")
	fmt.Fprintln(w, "  ask [-server id] <text>    Ask a single question")
	fmt.Fprintln(w, "  servers                    List configured tool servers")
	fmt.Fprintln(w, "  tools                      List tools of every reachable server")
	fmt.Fprintln(w, "  usage [period]             Show token usage (today, yesterday, week, month, all)")
	fmt.Fprintln(w, "  version                    Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// newLogger creates the structured logger every subcommand uses.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	return slog.New(config.NewLogHandler(w, level, format))
}

// configuredLogger returns a logger at the level and format cfg asks
// for. Both were validated by config.Load.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist; otherwise the default locations are
// searched and, when none exists, built-in defaults are used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
