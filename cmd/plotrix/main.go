// Plotrix is a tabletop RPG game-master assistant.
//
// It drives an OpenAI-compatible chat model through a tool-calling
// loop, offering a built-in dice roller and any tools discovered on
// configured MCP servers. It exposes a local HTTP API for the web
// client and a CLI for one-shot questions, interactive chat, and MCP
// inspection. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	plotrix serve                 Start the API server
//	plotrix init [dir]            Write a starter config.yaml
//	plotrix ask <question>        Ask a single question
//	plotrix chat                  Chat interactively on stdin
//	plotrix roll [-seed N] <expr> Roll dice locally
//	plotrix mcp status|sync|tools [server]
//	plotrix version               Print version and build information
//	plotrix -o json version       Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AliyahZombie/Plotrix/internal/api"
	"github.com/AliyahZombie/Plotrix/internal/buildinfo"
	"github.com/AliyahZombie/Plotrix/internal/config"
	"github.com/AliyahZombie/Plotrix/internal/events"
	"github.com/AliyahZombie/Plotrix/internal/telemetry"
	"github.com/AliyahZombie/Plotrix/internal/usage"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run], keeping os.Exit and os.Args out of the
// application logic so the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	outputFmt  string
	logLevel   string
}

// run is the real entry point. args is os.Args[1:]. Arguments are parsed
// by hand because the flag package's globals get in the way of running
// several invocations from parallel tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-log-level" && i+1 < len(args):
			opts.logLevel = args[i+1]
			i++
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: plotrix ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, opts)
	case "roll":
		return runRoll(stdout, opts, cmdArgs)
	case "mcp":
		return runMCP(ctx, stdout, stderr, opts, cmdArgs)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
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

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Plotrix - tabletop RPG game-master assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: plotrix [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                     Start the API server")
	fmt.Fprintln(w, "  init [dir]                Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <question>            Ask a single question")
	fmt.Fprintln(w, "  chat                      Chat interactively (/reset, /quit)")
	fmt.Fprintln(w, "  roll [-seed N] <expr>     Roll dice, e.g. 4d6kh3")
	fmt.Fprintln(w, "  mcp status|sync|tools [server]")
	fmt.Fprintln(w, "                            Inspect configured MCP servers")
	fmt.Fprintln(w, "  version                   Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>     Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt   Output format: text (default) or json")
	fmt.Fprintln(w, "  -log-level level   Override log_level (trace, debug, info, warn, error)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  OPENAI_API_KEY, PLOTRIX_API_KEY   Override the active provider's api_key")
	fmt.Fprintln(w, "  PLOTRIX_OTEL_ENABLED, PLOTRIX_OTEL_ENDPOINT   Export traces over OTLP/HTTP")
	return nil
}

// runServe is the primary operating mode: it loads config, opens the
// usage ledger, starts the API server, and blocks until SIGINT or
// SIGTERM. Active runs are cancelled and MCP connections closed on the
// way out.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(stdout, cfg, opts)
	if err != nil {
		return err
	}
	logger.Info("starting Plotrix",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch,
		"built", buildinfo.BuildTime,
	)
	provider, p := cfg.Provider()
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", provider,
		"model", p.Model,
		"mcp_servers", len(cfg.MCP.Servers),
	)

	shutdownTracing, err := telemetry.Setup(ctx, buildinfo.Name)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}()

	bus := events.New()
	serverOpts := []api.Option{api.WithBus(bus)}

	store, err := openUsage(cfg, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		serverOpts = append(serverOpts, api.WithUsage(store))
	}

	server := api.NewServer(cfg, cfgPath, logger, serverOpts...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		logger.Warn("api server shutdown", "error", err)
	}
	logger.Info("Plotrix stopped")
	return nil
}

// openUsage opens the token usage ledger when usage.db_path is set.
func openUsage(cfg *config.Config, logger *slog.Logger) (*usage.Store, error) {
	if cfg.Usage.DBPath == "" {
		return nil, nil
	}
	store, err := usage.NewStore(cfg.Usage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open usage store: %w", err)
	}
	logger.Info("usage ledger enabled", "path", cfg.Usage.DBPath)
	return store, nil
}

// newLogger builds the process logger. The -log-level flag wins over
// log_level in the file.
func newLogger(w io.Writer, cfg *config.Config, opts options) (*slog.Logger, error) {
	name := cfg.LogLevel
	if opts.logLevel != "" {
		name = opts.logLevel
	}
	level, err := config.ParseLogLevel(name)
	if err != nil {
		return nil, err
	}
	format := "text"
	if opts.outputFmt == "json" {
		format = "json"
	}
	return config.NewLogger(w, level, format), nil
}

// loadConfig finds and loads the config file. With no explicit path and
// nothing on the search path, defaults are used and the returned path is
// empty, which leaves PUT /api/config disabled.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		path = ""
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

