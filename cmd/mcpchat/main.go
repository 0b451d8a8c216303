// Mcpchat is a local tool-calling agent for MCP servers.
//
// It connects to the MCP servers named in its configuration, aggregates
// their tools into one registry, and drives a chat loop against an LLM
// backend (Ollama or any OpenAI-compatible endpoint), executing the
// tool calls the model requests until it produces a text answer.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcpchat chat             Start an interactive chat session
//	mcpchat init [dir]       Write an example config file
//	mcpchat ask <question>   Ask a single question and exit
//	mcpchat tools            List tools exposed by the configured servers
//	mcpchat version          Print version and build information
//	mcpchat -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mcpchat/mcpchat/internal/buildinfo"
	"github.com/mcpchat/mcpchat/internal/config"
	"github.com/mcpchat/mcpchat/internal/llm"
	"github.com/mcpchat/mcpchat/internal/session"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run]. This keeps os.Exit, os.Stdout, and
// os.Args out of the application logic so the full lifecycle can be
// driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible to
// call run() concurrently from tests, and the argument surface here is
// small enough that manual parsing is clearer than a CLI framework.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: mcpchat ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcpchat - MCP tool-calling agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcpchat [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat         Start an interactive chat session")
	fmt.Fprintln(w, "  init [dir]   Write an example config file (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question and exit")
	fmt.Fprintln(w, "  tools        List tools exposed by the configured servers")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./mcpchat.yaml, ~/.config/mcpchat/config.yaml, /etc/mcpchat/config.yaml")
	return nil
}

// runAsk boots a session, asks one question, prints the answer, and
// shuts everything down.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath string, args []string) error {
	cfg, logger, err := loadConfigAndLogger(configPath, stderr)
	if err != nil {
		return err
	}

	question := strings.Join(args, " ")

	sess := session.New(cfg, newLLMClient(cfg, logger), logger)
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.Close()

	reply, err := sess.Ask(ctx, question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, reply.Content)
	if reply.Exhausted {
		fmt.Fprintln(stderr, "tool budget exhausted; the answer may be incomplete")
	}
	return nil
}

// runTools connects to the configured servers and prints the
// aggregated tool registry, without touching the LLM backend.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, logger, err := loadConfigAndLogger(configPath, stderr)
	if err != nil {
		return err
	}

	sess := session.New(cfg, noopLLM{}, logger)
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.Close()

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sess.Registry().ExportSchema())
	}

	for _, name := range sess.Registry().Names() {
		entry, err := sess.Registry().Lookup(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(stdout, "%-30s %-15s %s\n", name, entry.Server, entry.Description)
	}
	return nil
}

// noopLLM satisfies the client interface for commands that never call
// the backend.
type noopLLM struct{}

func (noopLLM) Complete(context.Context, string, []llm.Message, []map[string]any) (*llm.ChatResponse, error) {
	return nil, fmt.Errorf("no llm backend")
}

func (noopLLM) CompleteStream(context.Context, string, []llm.Message, []map[string]any, llm.StreamCallback) (*llm.ChatResponse, error) {
	return nil, fmt.Errorf("no llm backend")
}

func (noopLLM) Ping(context.Context) error { return nil }

// loadConfigAndLogger locates and parses the YAML configuration, then
// builds the structured logger at the configured level. Logs go to
// stderr so stdout stays clean for chat output.
func loadConfigAndLogger(explicit string, stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		// Already validated by config.Validate, the error path is
		// unreachable in practice.
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	logger := newLogger(stderr, level)
	logger.Debug("config loaded", "path", cfgPath)
	return cfg, logger, nil
}

// newLogger standardizes the slog handler configuration across
// subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// newLLMClient builds the provider client named by the configuration.
// config.Validate guarantees the provider is one of the known names.
func newLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	switch cfg.LLM.Provider {
	case "openai":
		return llm.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, logger)
	default:
		return llm.NewOllamaClient(cfg.LLM.BaseURL, logger)
	}
}
