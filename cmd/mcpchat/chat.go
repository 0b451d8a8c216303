package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mcpchat/mcpchat/internal/session"
)

// runChat drives the interactive REPL. Slash commands are handled
// locally; everything else goes to the session. Tokens stream to
// stdout as the model produces them.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string) error {
	cfg, logger, err := loadConfigAndLogger(configPath, stderr)
	if err != nil {
		return err
	}

	sess := session.New(cfg, newLLMClient(cfg, logger), logger,
		session.WithStream(func(token string) { fmt.Fprint(stdout, token) }))
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.Close()

	fmt.Fprintf(stdout, "mcpchat ready (%d tools from %s %s). Type /help for commands.\n",
		sess.Registry().Len(), cfg.LLM.Provider, cfg.LLM.Model)

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			break
		}
		if err := ctx.Err(); err != nil {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := handleCommand(ctx, stdout, sess, line); quit {
				break
			}
			continue
		}

		reply, err := sess.Ask(ctx, line)
		if err != nil {
			var gw *session.GatewayError
			if errors.As(err, &gw) {
				fmt.Fprintf(stdout, "llm error: %v\n", gw.Err)
				continue
			}
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(stdout, "error: %v\n", err)
			continue
		}

		// Streaming already printed the tokens; terminate the line.
		fmt.Fprintln(stdout)
		if reply.Exhausted {
			fmt.Fprintln(stdout, "(tool budget exhausted; the answer may be incomplete)")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	fmt.Fprintln(stdout, "bye")
	return nil
}

// handleCommand processes a slash command. Returns true when the REPL
// should exit.
func handleCommand(ctx context.Context, stdout io.Writer, sess *session.Session, line string) bool {
	cmd, _, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/clear":
		sess.Reset()
		fmt.Fprintln(stdout, "history cleared")
	case "/tools":
		names := sess.Registry().Names()
		if len(names) == 0 {
			fmt.Fprintln(stdout, "no tools registered")
			break
		}
		for _, name := range names {
			entry, err := sess.Registry().Lookup(name)
			if err != nil {
				continue
			}
			fmt.Fprintf(stdout, "  %-30s %-15s %s\n", name, entry.Server, entry.Description)
		}
	case "/servers":
		for name, err := range sess.PingServers(ctx) {
			status := "ok"
			if err != nil {
				status = err.Error()
			}
			fmt.Fprintf(stdout, "  %-20s %s\n", name, status)
		}
	case "/usage":
		in, out := sess.Usage()
		fmt.Fprintf(stdout, "  input tokens:  %d\n  output tokens: %d\n", in, out)
	case "/help":
		fmt.Fprintln(stdout, "  /tools    list available tools")
		fmt.Fprintln(stdout, "  /servers  show server health")
		fmt.Fprintln(stdout, "  /usage    show token usage")
		fmt.Fprintln(stdout, "  /clear    clear conversation history")
		fmt.Fprintln(stdout, "  /quit     exit")
	default:
		fmt.Fprintf(stdout, "unknown command %s (try /help)\n", cmd)
	}
	return false
}
