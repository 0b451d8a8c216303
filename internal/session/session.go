// Package session drives the tool-calling conversation: it owns the
// message history, the connected MCP servers, and the turn loop that
// alternates between the LLM and tool execution until the model
// produces a plain text answer.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mcpchat/mcpchat/internal/config"
	"github.com/mcpchat/mcpchat/internal/llm"
	"github.com/mcpchat/mcpchat/internal/mcp"
	"github.com/mcpchat/mcpchat/internal/registry"
)

// State is the observable phase of the session loop.
type State int

const (
	StateAwaitingUser State = iota
	StateAwaitingLLM
	StateDispatchingTools
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingUser:
		return "awaiting_user"
	case StateAwaitingLLM:
		return "awaiting_llm"
	case StateDispatchingTools:
		return "dispatching_tools"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// GatewayError wraps an LLM backend failure. Tool faults are reported
// back to the model as tool messages; a gateway failure is the one
// class of error that ends the turn instead.
type GatewayError struct {
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("llm gateway: %v", e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Session is a single conversation bound to a set of MCP servers and
// one LLM backend. Methods are safe for use from one goroutine at a
// time; Ask serializes concurrent callers.
type Session struct {
	id       string
	cfg      *config.Config
	logger   *slog.Logger
	llm      llm.Client
	registry *registry.Registry
	stream   llm.StreamCallback

	mu       sync.Mutex
	conns    []*mcp.Conn
	messages []llm.Message
	state    State
	closed   bool

	totalInput  int
	totalOutput int
}

// Option configures a Session.
type Option func(*Session)

// WithStream sets a callback that receives assistant tokens as they
// arrive. Tool-turn responses stream too; tool results do not.
func WithStream(cb llm.StreamCallback) Option {
	return func(s *Session) {
		s.stream = cb
	}
}

// New creates a session. Call Start to connect the configured servers
// before the first Ask.
func New(cfg *config.Config, client llm.Client, logger *slog.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	// Time-ordered ids sort well in logs.
	sessionID, err := uuid.NewV7()
	if err != nil {
		sessionID = uuid.New()
	}
	id := sessionID.String()

	s := &Session{
		id:       id,
		cfg:      cfg,
		logger:   logger.With("session_id", id),
		llm:      client,
		registry: registry.New(logger),
		state:    StateAwaitingUser,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Session.SystemPrompt != "" {
		s.messages = append(s.messages, llm.Message{
			Role:    "system",
			Content: cfg.Session.SystemPrompt,
		})
	}
	return s
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// State returns the current loop phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Registry exposes the aggregated tool registry.
func (s *Session) Registry() *registry.Registry {
	return s.registry
}

// Start connects every active configured server, performs the MCP
// handshake, and registers the discovered tools. Server connects run
// concurrently. When require_all_servers is false a failed server is
// logged and skipped; the session proceeds with a reduced tool set.
func (s *Session) Start(ctx context.Context) error {
	if err := s.llm.Ping(ctx); err != nil {
		// Not fatal: the backend may come up before the first Ask.
		s.logger.Warn("llm backend unreachable", "error", err)
	}

	type connected struct {
		conn  *mcp.Conn
		tools []mcp.ToolDefinition
		cfg   config.ServerConfig
	}

	var (
		resMu   sync.Mutex
		results []connected
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, sc := range s.cfg.Servers {
		if !sc.Active() {
			s.logger.Info("server disabled, skipping", "server", sc.Name)
			continue
		}
		sc := sc
		g.Go(func() error {
			conn, err := s.connectServer(gctx, sc)
			if err != nil {
				if s.cfg.Session.RequireAllServers {
					return fmt.Errorf("server %s: %w", sc.Name, err)
				}
				s.logger.Warn("server unavailable, continuing without it",
					"server", sc.Name,
					"error", err,
				)
				return nil
			}

			tools, err := conn.ListTools(gctx)
			if err != nil {
				conn.Close()
				if s.cfg.Session.RequireAllServers {
					return fmt.Errorf("server %s: list tools: %w", sc.Name, err)
				}
				s.logger.Warn("tool discovery failed, continuing without server",
					"server", sc.Name,
					"error", err,
				)
				return nil
			}

			resMu.Lock()
			results = append(results, connected{conn: conn, tools: tools, cfg: sc})
			resMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		resMu.Lock()
		for _, r := range results {
			r.conn.Close()
		}
		resMu.Unlock()
		return err
	}

	// Register in config order so collision renames are deterministic
	// regardless of which connect finished first.
	slices.SortFunc(results, func(a, b connected) int {
		return s.serverIndex(a.cfg.Name) - s.serverIndex(b.cfg.Name)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		defs := filterTools(r.tools, r.cfg.IncludeTools, r.cfg.ExcludeTools)
		s.registry.Register(r.cfg.Name, r.conn, defs)
		s.conns = append(s.conns, r.conn)
		s.logger.Info("server connected",
			"server", r.cfg.Name,
			"tools", len(defs),
		)
	}

	s.logger.Info("session started",
		"servers", len(s.conns),
		"tools", s.registry.Len(),
		"provider", s.cfg.LLM.Provider,
		"model", s.cfg.LLM.Model,
	)
	return nil
}

// connectServer builds the transport for one server config and runs
// the handshake.
func (s *Session) connectServer(ctx context.Context, sc config.ServerConfig) (*mcp.Conn, error) {
	var transport mcp.Transport
	switch {
	case sc.Command != "":
		transport = mcp.NewStdioTransport(mcp.StdioConfig{
			Command: sc.Command,
			Args:    sc.Args,
			Env:     sc.Env,
			Logger:  s.logger,
		})
	case sc.URL != "":
		transport = mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     sc.URL,
			Headers: sc.Headers,
			Logger:  s.logger,
		})
	case sc.WSURL != "":
		transport = mcp.NewWSTransport(mcp.WSConfig{
			URL:     sc.WSURL,
			Headers: sc.Headers,
			Logger:  s.logger,
		})
	default:
		return nil, fmt.Errorf("server %s has no transport configured", sc.Name)
	}

	conn := mcp.NewConn(sc.Name, transport, s.logger,
		mcp.WithCallTimeout(s.cfg.Session.ToolTimeout))
	if err := conn.Connect(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (s *Session) serverIndex(name string) int {
	for i, sc := range s.cfg.Servers {
		if sc.Name == name {
			return i
		}
	}
	return len(s.cfg.Servers)
}

// filterTools applies the per-server include/exclude lists. Include is
// evaluated first; an empty include list admits everything.
func filterTools(defs []mcp.ToolDefinition, include, exclude []string) []mcp.ToolDefinition {
	out := make([]mcp.ToolDefinition, 0, len(defs))
	for _, td := range defs {
		if len(include) > 0 && !slices.Contains(include, td.Name) {
			continue
		}
		if slices.Contains(exclude, td.Name) {
			continue
		}
		out = append(out, td)
	}
	return out
}

// Reset clears the conversation history back to the system prompt.
// Connected servers and registered tools are untouched.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = s.messages[:0]
	if s.cfg.Session.SystemPrompt != "" {
		s.messages = append(s.messages, llm.Message{
			Role:    "system",
			Content: s.cfg.Session.SystemPrompt,
		})
	}
	s.state = StateAwaitingUser
	s.logger.Info("history cleared")
}

// History returns a copy of the conversation so far.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Usage returns cumulative token counts across all turns.
func (s *Session) Usage() (input, output int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalInput, s.totalOutput
}

// Close shuts down every server connection. Safe to call more than
// once; later calls are no-ops.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, conn := range s.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.conns = nil
	s.logger.Info("session closed",
		"input_tokens", s.totalInput,
		"output_tokens", s.totalOutput,
	)
	return firstErr
}

// PingServers checks liveness of every connected server. Returns a map
// of server name to error (nil means healthy).
func (s *Session) PingServers(ctx context.Context) map[string]error {
	s.mu.Lock()
	conns := slices.Clone(s.conns)
	s.mu.Unlock()

	out := make(map[string]error, len(conns))
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for _, conn := range conns {
		out[conn.Name()] = conn.Ping(ctx)
	}
	return out
}
