package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// stopGrace is how long Close waits for the subprocess to exit after
// stdin is closed before killing it.
const stopGrace = 5 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout.
//
// A single reader goroutine owns stdout and dispatches responses to
// waiting callers by request ID. A caller that gives up (context
// cancellation or deadline) simply abandons its slot; the late response
// is discarded and the subprocess keeps running, so one slow tool call
// does not poison the connection.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	mu      sync.Mutex // guards start/stop and stdin writes
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	closed  bool

	pendingMu sync.Mutex
	pending   map[int64]chan *Response

	// done is closed when the reader goroutine exits (process died or
	// Close was called). Senders waiting on a response unblock through it.
	done chan struct{}
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until the first Send or Notify call.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger,
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
}

// start launches the subprocess and the reader goroutine if not already
// running. Caller must hold t.mu.
func (t *StdioTransport) start() error {
	if t.closed {
		return fmt.Errorf("%w: transport closed", ErrDisconnected)
	}
	if t.started {
		select {
		case <-t.done:
			// Reader exited: the process is gone.
			return fmt.Errorf("%w: subprocess exited", ErrDisconnected)
		default:
			return nil
		}
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: create stdin pipe: %v", ErrConnection, err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("%w: create stdout pipe: %v", ErrConnection, err)
	}

	// Capture stderr for logging — not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("%w: create stderr pipe: %v", ErrConnection, err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("%w: start subprocess %s: %v", ErrConnection, t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.started = true

	go t.readLoop(stdout)
	go t.drainStderr(stderrPipe)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// readLoop reads newline-delimited responses from stdout and delivers
// them to the matching pending caller. It exits when stdout closes,
// which happens when the subprocess dies or Close tears it down.
func (t *StdioTransport) readLoop(stdout io.Reader) {
	reader := bufio.NewReaderSize(stdout, 1<<20) // 1 MiB buffer for large responses

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				t.logger.Debug("MCP subprocess stdout read failed", "error", err)
			}
			break
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Debug("skipping non-JSON line from MCP subprocess",
				"line", string(line),
			)
			continue
		}

		t.pendingMu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.pendingMu.Unlock()

		if !ok {
			// Server notification, or a response whose caller gave up.
			t.logger.Debug("discarding unmatched MCP message", "id", resp.ID)
			continue
		}
		ch <- &resp
	}

	close(t.done)
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// Send sends a JSON-RPC request over stdin and waits for the response
// with the matching ID. Cancellation of ctx abandons the wait without
// disturbing the subprocess.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	ch := make(chan *Response, 1)
	t.pendingMu.Lock()
	t.pending[req.ID] = ch
	t.pendingMu.Unlock()

	if err := t.write(req); err != nil {
		t.pendingMu.Lock()
		delete(t.pending, req.ID)
		t.pendingMu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		t.pendingMu.Lock()
		delete(t.pending, req.ID)
		t.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-t.done:
		t.pendingMu.Lock()
		delete(t.pending, req.ID)
		t.pendingMu.Unlock()
		return nil, fmt.Errorf("%w: subprocess exited", ErrDisconnected)
	case resp := <-ch:
		return resp, nil
	}
}

// Notify sends a JSON-RPC notification over stdin. No response is expected.
func (t *StdioTransport) Notify(_ context.Context, notif *Notification) error {
	return t.write(notif)
}

// write marshals v and writes it to the subprocess stdin with a newline
// delimiter, starting the subprocess first if needed.
func (t *StdioTransport) write(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.start(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: write to subprocess stdin: %v", ErrDisconnected, err)
	}
	return nil
}

// Close terminates the subprocess and releases resources. Calling Close
// more than once is a no-op.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if !t.started || t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", t.cmd.Process.Pid)

	// Close stdin to signal the subprocess to exit.
	if t.stdin != nil {
		t.stdin.Close()
	}

	// Wait briefly for graceful exit, then force kill.
	waited := make(chan error, 1)
	go func() { waited <- t.cmd.Wait() }()

	select {
	case err := <-waited:
		return err
	case <-time.After(stopGrace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", t.cmd.Process.Pid,
		)
		_ = t.cmd.Process.Kill()
		<-waited
		return nil
	}
}
