// Package transport implements the newline-delimited JSON-RPC stdio channel
// to a subprocess MCP server.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-svc/pkg/logging"

	"github.com/d4l-data4life/go-llm-chat/pkg/mcp/protocol"
)

// Transport errors.
var (
	// ErrClosed indicates the transport or subprocess has shut down
	ErrClosed = errors.New("transport closed")
)

// StdioTransport runs an MCP server as a subprocess and exchanges
// newline-delimited JSON-RPC messages over its stdin/stdout. The protocol is
// driven strictly request/response: a mutex keeps at most one request in
// flight per server.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writer *bufio.Writer
	reader *bufio.Scanner

	// mu serializes request/response exchanges on the pipe.
	mu     sync.Mutex
	closed bool
}

// maxMessageSize bounds one JSON-RPC line from the server.
const maxMessageSize = 4 * 1024 * 1024

// NewStdioTransport launches the server subprocess. env entries are appended
// to the inherited environment.
func NewStdioTransport(ctx context.Context, command string, args []string, env map[string]string) (*StdioTransport, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "creating stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "creating stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "creating stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %s", command)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)

	t := &StdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		writer: bufio.NewWriter(stdin),
		reader: scanner,
	}
	go t.drainStderr(command, stderr)
	return t, nil
}

// drainStderr logs server diagnostics so a failing subprocess is debuggable.
func (t *StdioTransport) drainStderr(command string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logging.LogDebugf("mcp server %s stderr: %s", command, scanner.Text())
	}
}

// Roundtrip writes a request and blocks until the matching response arrives.
// Notifications from the server are skipped; responses with a foreign ID are
// dropped with a warning since only one request can be outstanding.
func (t *StdioTransport) Roundtrip(ctx context.Context, req *protocol.JSONRPCRequest) (*protocol.JSONRPCResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	if err := t.writeLocked(req); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !t.reader.Scan() {
			if err := t.reader.Err(); err != nil {
				return nil, errors.Wrap(err, "reading from server")
			}
			return nil, ErrClosed
		}
		line := t.reader.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp protocol.JSONRPCResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			logging.LogDebugf("skipping unparsable mcp message: %.120s", line)
			continue
		}
		if resp.ID == "" {
			// server-initiated notification, nothing to match
			continue
		}
		if resp.ID != req.ID {
			logging.LogWarningf(nil, "dropping mcp response with unexpected id %s", resp.ID)
			continue
		}
		return &resp, nil
	}
}

// Notify writes a notification without waiting for a reply.
func (t *StdioTransport) Notify(n *protocol.JSONRPCNotification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	return t.writeLocked(n)
}

func (t *StdioTransport) writeLocked(msg interface{}) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshaling message")
	}
	if _, err := t.writer.Write(append(raw, '\n')); err != nil {
		return errors.Wrap(err, "writing to server")
	}
	return errors.Wrap(t.writer.Flush(), "flushing to server")
}

// Alive reports whether the subprocess is still running.
func (t *StdioTransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	return t.cmd.ProcessState == nil
}

// Close shuts down the subprocess. The stdin close signals the server to
// exit; the process is killed if it lingers.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	err := t.cmd.Wait()
	if err != nil && err.Error() != "signal: killed" {
		logging.LogDebugf("mcp server exited: %v", err)
	}
	return nil
}
