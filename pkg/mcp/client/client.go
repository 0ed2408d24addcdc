// Package client implements the MCP client handshake and tool operations on
// top of a stdio transport.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-llm-chat/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-llm-chat/pkg/mcp/transport"
)

const clientVersion = "1.0.0"

// Client talks MCP to one server over a transport.
type Client struct {
	transport *transport.StdioTransport
	counter   atomic.Int64
}

// New wraps a transport in a client. Call Initialize before anything else.
func New(t *transport.StdioTransport) *Client {
	return &Client{transport: t}
}

func (c *Client) nextID() string {
	return fmt.Sprintf("req_%d", c.counter.Add(1))
}

func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	resp, err := c.transport.Roundtrip(ctx, &protocol.JSONRPCRequest{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      c.nextID(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return errors.Wrapf(err, "%s failed", method)
	}
	if resp.Error != nil {
		return errors.Errorf("%s returned error %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return errors.Wrapf(err, "decoding %s result", method)
		}
	}
	return nil
}

// Initialize performs the MCP handshake: initialize request followed by the
// initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	var result protocol.InitializeResult
	err := c.call(ctx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.MCPProtocolVersion,
		Capabilities:    protocol.ClientCapabilities{Tools: &struct{}{}},
		ClientInfo: protocol.Implementation{
			Name:    "go-llm-chat",
			Version: clientVersion,
		},
	}, &result)
	if err != nil {
		return err
	}
	return errors.Wrap(c.transport.Notify(&protocol.JSONRPCNotification{
		JSONRPC: protocol.JSONRPCVersion,
		Method:  protocol.MethodInitialized,
	}), "sending initialized notification")
}

// ListTools fetches the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	var result protocol.ListToolsResult
	if err := c.call(ctx, protocol.MethodListTools, struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes a named tool and returns the concatenated text content.
// A result flagged isError becomes a Go error carrying that text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	var result protocol.CallToolResult
	err := c.call(ctx, protocol.MethodCallTool, protocol.CallToolParams{
		Name:      name,
		Arguments: args,
	}, &result)
	if err != nil {
		return "", err
	}
	text := result.Text()
	if result.IsError {
		return "", errors.Errorf("tool %s failed: %s", name, text)
	}
	return text, nil
}

// Ping checks server liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, protocol.MethodPing, struct{}{}, nil)
}

// Alive reports whether the underlying subprocess is still running.
func (c *Client) Alive() bool {
	return c.transport.Alive()
}

// Close shuts down the transport and the subprocess.
func (c *Client) Close() error {
	return c.transport.Close()
}
