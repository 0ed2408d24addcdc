package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallToolResultText(t *testing.T) {
	result := CallToolResult{Content: []Content{
		{Type: "text", Text: "hello "},
		{Type: "image"},
		{Type: "text", Text: "world"},
	}}
	assert.Equal(t, "hello world", result.Text())

	empty := CallToolResult{}
	assert.Empty(t, empty.Text())
}

func TestRequestWireFormat(t *testing.T) {
	req := JSONRPCRequest{
		JSONRPC: JSONRPCVersion,
		ID:      "req_1",
		Method:  MethodCallTool,
		Params:  CallToolParams{Name: "read_file", Arguments: map[string]interface{}{"path": "/tmp/x"}},
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"jsonrpc": "2.0",
		"id": "req_1",
		"method": "tools/call",
		"params": {"name": "read_file", "arguments": {"path": "/tmp/x"}}
	}`, string(raw))
}

func TestResponseDecoding(t *testing.T) {
	var resp JSONRPCResponse
	require.NoError(t, json.Unmarshal([]byte(`{
		"jsonrpc": "2.0",
		"id": "req_2",
		"result": {"tools": [{"name": "read_file", "description": "reads a file"}]}
	}`), &resp))
	require.Nil(t, resp.Error)

	var result ListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "read_file", result.Tools[0].Name)

	require.NoError(t, json.Unmarshal([]byte(`{
		"jsonrpc": "2.0",
		"id": "req_3",
		"error": {"code": -32601, "message": "method not found"}
	}`), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}
