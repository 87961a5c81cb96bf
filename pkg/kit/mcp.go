package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const TransportMCP = "mcp_http"

// MCPDecodeResult carries the decoded request for an endpoint.
type MCPDecodeResult struct {
	Request any
}

// MCPDecoder turns tool arguments into an endpoint request. A decode error
// is reported to the client as a tool error, the endpoint is not called.
type MCPDecoder func(req mcp.CallToolRequest) (*MCPDecodeResult, error)

// RegisterMCPTool adds tool to srv, routing calls through decode and endpoint.
//
// String responses become text content. Anything else is returned as
// structured content with its JSON encoding as the text fallback.
func RegisterMCPTool(srv *server.MCPServer, tool mcp.Tool, endpoint Endpoint, decode MCPDecoder) {
	srv.AddTool(tool, MCPHandler(tool.Name, endpoint, decode))
}

// MCPHandler builds the server.ToolHandlerFunc used by RegisterMCPTool.
func MCPHandler(name string, endpoint Endpoint, decode MCPDecoder) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		decoded, err := decode(req)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s: invalid arguments: %v", name, err)), nil
		}

		ctx = WithTransport(ctx, TransportMCP)
		if GetRequestID(ctx) == "" {
			ctx = WithRequestID(ctx, uuid.NewString())
		}

		resp, err := endpoint(ctx, decoded.Request)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s: %v", name, err)), nil
		}
		return encodeResult(resp)
	}
}

func encodeResult(resp any) (*mcp.CallToolResult, error) {
	if s, ok := resp.(string); ok {
		return mcp.NewToolResultText(s), nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultStructured(resp, string(data)), nil
}
