package agent

import (
	"context"

	"github.com/relayworks/payagent/internal/mcp"
)

// Processor defines the interface for running prompts through the payments
// agent. This interface is implemented by the Anthropic engine.
type Processor interface {
	// Initialize connects to the MCP server and caches the tool catalog.
	// The service refuses to start when this fails.
	Initialize(ctx context.Context) error

	// Run executes an accumulated prompt through the tool loop and returns
	// the final reply text. maxSteps bounds the number of model turns.
	Run(ctx context.Context, prompt string, maxSteps int) (string, error)

	// Tools returns the cached tool catalog.
	Tools() []mcp.Tool

	// Close releases the MCP connection.
	Close()
}

// Ensure Engine implements Processor.
var _ Processor = (*Engine)(nil)

// MCPClient is the slice of the MCP client the engine depends on.
type MCPClient interface {
	Connect(ctx context.Context) error
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, params mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close()
}

// Ensure the SSE client satisfies MCPClient.
var _ MCPClient = (*mcp.Client)(nil)
