package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/relayworks/payagent/internal/mcp"
	"github.com/relayworks/payagent/internal/observability"
)

const (
	defaultMaxSteps = 30
	maxReplyTokens  = 1024
	temperature     = 0.7
)

// Engine drives the Anthropic tool loop against the payments MCP server:
// the model decides which tools to invoke, the engine executes them over
// MCP and feeds the results back until the model produces a final reply.
type Engine struct {
	client anthropic.Client
	mcp    MCPClient
	model  anthropic.Model
	logger *slog.Logger

	mu    sync.RWMutex
	tools []mcp.Tool
}

// NewEngine creates the payments agent engine. The engine performs no I/O
// until Initialize connects it to the MCP server.
func NewEngine(apiKey, model string, mcpClient MCPClient, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		mcp:    mcpClient,
		model:  anthropic.Model(model),
		logger: logger,
	}
}

// Initialize connects to the MCP server and caches its tool catalog.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.mcp.Connect(ctx); err != nil {
		return fmt.Errorf("agent initialization failed: %w", err)
	}

	tools, err := e.mcp.ListTools(ctx)
	if err != nil {
		e.mcp.Close()
		return fmt.Errorf("failed to list agent tools: %w", err)
	}

	e.mu.Lock()
	e.tools = tools
	e.mu.Unlock()

	e.logger.Info("Agent engine initialized", "model", string(e.model), "tools", len(tools))

	return nil
}

// Run executes the prompt through the tool loop and returns the final
// reply text. maxSteps bounds the number of model turns.
func (e *Engine) Run(ctx context.Context, prompt string, maxSteps int) (string, error) {
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
	}
	toolParams := e.toolParams()

	for step := 0; step < maxSteps; step++ {
		params := anthropic.MessageNewParams{
			Model:       e.model,
			MaxTokens:   maxReplyTokens,
			Messages:    messages,
			System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
			Temperature: param.NewOpt(temperature),
		}
		if len(toolParams) > 0 {
			params.Tools = toolParams
		}

		msg, err := e.client.Messages.New(ctx, params)
		if err != nil {
			return "", fmt.Errorf("model request failed: %w", err)
		}

		messages = append(messages, msg.ToParam())

		e.logger.Debug("Model turn completed", "step", step, "stop_reason", string(msg.StopReason))

		if msg.StopReason != anthropic.StopReasonToolUse {
			return replyText(msg), nil
		}

		results, err := e.runTools(ctx, msg)
		if err != nil {
			return "", err
		}
		messages = append(messages, anthropic.NewUserMessage(results...))
	}

	return "", fmt.Errorf("agent exhausted %d steps without a final reply", maxSteps)
}

// runTools executes every tool_use block of a model turn and collects the
// tool results. A tool the MCP server reports as failed (IsError) goes
// back to the model so it can self-correct; an RPC or transport failure
// aborts the run and surfaces as an agent fault.
func (e *Engine) runTools(ctx context.Context, msg *anthropic.Message) ([]anthropic.ContentBlockParamUnion, error) {
	var results []anthropic.ContentBlockParamUnion
	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		toolUse := block.AsToolUse()

		var args map[string]any
		if len(toolUse.Input) > 0 {
			if err := json.Unmarshal(toolUse.Input, &args); err != nil {
				results = append(results, anthropic.NewToolResultBlock(toolUse.ID, fmt.Sprintf("invalid tool input: %v", err), true))
				continue
			}
		}

		start := time.Now()
		result, err := e.mcp.CallTool(ctx, mcp.CallToolParams{Name: toolUse.Name, Arguments: args})
		if err != nil {
			observability.RecordToolCall(toolUse.Name, "fault", time.Since(start))
			return nil, fmt.Errorf("tool %s failed: %w", toolUse.Name, err)
		}

		status := "ok"
		if result.IsError {
			status = "error"
		}
		observability.RecordToolCall(toolUse.Name, status, time.Since(start))
		e.logger.Info("Tool call completed",
			"tool", toolUse.Name,
			"is_error", result.IsError,
			"duration", time.Since(start))

		results = append(results, anthropic.NewToolResultBlock(toolUse.ID, result.Text(), result.IsError))
	}
	return results, nil
}

// Tools returns a copy of the cached tool catalog.
func (e *Engine) Tools() []mcp.Tool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.tools)
}

// Close releases the MCP connection.
func (e *Engine) Close() {
	e.mcp.Close()
}

func (e *Engine) toolParams() []anthropic.ToolUnionParam {
	tools := e.Tools()
	params := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		params = append(params, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: t.InputSchema.Properties,
					Required:   t.InputSchema.Required,
				},
			},
		})
	}
	return params
}

// replyText extracts the reply from the final model message: the first
// content block's text, or a JSON rendering of the content when the first
// block is not text.
func replyText(msg *anthropic.Message) string {
	if len(msg.Content) == 0 {
		return ""
	}
	if first := msg.Content[0]; first.Type == "text" {
		return first.Text
	}
	data, err := json.Marshal(msg.Content)
	if err != nil {
		return ""
	}
	return string(data)
}
