package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/relaydesk/triage/internal/store"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Handler MessageHandler
	Store   store.Store
	Metrics MetricsReader // optional; if nil, metrics_snapshot returns an error
}

// NewMCPServer exposes the triage pipeline over MCP so agent tooling can
// submit messages and inspect conversations directly.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"triage",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("triage — customer-message triage: classify, resolve, decide, respond."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("handle_message",
			mcp.WithDescription("Run one customer message through the triage pipeline and return the decision and composed response."),
			mcp.WithString("conversation_id", mcp.Description("Conversation to append to"), mcp.Required()),
			mcp.WithString("text", mcp.Description("The customer message text"), mcp.Required()),
		),
		mcpHandleMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("get_conversation",
			mcp.WithDescription("Fetch a conversation with its full turn history, entities and status."),
			mcp.WithString("conversation_id", mcp.Description("Conversation ID"), mcp.Required()),
		),
		mcpGetConversation(deps),
	)

	s.AddTool(
		mcp.NewTool("metrics_snapshot",
			mcp.WithDescription("Return the current triage KPI snapshot: outcome counts, automation rate, latency percentiles."),
		),
		mcpMetricsSnapshot(deps),
	)

	return s
}

func mcpHandleMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conversationID, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		res, err := deps.Handler.Handle(ctx, conversationID, text)
		if err != nil {
			return mcpError(fmt.Sprintf("handling failed: %v", err)), nil
		}

		out, err := json.Marshal(map[string]any{
			"turn_id":  res.TurnID,
			"intent":   res.Intent.Label,
			"outcome":  res.Decision.Outcome,
			"reason":   res.Decision.Reason,
			"priority": res.Decision.Priority,
			"queue":    res.Decision.Queue,
			"response": res.Response.Text,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(out)), nil
	}
}

func mcpGetConversation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conversationID, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}

		conv, err := deps.Store.Get(ctx, conversationID)
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}
		out, err := json.Marshal(conv)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal conversation: %v", err)), nil
		}
		return mcpText(string(out)), nil
	}
}

func mcpMetricsSnapshot(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Metrics == nil {
			return mcpError("metrics aggregation is not enabled"), nil
		}
		out, err := json.Marshal(deps.Metrics.Snapshot(ctx))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal snapshot: %v", err)), nil
		}
		return mcpText(string(out)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
