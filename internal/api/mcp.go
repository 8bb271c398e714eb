package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kovachev/labtrack/internal/storage"
	"github.com/kovachev/labtrack/internal/timeline"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
	Now   func() time.Time // optional; time.Now when nil
}

func (d MCPDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewMCPServer creates an MCP server exposing the action log to agent
// clients: list and filter logs, inspect a task's timeline, read counts.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"labtrack",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("labtrack — durable log of lab device action runs with per-task status timelines."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_action_logs",
			mcp.WithDescription("List recorded action runs, newest first, optionally filtered."),
			mcp.WithString("labId", mcp.Description("Filter by lab id")),
			mcp.WithString("deviceId", mcp.Description("Filter by device id")),
			mcp.WithString("status", mcp.Description("Filter by status (pending, running, success, failed)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListActionLogs(deps),
	)

	s.AddTool(
		mcp.NewTool("get_task_timeline",
			mcp.WithDescription("Get the merged status timeline for one task, including intervals per status."),
			mcp.WithString("taskId", mcp.Description("Task id to inspect"), mcp.Required()),
		),
		mcpGetTaskTimeline(deps),
	)

	s.AddTool(
		mcp.NewTool("action_log_counts",
			mcp.WithDescription("Count recorded run attempts per outcome category."),
			mcp.WithString("labId", mcp.Description("Scope to one lab")),
		),
		mcpActionLogCounts(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"labtrack://recent",
			"Recent Action Runs",
			mcp.WithResourceDescription("Last 10 recorded action runs (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpListActionLogs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		f := storage.Filter{
			LabID:    req.GetString("labId", ""),
			DeviceID: req.GetString("deviceId", ""),
		}
		if raw := req.GetString("status", ""); raw != "" {
			st, ok := storage.NormalizeStatus(raw)
			if !ok {
				return mcpError(fmt.Sprintf("unknown status %q", raw)), nil
			}
			f.Status = st
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		logs := deps.Store.ListLogs(f)
		if len(logs) > limit {
			logs = logs[:limit]
		}

		type logSummary struct {
			TaskID     string     `json:"taskId"`
			DeviceName string     `json:"deviceName,omitempty"`
			ActionName string     `json:"actionName"`
			Status     string     `json:"status"`
			StartTime  string     `json:"startTime"`
			EndTime    *time.Time `json:"endTime,omitempty"`
			Error      string     `json:"error,omitempty"`
		}
		summaries := make([]logSummary, len(logs))
		for i, rec := range logs {
			summaries[i] = logSummary{
				TaskID:     rec.TaskID,
				DeviceName: rec.DeviceName,
				ActionName: rec.ActionName,
				Status:     string(rec.Status),
				StartTime:  rec.StartTime.Format(time.RFC3339),
				EndTime:    rec.EndTime,
				Error:      rec.Error,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal logs: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetTaskTimeline(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return mcpError("taskId is required"), nil
		}

		logs := deps.Store.ListLogs(storage.Filter{TaskID: taskID})
		tl, ok := timeline.ForTask(logs, taskID, deps.now())
		if !ok {
			return mcpError(fmt.Sprintf("no log for task %s", taskID)), nil
		}

		b, err := json.Marshal(tl)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal timeline: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpActionLogCounts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		logs := deps.Store.ListLogs(storage.Filter{LabID: req.GetString("labId", "")})

		b, err := json.Marshal(timeline.Count(logs))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal counts: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		logs := deps.Store.ListLogs(storage.Filter{})
		if len(logs) > 10 {
			logs = logs[:10]
		}

		type runSummary struct {
			TaskID     string `json:"taskId"`
			ActionName string `json:"actionName"`
			Status     string `json:"status"`
			StartTime  string `json:"startTime"`
		}
		summaries := make([]runSummary, len(logs))
		for i, rec := range logs {
			summaries[i] = runSummary{
				TaskID:     rec.TaskID,
				ActionName: rec.ActionName,
				Status:     string(rec.Status),
				StartTime:  rec.StartTime.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal recent runs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
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
