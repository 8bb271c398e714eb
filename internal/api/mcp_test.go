package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kovachev/labtrack/internal/storage"
	"github.com/kovachev/labtrack/internal/timeline"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{Store: store}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_ListActionLogs(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedLog(t, store, "t1", "lab-1", storage.StatusSuccess)
	seedLog(t, store, "t2", "lab-2", storage.StatusFailed)
	handler := mcpListActionLogs(deps)

	req := makeCallToolRequest("list_action_logs", map[string]interface{}{
		"labId": "lab-1",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var summaries []struct {
		TaskID string `json:"taskId"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &summaries); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(summaries) != 1 || summaries[0].TaskID != "t1" || summaries[0].Status != "success" {
		t.Fatalf("summaries = %+v", summaries)
	}
}

func TestMCPTool_ListActionLogs_BadStatus(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpListActionLogs(deps)

	req := makeCallToolRequest("list_action_logs", map[string]interface{}{
		"status": "paused",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for unknown status")
	}
}

func TestMCPTool_GetTaskTimeline(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	deps.Now = func() time.Time { return time.Now() }
	seedLog(t, store, "t1", "lab-1", storage.StatusSuccess)
	handler := mcpGetTaskTimeline(deps)

	req := makeCallToolRequest("get_task_timeline", map[string]interface{}{
		"taskId": "t1",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var tl timeline.TaskTimeline
	if err := json.Unmarshal([]byte(toolText(t, result)), &tl); err != nil {
		t.Fatalf("failed to parse timeline: %v", err)
	}
	if tl.TaskID != "t1" || tl.Status != storage.StatusSuccess {
		t.Fatalf("timeline = %+v", tl)
	}
}

func TestMCPTool_GetTaskTimeline_Missing(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpGetTaskTimeline(deps)

	result, err := handler(context.Background(), makeCallToolRequest("get_task_timeline", map[string]interface{}{
		"taskId": "absent",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for absent task")
	}

	// Missing argument entirely is also a tool error, not a transport error.
	result, err = handler(context.Background(), makeCallToolRequest("get_task_timeline", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing taskId")
	}
}

func TestMCPTool_ActionLogCounts(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedLog(t, store, "t1", "lab-1", storage.StatusSuccess)
	seedLog(t, store, "t2", "lab-1", storage.StatusFailed)
	seedLog(t, store, "t3", "lab-1", storage.StatusRunning)
	handler := mcpActionLogCounts(deps)

	result, err := handler(context.Background(), makeCallToolRequest("action_log_counts", map[string]interface{}{
		"labId": "lab-1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var c timeline.Counts
	if err := json.Unmarshal([]byte(toolText(t, result)), &c); err != nil {
		t.Fatalf("failed to parse counts: %v", err)
	}
	if c.All != 3 || c.Success != 1 || c.Failure != 1 || c.Running != 1 {
		t.Fatalf("counts = %+v", c)
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	for i := 0; i < 12; i++ {
		seedLog(t, store, "t"+string(rune('a'+i)), "lab-1", storage.StatusSuccess)
	}
	handler := mcpResourceRecent(deps)

	contents, err := handler(context.Background(), makeReadResourceRequest("labtrack://recent"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents = %d, want 1", len(contents))
	}
	text, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var summaries []json.RawMessage
	if err := json.Unmarshal([]byte(text.Text), &summaries); err != nil {
		t.Fatalf("failed to parse resource: %v", err)
	}
	if len(summaries) != 10 {
		t.Fatalf("recent = %d entries, want 10", len(summaries))
	}
}
