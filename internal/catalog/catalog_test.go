package catalog

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

type stubPrefs struct{ disabled map[string]bool }

func (s *stubPrefs) ToolDisabled(name string) bool { return s.disabled[name] }

// fakeCaller scripts CallTool behavior per invocation.
type fakeCaller struct {
	calls []map[string]any
	fn    func(name string, args map[string]any) (*mcp.CallToolResult, error)
}

func (f *fakeCaller) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	f.calls = append(f.calls, args)
	return f.fn(name, args)
}

func textResult(text string, isErr bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: isErr,
	}
}

func mcpTool(name string) mcp.Tool {
	return mcp.Tool{Name: name, Description: "test tool " + name}
}

func TestCatalogQualifiedNames(t *testing.T) {
	c := NewCatalog(nil)
	c.Register("files", []mcp.Tool{mcpTool("read"), mcpTool("write")})
	c.Register("notes", []mcp.Tool{mcpTool("read")}) // duplicate raw name

	tools := c.AvailableTools()
	if len(tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(tools))
	}
	names := c.QualifiedNames()
	want := []string{"files:read", "files:write", "notes:read"}
	for i, w := range want {
		if names[i] != w {
			t.Errorf("names[%d] = %q, want %q", i, names[i], w)
		}
	}
}

func TestCatalogDisabledToolsFiltered(t *testing.T) {
	prefs := &stubPrefs{disabled: map[string]bool{"files:write": true}}
	c := NewCatalog(prefs)
	c.Register("files", []mcp.Tool{mcpTool("read"), mcpTool("write")})

	for _, tool := range c.AvailableTools() {
		if tool.QualifiedName == "files:write" {
			t.Error("disabled tool still listed")
		}
	}
}

func TestCatalogDeregisterIdempotent(t *testing.T) {
	c := NewCatalog(nil)
	c.Register("files", []mcp.Tool{mcpTool("read")})
	c.Deregister("files")
	c.Deregister("files")
	if got := len(c.AvailableTools()); got != 0 {
		t.Errorf("tools after double deregister = %d, want 0", got)
	}
}

func TestResolveFallbackToRawName(t *testing.T) {
	c := NewCatalog(nil)
	c.Register("files", []mcp.Tool{mcpTool("read_file")})

	// Unprefixed name, as a hallucinating planner would emit.
	tool, ok := c.Resolve("read_file")
	if !ok || tool.QualifiedName != "files:read_file" {
		t.Errorf("Resolve(read_file) = %+v, %v", tool, ok)
	}

	// Hallucinated prefix with a real raw name.
	tool, ok = c.Resolve("filesystem:read_file")
	if !ok || tool.QualifiedName != "files:read_file" {
		t.Errorf("Resolve(filesystem:read_file) = %+v, %v", tool, ok)
	}

	if _, ok := c.Resolve("no_such_tool"); ok {
		t.Error("Resolve should fail for unknown names")
	}
}

func newTestExecutor(c *Catalog, caller ToolCaller, approval ApprovalFunc) *Executor {
	resolve := func(server string) (ToolCaller, bool) {
		if caller == nil {
			return nil, false
		}
		return caller, true
	}
	return NewExecutor(c, resolve, approval, NewResourceTracker(), nil)
}

func TestExecuteUnknownToolEnumerates(t *testing.T) {
	c := NewCatalog(nil)
	c.Register("files", []mcp.Tool{mcpTool("read")})
	e := newTestExecutor(c, &fakeCaller{}, nil)

	result := e.Execute(context.Background(), ToolCall{Name: "bogus"})
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(result.Text(), "files:read") {
		t.Errorf("error should enumerate available names, got %q", result.Text())
	}
}

func TestExecuteApprovalDeny(t *testing.T) {
	c := NewCatalog(nil)
	c.Register("files", []mcp.Tool{mcpTool("delete")})
	caller := &fakeCaller{fn: func(string, map[string]any) (*mcp.CallToolResult, error) {
		return textResult("should not run", false), nil
	}}
	e := newTestExecutor(c, caller, func(ToolCall) bool { return false })

	result := e.Execute(context.Background(), ToolCall{Name: "files:delete"})
	if !result.IsError {
		t.Fatal("denied call must produce an error result")
	}
	if len(caller.calls) != 0 {
		t.Error("denied call must never be dispatched")
	}
}

func TestExecuteSnakeCaseRepairRetry(t *testing.T) {
	c := NewCatalog(nil)
	c.Register("browser", []mcp.Tool{mcpTool("navigate")})

	caller := &fakeCaller{fn: func(name string, args map[string]any) (*mcp.CallToolResult, error) {
		if _, ok := args["sessionId"]; ok {
			return textResult("navigated", false), nil
		}
		return textResult("missing field sessionId", true), nil
	}}
	e := newTestExecutor(c, caller, nil)

	result := e.Execute(context.Background(), ToolCall{
		Name:      "browser:navigate",
		Arguments: map[string]any{"session_id": "s-1", "url": "https://example.com"},
	})
	if result.IsError {
		t.Fatalf("expected repaired retry to succeed, got %q", result.Text())
	}
	if len(caller.calls) != 2 {
		t.Fatalf("expected 2 dispatches (original + repair), got %d", len(caller.calls))
	}
	if caller.calls[1]["sessionId"] != "s-1" || caller.calls[1]["url"] != "https://example.com" {
		t.Errorf("repaired args = %v", caller.calls[1])
	}
}

func TestExecuteNoRepairWithoutSnakeKeys(t *testing.T) {
	c := NewCatalog(nil)
	c.Register("files", []mcp.Tool{mcpTool("read")})
	caller := &fakeCaller{fn: func(string, map[string]any) (*mcp.CallToolResult, error) {
		return textResult("permission denied", true), nil
	}}
	e := newTestExecutor(c, caller, nil)

	result := e.Execute(context.Background(), ToolCall{
		Name:      "files:read",
		Arguments: map[string]any{"path": "/etc/shadow"},
	})
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if len(caller.calls) != 1 {
		t.Errorf("expected exactly 1 dispatch, got %d", len(caller.calls))
	}
}

func TestExecuteRPCErrorBecomesResult(t *testing.T) {
	c := NewCatalog(nil)
	c.Register("files", []mcp.Tool{mcpTool("read")})
	caller := &fakeCaller{fn: func(string, map[string]any) (*mcp.CallToolResult, error) {
		return nil, fmt.Errorf("connection reset by peer")
	}}
	e := newTestExecutor(c, caller, nil)

	result := e.Execute(context.Background(), ToolCall{Name: "files:read"})
	if !result.IsError {
		t.Fatal("RPC error must surface as an error result, not a panic or Go error")
	}
	if !strings.Contains(result.Text(), "connection reset") {
		t.Errorf("result should carry the underlying error, got %q", result.Text())
	}
}

func TestSnakeToCamel(t *testing.T) {
	tests := map[string]string{
		"session_id":     "sessionId",
		"max_wait_time":  "maxWaitTime",
		"alreadyCamel":   "alreadyCamel",
		"single":         "single",
		"trailing_":      "trailing",
		"double__under":  "doubleUnder",
	}
	for in, want := range tests {
		if got := snakeToCamel(in); got != want {
			t.Errorf("snakeToCamel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResourceTrackerScanAndPurge(t *testing.T) {
	tracker := NewResourceTracker()
	now := time.Now()
	tracker.now = func() time.Time { return now }

	tracker.Scan("browser", `Created browser session. Session ID: sess-42`)
	tracker.Scan("browser", `{"session_id": "sess-42"}`) // dedupes
	tracker.Scan("board", `page_id: pg-7`)

	active := tracker.Active()
	if len(active) != 2 {
		t.Fatalf("expected 2 tracked resources, got %d: %+v", len(active), active)
	}

	summary := tracker.Summary()
	if !strings.Contains(summary, "sess-42") || !strings.Contains(summary, "pg-7") {
		t.Errorf("summary missing identifiers: %q", summary)
	}

	// Advance past the TTL; everything purges.
	tracker.now = func() time.Time { return now.Add(ResourceTTL + time.Minute) }
	if remaining := tracker.Purge(); remaining != 0 {
		t.Errorf("expected 0 after TTL purge, got %d", remaining)
	}
	if tracker.Summary() != "" {
		t.Error("summary should be empty after purge")
	}
}
