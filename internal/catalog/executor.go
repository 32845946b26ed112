package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/veldt/mcp-agent/internal/logger"
)

// ToolCall is one invocation produced by the planner.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Segment is one normalized content block of a tool result.
type Segment struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the normalized outcome of a tool call, regardless of
// transport. Every issued call produces exactly one result; errors are
// carried in IsError, never thrown to the caller.
type ToolResult struct {
	Content []Segment `json:"content"`
	IsError bool      `json:"isError"`
}

// Text flattens the result's text segments.
func (r ToolResult) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, s := range r.Content {
		if s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func errorResult(format string, args ...any) ToolResult {
	return ToolResult{
		Content: []Segment{{Type: "text", Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

// ToolCaller executes one RPC tool call against a live connection.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// ClientResolver maps a server name to its live connection's client.
type ClientResolver func(server string) (ToolCaller, bool)

// ApprovalFunc is the optional human-approval gate. It blocks until the user
// decides; returning false denies the call.
type ApprovalFunc func(call ToolCall) bool

// Executor dispatches tool calls through the connection manager's clients.
type Executor struct {
	catalog   *Catalog
	resolve   ClientResolver
	approval  ApprovalFunc
	resources *ResourceTracker
	logger    *logger.Logger
}

// NewExecutor creates an executor over the catalog. approval may be nil
// (no gate); resources may be nil (no tracking).
func NewExecutor(c *Catalog, resolve ClientResolver, approval ApprovalFunc, resources *ResourceTracker, log *logger.Logger) *Executor {
	return &Executor{
		catalog:   c,
		resolve:   resolve,
		approval:  approval,
		resources: resources,
		logger:    log,
	}
}

// Execute runs one tool call and always returns a result; it never returns a
// Go error to the caller. Unknown tools produce an error result enumerating
// the available names. A schema-flavored failure with snake_case argument
// keys is retried once with camelCase keys.
func (e *Executor) Execute(ctx context.Context, call ToolCall) ToolResult {
	tool, ok := e.catalog.Resolve(call.Name)
	if !ok {
		names := e.catalog.QualifiedNames()
		if len(names) == 0 {
			return errorResult("unknown tool %q: no tools are currently available", call.Name)
		}
		return errorResult("unknown tool %q: available tools are %s", call.Name, strings.Join(names, ", "))
	}

	if e.approval != nil && !e.approval(call) {
		e.logger.Info("Tool call %s denied by user", tool.QualifiedName)
		return errorResult("tool call %s was denied by the user", tool.QualifiedName)
	}

	client, ok := e.resolve(tool.Server)
	if !ok {
		return errorResult("server %q for tool %q is not connected", tool.Server, tool.QualifiedName)
	}

	result := e.callOnce(ctx, client, tool, call.Arguments)
	if result.IsError && shouldRepairParams(result.Text(), call.Arguments) {
		repaired := camelCaseKeys(call.Arguments)
		e.logger.InfoVerbose("Retrying %s with camelCase argument keys", tool.QualifiedName)
		retried := e.callOnce(ctx, client, tool, repaired)
		if !retried.IsError {
			result = retried
		}
	}

	if !result.IsError && e.resources != nil {
		e.resources.Scan(tool.Server, result.Text())
	}
	return result
}

// callOnce performs a single RPC round-trip and normalizes the outcome.
func (e *Executor) callOnce(ctx context.Context, client ToolCaller, tool Tool, args map[string]any) ToolResult {
	e.logger.Request("tools/call", map[string]any{"name": tool.Name, "arguments": args})
	raw, err := client.CallTool(ctx, tool.Name, args)
	if err != nil {
		return errorResult("tool %s failed: %v", tool.QualifiedName, err)
	}
	e.logger.Response("tools/call", raw)
	return normalizeResult(raw)
}

// normalizeResult converts an mcp call result into the transport-independent
// shape the loop consumes.
func normalizeResult(raw *mcp.CallToolResult) ToolResult {
	out := ToolResult{IsError: raw.IsError}
	for _, content := range raw.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			out.Content = append(out.Content, Segment{Type: "text", Text: c.Text})
		case *mcp.TextContent:
			out.Content = append(out.Content, Segment{Type: "text", Text: c.Text})
		default:
			out.Content = append(out.Content, Segment{Type: "text", Text: fmt.Sprintf("%v", content)})
		}
	}
	return out
}

// shouldRepairParams decides whether a failed call is worth one retry with
// camelCase keys: the error names a missing/invalid field, or any argument
// key is snake_case. This masks a common LLM naming inconsistency without
// the planner knowing per-server conventions.
func shouldRepairParams(errText string, args map[string]any) bool {
	if !hasSnakeCaseKey(args) {
		return false
	}
	lower := strings.ToLower(errText)
	for _, marker := range []string{"missing", "required", "invalid", "unknown field", "unexpected", "schema"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return true // snake_case keys alone are enough for a single cheap retry
}

func hasSnakeCaseKey(args map[string]any) bool {
	for k := range args {
		if strings.Contains(k, "_") {
			return true
		}
	}
	return false
}

// camelCaseKeys returns a copy of args with snake_case keys converted to
// camelCase. Values are preserved as-is; nested maps are left alone since
// schemas rarely nest the offending keys.
func camelCaseKeys(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[snakeToCamel(k)] = v
	}
	return out
}

func snakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) == 1 {
		return s
	}
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}
