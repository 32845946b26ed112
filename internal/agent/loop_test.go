package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/veldt/mcp-agent/internal/catalog"
	"github.com/veldt/mcp-agent/internal/planner"
)

// scriptedPlanner replays canned completions; the last one repeats.
type scriptedPlanner struct {
	responses []string
	calls     int
}

func (s *scriptedPlanner) Complete(ctx context.Context, messages []planner.Message) (string, error) {
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], nil
}

// scriptedCaller returns canned tool results; the last one repeats. onCall
// fires before each dispatch.
type scriptedCaller struct {
	results    []*mcp.CallToolResult
	dispatches int
	onCall     func(n int)
}

func (s *scriptedCaller) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	n := s.dispatches
	s.dispatches++
	if s.onCall != nil {
		s.onCall(n)
	}
	i := n
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i], nil
}

func callResult(text string, isErr bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: isErr,
	}
}

const callEnvelope = `{"toolCalls": [{"name": "srv:do", "arguments": {}}], "needsMoreWork": true}`

// newTestAgent wires a real catalog and executor over the scripted caller,
// with waits recorded instead of slept.
func newTestAgent(p planner.Planner, caller *scriptedCaller, maxIterations int) (*Agent, *[]time.Duration) {
	cat := catalog.NewCatalog(nil)
	cat.Register("srv", []mcp.Tool{{Name: "do"}})
	resolve := func(server string) (catalog.ToolCaller, bool) { return caller, true }
	exec := catalog.NewExecutor(cat, resolve, nil, nil, nil)

	a := New(p, cat, exec, nil, nil, nil, Options{MaxIterations: maxIterations})
	var delays []time.Duration
	a.wait = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return a, &delays
}

func TestRunContentOnlyTerminates(t *testing.T) {
	p := &scriptedPlanner{responses: []string{`{"content": "the answer is 4"}`}}
	a, _ := newTestAgent(p, &scriptedCaller{results: []*mcp.CallToolResult{callResult("ok", false)}}, 5)

	res, err := a.Run(context.Background(), "what is 2+2", nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Text != "the answer is 4" || res.Iterations != 1 || res.Aborted {
		t.Errorf("result = %+v", res)
	}
	if p.calls != 1 {
		t.Errorf("planner calls = %d, want 1", p.calls)
	}
}

func TestRunMaxIterationsExact(t *testing.T) {
	p := &scriptedPlanner{responses: []string{callEnvelope}}
	caller := &scriptedCaller{results: []*mcp.CallToolResult{callResult("ok", false)}}
	a, _ := newTestAgent(p, caller, 3)

	state := &RunState{}
	res, err := a.Run(context.Background(), "loop forever", state, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if state.Iteration != 3 {
		t.Errorf("state.Iteration = %d, must never exceed the cap of 3", state.Iteration)
	}
	if p.calls != 3 {
		t.Errorf("planner calls = %d, want exactly 3", p.calls)
	}
	if caller.dispatches != 3 {
		t.Errorf("dispatches = %d, want 3", caller.dispatches)
	}
	if res.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", res.Iterations)
	}
	if !strings.Contains(res.Text, "iteration limit") {
		t.Errorf("cap note missing from %q", res.Text)
	}
}

func TestRunCapNoteAfterFailures(t *testing.T) {
	p := &scriptedPlanner{responses: []string{callEnvelope}}
	caller := &scriptedCaller{results: []*mcp.CallToolResult{callResult("invalid arguments", true)}}
	a, _ := newTestAgent(p, caller, 2)

	res, err := a.Run(context.Background(), "doomed", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text, "repeated tool failures") {
		t.Errorf("failure note missing from %q", res.Text)
	}
}

func TestRunStopBeforeAnyWork(t *testing.T) {
	p := &scriptedPlanner{responses: []string{callEnvelope}}
	caller := &scriptedCaller{results: []*mcp.CallToolResult{callResult("ok", false)}}
	a, _ := newTestAgent(p, caller, 5)

	state := &RunState{}
	state.Stop()

	res, err := a.Run(context.Background(), "stopped before start", state, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Aborted {
		t.Error("expected aborted result")
	}
	if p.calls != 0 {
		t.Errorf("planner calls = %d, want 0", p.calls)
	}
	if caller.dispatches != 0 {
		t.Errorf("dispatches after stop = %d, want 0", caller.dispatches)
	}
}

func TestRunStopBetweenDispatches(t *testing.T) {
	p := &scriptedPlanner{responses: []string{
		`{"toolCalls": [{"name": "srv:do", "arguments": {}}, {"name": "srv:do", "arguments": {}}], "needsMoreWork": true}`,
	}}
	state := &RunState{}
	caller := &scriptedCaller{
		results: []*mcp.CallToolResult{callResult("ok", false)},
		onCall:  func(n int) { state.Stop() },
	}
	a, _ := newTestAgent(p, caller, 5)

	res, err := a.Run(context.Background(), "stop midway", state, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Aborted {
		t.Error("expected aborted result")
	}
	if caller.dispatches != 1 {
		t.Errorf("dispatches = %d, want 1 (second call never issued)", caller.dispatches)
	}

	// The completed first call must still be reflected in the history.
	var recorded int
	for _, entry := range res.History {
		if entry.Role == "tool" {
			recorded += len(entry.ToolResults)
		}
	}
	if recorded != 1 {
		t.Errorf("tool results in history = %d, want 1", recorded)
	}
}

func TestRunCompletionRequiresSuccess(t *testing.T) {
	// needsMoreWork=false with a failing call must not terminate; the next
	// iteration's content-only response does.
	p := &scriptedPlanner{responses: []string{
		`{"toolCalls": [{"name": "srv:do", "arguments": {}}], "needsMoreWork": false}`,
		`{"content": "recovered"}`,
	}}
	caller := &scriptedCaller{results: []*mcp.CallToolResult{callResult("invalid arguments", true)}}
	a, _ := newTestAgent(p, caller, 5)

	res, err := a.Run(context.Background(), "flaky", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", res.Iterations)
	}
	if res.Text != "recovered" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestRunCompletionOnExplicitFalse(t *testing.T) {
	p := &scriptedPlanner{responses: []string{
		`{"content": "all set", "toolCalls": [{"name": "srv:do", "arguments": {}}], "needsMoreWork": false}`,
	}}
	caller := &scriptedCaller{results: []*mcp.CallToolResult{callResult("ok", false)}}
	a, _ := newTestAgent(p, caller, 5)

	res, err := a.Run(context.Background(), "one shot", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Iterations != 1 || res.Text != "all set" {
		t.Errorf("result = %+v", res)
	}
}

func TestRetryableFailureBackoff(t *testing.T) {
	p := &scriptedPlanner{responses: []string{
		`{"toolCalls": [{"name": "srv:do", "arguments": {}}], "needsMoreWork": false}`,
	}}
	caller := &scriptedCaller{results: []*mcp.CallToolResult{
		callResult("connection timeout", true),
		callResult("connection timeout", true),
		callResult("done", false),
	}}
	a, delays := newTestAgent(p, caller, 5)

	res, err := a.Run(context.Background(), "flaky network", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if caller.dispatches != 3 {
		t.Errorf("dispatches = %d, want 3 (original + 2 retries)", caller.dispatches)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*delays) != len(want) || (*delays)[0] != want[0] || (*delays)[1] != want[1] {
		t.Errorf("backoff delays = %v, want %v", *delays, want)
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}
}

func TestNonRetryableFailureNotRetried(t *testing.T) {
	p := &scriptedPlanner{responses: []string{
		`{"toolCalls": [{"name": "srv:do", "arguments": {}}], "needsMoreWork": false}`,
		`{"content": "gave up"}`,
	}}
	caller := &scriptedCaller{results: []*mcp.CallToolResult{callResult("invalid arguments: path required", true)}}
	a, delays := newTestAgent(p, caller, 5)

	if _, err := a.Run(context.Background(), "bad args", nil, nil); err != nil {
		t.Fatal(err)
	}
	if caller.dispatches != 1 {
		t.Errorf("dispatches = %d, want 1", caller.dispatches)
	}
	if len(*delays) != 0 {
		t.Errorf("no backoff expected, got %v", *delays)
	}
}

func TestRunNoPlanner(t *testing.T) {
	a := New(nil, catalog.NewCatalog(nil), nil, nil, nil, nil, Options{})
	if _, err := a.Run(context.Background(), "anything", nil, nil); err == nil {
		t.Fatal("expected error without a planner")
	}
}

func TestFailureDiagnosticReachesPlanner(t *testing.T) {
	p := &scriptedPlanner{responses: []string{
		`{"toolCalls": [{"name": "srv:do", "arguments": {}}], "needsMoreWork": true}`,
		`{"content": "adjusted"}`,
	}}
	caller := &scriptedCaller{results: []*mcp.CallToolResult{callResult("session not found", true)}}
	a, _ := newTestAgent(p, caller, 5)

	var sawDiagnostic bool
	inner := a.planner
	a.planner = plannerFunc(func(ctx context.Context, messages []planner.Message) (string, error) {
		for _, m := range messages {
			if strings.Contains(m.Content, "Create a new session") {
				sawDiagnostic = true
			}
		}
		return inner.Complete(ctx, messages)
	})

	if _, err := a.Run(context.Background(), "stale session", nil, nil); err != nil {
		t.Fatal(err)
	}
	if !sawDiagnostic {
		t.Error("recovery diagnostic never reached the planner")
	}
}

type plannerFunc func(ctx context.Context, messages []planner.Message) (string, error)

func (f plannerFunc) Complete(ctx context.Context, messages []planner.Message) (string, error) {
	return f(ctx, messages)
}

func TestToMessageToolEntries(t *testing.T) {
	// A diagnostic-only entry carries its content to the planner.
	diag := toMessage(ConversationEntry{Role: "tool", Content: "Diagnostic for failed call srv:do: retry later"})
	if diag.Role != "user" || !strings.Contains(diag.Content, "Diagnostic for failed call") {
		t.Errorf("diagnostic entry rendered as %+v", diag)
	}

	results := toMessage(ConversationEntry{
		Role: "tool",
		ToolResults: []catalog.ToolResult{
			{Content: []catalog.Segment{{Type: "text", Text: "first"}}},
			{Content: []catalog.Segment{{Type: "text", Text: "boom"}}, IsError: true},
		},
	})
	for _, want := range []string{"Tool results:", "first", "ERROR: boom"} {
		if !strings.Contains(results.Content, want) {
			t.Errorf("results entry missing %q: %q", want, results.Content)
		}
	}
}

func TestProgressSinkDropOldest(t *testing.T) {
	sink := NewProgressSink()
	for i := 0; i < progressBuffer*2; i++ {
		sink.Emit(newStep(StepThinking, "step", "", StatusInProgress))
	}
	if got := len(sink.Steps()); got != progressBuffer {
		t.Errorf("buffered = %d, want %d", got, progressBuffer)
	}
	if got := len(sink.Recent()); got != recentWindow {
		t.Errorf("recent window = %d, want %d", got, recentWindow)
	}

	sink.Close()
	sink.Emit(newStep(StepThinking, "after close", "", StatusInProgress))
}

func TestProgressEmittedDuringRun(t *testing.T) {
	p := &scriptedPlanner{responses: []string{
		`{"toolCalls": [{"name": "srv:do", "arguments": {}}], "needsMoreWork": false}`,
	}}
	caller := &scriptedCaller{results: []*mcp.CallToolResult{callResult("ok", false)}}
	a, _ := newTestAgent(p, caller, 5)

	sink := NewProgressSink()
	if _, err := a.Run(context.Background(), "observable", nil, sink); err != nil {
		t.Fatal(err)
	}
	sink.Close()

	var types []StepType
	for step := range sink.Steps() {
		types = append(types, step.Type)
	}
	want := []StepType{StepThinking, StepToolCall, StepToolResult, StepCompletion}
	if len(types) != len(want) {
		t.Fatalf("steps = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("step[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestRetryableHeuristic(t *testing.T) {
	tests := map[string]bool{
		"connection timeout":     true,
		"network unreachable":    true,
		"server busy, try later": true,
		"session not found":      true,
		"invalid arguments":      false,
		"permission denied":      false,
	}
	for text, want := range tests {
		if got := isRetryable(text); got != want {
			t.Errorf("isRetryable(%q) = %v, want %v", text, got, want)
		}
	}
}
