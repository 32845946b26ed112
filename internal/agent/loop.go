// Package agent runs the iterative planning loop: prompt the planner, execute
// the tool calls it requests, fold the results back into the conversation,
// and decide when the request is satisfied.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/veldt/mcp-agent/internal/catalog"
	"github.com/veldt/mcp-agent/internal/logger"
	"github.com/veldt/mcp-agent/internal/planner"
	"github.com/veldt/mcp-agent/internal/proc"
)

// DefaultMaxIterations caps a run when the planner never claims completion.
const DefaultMaxIterations = 10

// maxCallRetries is the number of extra attempts for a retryable tool failure.
const maxCallRetries = 2

// ConversationEntry is one turn of run history.
type ConversationEntry struct {
	Role        string               `json:"role"` // user, assistant, tool
	Content     string               `json:"content,omitempty"`
	ToolCalls   []catalog.ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []catalog.ToolResult `json:"toolResults,omitempty"`
}

// RunState is shared between the loop and whoever can interrupt it. Stop is
// safe from any goroutine and takes effect before the next planner call and
// before each tool dispatch.
type RunState struct {
	Iteration     int
	MaxIterations int

	shouldStop atomic.Bool
}

// Stop requests the run abort at the next checkpoint.
func (r *RunState) Stop() { r.shouldStop.Store(true) }

// Stopped reports whether an abort was requested.
func (r *RunState) Stopped() bool { return r.shouldStop.Load() }

// Result is the outcome of a completed or aborted run.
type Result struct {
	Text       string
	History    []ConversationEntry
	Iterations int
	Aborted    bool
}

// Options tunes a loop instance.
type Options struct {
	MaxIterations  int
	PlannerTimeout time.Duration
}

// Agent drives the planning loop over a tool catalog and executor.
type Agent struct {
	planner    planner.Planner
	catalog    *catalog.Catalog
	executor   *catalog.Executor
	resources  *catalog.ResourceTracker
	supervisor *proc.Supervisor
	logger     *logger.Logger

	maxIterations  int
	plannerTimeout time.Duration

	// wait is a seam for tests; defaults to a context-aware sleep.
	wait func(ctx context.Context, d time.Duration) error
}

// New creates an agent. supervisor may be nil when no subprocesses exist;
// resources may be nil.
func New(p planner.Planner, cat *catalog.Catalog, exec *catalog.Executor, resources *catalog.ResourceTracker, sup *proc.Supervisor, log *logger.Logger, opts Options) *Agent {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.PlannerTimeout <= 0 {
		opts.PlannerTimeout = 2 * time.Minute
	}
	return &Agent{
		planner:        p,
		catalog:        cat,
		executor:       exec,
		resources:      resources,
		supervisor:     sup,
		logger:         log,
		maxIterations:  opts.MaxIterations,
		plannerTimeout: opts.PlannerTimeout,
		wait:           sleepCtx,
	}
}

// EmergencyStop is the kill-switch path: abort the run and force-kill every
// supervised subprocess immediately.
func (a *Agent) EmergencyStop(state *RunState) {
	if state != nil {
		state.Stop()
	}
	if a.supervisor != nil {
		a.supervisor.EmergencyStop()
	}
}

// Run executes one request to completion, abort, or the iteration cap.
// progress may be nil. The returned error covers unrecoverable conditions
// only; tool failures and malformed planner output are folded into the run.
func (a *Agent) Run(ctx context.Context, request string, state *RunState, progress *ProgressSink) (Result, error) {
	if a.planner == nil {
		return Result{}, fmt.Errorf("no planner configured")
	}
	if state == nil {
		state = &RunState{}
	}
	state.MaxIterations = a.maxIterations

	history := []ConversationEntry{{Role: "user", Content: request}}
	lastContent := ""
	lastIterationFailed := false

	for state.Iteration = 1; state.Iteration <= a.maxIterations; state.Iteration++ {
		if state.Stopped() {
			return a.abort(history, state, progress), nil
		}

		progress.Emit(newStep(StepThinking, fmt.Sprintf("Planning (iteration %d)", state.Iteration), "", StatusInProgress))

		resp, malformed, err := a.plan(ctx, history)
		if err != nil {
			progress.Emit(newStep(StepCompletion, "Planner failed", err.Error(), StatusError))
			return Result{History: history, Iterations: state.Iteration, Aborted: true}, fmt.Errorf("planner failed: %w", err)
		}
		if malformed {
			a.logger.InfoVerbose("Planner output was not a valid envelope, treating as plain content")
		}
		if claim := completionClaim(resp.Content); claim != "" {
			a.logger.InfoVerbose("Planner text claims completion (%q); advisory only", claim)
		}

		history = append(history, ConversationEntry{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		if resp.Content != "" {
			lastContent = resp.Content
		}

		if len(resp.ToolCalls) == 0 {
			progress.Emit(newStep(StepCompletion, "Done", "", StatusCompleted))
			return Result{Text: resp.Content, History: history, Iterations: state.Iteration}, nil
		}

		results, allOK, aborted := a.executeCalls(ctx, resp.ToolCalls, state, progress, &history)
		if aborted {
			if len(results) > 0 {
				history = append(history, ConversationEntry{Role: "tool", ToolResults: results})
			}
			return a.abort(history, state, progress), nil
		}
		history = append(history, ConversationEntry{Role: "tool", ToolResults: results})
		lastIterationFailed = !allOK

		if resp.NeedsMoreWork != nil && !*resp.NeedsMoreWork && allOK {
			progress.Emit(newStep(StepCompletion, "Done", "", StatusCompleted))
			return Result{Text: resp.Content, History: history, Iterations: state.Iteration}, nil
		}
	}

	state.Iteration = a.maxIterations
	note := "Reached the iteration limit before the task was confirmed complete."
	if lastIterationFailed {
		note = "Stopped after repeated tool failures."
	}
	text := strings.TrimSpace(lastContent + "\n\n[" + note + "]")
	progress.Emit(newStep(StepCompletion, "Iteration limit reached", note, StatusError))
	return Result{Text: text, History: history, Iterations: a.maxIterations}, nil
}

// plan runs one planner round trip and parses the envelope.
func (a *Agent) plan(ctx context.Context, history []ConversationEntry) (planner.Response, bool, error) {
	var summary string
	if a.resources != nil {
		summary = a.resources.Summary()
	}
	messages := []planner.Message{{
		Role:    "system",
		Content: planner.BuildSystemPrompt(a.catalog.AvailableTools(), summary),
	}}
	for _, entry := range history {
		messages = append(messages, toMessage(entry))
	}

	plannerCtx, cancel := context.WithTimeout(ctx, a.plannerTimeout)
	defer cancel()
	text, err := a.planner.Complete(plannerCtx, messages)
	if err != nil {
		return planner.Response{}, false, err
	}

	outcome := planner.Parse(text)
	return outcome.Response, outcome.Malformed, nil
}

// toMessage flattens a history entry into a chat message. Tool results are
// rendered as text since the planner speaks plain chat completions.
func toMessage(entry ConversationEntry) planner.Message {
	switch entry.Role {
	case "tool":
		var b strings.Builder
		if entry.Content != "" {
			b.WriteString(entry.Content)
		}
		if len(entry.ToolResults) > 0 {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("Tool results:\n")
			for i, res := range entry.ToolResults {
				if i > 0 {
					b.WriteString("\n---\n")
				}
				if res.IsError {
					b.WriteString("ERROR: ")
				}
				b.WriteString(res.Text())
			}
		}
		return planner.Message{Role: "user", Content: b.String()}
	case "assistant":
		content := entry.Content
		if len(entry.ToolCalls) > 0 {
			names := make([]string, len(entry.ToolCalls))
			for i, c := range entry.ToolCalls {
				names[i] = c.Name
			}
			content = strings.TrimSpace(content + "\n[called: " + strings.Join(names, ", ") + "]")
		}
		return planner.Message{Role: "assistant", Content: content}
	default:
		return planner.Message{Role: "user", Content: entry.Content}
	}
}

// executeCalls runs the iteration's tool calls strictly in order, honoring
// the stop flag before each dispatch. A failed call appends a diagnostic
// entry so the next planning round sees what went wrong and how to recover.
func (a *Agent) executeCalls(ctx context.Context, calls []catalog.ToolCall, state *RunState, progress *ProgressSink, history *[]ConversationEntry) ([]catalog.ToolResult, bool, bool) {
	var results []catalog.ToolResult
	allOK := true

	for i := range calls {
		call := calls[i]
		if state.Stopped() {
			return results, allOK, true
		}

		step := newStep(StepToolCall, "Calling "+call.Name, "", StatusInProgress)
		step.ToolCall = &call
		progress.Emit(step)

		result := a.executeWithRetry(ctx, call)
		results = append(results, result)

		status := StatusCompleted
		if result.IsError {
			status = StatusError
			allOK = false
			*history = append(*history, ConversationEntry{
				Role:    "tool",
				Content: diagnose(call.Name, result.Text()),
			})
		}
		resStep := newStep(StepToolResult, call.Name, truncate(result.Text(), 200), status)
		resStep.ToolResult = &result
		progress.Emit(resStep)
	}
	return results, allOK, false
}

// executeWithRetry dispatches one call, retrying transient failures with
// exponential backoff. Non-retryable errors are returned as-is after the
// first attempt.
func (a *Agent) executeWithRetry(ctx context.Context, call catalog.ToolCall) catalog.ToolResult {
	result := a.executor.Execute(ctx, call)
	for attempt := 0; attempt < maxCallRetries && result.IsError && isRetryable(result.Text()); attempt++ {
		delay := time.Second << attempt
		a.logger.InfoVerbose("Retrying %s in %s (attempt %d)", call.Name, delay, attempt+2)
		if err := a.wait(ctx, delay); err != nil {
			return result
		}
		result = a.executor.Execute(ctx, call)
	}
	return result
}

// abort finalizes an interrupted run.
func (a *Agent) abort(history []ConversationEntry, state *RunState, progress *ProgressSink) Result {
	a.logger.Warning("Run aborted by stop request at iteration %d", state.Iteration)
	progress.Emit(newStep(StepCompletion, "Aborted", "Run stopped before completion", StatusError))
	return Result{
		Text:       "[Run aborted before completion.]",
		History:    history,
		Iterations: state.Iteration,
		Aborted:    true,
	}
}

// retryableMarkers identify transient failures worth an automatic retry.
var retryableMarkers = []string{"timeout", "timed out", "connection", "network", "busy", "session not found", "temporarily unavailable"}

func isRetryable(errText string) bool {
	lower := strings.ToLower(errText)
	for _, marker := range retryableMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// diagnose categorizes a tool failure into a recovery hint for the planner.
func diagnose(name, errText string) string {
	lower := strings.ToLower(errText)
	var hint string
	switch {
	case strings.Contains(lower, "session not found"):
		hint = "The referenced session no longer exists. Create a new session before continuing."
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		hint = "The operation timed out. Retry it or break the task into smaller steps."
	case strings.Contains(lower, "connection") || strings.Contains(lower, "network"):
		hint = "The server connection failed. The tool may be temporarily unavailable; consider an alternative."
	case strings.Contains(lower, "denied"):
		hint = "The call was denied. Do not retry it; choose a different approach."
	case strings.Contains(lower, "unknown tool"):
		hint = "The tool name was not recognized. Use one of the listed qualified names exactly."
	default:
		hint = "Review the error and adjust the arguments or approach."
	}
	return fmt.Sprintf("Diagnostic for failed call %s: %s Error was: %s", name, hint, truncate(errText, 300))
}

// completionClaimPhrases are free-text completion signals. They are logged
// but never terminate the loop; only the envelope does that.
var completionClaimPhrases = []string{"task is complete", "task complete", "all done", "i have finished", "successfully completed"}

func completionClaim(content string) string {
	lower := strings.ToLower(content)
	for _, phrase := range completionClaimPhrases {
		if strings.Contains(lower, phrase) {
			return phrase
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
