package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veldt/mcp-agent/internal/catalog"
)

// StepType classifies a progress step.
type StepType string

const (
	StepThinking   StepType = "thinking"
	StepToolCall   StepType = "tool_call"
	StepToolResult StepType = "tool_result"
	StepCompletion StepType = "completion"
)

// StepStatus is the lifecycle state of a progress step.
type StepStatus string

const (
	StatusPending    StepStatus = "pending"
	StatusInProgress StepStatus = "in_progress"
	StatusCompleted  StepStatus = "completed"
	StatusError      StepStatus = "error"
)

// ProgressStep is one observable unit of loop activity.
type ProgressStep struct {
	ID          string              `json:"id"`
	Type        StepType            `json:"type"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Status      StepStatus          `json:"status"`
	Timestamp   time.Time           `json:"timestamp"`
	ToolCall    *catalog.ToolCall   `json:"toolCall,omitempty"`
	ToolResult  *catalog.ToolResult `json:"toolResult,omitempty"`
}

const (
	// progressBuffer bounds the delivery channel; when the consumer lags,
	// the oldest step is dropped so emission never blocks the loop.
	progressBuffer = 64

	// recentWindow is how many recent steps snapshots retain.
	recentWindow = 32
)

// ProgressSink fans loop progress out to an optional consumer. Emission is
// non-blocking and infallible from the loop's perspective.
type ProgressSink struct {
	mu     sync.Mutex
	ch     chan ProgressStep
	recent []ProgressStep
	closed bool
}

// NewProgressSink creates a sink with the default buffer.
func NewProgressSink() *ProgressSink {
	return &ProgressSink{ch: make(chan ProgressStep, progressBuffer)}
}

// newStep stamps a step with identity and time.
func newStep(t StepType, title, description string, status StepStatus) ProgressStep {
	return ProgressStep{
		ID:          uuid.NewString(),
		Type:        t,
		Title:       title,
		Description: description,
		Status:      status,
		Timestamp:   time.Now(),
	}
}

// Emit delivers a step, dropping the oldest buffered step when full. A nil
// sink is a no-op so the loop never branches on observability being wired.
func (p *ProgressSink) Emit(step ProgressStep) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	p.recent = append(p.recent, step)
	if len(p.recent) > recentWindow {
		p.recent = p.recent[len(p.recent)-recentWindow:]
	}

	for {
		select {
		case p.ch <- step:
			return
		default:
		}
		select {
		case <-p.ch:
		default:
		}
	}
}

// Steps returns the delivery channel for consumers.
func (p *ProgressSink) Steps() <-chan ProgressStep {
	return p.ch
}

// Recent returns a copy of the most recent steps, newest last.
func (p *ProgressSink) Recent() []ProgressStep {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProgressStep, len(p.recent))
	copy(out, p.recent)
	return out
}

// Close ends delivery. Emit after Close is a no-op.
func (p *ProgressSink) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
}
