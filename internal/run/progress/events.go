// Package progress defines the per-run progress event stream and its
// bounded in-memory bus.
package progress

import (
	"time"

	"github.com/pocketagent/pocketagent/internal/run/models"
)

// EventType discriminates progress events.
type EventType string

const (
	EventQueued                 EventType = "queued"
	EventStarted                EventType = "started"
	EventDelivered              EventType = "delivered"
	EventAgentStart             EventType = "agent_start"
	EventAgentEnd               EventType = "agent_end"
	EventTurnStart              EventType = "turn_start"
	EventTurnEnd                EventType = "turn_end"
	EventAssistantTextDelta     EventType = "assistant_text_delta"
	EventAssistantThinkingDelta EventType = "assistant_thinking_delta"
	EventToolExecutionStart     EventType = "tool_execution_start"
	EventToolExecutionUpdate    EventType = "tool_execution_update"
	EventToolExecutionEnd       EventType = "tool_execution_end"
	EventSucceeded              EventType = "succeeded"
	EventFailed                 EventType = "failed"
)

// IsTerminal reports whether the event type ends the run's stream.
func (t EventType) IsTerminal() bool {
	return t == EventSucceeded || t == EventFailed
}

// Event is one item of a run's progress stream. Type determines which
// payload fields are populated. Every event carries the run's routing
// attributes so subscribers need no extra lookup.
type Event struct {
	Type         EventType           `json:"type"`
	RunID        string              `json:"run_id"`
	ThreadKey    string              `json:"thread_key"`
	Source       string              `json:"source"`
	DeliveryMode models.DeliveryMode `json:"delivery_mode"`
	Timestamp    time.Time           `json:"timestamp"`

	// assistant_text_delta / assistant_thinking_delta
	Delta        string `json:"delta,omitempty"`
	ContentIndex *int   `json:"content_index,omitempty"`

	// tool_execution_*
	ToolCallID    string         `json:"tool_call_id,omitempty"`
	ToolName      string         `json:"tool_name,omitempty"`
	ToolArgs      map[string]any `json:"tool_args,omitempty"`
	PartialResult string         `json:"partial_result,omitempty"`
	ToolResult    string         `json:"tool_result,omitempty"`
	ToolIsError   bool           `json:"tool_is_error,omitempty"`

	// turn_end
	ToolResultCount int `json:"tool_result_count,omitempty"`

	// succeeded
	Output *models.RunOutput `json:"output,omitempty"`

	// failed
	ErrorMessage string `json:"error_message,omitempty"`
}

// New creates an event stamped with the run's routing attributes and the
// current time.
func New(eventType EventType, run *models.Run) Event {
	return Event{
		Type:         eventType,
		RunID:        run.ID,
		ThreadKey:    run.ThreadKey,
		Source:       run.Source,
		DeliveryMode: run.DeliveryMode,
		Timestamp:    time.Now().UTC(),
	}
}
