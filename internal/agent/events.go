package agent

// EventType discriminates session events.
type EventType string

const (
	EventMessageStart        EventType = "message_start"
	EventMessageUpdate       EventType = "message_update"
	EventMessageEnd          EventType = "message_end"
	EventToolExecutionStart  EventType = "tool_execution_start"
	EventToolExecutionUpdate EventType = "tool_execution_update"
	EventToolExecutionEnd    EventType = "tool_execution_end"
	EventTurnStart           EventType = "turn_start"
	EventTurnEnd             EventType = "turn_end"
	EventAgentStart          EventType = "agent_start"
	EventAgentEnd            EventType = "agent_end"
)

// Role identifies the author of a message event.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DeltaKind discriminates message_update payloads.
type DeltaKind string

const (
	DeltaText     DeltaKind = "text_delta"
	DeltaThinking DeltaKind = "thinking_delta"
)

// Stop reasons reported on assistant message_end.
const (
	StopEnd     = "end"
	StopError   = "error"
	StopAborted = "aborted"
)

// AssistantMessage is the summary captured when an assistant message closes.
type AssistantMessage struct {
	Text         string
	Provider     string
	Model        string
	StopReason   string
	ErrorMessage string
}

// Event is one item of a session's event stream. Type determines which
// fields are populated, mirroring the runtime's wire protocol.
type Event struct {
	Type EventType

	// message_start / message_end
	Role Role

	// message_update
	DeltaKind    DeltaKind
	Delta        string
	ContentIndex *int // thinking content block index, when known

	// message_end (assistant)
	Message *AssistantMessage

	// tool_execution_*
	ToolCallID  string
	ToolName    string
	ToolArgs    map[string]any
	ToolPartial string
	ToolResult  string
	ToolIsError bool

	// turn_end
	ToolResultCount int
}
