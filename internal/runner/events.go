// Package runner defines the executor contract between the run service
// and the agent backends, the typed session event stream, and the echo
// executor used for tests and diagnostic mode.
package runner

import "encoding/json"

// EventType identifies a session event. The stream for a single turn is
// ordered: turn_start precedes its message_* events, which precede
// turn_end; agent_end strictly follows all turn events.
type EventType string

const (
	EventAgentStart          EventType = "agent_start"
	EventTurnStart           EventType = "turn_start"
	EventMessageStart        EventType = "message_start"
	EventMessageUpdate       EventType = "message_update"
	EventToolExecutionStart  EventType = "tool_execution_start"
	EventToolExecutionUpdate EventType = "tool_execution_update"
	EventToolExecutionEnd    EventType = "tool_execution_end"
	EventMessageEnd          EventType = "message_end"
	EventTurnEnd             EventType = "turn_end"
	EventAgentEnd            EventType = "agent_end"

	// Synthetic lifecycle markers, never produced by a session. The
	// controller injects queued/delivered; the run service injects
	// terminal when a run settles.
	EventQueued    EventType = "queued"
	EventDelivered EventType = "delivered"
	EventTerminal  EventType = "terminal"
)

// Event is one typed session event. Fields are populated per type:
// message_* carry Role (and Delta/Text), tool_execution_* carry the
// ToolCall* fields, message_end carries the accumulated Text plus
// Provider/Model, turn_end carries ToolResultCount.
type Event struct {
	Type EventType `json:"type"`

	Role         string `json:"role,omitempty"` // "user" | "assistant"
	Delta        string `json:"delta,omitempty"`
	ContentIndex int    `json:"content_index,omitempty"`

	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`
	ToolResult string          `json:"tool_result,omitempty"`
	ToolError  bool            `json:"tool_error,omitempty"`

	Text       string          `json:"text,omitempty"`
	Provider   string          `json:"provider,omitempty"`
	Model      string          `json:"model,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`

	ToolResultCount int `json:"tool_result_count,omitempty"`
}

// Progress is a session event (or synthetic queued/delivered marker)
// correlated to one run.
type Progress struct {
	RunID string    `json:"run_id"`
	Type  EventType `json:"type"`
	Event *Event    `json:"event,omitempty"` // nil for synthetic markers
}
