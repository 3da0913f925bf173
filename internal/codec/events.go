// Package codec parses the newline-framed structured event stream emitted on
// an assistant subprocess's stdout into typed domain events.
package codec

import "encoding/json"

// Event is a decoded stream event.
type Event interface {
	isEvent()
}

// SessionAssigned reports the assistant's resume token for this conversation.
type SessionAssigned struct {
	Token string
}

// MessageStart opens a new assistant message; block indexes reset.
type MessageStart struct{}

// BlockStart opens a content block of the given kind ("text", "thinking",
// "tool_use").
type BlockStart struct {
	Index int
	Kind  string
}

// TextDelta is an incremental text chunk for a block.
type TextDelta struct {
	Index int
	Text  string
}

// ThinkingDelta is an incremental thinking chunk for a block.
type ThinkingDelta struct {
	Index int
	Text  string
}

// ToolUse reports a tool invocation with its raw input JSON.
type ToolUse struct {
	Name  string
	Input json.RawMessage
}

// Block is one content block of a complete assistant message.
type Block struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// AssistantMessage carries the text blocks of a complete assistant message
// that were NOT already covered by deltas.
type AssistantMessage struct {
	Blocks []Block
}

// RateLimit forwards rate limit info from the assistant.
type RateLimit struct {
	Info json.RawMessage
}

// Result is the terminal event of a run.
type Result struct {
	Subtype      string
	NumTurns     int
	IsError      bool
	TotalCostUSD float64
	Text         string
}

// Result subtypes with dedicated handling upstream.
const (
	ResultSuccess      = "success"
	ResultMaxTurns     = "error_max_turns"
	ResultMaxBudgetUSD = "error_max_budget_usd"
)

// Unknown wraps a line that parsed as JSON but matched no known shape.
type Unknown struct {
	Raw string
}

func (SessionAssigned) isEvent()  {}
func (MessageStart) isEvent()     {}
func (BlockStart) isEvent()       {}
func (TextDelta) isEvent()        {}
func (ThinkingDelta) isEvent()    {}
func (ToolUse) isEvent()          {}
func (AssistantMessage) isEvent() {}
func (RateLimit) isEvent()        {}
func (Result) isEvent()           {}
func (Unknown) isEvent()          {}
