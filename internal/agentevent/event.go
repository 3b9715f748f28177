// Package agentevent decodes the agent's line-delimited JSON event stream
// into a closed set of typed events.
package agentevent

import "encoding/json"

// Event is one decoded agent event. The set of implementations is closed:
// consumers switch over StepStart, StepFinish, Text, ToolUse, Error and Unknown.
type Event interface {
	// Session returns the agent session the event belongs to, if known.
	Session() string
	isEvent()
}

// ToolStatus is the lifecycle state reported for a tool call.
type ToolStatus string

// Tool call states.
const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// Done reports whether the tool call has finished, successfully or not.
func (s ToolStatus) Done() bool {
	return s == ToolCompleted || s == ToolError
}

// StepStart marks the beginning of an agent step.
type StepStart struct {
	SessionID string
}

// StepFinish marks the end of an agent step with its finish reason.
type StepFinish struct {
	SessionID string
	Reason    string
}

// Text carries assistant text.
type Text struct {
	SessionID string
	Text      string
}

// ToolUse reports a tool call and, once finished, its output.
type ToolUse struct {
	SessionID string
	CallID    string
	Tool      string
	Status    ToolStatus
	Input     json.RawMessage
	Output    string
}

// Error reports an agent-side error.
type Error struct {
	SessionID string
	Name      string
	Message   string
}

// Unknown is any event whose type tag is not recognized.
type Unknown struct {
	SessionID string
	Type      string
	Raw       json.RawMessage
}

func (e StepStart) Session() string  { return e.SessionID }
func (e StepFinish) Session() string { return e.SessionID }
func (e Text) Session() string       { return e.SessionID }
func (e ToolUse) Session() string    { return e.SessionID }
func (e Error) Session() string      { return e.SessionID }
func (e Unknown) Session() string    { return e.SessionID }

func (StepStart) isEvent()  {}
func (StepFinish) isEvent() {}
func (Text) isEvent()       {}
func (ToolUse) isEvent()    {}
func (Error) isEvent()      {}
func (Unknown) isEvent()    {}
