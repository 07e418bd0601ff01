// Package wire is the newline-delimited JSON codec spoken with the assistant
// CLI subprocess: a chunk-fed Decoder for its stdout and an Encoder for its stdin.
package wire

import (
	"encoding/json"

	"github.com/zjrosen/conduit/internal/chat"
)

// OutputEvent is something the subprocess reported. The set of
// implementations is closed: InitEvent, MessageEvent, SummaryEvent,
// TurnEndEvent, RawEvent and ExitEvent.
type OutputEvent interface {
	outputEvent()
}

// InitEvent announces the subprocess's session metadata.
type InitEvent struct {
	SessionID string   `json:"session_id"`
	Model     string   `json:"model,omitempty"`
	Version   string   `json:"version,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Commands  []string `json:"commands,omitempty"`
	WorkDir   string   `json:"cwd,omitempty"`
}

// MessageEvent carries one transcript message.
type MessageEvent struct {
	Message chat.Message
}

// SummaryEvent carries a generated conversation title.
type SummaryEvent struct {
	Title string
}

// TurnEndEvent marks the end of an assistant turn.
type TurnEndEvent struct {
	IsError    bool
	Result     string
	CostUSD    float64
	DurationMs int64
	NumTurns   int
}

// RawEvent is a recognized frame with no dedicated event, passed through verbatim.
type RawEvent struct {
	Data json.RawMessage
}

// ExitEvent is the last event of every adapter session. Code is nil when the
// process was terminated by a signal.
type ExitEvent struct {
	Code   *int
	Stderr string
}

// Abnormal reports whether the exit should be surfaced to viewers as an error.
func (e ExitEvent) Abnormal() bool {
	return e.Code == nil || *e.Code != 0
}

func (InitEvent) outputEvent()    {}
func (MessageEvent) outputEvent() {}
func (SummaryEvent) outputEvent() {}
func (TurnEndEvent) outputEvent() {}
func (RawEvent) outputEvent()     {}
func (ExitEvent) outputEvent()    {}

// InputEvent is something sent to the subprocess. The set of implementations
// is closed: UserMessage, Interrupt and Stop.
type InputEvent interface {
	inputEvent()
}

// UserMessage is a user turn. ParentUUID threads it under the most recent
// assistant message; empty means no parent.
type UserMessage struct {
	Blocks     []chat.ContentBlock
	ParentUUID string
}

// Interrupt asks the assistant to abandon the current turn.
type Interrupt struct{}

// Stop asks the subprocess to finish by closing its input.
type Stop struct{}

func (UserMessage) inputEvent() {}
func (Interrupt) inputEvent()   {}
func (Stop) inputEvent()        {}
