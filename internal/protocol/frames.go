package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FrameType is the "type" discriminator of a client frame.
type FrameType string

const (
	FrameUserMessage         FrameType = "user_message"
	FrameInterrupt           FrameType = "interrupt"
	FrameStop                FrameType = "stop"
	FrameInteractionResponse FrameType = "interaction_response"
)

// Frame is a client-to-server message. The set of implementations is closed.
type Frame interface {
	FrameType() FrameType
}

// UserMessageFrame is a chat turn typed by a viewer.
type UserMessageFrame struct {
	Text string `json:"text"`
}

// InterruptFrame asks the assistant to abandon its current turn.
type InterruptFrame struct{}

// StopFrame asks the subprocess to finish.
type StopFrame struct{}

// InteractionResponseFrame answers an interaction_request.
type InteractionResponseFrame struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

func (UserMessageFrame) FrameType() FrameType         { return FrameUserMessage }
func (InterruptFrame) FrameType() FrameType           { return FrameInterrupt }
func (StopFrame) FrameType() FrameType                { return FrameStop }
func (InteractionResponseFrame) FrameType() FrameType { return FrameInteractionResponse }

// ParseFrame decodes and validates a client frame.
func ParseFrame(data []byte) (Frame, error) {
	var raw struct {
		Type FrameType       `json:"type"`
		Text *string         `json:"text"`
		ID   string          `json:"id"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("protocol: invalid frame: %w", err)
	}

	switch raw.Type {
	case FrameUserMessage:
		if raw.Text == nil || strings.TrimSpace(*raw.Text) == "" {
			return nil, fmt.Errorf("protocol: user_message requires non-empty text")
		}
		return UserMessageFrame{Text: *raw.Text}, nil
	case FrameInterrupt:
		return InterruptFrame{}, nil
	case FrameStop:
		return StopFrame{}, nil
	case FrameInteractionResponse:
		if raw.ID == "" {
			return nil, fmt.Errorf("protocol: interaction_response requires id")
		}
		d := raw.Data
		if len(d) == 0 {
			d = json.RawMessage("null")
		}
		return InteractionResponseFrame{ID: raw.ID, Data: d}, nil
	case "":
		return nil, fmt.Errorf("protocol: frame is missing type")
	default:
		return nil, fmt.Errorf("protocol: unknown frame type %q", raw.Type)
	}
}

// MarshalFrame encodes a frame with its discriminator. Used by clients and tests.
func MarshalFrame(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case UserMessageFrame:
		return json.Marshal(struct {
			Type FrameType `json:"type"`
			Text string    `json:"text"`
		}{v.FrameType(), v.Text})
	case InteractionResponseFrame:
		return json.Marshal(struct {
			Type FrameType       `json:"type"`
			ID   string          `json:"id"`
			Data json.RawMessage `json:"data"`
		}{v.FrameType(), v.ID, v.Data})
	case InterruptFrame, StopFrame:
		return json.Marshal(struct {
			Type FrameType `json:"type"`
		}{v.FrameType()})
	default:
		return nil, fmt.Errorf("protocol: unsupported frame %T", f)
	}
}
