package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/conduit/internal/chat"
)

// InterruptText is the user text the CLI recognizes as a turn interruption.
const InterruptText = "[Request interrupted by user]"

// ErrEmptyMessage is returned when encoding a UserMessage with no blocks.
var ErrEmptyMessage = errors.New("wire: user message has no content")

// Encoder serializes InputEvents into stdin frames for one session.
type Encoder struct {
	sessionID string
	workDir   string
	newID     func() string
	now       func() time.Time
}

// NewEncoder creates an Encoder stamping frames with sessionID and workDir.
func NewEncoder(sessionID, workDir string) *Encoder {
	return &Encoder{
		sessionID: sessionID,
		workDir:   workDir,
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// WithIDs replaces the frame id generator. Intended for tests.
func (e *Encoder) WithIDs(fn func() string) *Encoder {
	e.newID = fn
	return e
}

// WithNow replaces the clock. Intended for tests.
func (e *Encoder) WithNow(fn func() time.Time) *Encoder {
	e.now = fn
	return e
}

type userFrame struct {
	Type       string           `json:"type"`
	UUID       string           `json:"uuid"`
	ParentUUID *string          `json:"parentUuid"` //nolint:tagliatelle // CLI uses camelCase
	Timestamp  string           `json:"timestamp"`
	SessionID  string           `json:"sessionId"` //nolint:tagliatelle // CLI uses camelCase
	WorkDir    string           `json:"cwd"`
	Message    userFrameMessage `json:"message"`
}

type userFrameMessage struct {
	ID      string              `json:"id"`
	Role    chat.Role           `json:"role"`
	Content []chat.ContentBlock `json:"content"`
	UUID    string              `json:"uuid"`
}

// Encode returns the newline-terminated frame for evt. closeInput is true when
// the caller should close the subprocess's stdin instead of writing a frame.
func (e *Encoder) Encode(evt InputEvent) (frame []byte, closeInput bool, err error) {
	switch ev := evt.(type) {
	case UserMessage:
		if len(ev.Blocks) == 0 {
			return nil, false, ErrEmptyMessage
		}
		frame, err = e.userFrame(ev.Blocks, ev.ParentUUID)
		return frame, false, err
	case Interrupt:
		frame, err = e.userFrame([]chat.ContentBlock{chat.TextBlock(InterruptText)}, "")
		return frame, false, err
	case Stop:
		return nil, true, nil
	default:
		return nil, false, fmt.Errorf("wire: unsupported input event %T", evt)
	}
}

func (e *Encoder) userFrame(blocks []chat.ContentBlock, parent string) ([]byte, error) {
	id := e.newID()
	f := userFrame{
		Type:      frameUser,
		UUID:      id,
		Timestamp: e.now().UTC().Format(time.RFC3339Nano),
		SessionID: e.sessionID,
		WorkDir:   e.workDir,
		Message: userFrameMessage{
			ID:      id,
			Role:    chat.RoleUser,
			Content: blocks,
			UUID:    id,
		},
	}
	if parent != "" {
		f.ParentUUID = &parent
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("wire: encode user frame: %w", err)
	}
	return append(data, '\n'), nil
}
