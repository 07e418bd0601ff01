package wire

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/conduit/internal/chat"
	"github.com/zjrosen/conduit/internal/log"
)

// Decoder turns arbitrarily split stdout chunks into OutputEvents. A line is
// only decoded once its terminating newline has arrived; Flush drains the
// remainder at end of stream. A Decoder is not safe for concurrent use.
type Decoder struct {
	buf   []byte
	newID func() string
	now   func() time.Time
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithIDGenerator sets the function used for messages the CLI sent without an id.
func WithIDGenerator(fn func() string) DecoderOption {
	return func(d *Decoder) { d.newID = fn }
}

// WithClock sets the function used to timestamp decoded messages.
func WithClock(fn func() time.Time) DecoderOption {
	return func(d *Decoder) { d.now = fn }
}

// NewDecoder creates an empty Decoder.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{newID: uuid.NewString, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends chunk and returns the events decoded from every line it completed.
func (d *Decoder) Feed(chunk []byte) []OutputEvent {
	d.buf = append(d.buf, chunk...)

	var events []OutputEvent
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		events = append(events, d.DecodeLine(line)...)
		d.buf = d.buf[i+1:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return events
}

// Flush decodes whatever partial line is buffered. Call it once at end of stream.
func (d *Decoder) Flush() []OutputEvent {
	if len(d.buf) == 0 {
		return nil
	}
	line := d.buf
	d.buf = nil
	return d.DecodeLine(line)
}

// Pending reports how many bytes are waiting for a newline.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// DecodeLine classifies one complete line. Lines that are not JSON objects
// yield nothing; malformed objects are logged and yield nothing.
func (d *Decoder) DecodeLine(line []byte) []OutputEvent {
	line = bytes.TrimSpace(line)
	if len(line) < 2 || line[0] != '{' || line[len(line)-1] != '}' {
		return nil
	}

	var f rawFrame
	if err := json.Unmarshal(line, &f); err != nil {
		log.Debug(log.CatWire, "discarding malformed line", "error", err, "bytes", len(line))
		return nil
	}

	switch f.Type {
	case frameSystem:
		if f.SubType == subtypeInit {
			return []OutputEvent{InitEvent{
				SessionID: f.SessionID,
				Model:     f.Model,
				Version:   f.Version,
				Tools:     f.Tools,
				Commands:  f.SlashCommands,
				WorkDir:   f.WorkDir,
			}}
		}
		return []OutputEvent{RawEvent{Data: cloneBytes(line)}}

	case frameAssistant:
		if msg, ok := d.assistantMessage(&f); ok {
			return []OutputEvent{MessageEvent{Message: msg}}
		}
		return nil

	case frameUser:
		if msg, ok := d.toolResultMessage(&f); ok {
			return []OutputEvent{MessageEvent{Message: msg}}
		}
		return nil

	case frameSummary:
		return []OutputEvent{SummaryEvent{Title: f.Summary}}

	case frameResult:
		var events []OutputEvent
		if f.Result != "" {
			events = append(events, MessageEvent{Message: chat.Message{
				ID:        d.frameID(&f),
				Role:      chat.RoleAssistant,
				Content:   chat.PlainText(f.Result),
				CreatedAt: d.now(),
			}})
		}
		return append(events, TurnEndEvent{
			IsError:    f.IsError,
			Result:     f.Result,
			CostUSD:    f.TotalCostUSD,
			DurationMs: f.DurationMs,
			NumTurns:   f.NumTurns,
		})

	default:
		return nil
	}
}

func (d *Decoder) assistantMessage(f *rawFrame) (chat.Message, bool) {
	if f.Message == nil {
		return chat.Message{}, false
	}

	var text bytes.Buffer
	var tools []chat.ContentBlock
	for _, p := range f.Message.parts() {
		switch p.Type {
		case "text":
			text.WriteString(p.Text)
		case "tool_use":
			input := p.Input
			if len(input) == 0 {
				input = p.Args
			}
			tools = append(tools, chat.ToolUseBlock(p.ID, p.Name, cloneBytes(input)))
		}
	}

	content := chat.PlainText(text.String())
	if len(tools) > 0 {
		blocks := make([]chat.ContentBlock, 0, len(tools)+1)
		if text.Len() > 0 {
			blocks = append(blocks, chat.TextBlock(text.String()))
		}
		content = chat.Blocks(append(blocks, tools...)...)
	}

	msg := chat.Message{
		ID:        d.frameID(f),
		Role:      chat.RoleAssistant,
		Content:   content,
		Model:     f.Message.Model,
		CreatedAt: d.now(),
	}
	if u := f.Message.Usage; u != nil {
		msg.Usage = &chat.Usage{
			InputTokens:              u.InputTokens,
			OutputTokens:             u.OutputTokens,
			CacheReadInputTokens:     u.CacheReadInputTokens,
			CacheCreationInputTokens: u.CacheCreationInputTokens,
		}
	}
	return msg, true
}

// toolResultMessage surfaces a tool result the CLI echoed back as a user frame.
// It is attributed to the assistant side of the transcript.
func (d *Decoder) toolResultMessage(f *rawFrame) (chat.Message, bool) {
	var blocks []chat.ContentBlock
	for _, p := range f.Message.parts() {
		if p.Type == "tool_result" {
			blocks = append(blocks, chat.ToolResultBlock(p.ToolUseID, toolResultText(p.Content), p.IsError))
		}
	}
	if len(blocks) == 0 {
		return chat.Message{}, false
	}
	return chat.Message{
		ID:        d.frameID(f),
		Role:      chat.RoleAssistant,
		Content:   chat.Blocks(blocks...),
		CreatedAt: d.now(),
	}, true
}

func (d *Decoder) frameID(f *rawFrame) string {
	if f.UUID != "" {
		return f.UUID
	}
	if f.Message != nil && f.Message.ID != "" {
		return f.Message.ID
	}
	return d.newID()
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
