package wire

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/conduit/internal/chat"
)

var fixedNow = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestDecoder() *Decoder {
	n := 0
	return NewDecoder(
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("gen-%d", n)
		}),
		WithClock(func() time.Time { return fixedNow }),
	)
}

func TestDecoder_Init(t *testing.T) {
	d := newTestDecoder()
	events := d.Feed([]byte(`{"type":"system","subtype":"init","session_id":"s1","model":"opus","claude_code_version":"2.0.1","tools":["Bash","Read"],"slash_commands":["/clear"],"cwd":"/tmp"}` + "\n"))

	require.Equal(t, []OutputEvent{InitEvent{
		SessionID: "s1",
		Model:     "opus",
		Version:   "2.0.1",
		Tools:     []string{"Bash", "Read"},
		Commands:  []string{"/clear"},
		WorkDir:   "/tmp",
	}}, events)
}

func TestDecoder_AssistantText(t *testing.T) {
	d := newTestDecoder()
	events := d.Feed([]byte(`{"type":"assistant","uuid":"u1","message":{"id":"m1","role":"assistant","model":"opus","content":[{"type":"text","text":"Hello "},{"type":"text","text":"world"}],"usage":{"input_tokens":12,"output_tokens":3}}}` + "\n"))

	require.Len(t, events, 1)
	msg := events[0].(MessageEvent).Message
	require.Equal(t, "u1", msg.ID)
	require.Equal(t, chat.RoleAssistant, msg.Role)
	require.False(t, msg.Content.IsStructured())
	require.Equal(t, "Hello world", msg.Text())
	require.Equal(t, "opus", msg.Model)
	require.Equal(t, &chat.Usage{InputTokens: 12, OutputTokens: 3}, msg.Usage)
	require.Equal(t, fixedNow, msg.CreatedAt)
}

func TestDecoder_AssistantToolUse(t *testing.T) {
	d := newTestDecoder()
	events := d.Feed([]byte(`{"type":"assistant","message":{"id":"m2","content":[{"type":"text","text":"Listing"},{"type":"tool_use","id":"t1","name":"Bash","args":{"command":"ls"}}]}}` + "\n"))

	require.Len(t, events, 1)
	msg := events[0].(MessageEvent).Message
	require.Equal(t, "m2", msg.ID)
	require.Equal(t, []chat.ContentBlock{
		chat.TextBlock("Listing"),
		chat.ToolUseBlock("t1", "Bash", json.RawMessage(`{"command":"ls"}`)),
	}, msg.Content.Blocks)
}

func TestDecoder_ToolUseWithoutText(t *testing.T) {
	d := newTestDecoder()
	events := d.Feed([]byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Read","input":{"path":"a.go"}}]}}` + "\n"))

	msg := events[0].(MessageEvent).Message
	require.Equal(t, "gen-1", msg.ID)
	require.Len(t, msg.Content.Blocks, 1)
	require.Equal(t, chat.BlockToolUse, msg.Content.Blocks[0].Type)
	require.JSONEq(t, `{"path":"a.go"}`, string(msg.Content.Blocks[0].Input))
}

func TestDecoder_UserToolResult(t *testing.T) {
	d := newTestDecoder()
	events := d.Feed([]byte(`{"type":"user","uuid":"u9","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"a.go\nb.go"}]}]}}` + "\n"))

	require.Len(t, events, 1)
	msg := events[0].(MessageEvent).Message
	require.Equal(t, chat.RoleAssistant, msg.Role)
	require.Equal(t, []chat.ContentBlock{chat.ToolResultBlock("t1", "a.go\nb.go", false)}, msg.Content.Blocks)
}

func TestDecoder_UserTextIgnored(t *testing.T) {
	d := newTestDecoder()
	require.Empty(t, d.Feed([]byte(`{"type":"user","message":{"role":"user","content":"hi"}}`+"\n")))
}

func TestDecoder_ResultSynthesizesMessage(t *testing.T) {
	d := newTestDecoder()
	events := d.Feed([]byte(`{"type":"result","subtype":"success","result":"Done.","total_cost_usd":0.02,"duration_ms":1500,"num_turns":2}` + "\n"))

	require.Len(t, events, 2)
	msg := events[0].(MessageEvent).Message
	require.Equal(t, "Done.", msg.Text())
	require.Equal(t, TurnEndEvent{Result: "Done.", CostUSD: 0.02, DurationMs: 1500, NumTurns: 2}, events[1])
}

func TestDecoder_ResultWithoutText(t *testing.T) {
	d := newTestDecoder()
	events := d.Feed([]byte(`{"type":"result","is_error":true}` + "\n"))
	require.Equal(t, []OutputEvent{TurnEndEvent{IsError: true}}, events)
}

func TestDecoder_SummaryAndPassthrough(t *testing.T) {
	d := newTestDecoder()
	compact := `{"type":"system","subtype":"compact_boundary"}`
	events := d.Feed([]byte(`{"type":"summary","summary":"Fix the build"}` + "\n" + compact + "\n" + `{"type":"stream_event"}` + "\n"))

	require.Equal(t, []OutputEvent{
		SummaryEvent{Title: "Fix the build"},
		RawEvent{Data: []byte(compact)},
	}, events)
}

func TestDecoder_MalformedLineSkipped(t *testing.T) {
	d := newTestDecoder()
	stream := strings.Join([]string{
		`{"type":"summary","summary":"one"}`,
		`{"type":"summary", broken}`,
		`not json at all`,
		``,
		`{"type":"summary","summary":"two"}`,
	}, "\n") + "\n"

	events := d.Feed([]byte(stream))
	require.Equal(t, []OutputEvent{SummaryEvent{Title: "one"}, SummaryEvent{Title: "two"}}, events)
}

func TestDecoder_PartialLineHeldUntilNewline(t *testing.T) {
	d := newTestDecoder()
	require.Empty(t, d.Feed([]byte(`{"type":"summary",`)))
	require.Positive(t, d.Pending())
	events := d.Feed([]byte(`"summary":"x"}` + "\n"))
	require.Equal(t, []OutputEvent{SummaryEvent{Title: "x"}}, events)
	require.Zero(t, d.Pending())
}

func TestDecoder_FlushDrainsUnterminatedLine(t *testing.T) {
	d := newTestDecoder()
	require.Empty(t, d.Feed([]byte(`{"type":"summary","summary":"tail"}`)))
	require.Equal(t, []OutputEvent{SummaryEvent{Title: "tail"}}, d.Flush())
	require.Empty(t, d.Flush())
}

var sampleFrames = []string{
	`{"type":"system","subtype":"init","session_id":"s1","model":"opus"}`,
	`{"type":"assistant","message":{"content":[{"type":"text","text":"héllo ✓"}]}}`,
	`{"type":"assistant","message":{"id":"m7","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"c":"ls"}}]}}`,
	`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}`,
	`{"type":"result","result":"fin","num_turns":1}`,
	`{"type":"summary","summary":"title"}`,
	`{"type":"system","subtype":"hook"}`,
	`garbage line`,
	`{"type":"assistant", oops}`,
}

// Any split of the same byte stream must decode to the same events as feeding it whole.
func TestDecoder_ChunkSplitInvariance(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		picks := rapid.SliceOfN(rapid.IntRange(0, len(sampleFrames)-1), 1, 25).Draw(rt, "frames")
		var sb strings.Builder
		for _, p := range picks {
			sb.WriteString(sampleFrames[p])
			sb.WriteByte('\n')
		}
		stream := []byte(sb.String())

		cuts := rapid.SliceOf(rapid.IntRange(0, len(stream))).Draw(rt, "cuts")
		sort.Ints(cuts)

		whole := newTestDecoder()
		want := append(whole.Feed(stream), whole.Flush()...)

		split := newTestDecoder()
		var got []OutputEvent
		prev := 0
		for _, c := range cuts {
			got = append(got, split.Feed(stream[prev:c])...)
			prev = c
		}
		got = append(got, split.Feed(stream[prev:])...)
		got = append(got, split.Flush()...)

		if len(want) == 0 {
			require.Empty(rt, got)
			return
		}
		require.Equal(rt, want, got)
	})
}
