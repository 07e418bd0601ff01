package wire

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Frame type discriminators written by the CLI.
const (
	frameSystem    = "system"
	frameAssistant = "assistant"
	frameUser      = "user"
	frameSummary   = "summary"
	frameResult    = "result"

	subtypeInit = "init"
)

type rawUsage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

type rawPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	Args  json.RawMessage `json:"args,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type rawMessage struct {
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Model   string          `json:"model,omitempty"`
	Usage   *rawUsage       `json:"usage,omitempty"`
}

// rawFrame is the union of every field the decoder reads.
type rawFrame struct {
	Type    string `json:"type"`
	SubType string `json:"subtype,omitempty"`
	UUID    string `json:"uuid,omitempty"`

	// system/init
	SessionID     string   `json:"session_id,omitempty"`
	Model         string   `json:"model,omitempty"`
	Version       string   `json:"claude_code_version,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	SlashCommands []string `json:"slash_commands,omitempty"`
	WorkDir       string   `json:"cwd,omitempty"`

	// assistant/user
	Message *rawMessage `json:"message,omitempty"`

	// summary
	Summary string `json:"summary,omitempty"`

	// result
	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
}

// parts decodes message content, which the CLI sends either as a bare string
// or as a list of typed parts.
func (m *rawMessage) parts() []rawPart {
	if m == nil {
		return nil
	}
	content := bytes.TrimSpace(m.Content)
	if len(content) == 0 {
		return nil
	}
	if content[0] == '"' {
		var s string
		if err := json.Unmarshal(content, &s); err != nil || s == "" {
			return nil
		}
		return []rawPart{{Type: "text", Text: s}}
	}
	var parts []rawPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return nil
	}
	return parts
}

// toolResultText flattens a tool result's content, which is either a string
// or a list of text parts.
func toolResultText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		_ = json.Unmarshal(raw, &s)
		return s
	}
	var parts []rawPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return string(raw)
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
