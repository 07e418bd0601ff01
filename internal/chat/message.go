// Package chat holds the transcript data model shared by the wire codec, the
// transport protocol and persistence.
package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType discriminates ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one part of a structured message. Which fields are set
// depends on Type.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool invocation block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool result block answering toolUseID.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Content is either plain text or an ordered list of blocks. It encodes as a
// JSON string in the first case and a JSON array in the second.
type Content struct {
	Text   string
	Blocks []ContentBlock
}

// PlainText wraps s as plain content.
func PlainText(s string) Content { return Content{Text: s} }

// Blocks wraps an ordered block list.
func Blocks(blocks ...ContentBlock) Content { return Content{Blocks: blocks} }

// IsStructured reports whether the content is a block list.
func (c Content) IsStructured() bool { return c.Blocks != nil }

// Flatten returns the concatenated text of the content.
func (c Content) Flatten() string {
	if !c.IsStructured() {
		return c.Text
	}
	var sb strings.Builder
	for _, b := range c.Blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsStructured() {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = Content{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	case '[':
		var blocks []ContentBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return err
		}
		if blocks == nil {
			blocks = []ContentBlock{}
		}
		*c = Content{Blocks: blocks}
		return nil
	default:
		return errors.New("chat: content must be a string or an array of blocks")
	}
}

// Usage is token accounting reported by the assistant for one message.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Message is one transcript entry.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   Content   `json:"content"`
	Model     string    `json:"model,omitempty"`
	Usage     *Usage    `json:"usage,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Text returns the flattened text of the message.
func (m Message) Text() string { return m.Content.Flatten() }

// ToolUses returns the tool invocation blocks in order.
func (m Message) ToolUses() []ContentBlock { return m.blocksOf(BlockToolUse) }

// ToolResults returns the tool result blocks in order.
func (m Message) ToolResults() []ContentBlock { return m.blocksOf(BlockToolResult) }

func (m Message) blocksOf(t BlockType) []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content.Blocks {
		if b.Type == t {
			out = append(out, b)
		}
	}
	return out
}
