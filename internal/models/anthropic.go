// Package models defines the wire formats and domain types shared by the
// routing and execution layers.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AnthropicRequest represents a request to the Anthropic Messages API.
type AnthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []AnthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Stream        bool               `json:"stream,omitempty"`
	System        *SystemPrompt      `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice    *ToolChoice        `json:"tool_choice,omitempty"`
}

// AnthropicMessage represents one conversation turn.
type AnthropicMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// ContentBlock is a typed block inside message content.
// Supports text, image, tool_use and tool_result blocks.
type ContentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
	// tool_use fields
	ID    string      `json:"id,omitempty"`
	Name  string      `json:"name,omitempty"`
	Input interface{} `json:"input,omitempty"`
	// tool_result fields
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   interface{} `json:"content,omitempty"` // string or []ContentBlock
	IsError   *bool       `json:"is_error,omitempty"`
}

// MessageContent is either a plain string or an array of content blocks;
// the Anthropic API accepts both and clients expect the original form back.
type MessageContent struct {
	Text    string
	Blocks  []ContentBlock
	IsArray bool
}

// UnmarshalJSON accepts both the string and the array form.
func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		m.Text = str
		m.IsArray = false
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		m.Blocks = blocks
		m.IsArray = true
		return nil
	}
	return fmt.Errorf("content must be a string or an array of content blocks")
}

// MarshalJSON re-serializes in the original form.
func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.IsArray {
		return json.Marshal(m.Blocks)
	}
	return json.Marshal(m.Text)
}

// GetBlocks normalizes content to block form.
func (m *MessageContent) GetBlocks() []ContentBlock {
	if m.IsArray {
		return m.Blocks
	}
	if m.Text == "" {
		return nil
	}
	return []ContentBlock{{Type: "text", Text: m.Text}}
}

// String joins all text blocks.
func (m *MessageContent) String() string {
	if !m.IsArray {
		return m.Text
	}
	var parts []string
	for _, b := range m.Blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, " ")
}

// SystemPrompt is either a plain string or an array of text blocks.
type SystemPrompt struct {
	Text    string
	Blocks  []ContentBlock
	IsArray bool
}

// UnmarshalJSON accepts both forms.
func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		s.Text = str
		s.IsArray = false
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		s.Blocks = blocks
		s.IsArray = true
		return nil
	}
	return fmt.Errorf("system must be a string or an array of content blocks")
}

// MarshalJSON re-serializes in the original form.
func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.IsArray {
		return json.Marshal(s.Blocks)
	}
	return json.Marshal(s.Text)
}

// String joins all text blocks.
func (s *SystemPrompt) String() string {
	if s == nil {
		return ""
	}
	if !s.IsArray {
		return s.Text
	}
	var parts []string
	for _, b := range s.Blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, " ")
}

// IsEmpty reports whether the prompt carries no content.
func (s *SystemPrompt) IsEmpty() bool {
	if s == nil {
		return true
	}
	if s.IsArray {
		return len(s.Blocks) == 0
	}
	return s.Text == ""
}

// ImageSource describes an inline image.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// AnthropicTool is a tool definition in the Anthropic shape.
type AnthropicTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema interface{} `json:"input_schema"`
}

// ToolChoice configures tool invocation: auto, any, or a named tool.
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// AnthropicResponse represents a response from the Anthropic Messages API.
type AnthropicResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        AnthropicUsage `json:"usage"`
}

// AnthropicUsage holds token accounting in the Anthropic shape.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicErrorResponse is the Anthropic-shaped error envelope.
type AnthropicErrorResponse struct {
	Type  string               `json:"type"`
	Error AnthropicErrorDetail `json:"error"`
}

// AnthropicErrorDetail carries the error type and message.
type AnthropicErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
