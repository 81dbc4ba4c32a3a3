package runctx

import (
	"encoding/json"
	"time"
)

// Role is the author of a transcript message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one transcript entry.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a tool invocation planned by the model. Arguments is the raw
// JSON text as streamed.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolRecord is the outcome of one dispatched call.
type ToolRecord struct {
	Call     ToolCall        `json:"call"`
	ToolType string          `json:"toolType"`
	TaskID   string          `json:"taskId,omitempty"`
	Result   json.RawMessage `json:"result"`
	OK       bool            `json:"ok"`
	Code     string          `json:"code,omitempty"`
	Attempts int             `json:"attempts"`
	Duration time.Duration   `json:"duration"`
}
