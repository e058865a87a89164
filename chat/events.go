package chat

import (
	"rag.evalgo.org/provider"
	"rag.evalgo.org/retrieve"
)

// Event types emitted toward the gateway. The sequence for one reply is
// message_start, zero or more delta and tool events, then exactly one of
// message_complete or error.
const (
	EventMessageStart      = "message_start"
	EventContentDelta      = "content_delta"
	EventThinkingDelta     = "thinking_delta"
	EventToolCallStart     = "tool_call_start"
	EventToolCallDelta     = "tool_call_delta"
	EventToolCallExecuting = "tool_call_executing"
	EventToolCallResult    = "tool_call_result"
	EventMessageComplete   = "message_complete"
	EventError             = "error"
)

// Event is one element of the reply stream.
type Event struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text,omitempty"`

	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolArgs   string `json:"tool_args,omitempty"`
	ToolResult string `json:"tool_result,omitempty"`
	ToolError  bool   `json:"tool_error,omitempty"`

	Usage     *provider.Usage     `json:"usage,omitempty"`
	Citations []retrieve.Citation `json:"citations,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
