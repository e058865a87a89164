// Package provider abstracts streaming chat completion backends. The primary
// backend is the Anthropic Messages API; an OpenAI-compatible backend can be
// enabled as a secondary. Adapters translate backend wire events into the
// neutral Event stream consumed by the chat orchestrator.
package provider

import (
	"context"
	"encoding/json"
)

// Message roles on the completion wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of conversation history sent to the backend. Assistant
// turns may carry tool calls; tool results ride on a user turn, mirroring the
// Messages API shape.
type Message struct {
	Role        string
	Content     string
	Thinking    string
	ToolCalls   []ToolCallRequest
	ToolResults []ToolResult
}

// ToolCallRequest is a tool invocation requested by the model.
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is the outcome of a tool invocation fed back to the model.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

// ToolDefinition advertises a callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is a streaming completion request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
}

// Event types emitted on the stream.
const (
	EventContentDelta  = "content_delta"
	EventThinkingDelta = "thinking_delta"
	EventToolCallStart = "tool_call_start"
	EventToolCallDelta = "tool_call_delta"
	EventToolCallEnd   = "tool_call_end"
	EventUsage         = "usage"
	EventDone          = "done"
	EventError         = "error"
)

// ToolCallEvent carries tool-call stream data. Start events have ID and Name;
// delta events carry the partial argument JSON; end events carry the complete
// arguments.
type ToolCallEvent struct {
	ID        string
	Name      string
	Delta     string
	Arguments json.RawMessage
}

// Usage is the token accounting reported by the backend.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Event is one element of the completion stream. The channel is closed after
// a terminal Done or Error event.
type Event struct {
	Type       string
	Text       string
	ToolCall   *ToolCallEvent
	Usage      *Usage
	StopReason string
	Err        error
}

// Provider is the completion backend contract. Stream returns immediately
// with a channel; initial connection failures are returned directly so the
// caller can retry or fail over, mid-stream failures arrive as an Error
// event.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// Pinger is optionally implemented by backends that support a cheap
// reachability check. Readiness probes use it; a backend without one is
// assumed healthy.
type Pinger interface {
	Ping(ctx context.Context) error
}
