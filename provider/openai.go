package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"rag.evalgo.org/common"
)

// scannerBuffer is the max SSE line size. Data lines can carry long content
// and tool-call argument fragments; the bufio default of 64 KiB is too small.
const scannerBuffer = 1 << 20

// maxToolArgs caps the accumulated argument JSON of one tool call so a broken
// upstream cannot grow memory without bound.
const maxToolArgs = 1 << 20

// openaiProvider is the secondary, OpenAI-compatible chat completions
// backend. Enabled by configuration; the wire protocol is SSE over
// /v1/chat/completions with stream and include_usage set.
type openaiProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAICompat builds the secondary backend for the given endpoint.
func NewOpenAICompat(baseURL, apiKey string, timeout time.Duration) Provider {
	return &openaiProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *openaiProvider) Name() string { return "openai-compat" }

// Ping checks backend reachability via the model listing endpoint, which
// costs no tokens. Transport failures and 5xx mark the backend unavailable;
// auth rejections are reported too since completions would fail the same way.
func (p *openaiProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return common.Wrap(common.KindInternal, "MODEL_PING", "building reachability request", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return common.Wrap(common.KindUnavailable, "MODEL_UNAVAILABLE", "model backend unreachable", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 500:
		return common.E(common.KindUnavailable, "MODEL_UNAVAILABLE",
			fmt.Sprintf("model backend returned %d", resp.StatusCode))
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		return common.E(common.KindInternal, "MODEL_AUTH", "model backend rejected credentials")
	}
	return nil
}

type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	Tools         []chatTool    `json:"tools,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Temperature   float64       `json:"temperature,omitempty"`
	Stream        bool          `json:"stream"`
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *openaiProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	body, err := json.Marshal(p.encodeRequest(req))
	if err != nil {
		return nil, common.Wrap(common.KindInternal, "MODEL_ENCODE", "encoding completion request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, common.Wrap(common.KindInternal, "MODEL_REQUEST", "building completion request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, common.Wrap(common.KindUnavailable, "MODEL_UNAVAILABLE", "model backend unreachable", err)
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, common.E(common.KindRateLimited, "MODEL_RATE_LIMITED", "model backend rate limited")
		case resp.StatusCode >= 500:
			return nil, common.E(common.KindUnavailable, "MODEL_UNAVAILABLE",
				fmt.Sprintf("model backend returned %d", resp.StatusCode))
		default:
			return nil, common.E(common.KindValidation, "MODEL_REJECTED",
				fmt.Sprintf("model backend rejected the request with %d: %s",
					resp.StatusCode, strings.TrimSpace(string(payload))))
		}
	}

	ch := make(chan Event, eventBuffer)
	go p.readStream(ctx, resp.Body, ch)
	return ch, nil
}

func (p *openaiProvider) encodeRequest(req Request) chatRequest {
	out := chatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	out.StreamOptions.IncludeUsage = true
	if req.System != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msg := chatMessage{Role: m.Role, Content: m.Content}
		for _, call := range m.ToolCalls {
			tc := chatToolCall{ID: call.ID, Type: "function"}
			tc.Function.Name = call.Name
			tc.Function.Arguments = string(call.Arguments)
			msg.ToolCalls = append(msg.ToolCalls, tc)
		}
		if len(m.ToolResults) > 0 {
			// Tool results become individual tool-role messages on this wire.
			if msg.Content != "" || len(msg.ToolCalls) > 0 {
				out.Messages = append(out.Messages, msg)
			}
			for _, result := range m.ToolResults {
				out.Messages = append(out.Messages, chatMessage{
					Role:       "tool",
					Content:    result.Content,
					ToolCallID: result.CallID,
				})
			}
			continue
		}
		out.Messages = append(out.Messages, msg)
	}
	for _, def := range req.Tools {
		tool := chatTool{Type: "function"}
		tool.Function.Name = def.Name
		tool.Function.Description = def.Description
		tool.Function.Parameters = def.InputSchema
		out.Tools = append(out.Tools, tool)
	}
	return out
}

type openaiToolBuffer struct {
	id      string
	name    string
	args    strings.Builder
	started bool
}

func (p *openaiProvider) readStream(ctx context.Context, body io.ReadCloser, ch chan<- Event) {
	defer close(ch)
	defer func() { _ = body.Close() }()

	// Close the body on cancellation to unblock the scanner.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = body.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, scannerBuffer), scannerBuffer)
	pending := make(map[int]*openaiToolBuffer)
	var usage *Usage
	stopReason := ""

	flushToolCalls := func() {
		indexes := make([]int, 0, len(pending))
		for idx := range pending {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			buf := pending[idx]
			args := buf.args.String()
			if args == "" {
				args = "{}"
			}
			emit(ctx, ch, Event{Type: EventToolCallEnd, ToolCall: &ToolCallEvent{
				ID:        buf.id,
				Name:      buf.name,
				Arguments: json.RawMessage(args),
			}})
		}
		pending = make(map[int]*openaiToolBuffer)
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			flushToolCalls()
			if usage != nil {
				emit(ctx, ch, Event{Type: EventUsage, Usage: usage, StopReason: stopReason})
			}
			emit(ctx, ch, Event{Type: EventDone})
			return
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			emit(ctx, ch, Event{Type: EventError,
				Err: common.Wrap(common.KindUnavailable, "MODEL_DECODE", "decoding stream chunk", err)})
			return
		}
		if chunk.Usage != nil {
			usage = &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		for _, tc := range choice.Delta.ToolCalls {
			buf, ok := pending[tc.Index]
			if !ok {
				buf = &openaiToolBuffer{}
				pending[tc.Index] = buf
			}
			if tc.ID != "" {
				buf.id = tc.ID
			}
			if tc.Function.Name != "" {
				buf.name = tc.Function.Name
			}
			if !buf.started && buf.id != "" && buf.name != "" {
				buf.started = true
				emit(ctx, ch, Event{Type: EventToolCallStart, ToolCall: &ToolCallEvent{
					ID:   buf.id,
					Name: buf.name,
				}})
			}
			if tc.Function.Arguments != "" {
				if buf.args.Len()+len(tc.Function.Arguments) > maxToolArgs {
					emit(ctx, ch, Event{Type: EventError,
						Err: common.E(common.KindInternal, "MODEL_TOOL_OVERFLOW", "tool call arguments exceeded the size limit")})
					return
				}
				buf.args.WriteString(tc.Function.Arguments)
				emit(ctx, ch, Event{Type: EventToolCallDelta, ToolCall: &ToolCallEvent{
					ID:    buf.id,
					Name:  buf.name,
					Delta: tc.Function.Arguments,
				}})
			}
		}

		if choice.Delta.Content != "" {
			emit(ctx, ch, Event{Type: EventContentDelta, Text: choice.Delta.Content})
		}
		if choice.FinishReason != nil {
			stopReason = *choice.FinishReason
			flushToolCalls()
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		emit(ctx, ch, Event{Type: EventError,
			Err: common.Wrap(common.KindUnavailable, "MODEL_UNAVAILABLE", "model stream interrupted", err)})
	}
}
