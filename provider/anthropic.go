package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"rag.evalgo.org/common"
)

// eventBuffer is the stream channel capacity. Keeps the SSE reader ahead of a
// slow consumer without unbounded memory.
const eventBuffer = 16

// MessagesClient is the subset of the Anthropic SDK used by the adapter.
// Satisfied by *sdk.MessageService; tests pass a mock.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// anthropicPingURL is the cheap listing endpoint used for reachability
// checks; it costs no tokens.
const anthropicPingURL = "https://api.anthropic.com/v1/models"

type anthropicProvider struct {
	msg     MessagesClient
	apiKey  string
	pingURL string
	http    *http.Client
}

// NewAnthropic builds the primary completion backend from an API key.
func NewAnthropic(apiKey string) (Provider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &anthropicProvider{
		msg:     &client.Messages,
		apiKey:  apiKey,
		pingURL: anthropicPingURL,
		http:    http.DefaultClient,
	}, nil
}

// NewAnthropicFromClient builds the adapter over an existing Messages client.
// Ping reports healthy unconditionally; the injected client has no endpoint.
func NewAnthropicFromClient(msg MessagesClient) Provider {
	return &anthropicProvider{msg: msg}
}

func (p *anthropicProvider) Name() string { return "anthropic" }

// Ping checks backend reachability without spending tokens. A 4xx still
// proves the endpoint is up, except auth rejections, which mean every
// completion would fail too.
func (p *anthropicProvider) Ping(ctx context.Context) error {
	if p.pingURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.pingURL, nil)
	if err != nil {
		return common.Wrap(common.KindInternal, "MODEL_PING", "building reachability request", err)
	}
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.http.Do(req)
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

func (p *anthropicProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	params, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	stream := p.msg.NewStreaming(ctx, *params)

	// Consume the first event synchronously so connection-time failures
	// (auth, rate limit, network) surface as a direct error and the caller
	// can retry before anything streamed.
	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err != nil {
			return nil, mapAnthropicError(err)
		}
		ch := make(chan Event)
		close(ch)
		return ch, nil
	}
	first := stream.Current()

	ch := make(chan Event, eventBuffer)
	go func() {
		defer close(ch)
		defer func() { _ = stream.Close() }()
		consumeStream(ctx, stream, first, ch)
	}()
	return ch, nil
}

func encodeRequest(req Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, common.E(common.KindValidation, "EMPTY_REQUEST", "completion request has no messages")
	}
	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		blocks := make([]sdk.ContentBlockParamUnion, 0, 2)
		if m.Content != "" {
			blocks = append(blocks, sdk.NewTextBlock(m.Content))
		}
		for _, call := range m.ToolCalls {
			var input interface{} = map[string]interface{}{}
			if len(call.Arguments) > 0 {
				input = call.Arguments
			}
			blocks = append(blocks, sdk.NewToolUseBlock(call.ID, input, call.Name))
		}
		for _, result := range m.ToolResults {
			blocks = append(blocks, sdk.NewToolResultBlock(result.CallID, result.Content, result.IsError))
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(blocks...))
		default:
			msgs = append(msgs, sdk.NewUserMessage(blocks...))
		}
	}
	if len(msgs) == 0 {
		return nil, common.E(common.KindValidation, "EMPTY_REQUEST", "completion request has no content")
	}

	params := &sdk.MessageNewParams{
		MaxTokens: int64(req.MaxTokens),
		Messages:  msgs,
		Model:     sdk.Model(req.Model),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	for _, def := range req.Tools {
		var schema map[string]interface{}
		if len(def.InputSchema) > 0 {
			if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
				return nil, common.Wrap(common.KindValidation, "BAD_TOOL_SCHEMA",
					"tool "+def.Name+" has an invalid input schema", err)
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params, nil
}

// toolBuffer accumulates a tool_use block's argument JSON across deltas.
type toolBuffer struct {
	id   string
	name string
	args strings.Builder
}

func consumeStream(
	ctx context.Context,
	stream *ssestream.Stream[sdk.MessageStreamEventUnion],
	first sdk.MessageStreamEventUnion,
	ch chan<- Event,
) {
	var inputTokens int64
	buffers := make(map[int64]*toolBuffer)

	process := func(event sdk.MessageStreamEventUnion) {
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			inputTokens = ev.Message.Usage.InputTokens

		case sdk.ContentBlockStartEvent:
			if ev.ContentBlock.Type != "tool_use" {
				return
			}
			buffers[ev.Index] = &toolBuffer{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			emit(ctx, ch, Event{Type: EventToolCallStart, ToolCall: &ToolCallEvent{
				ID:   ev.ContentBlock.ID,
				Name: ev.ContentBlock.Name,
			}})

		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				emit(ctx, ch, Event{Type: EventContentDelta, Text: delta.Text})
			case sdk.ThinkingDelta:
				emit(ctx, ch, Event{Type: EventThinkingDelta, Text: delta.Thinking})
			case sdk.InputJSONDelta:
				if buf, ok := buffers[ev.Index]; ok {
					buf.args.WriteString(delta.PartialJSON)
					emit(ctx, ch, Event{Type: EventToolCallDelta, ToolCall: &ToolCallEvent{
						ID:    buf.id,
						Name:  buf.name,
						Delta: delta.PartialJSON,
					}})
				}
			}

		case sdk.ContentBlockStopEvent:
			buf, ok := buffers[ev.Index]
			if !ok {
				return
			}
			args := buf.args.String()
			if args == "" {
				args = "{}"
			}
			emit(ctx, ch, Event{Type: EventToolCallEnd, ToolCall: &ToolCallEvent{
				ID:        buf.id,
				Name:      buf.name,
				Arguments: json.RawMessage(args),
			}})
			delete(buffers, ev.Index)

		case sdk.MessageDeltaEvent:
			emit(ctx, ch, Event{
				Type:       EventUsage,
				StopReason: string(ev.Delta.StopReason),
				Usage: &Usage{
					InputTokens:  int(inputTokens),
					OutputTokens: int(ev.Usage.OutputTokens),
				},
			})

		case sdk.MessageStopEvent:
			emit(ctx, ch, Event{Type: EventDone})
		}
	}

	process(first)
	for stream.Next() {
		if ctx.Err() != nil {
			return
		}
		process(stream.Current())
	}
	if err := stream.Err(); err != nil {
		emit(ctx, ch, Event{Type: EventError, Err: mapAnthropicError(err)})
	}
}

func emit(ctx context.Context, ch chan<- Event, event Event) {
	select {
	case ch <- event:
	case <-ctx.Done():
	}
}

func mapAnthropicError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return common.Wrap(common.KindRateLimited, "MODEL_RATE_LIMITED", "model backend rate limited", err)
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return common.Wrap(common.KindInternal, "MODEL_AUTH", "model backend rejected credentials", err)
		case apiErr.StatusCode >= 500:
			return common.Wrap(common.KindUnavailable, "MODEL_UNAVAILABLE", "model backend unavailable", err)
		default:
			return common.Wrap(common.KindValidation, "MODEL_REJECTED", "model backend rejected the request", err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return common.Wrap(common.KindUnavailable, "MODEL_UNAVAILABLE", "model backend unreachable", err)
}
