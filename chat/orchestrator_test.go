package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
	"rag.evalgo.org/db"
	"rag.evalgo.org/db/repository"
	"rag.evalgo.org/provider"
	"rag.evalgo.org/tools"
)

// memConversations is a map-backed Conversations stub.
type memConversations struct {
	repository.Conversations

	mu    sync.Mutex
	convs map[string]*db.Conversation
}

func (m *memConversations) Get(ctx context.Context, id string) (*db.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.convs[id]; ok {
		copied := *conv
		return &copied, nil
	}
	return nil, common.E(common.KindNotFound, "CONVERSATION_NOT_FOUND", "no such conversation")
}

// memMessages is a map-backed Messages stub preserving append order.
type memMessages struct {
	mu    sync.Mutex
	seq   int
	order []string
	msgs  map[string]*db.Message
	calls map[string]*db.ToolCall
}

func newMemMessages() *memMessages {
	return &memMessages{msgs: map[string]*db.Message{}, calls: map[string]*db.ToolCall{}}
}

func (m *memMessages) Append(ctx context.Context, msg *db.Message) (*db.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("msg-%d", m.seq)
	}
	msg.CreatedAt = time.Unix(int64(m.seq), 0)
	copied := *msg
	m.msgs[msg.ID] = &copied
	m.order = append(m.order, msg.ID)
	return msg, nil
}

func (m *memMessages) Get(ctx context.Context, id string) (*db.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.msgs[id]; ok {
		copied := *msg
		return &copied, nil
	}
	return nil, common.E(common.KindNotFound, "MESSAGE_NOT_FOUND", "no such message")
}

func (m *memMessages) List(ctx context.Context, conversationID string, opts repository.ListOptions) ([]*db.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.Message
	for _, id := range m.order {
		if m.msgs[id].ConversationID == conversationID {
			copied := *m.msgs[id]
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memMessages) UpdateContent(ctx context.Context, id, content, thinking string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.msgs[id]; ok {
		msg.Content = content
		msg.Thinking = thinking
		return nil
	}
	return common.E(common.KindNotFound, "MESSAGE_NOT_FOUND", "no such message")
}

func (m *memMessages) UpdateStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.msgs[id]; ok {
		msg.Status = status
		return nil
	}
	return common.E(common.KindNotFound, "MESSAGE_NOT_FOUND", "no such message")
}

func (m *memMessages) SetUsage(ctx context.Context, id string, promptTokens, completionTokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.msgs[id]; ok {
		msg.PromptTokens = promptTokens
		msg.CompletionTokens = completionTokens
		return nil
	}
	return common.E(common.KindNotFound, "MESSAGE_NOT_FOUND", "no such message")
}

func (m *memMessages) FindByClientMessageID(ctx context.Context, conversationID, clientMessageID string) (*db.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		msg := m.msgs[id]
		if msg.ConversationID == conversationID && msg.ClientMessageID == clientMessageID {
			copied := *msg
			return &copied, nil
		}
	}
	return nil, common.E(common.KindNotFound, "MESSAGE_NOT_FOUND", "no such message")
}

func (m *memMessages) FindReply(ctx context.Context, userMessageID string) (*db.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		if m.msgs[id].ReplyToID == userMessageID {
			copied := *m.msgs[id]
			return &copied, nil
		}
	}
	return nil, common.E(common.KindNotFound, "MESSAGE_NOT_FOUND", "no such reply")
}

func (m *memMessages) SaveToolCall(ctx context.Context, call *db.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *call
	m.calls[call.ID] = &copied
	return nil
}

func (m *memMessages) UpdateToolCall(ctx context.Context, call *db.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.calls[call.ID]
	if !ok {
		return common.E(common.KindNotFound, "TOOL_CALL_NOT_FOUND", "no such tool call")
	}
	existing.Arguments = call.Arguments
	existing.Result = call.Result
	existing.Error = call.Error
	existing.State = call.State
	existing.DurationMS = call.DurationMS
	return nil
}

func (m *memMessages) ToolCalls(ctx context.Context, messageID string) ([]*db.ToolCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.ToolCall
	for _, call := range m.calls {
		if call.MessageID == messageID {
			copied := *call
			out = append(out, &copied)
		}
	}
	return out, nil
}

type chatFixture struct {
	orch     *Orchestrator
	backend  *provider.Fake
	msgs     *memMessages
	convs    *memConversations
	registry *tools.Registry
}

func newChatFixture(t *testing.T, scripts [][]provider.Event) *chatFixture {
	t.Helper()
	convs := &memConversations{convs: map[string]*db.Conversation{
		"conv-1": {ID: "conv-1", OwnerID: "user-1", Status: "active"},
	}}
	msgs := newMemMessages()
	backend := &provider.Fake{Scripts: scripts}

	registry := tools.NewRegistry(5 * time.Second)
	require.NoError(t, registry.Register(tools.Calculator{}))

	cfg := &config.Config{Model: config.ModelConfig{ContextWindow: 8000, DefaultName: "test-model"}}
	repos := &repository.Repositories{Conversations: convs, Messages: msgs}
	orch := NewOrchestrator(repos, backend, registry, nil, config.NewSettings(cfg, nil), config.ChatConfig{
		MaxToolIterations: 3,
		ToolTimeout:       time.Second,
		PersistThinking:   true,
		SystemPrompt:      "You are helpful.",
	})
	return &chatFixture{orch: orch, backend: backend, msgs: msgs, convs: convs, registry: registry}
}

func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("event stream did not finish; got %d events", len(out))
		}
	}
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func textScript(parts ...string) []provider.Event {
	var script []provider.Event
	for _, part := range parts {
		script = append(script, provider.Event{Type: provider.EventContentDelta, Text: part})
	}
	script = append(script,
		provider.Event{Type: provider.EventUsage, Usage: &provider.Usage{InputTokens: 10, OutputTokens: 5}},
		provider.Event{Type: provider.EventDone, StopReason: "end_turn"},
	)
	return script
}

func TestSendStreamsAndPersists(t *testing.T) {
	f := newChatFixture(t, [][]provider.Event{textScript("Hello", ", world")})

	ch, err := f.orch.Send(context.Background(), SendRequest{
		ConversationID: "conv-1", OwnerID: "user-1", Content: "hi",
	})
	require.NoError(t, err)
	events := drain(t, ch)

	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, EventMessageStart, events[0].Type)
	assert.Equal(t, EventMessageComplete, events[len(events)-1].Type)

	var content string
	for _, ev := range events {
		if ev.Type == EventContentDelta {
			content += ev.Text
		}
	}
	assert.Equal(t, "Hello, world", content)

	reply, err := f.msgs.Get(context.Background(), events[0].MessageID)
	require.NoError(t, err)
	assert.Equal(t, db.MessageStatusComplete, reply.Status)
	assert.Equal(t, "Hello, world", reply.Content)
	assert.Equal(t, 10, reply.PromptTokens)
	assert.Equal(t, 5, reply.CompletionTokens)

	// The user message was persisted complete with the submitted content.
	history, err := f.msgs.List(context.Background(), "conv-1", repository.ListOptions{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, db.MessageRoleUser, history[0].Role)
	assert.Equal(t, "hi", history[0].Content)
}

func TestSendEmptyContentRejected(t *testing.T) {
	f := newChatFixture(t, nil)
	_, err := f.orch.Send(context.Background(), SendRequest{
		ConversationID: "conv-1", OwnerID: "user-1", Content: "  ",
	})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindValidation))
}

func TestSendForeignConversationForbidden(t *testing.T) {
	f := newChatFixture(t, nil)
	_, err := f.orch.Send(context.Background(), SendRequest{
		ConversationID: "conv-1", OwnerID: "intruder", Content: "hi",
	})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindForbidden))
}

func TestSendIdempotentResubmission(t *testing.T) {
	f := newChatFixture(t, [][]provider.Event{textScript("first answer")})

	req := SendRequest{
		ConversationID: "conv-1", OwnerID: "user-1",
		ClientMessageID: "client-42", Content: "hi",
	}
	first := drain(t, mustSend(t, f, req))
	second := drain(t, mustSend(t, f, req))

	// The second submission replays the persisted reply without another
	// backend call.
	assert.Len(t, f.backend.Requests, 1)
	assert.Equal(t, EventMessageComplete, second[len(second)-1].Type)

	var replayed string
	for _, ev := range second {
		if ev.Type == EventContentDelta {
			replayed += ev.Text
		}
	}
	assert.Equal(t, "first answer", replayed)
	assert.Equal(t, first[0].MessageID, second[0].MessageID)
}

func TestSendResubmissionFollowsInFlightReply(t *testing.T) {
	f := newChatFixture(t, nil)

	old := replayPollInterval
	replayPollInterval = 5 * time.Millisecond
	t.Cleanup(func() { replayPollInterval = old })

	// A user message whose reply is still being generated elsewhere.
	_, err := f.msgs.Append(context.Background(), &db.Message{
		ID: "user-msg", ConversationID: "conv-1", ClientMessageID: "client-7",
		Role: db.MessageRoleUser, Content: "hi", Status: db.MessageStatusComplete,
	})
	require.NoError(t, err)
	_, err = f.msgs.Append(context.Background(), &db.Message{
		ID: "reply-msg", ConversationID: "conv-1", Role: db.MessageRoleAssistant,
		ReplyToID: "user-msg", Status: db.MessageStatusStreaming, Content: "partial",
	})
	require.NoError(t, err)

	ch := mustSend(t, f, SendRequest{
		ConversationID: "conv-1", OwnerID: "user-1",
		ClientMessageID: "client-7", Content: "hi",
	})

	// The original generation finishes while the follower is attached.
	go func() {
		time.Sleep(25 * time.Millisecond)
		_ = f.msgs.UpdateContent(context.Background(), "reply-msg", "partial then done", "")
		_ = f.msgs.UpdateStatus(context.Background(), "reply-msg", db.MessageStatusComplete)
	}()

	events := drain(t, ch)
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, EventMessageStart, events[0].Type)

	// Completion is only reported once the reply actually completed, with
	// the text persisted after the resubmission included.
	assert.Equal(t, EventMessageComplete, events[len(events)-1].Type)
	var content string
	for _, ev := range events {
		if ev.Type == EventContentDelta {
			content += ev.Text
		}
	}
	assert.Equal(t, "partial then done", content)
	assert.Empty(t, f.backend.Requests)
}

func mustSend(t *testing.T, f *chatFixture, req SendRequest) <-chan Event {
	t.Helper()
	ch, err := f.orch.Send(context.Background(), req)
	require.NoError(t, err)
	return ch
}

func TestSendToolLoop(t *testing.T) {
	toolTurn := []provider.Event{
		{Type: provider.EventContentDelta, Text: "Let me compute that. "},
		{Type: provider.EventToolCallStart, ToolCall: &provider.ToolCallEvent{ID: "call-1", Name: "calculator"}},
		{Type: provider.EventToolCallDelta, ToolCall: &provider.ToolCallEvent{ID: "call-1", Delta: `{"expression":`}},
		{Type: provider.EventToolCallDelta, ToolCall: &provider.ToolCallEvent{ID: "call-1", Delta: `"6*7"}`}},
		{Type: provider.EventToolCallEnd, ToolCall: &provider.ToolCallEvent{
			ID: "call-1", Name: "calculator", Arguments: json.RawMessage(`{"expression":"6*7"}`),
		}},
		{Type: provider.EventUsage, Usage: &provider.Usage{InputTokens: 20, OutputTokens: 8}},
		{Type: provider.EventDone, StopReason: "tool_use"},
	}
	f := newChatFixture(t, [][]provider.Event{toolTurn, textScript("The answer is 42.")})

	events := drain(t, mustSend(t, f, SendRequest{
		ConversationID: "conv-1", OwnerID: "user-1", Content: "what is 6*7?",
	}))
	types := eventTypes(events)
	assert.Contains(t, types, EventToolCallStart)
	assert.Contains(t, types, EventToolCallExecuting)
	assert.Contains(t, types, EventToolCallResult)
	assert.Equal(t, EventMessageComplete, types[len(types)-1])

	// The second backend call carries the tool result.
	require.Len(t, f.backend.Requests, 2)
	second := f.backend.Requests[1]
	require.NotEmpty(t, second.Messages)
	last := second.Messages[len(second.Messages)-1]
	require.Len(t, last.ToolResults, 1)
	assert.Equal(t, "call-1", last.ToolResults[0].CallID)
	assert.Equal(t, "42", last.ToolResults[0].Content)
	assert.False(t, last.ToolResults[0].IsError)

	// The tool call record reached its terminal state.
	reply, err := f.msgs.Get(context.Background(), events[0].MessageID)
	require.NoError(t, err)
	calls, err := f.msgs.ToolCalls(context.Background(), reply.ID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, db.ToolCallStateComplete, calls[0].State)
	assert.Equal(t, "42", calls[0].Result)

	// Usage accumulated across both turns.
	assert.Equal(t, 30, reply.PromptTokens)
	assert.Equal(t, 13, reply.CompletionTokens)
}

func TestSendToolLoopLimit(t *testing.T) {
	toolTurn := []provider.Event{
		{Type: provider.EventToolCallStart, ToolCall: &provider.ToolCallEvent{ID: "call-x", Name: "calculator"}},
		{Type: provider.EventToolCallEnd, ToolCall: &provider.ToolCallEvent{
			ID: "call-x", Name: "calculator", Arguments: json.RawMessage(`{"expression":"1+1"}`),
		}},
		{Type: provider.EventDone, StopReason: "tool_use"},
	}
	// Every turn requests another tool call; the loop bound is 3.
	f := newChatFixture(t, [][]provider.Event{toolTurn, cloneScript(toolTurn, "call-y"), cloneScript(toolTurn, "call-z")})

	events := drain(t, mustSend(t, f, SendRequest{
		ConversationID: "conv-1", OwnerID: "user-1", Content: "loop",
	}))
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, "TOOL_LOOP_LIMIT", last.Code)

	reply, err := f.msgs.Get(context.Background(), events[0].MessageID)
	require.NoError(t, err)
	assert.Equal(t, db.MessageStatusError, reply.Status)
	assert.Len(t, f.backend.Requests, 3)
}

func cloneScript(script []provider.Event, callID string) []provider.Event {
	out := make([]provider.Event, len(script))
	for i, ev := range script {
		out[i] = ev
		if ev.ToolCall != nil {
			tc := *ev.ToolCall
			tc.ID = callID
			out[i].ToolCall = &tc
		}
	}
	return out
}

func TestSendRetriesAfterUnavailable(t *testing.T) {
	f := newChatFixture(t, [][]provider.Event{nil, textScript("recovered")})
	f.backend.Errs = map[int]error{
		0: common.E(common.KindUnavailable, "MODEL_UNAVAILABLE", "backend down"),
	}

	events := drain(t, mustSend(t, f, SendRequest{
		ConversationID: "conv-1", OwnerID: "user-1", Content: "hi",
	}))
	assert.Equal(t, EventMessageComplete, events[len(events)-1].Type)
	assert.Len(t, f.backend.Requests, 2)
}

func TestSendTerminalFailureAfterRetry(t *testing.T) {
	f := newChatFixture(t, nil)
	f.backend.Errs = map[int]error{
		0: common.E(common.KindUnavailable, "MODEL_UNAVAILABLE", "backend down"),
		1: common.E(common.KindUnavailable, "MODEL_UNAVAILABLE", "still down"),
	}

	events := drain(t, mustSend(t, f, SendRequest{
		ConversationID: "conv-1", OwnerID: "user-1", Content: "hi",
	}))
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, "MODEL_UNAVAILABLE", last.Code)

	reply, err := f.msgs.Get(context.Background(), events[0].MessageID)
	require.NoError(t, err)
	assert.Equal(t, db.MessageStatusError, reply.Status)
}

func TestSendSerializesPerConversation(t *testing.T) {
	f := newChatFixture(t, [][]provider.Event{textScript("one"), textScript("two")})

	first := mustSend(t, f, SendRequest{ConversationID: "conv-1", OwnerID: "user-1", Content: "a"})
	drain(t, first)

	second := mustSend(t, f, SendRequest{ConversationID: "conv-1", OwnerID: "user-1", Content: "b"})
	drain(t, second)

	require.Len(t, f.backend.Requests, 2)
	// The second run sees the first exchange in its history.
	history := f.backend.Requests[1].Messages
	var contents []string
	for _, msg := range history {
		contents = append(contents, msg.Content)
	}
	assert.Contains(t, contents, "a")
	assert.Contains(t, contents, "one")
	assert.Contains(t, contents, "b")
}

func TestBuildTranscriptCapsHistory(t *testing.T) {
	conv := &db.Conversation{ID: "conv-1"}
	var history []*db.Message
	// Each message is ~250 tokens (1000 chars); the 2000-token window caps
	// history at 1000 tokens, so only the newest few survive.
	for i := 0; i < 10; i++ {
		history = append(history, &db.Message{
			Role:    db.MessageRoleUser,
			Content: fmt.Sprintf("%04d", i) + strings1000(),
			Status:  db.MessageStatusComplete,
		})
	}

	ts := buildTranscript(conv, history, "system", "", 2000)
	assert.LessOrEqual(t, ts.historyTokens, 1000)
	require.NotEmpty(t, ts.history)
	// The newest message survives, the oldest does not.
	assert.Contains(t, ts.history[len(ts.history)-1].Content, "0009")
	for _, turn := range ts.history {
		assert.NotContains(t, turn.Content, "0000")
	}
}

func strings1000() string {
	b := make([]byte, 1000)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}

func TestBuildTranscriptContextMarker(t *testing.T) {
	conv := &db.Conversation{ID: "conv-1", SystemPrompt: "Be brief."}
	ts := buildTranscript(conv, nil, "default", "packed chunk text", 8000)
	assert.Equal(t, "Be brief.\n\nCONTEXT:\npacked chunk text", ts.system)
}

func TestBuildTranscriptSkipsErroredMessages(t *testing.T) {
	conv := &db.Conversation{ID: "conv-1"}
	history := []*db.Message{
		{Role: db.MessageRoleUser, Content: "ok", Status: db.MessageStatusComplete},
		{Role: db.MessageRoleAssistant, Content: "failed partial", Status: db.MessageStatusError},
		{Role: db.MessageRoleTool, Content: "tool output", Status: db.MessageStatusComplete},
	}
	ts := buildTranscript(conv, history, "", "", 8000)
	require.Len(t, ts.history, 1)
	assert.Equal(t, "ok", ts.history[0].Content)
}
