// Package chat turns a user message into a streaming assistant reply. One
// orchestrator run holds the conversation lock, assembles the transcript
// (optionally with retrieval context), streams the completion backend, runs
// the bounded tool loop, and persists progress as it goes.
package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
	"rag.evalgo.org/db"
	"rag.evalgo.org/db/repository"
	"rag.evalgo.org/provider"
	"rag.evalgo.org/retrieve"
	"rag.evalgo.org/tools"
)

const (
	// Persistence cadence for streamed partials: whichever comes first.
	persistInterval = 500 * time.Millisecond
	persistChars    = 512

	// One retry after a retryable backend failure, provided nothing was
	// streamed yet.
	providerRetryDelay = 500 * time.Millisecond

	eventBuffer = 32

	defaultMaxToolIterations = 5
	defaultToolTimeout       = 30 * time.Second
)

// SendRequest is one user turn.
type SendRequest struct {
	ConversationID  string
	OwnerID         string
	ClientMessageID string
	Content         string
	ModelName       string

	// Retrieval options. UseRAG forces retrieval; attaching collections or
	// individual documents implies it.
	UseRAG        bool
	CollectionIDs []string
	DocumentIDs   []string
	K             int
}

// Orchestrator coordinates one reply per conversation at a time.
type Orchestrator struct {
	repos    *repository.Repositories
	backend  provider.Provider
	registry *tools.Registry
	engine   *retrieve.Engine
	settings *config.Settings
	cfg      config.ChatConfig
	locks    *conversationLocks
}

// NewOrchestrator wires the orchestrator. engine may be nil when retrieval
// is disabled entirely.
func NewOrchestrator(
	repos *repository.Repositories,
	backend provider.Provider,
	registry *tools.Registry,
	engine *retrieve.Engine,
	settings *config.Settings,
	cfg config.ChatConfig,
) *Orchestrator {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = defaultMaxToolIterations
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	return &Orchestrator{
		repos:    repos,
		backend:  backend,
		registry: registry,
		engine:   engine,
		settings: settings,
		cfg:      cfg,
		locks:    newConversationLocks(),
	}
}

// Send validates the request, persists the user message, and returns the
// reply event stream. Resubmitting the same client message id replays the
// existing reply instead of generating a new one.
func (o *Orchestrator) Send(ctx context.Context, req SendRequest) (<-chan Event, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, common.E(common.KindValidation, "EMPTY_MESSAGE", "message content must not be empty")
	}

	conv, err := o.repos.Conversations.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if req.OwnerID != "" && conv.OwnerID != req.OwnerID {
		return nil, common.E(common.KindForbidden, "CONVERSATION_FORBIDDEN",
			"conversation belongs to another user")
	}

	release, err := o.locks.acquire(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	// Idempotent resubmission: same client message id returns the reply
	// already generated (or being generated) for it.
	if req.ClientMessageID != "" {
		existing, err := o.repos.Messages.FindByClientMessageID(ctx, conv.ID, req.ClientMessageID)
		if err != nil && !common.IsKind(err, common.KindNotFound) {
			release()
			return nil, err
		}
		if existing != nil {
			reply, err := o.repos.Messages.FindReply(ctx, existing.ID)
			if err != nil && !common.IsKind(err, common.KindNotFound) {
				release()
				return nil, err
			}
			if reply != nil {
				release()
				return o.replay(ctx, reply), nil
			}
		}
	}

	userMsg, err := o.repos.Messages.Append(ctx, &db.Message{
		ID:              uuid.New().String(),
		ConversationID:  conv.ID,
		ClientMessageID: req.ClientMessageID,
		Role:            db.MessageRoleUser,
		Content:         req.Content,
		Status:          db.MessageStatusComplete,
	})
	if err != nil {
		release()
		return nil, err
	}

	assistant, err := o.repos.Messages.Append(ctx, &db.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           db.MessageRoleAssistant,
		Status:         db.MessageStatusStreaming,
		ReplyToID:      userMsg.ID,
	})
	if err != nil {
		release()
		return nil, err
	}

	events := make(chan Event, eventBuffer)
	go func() {
		defer close(events)
		defer release()
		o.run(ctx, req, conv, assistant, events)
	}()
	return events, nil
}

// replayPollInterval matches the generation loop's persistence cadence, so a
// follower sees partials about as fast as the original stream writes them.
var replayPollInterval = persistInterval

// replay streams an already-persisted reply. A reply that is still being
// generated is followed through its persisted partials until it reaches a
// terminal status; message_complete is only emitted once the reply actually
// completed.
func (o *Orchestrator) replay(ctx context.Context, reply *db.Message) <-chan Event {
	events := make(chan Event, 4)
	go func() {
		defer close(events)
		events <- Event{Type: EventMessageStart, MessageID: reply.ID}

		sentThinking, sentContent := 0, 0
		emit := func(msg *db.Message) {
			if len(msg.Thinking) > sentThinking {
				events <- Event{Type: EventThinkingDelta, MessageID: msg.ID, Text: msg.Thinking[sentThinking:]}
				sentThinking = len(msg.Thinking)
			}
			if len(msg.Content) > sentContent {
				events <- Event{Type: EventContentDelta, MessageID: msg.ID, Text: msg.Content[sentContent:]}
				sentContent = len(msg.Content)
			}
		}

		msg := reply
		emit(msg)
		for msg.Status == db.MessageStatusPending || msg.Status == db.MessageStatusStreaming {
			select {
			case <-ctx.Done():
				return
			case <-time.After(replayPollInterval):
			}
			fresh, err := o.repos.Messages.Get(ctx, msg.ID)
			if err != nil {
				events <- Event{Type: EventError, MessageID: msg.ID,
					Code: "MESSAGE_FAILED", Message: "reply is no longer available"}
				return
			}
			msg = fresh
			emit(msg)
		}

		switch msg.Status {
		case db.MessageStatusError:
			events <- Event{Type: EventError, MessageID: msg.ID,
				Code: "MESSAGE_FAILED", Message: "reply generation failed"}
		default:
			events <- Event{Type: EventMessageComplete, MessageID: msg.ID,
				Usage: &provider.Usage{InputTokens: msg.PromptTokens, OutputTokens: msg.CompletionTokens}}
		}
	}()
	return events
}

// run drives the completion loop for one assistant message.
func (o *Orchestrator) run(ctx context.Context, req SendRequest, conv *db.Conversation, assistant *db.Message, events chan<- Event) {
	log := common.Logger.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"message_id":      assistant.ID,
	})

	events <- Event{Type: EventMessageStart, MessageID: assistant.ID}

	state := &runState{orch: o, msg: assistant, events: events}

	err := o.generate(ctx, req, conv, state, log)
	if err != nil {
		o.fail(ctx, state, err, log)
		return
	}

	// Final persistence, status transition, and usage accounting.
	persistCtx := ctx
	if persistCtx.Err() != nil {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := state.persist(persistCtx, true); err != nil {
		log.WithError(err).Error("failed to persist final content")
	}
	if err := o.repos.Messages.UpdateStatus(persistCtx, assistant.ID, db.MessageStatusComplete); err != nil {
		log.WithError(err).Error("failed to complete message")
	}
	if err := o.repos.Messages.SetUsage(persistCtx, assistant.ID, state.usage.InputTokens, state.usage.OutputTokens); err != nil {
		log.WithError(err).Error("failed to record usage")
	}
	events <- Event{
		Type:      EventMessageComplete,
		MessageID: assistant.ID,
		Usage:     &provider.Usage{InputTokens: state.usage.InputTokens, OutputTokens: state.usage.OutputTokens},
		Citations: state.citations,
	}
	log.WithFields(logrus.Fields{
		"input_tokens":  state.usage.InputTokens,
		"output_tokens": state.usage.OutputTokens,
	}).Info("reply complete")
}

// generate assembles the transcript and runs the bounded tool loop. It
// returns once the backend finishes without requesting tools.
func (o *Orchestrator) generate(ctx context.Context, req SendRequest, conv *db.Conversation, state *runState, log *logrus.Entry) error {
	window := o.settings.Int(ctx, "model.context_window",
		defaultInt(o.settings.Static().Model.ContextWindow, 200000))

	history, err := o.repos.Messages.List(ctx, conv.ID, repository.ListOptions{})
	if err != nil {
		return err
	}
	// The streaming assistant placeholder is part of the listing; drop it.
	trimmed := history[:0]
	for _, msg := range history {
		if msg.ID != state.msg.ID {
			trimmed = append(trimmed, msg)
		}
	}

	contextBlock := ""
	if o.engine != nil && (req.UseRAG || len(req.CollectionIDs) > 0 || len(req.DocumentIDs) > 0) {
		retrieval, err := o.retrieveContext(ctx, req, conv, trimmed, window)
		if err != nil {
			return err
		}
		if retrieval != nil && !retrieval.InsufficientContext {
			contextBlock = retrieval.ContextText()
			state.citations = retrieval.Citations
		}
	}

	ts := buildTranscript(conv, trimmed, o.cfg.SystemPrompt, contextBlock, window)

	model := req.ModelName
	if model == "" {
		model = conv.ModelName
	}
	if model == "" {
		model = o.settings.String(ctx, "model.default_name", o.settings.Static().Model.DefaultName)
	}

	preq := provider.Request{
		Model:     model,
		System:    ts.system,
		Messages:  ts.history,
		Tools:     o.toolDefinitions(),
		MaxTokens: defaultInt(o.settings.Static().Model.MaxCompletionTokens, 1024),
	}

	for iteration := 1; ; iteration++ {
		calls, err := o.streamOnce(ctx, preq, state, log)
		if err != nil {
			return err
		}
		if len(calls) == 0 {
			return nil
		}
		if iteration >= o.cfg.MaxToolIterations {
			return common.E(common.KindValidation, "TOOL_LOOP_LIMIT",
				"tool loop exceeded the iteration bound")
		}

		results := o.executeTools(ctx, state, calls)
		if ctx.Err() != nil {
			return common.Wrap(common.KindUnavailable, "CANCELLED", "request cancelled", ctx.Err())
		}

		// Extend the transcript with the assistant tool turn and results.
		preq.Messages = append(preq.Messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   state.sinceToolTurn(),
			ToolCalls: calls,
		})
		preq.Messages = append(preq.Messages, provider.Message{
			Role:        provider.RoleUser,
			ToolResults: results,
		})
		state.markToolTurn()
	}
}

// streamOnce consumes one backend stream. It returns the tool calls the
// model requested, empty when the turn is final. A retryable failure before
// any output triggers a single delayed retry.
func (o *Orchestrator) streamOnce(ctx context.Context, preq provider.Request, state *runState, log *logrus.Entry) ([]provider.ToolCallRequest, error) {
	stream, err := o.backend.Stream(ctx, preq)
	if err != nil {
		if common.Retryable(err) && !state.retried {
			state.retried = true
			log.WithError(err).Warn("backend unavailable, retrying once")
			select {
			case <-time.After(providerRetryDelay):
			case <-ctx.Done():
				return nil, common.Wrap(common.KindUnavailable, "CANCELLED", "request cancelled", ctx.Err())
			}
			stream, err = o.backend.Stream(ctx, preq)
		}
		if err != nil {
			return nil, err
		}
	}

	var calls []provider.ToolCallRequest
	argBuffers := make(map[string]*strings.Builder)

	for event := range stream {
		switch event.Type {
		case provider.EventContentDelta:
			state.appendContent(ctx, event.Text)

		case provider.EventThinkingDelta:
			state.appendThinking(ctx, event.Text)

		case provider.EventToolCallStart:
			argBuffers[event.ToolCall.ID] = &strings.Builder{}
			if err := o.repos.Messages.SaveToolCall(ctx, &db.ToolCall{
				ID:        event.ToolCall.ID,
				MessageID: state.msg.ID,
				Name:      event.ToolCall.Name,
				State:     db.ToolCallStatePending,
			}); err != nil {
				log.WithError(err).Error("failed to record tool call")
			}
			state.events <- Event{
				Type: EventToolCallStart, MessageID: state.msg.ID,
				ToolCallID: event.ToolCall.ID, ToolName: event.ToolCall.Name,
			}

		case provider.EventToolCallDelta:
			if buf, ok := argBuffers[event.ToolCall.ID]; ok {
				buf.WriteString(event.ToolCall.Delta)
			}
			state.events <- Event{
				Type: EventToolCallDelta, MessageID: state.msg.ID,
				ToolCallID: event.ToolCall.ID, ToolArgs: event.ToolCall.Delta,
			}

		case provider.EventToolCallEnd:
			args := event.ToolCall.Arguments
			if len(args) == 0 {
				if buf, ok := argBuffers[event.ToolCall.ID]; ok && buf.Len() > 0 {
					args = json.RawMessage(buf.String())
				} else {
					args = json.RawMessage("{}")
				}
			}
			calls = append(calls, provider.ToolCallRequest{
				ID:        event.ToolCall.ID,
				Name:      event.ToolCall.Name,
				Arguments: args,
			})
			if err := o.repos.Messages.UpdateToolCall(ctx, &db.ToolCall{
				ID:        event.ToolCall.ID,
				MessageID: state.msg.ID,
				Name:      event.ToolCall.Name,
				Arguments: string(args),
				State:     db.ToolCallStatePending,
			}); err != nil {
				log.WithError(err).Error("failed to record tool arguments")
			}

		case provider.EventUsage:
			state.usage.InputTokens += event.Usage.InputTokens
			state.usage.OutputTokens += event.Usage.OutputTokens

		case provider.EventError:
			if common.Retryable(event.Err) && !state.retried && state.content.Len() == 0 {
				state.retried = true
				log.WithError(event.Err).Warn("backend stream failed, retrying once")
				select {
				case <-time.After(providerRetryDelay):
				case <-ctx.Done():
					return nil, common.Wrap(common.KindUnavailable, "CANCELLED", "request cancelled", ctx.Err())
				}
				return o.streamOnce(ctx, preq, state, log)
			}
			return nil, event.Err

		case provider.EventDone:
			// StopReason travels with done; tool calls already collected.
		}
	}

	if ctx.Err() != nil {
		return nil, common.Wrap(common.KindUnavailable, "CANCELLED", "request cancelled", ctx.Err())
	}
	return calls, nil
}

// executeTools runs the requested calls concurrently with the per-call
// deadline and persists each outcome. Results keep the request order.
func (o *Orchestrator) executeTools(ctx context.Context, state *runState, calls []provider.ToolCallRequest) []provider.ToolResult {
	results := make([]provider.ToolResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		if err := o.repos.Messages.UpdateToolCall(ctx, &db.ToolCall{
			ID: call.ID, MessageID: state.msg.ID, Name: call.Name,
			Arguments: string(call.Arguments), State: db.ToolCallStateRunning,
		}); err != nil {
			common.Logger.WithError(err).Error("failed to mark tool call running")
		}
		state.events <- Event{
			Type: EventToolCallExecuting, MessageID: state.msg.ID,
			ToolCallID: call.ID, ToolName: call.Name,
		}

		wg.Add(1)
		go func(i int, call provider.ToolCallRequest) {
			defer wg.Done()
			started := time.Now()
			callCtx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
			defer cancel()
			output, err := o.registry.Invoke(callCtx, call.Name, call.Arguments)
			duration := time.Since(started)

			record := &db.ToolCall{
				ID: call.ID, MessageID: state.msg.ID, Name: call.Name,
				Arguments: string(call.Arguments), DurationMS: duration.Milliseconds(),
			}
			result := provider.ToolResult{CallID: call.ID}
			if err != nil {
				record.State = db.ToolCallStateFailed
				record.Error = err.Error()
				result.Content = err.Error()
				result.IsError = true
			} else {
				record.State = db.ToolCallStateComplete
				record.Result = output
				result.Content = output
			}
			results[i] = result

			if err := o.repos.Messages.UpdateToolCall(ctx, record); err != nil {
				common.Logger.WithError(err).Error("failed to persist tool result")
			}
			state.events <- Event{
				Type: EventToolCallResult, MessageID: state.msg.ID,
				ToolCallID: call.ID, ToolName: call.Name,
				ToolResult: result.Content, ToolError: result.IsError,
			}
		}(i, call)
	}
	wg.Wait()
	return results
}

// retrieveContext calls the retrieval engine with the run's token
// accounting.
func (o *Orchestrator) retrieveContext(ctx context.Context, req SendRequest, conv *db.Conversation, history []*db.Message, window int) (*retrieve.Result, error) {
	historyTokens := 0
	for _, msg := range history {
		historyTokens += common.EstimateTokens(msg.Content)
	}
	system := conv.SystemPrompt
	if system == "" {
		system = o.cfg.SystemPrompt
	}
	result, err := o.engine.Retrieve(ctx, retrieve.Request{
		OwnerID:            req.OwnerID,
		Question:           req.Content,
		CollectionIDs:      req.CollectionIDs,
		DocumentIDs:        req.DocumentIDs,
		K:                  req.K,
		ContextWindow:      window,
		SystemPromptTokens: common.EstimateTokens(system),
		HistoryTokens:      historyTokens,
	})
	if err != nil {
		// Retrieval trouble degrades to an uncontextualized reply rather
		// than failing the whole turn, except for caller mistakes.
		if common.IsKind(err, common.KindValidation) || common.IsKind(err, common.KindForbidden) {
			return nil, err
		}
		common.Logger.WithError(err).Warn("retrieval failed, replying without context")
		return nil, nil
	}
	return result, nil
}

func (o *Orchestrator) toolDefinitions() []provider.ToolDefinition {
	if o.registry == nil {
		return nil
	}
	defs := o.registry.List()
	out := make([]provider.ToolDefinition, 0, len(defs))
	for _, def := range defs {
		out = append(out, provider.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return out
}

// fail persists the terminal failure. A cancelled run that already produced
// content completes with the partial instead.
func (o *Orchestrator) fail(ctx context.Context, state *runState, cause error, log *logrus.Entry) {
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := state.persist(persistCtx, true); err != nil {
		log.WithError(err).Error("failed to persist partial content")
	}

	cancelled := ctx.Err() != nil
	if cancelled && state.content.Len() > 0 {
		if err := o.repos.Messages.UpdateStatus(persistCtx, state.msg.ID, db.MessageStatusComplete); err != nil {
			log.WithError(err).Error("failed to complete cancelled message")
		}
		state.events <- Event{
			Type: EventMessageComplete, MessageID: state.msg.ID,
			Usage: &provider.Usage{InputTokens: state.usage.InputTokens, OutputTokens: state.usage.OutputTokens},
		}
		log.Info("reply cancelled, partial content kept")
		return
	}

	if err := o.repos.Messages.UpdateStatus(persistCtx, state.msg.ID, db.MessageStatusError); err != nil {
		log.WithError(err).Error("failed to mark message errored")
	}

	code := common.CodeOf(cause)
	if cancelled {
		code = "CANCELLED"
	}
	if code == "" {
		code = "INTERNAL"
	}
	log.WithError(cause).Warn("reply failed")
	state.events <- Event{
		Type: EventError, MessageID: state.msg.ID,
		Code: code, Message: cause.Error(),
	}
}

// runState accumulates streamed output for one assistant message and
// persists it on the configured cadence.
type runState struct {
	orch   *Orchestrator
	msg    *db.Message
	events chan<- Event

	content  strings.Builder
	thinking strings.Builder
	usage    provider.Usage

	citations []retrieve.Citation
	retried   bool

	lastPersist  time.Time
	unpersisted  int
	toolTurnMark int
}

func (s *runState) appendContent(ctx context.Context, text string) {
	s.content.WriteString(text)
	s.unpersisted += len(text)
	s.events <- Event{Type: EventContentDelta, MessageID: s.msg.ID, Text: text}
	s.maybePersist(ctx)
}

func (s *runState) appendThinking(ctx context.Context, text string) {
	if s.orch.cfg.PersistThinking {
		s.thinking.WriteString(text)
		s.unpersisted += len(text)
	}
	s.events <- Event{Type: EventThinkingDelta, MessageID: s.msg.ID, Text: text}
	s.maybePersist(ctx)
}

func (s *runState) maybePersist(ctx context.Context) {
	if s.unpersisted < persistChars && time.Since(s.lastPersist) < persistInterval {
		return
	}
	if err := s.persist(ctx, false); err != nil {
		common.Logger.WithError(err).WithField("message_id", s.msg.ID).
			Warn("failed to persist streamed partial")
	}
}

func (s *runState) persist(ctx context.Context, force bool) error {
	if !force && s.unpersisted == 0 {
		return nil
	}
	s.lastPersist = time.Now()
	s.unpersisted = 0
	return s.orch.repos.Messages.UpdateContent(ctx, s.msg.ID, s.content.String(), s.thinking.String())
}

// sinceToolTurn returns content produced since the last tool turn, used as
// the assistant text accompanying tool calls in the transcript.
func (s *runState) sinceToolTurn() string {
	return s.content.String()[s.toolTurnMark:]
}

func (s *runState) markToolTurn() {
	s.toolTurnMark = s.content.Len()
}

func defaultInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
