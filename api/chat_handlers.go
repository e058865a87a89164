package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"rag.evalgo.org/chat"
	"rag.evalgo.org/common"
	"rag.evalgo.org/db"
	"rag.evalgo.org/db/repository"
)

const defaultPageSize = 50

// listOptions parses the shared limit/offset/search query parameters.
func listOptions(c echo.Context) repository.ListOptions {
	opts := repository.ListOptions{Limit: defaultPageSize}
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			opts.Limit = n
		}
	}
	if raw := c.QueryParam("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	opts.Search = c.QueryParam("search")
	return opts
}

type createConversationRequest struct {
	Title        string `json:"title"`
	ModelName    string `json:"model_name"`
	SystemPrompt string `json:"system_prompt"`
}

type updateConversationRequest struct {
	Title           *string `json:"title"`
	Status          *string `json:"status"`
	ExpectedVersion int     `json:"expected_version"`
}

type sendMessageRequest struct {
	Content         string   `json:"content"`
	ClientMessageID string   `json:"client_message_id"`
	ModelName       string   `json:"model_name"`
	UseRAG          bool     `json:"use_rag"`
	CollectionIDs   []string `json:"collection_ids"`
	DocumentIDs     []string `json:"document_ids"`
	K               int      `json:"k"`
}

func (s *Server) handleListConversations(c echo.Context) error {
	principal := principalFrom(c)
	convs, err := s.deps.Repos.Conversations.List(c.Request().Context(), principal.UserID, listOptions(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"conversations": convs})
}

func (s *Server) handleCreateConversation(c echo.Context) error {
	principal := principalFrom(c)
	var req createConversationRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "MALFORMED_BODY", "request body must be JSON")
	}
	conv, err := s.deps.Repos.Conversations.Create(c.Request().Context(), &db.Conversation{
		ID:           uuid.New().String(),
		OwnerID:      principal.UserID,
		Title:        req.Title,
		Status:       "active",
		ModelName:    req.ModelName,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(c echo.Context) error {
	conv, err := s.ownedConversation(c)
	if err != nil {
		return err
	}
	messages, err := s.deps.Repos.Messages.List(c.Request().Context(), conv.ID, repository.ListOptions{})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversation": conv,
		"messages":     messages,
	})
}

func (s *Server) handleUpdateConversation(c echo.Context) error {
	conv, err := s.ownedConversation(c)
	if err != nil {
		return err
	}
	var req updateConversationRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "MALFORMED_BODY", "request body must be JSON")
	}
	if req.Title != nil {
		conv.Title = *req.Title
	}
	if req.Status != nil {
		switch *req.Status {
		case "active", "archived":
			conv.Status = *req.Status
		default:
			return common.E(common.KindValidation, "INVALID_STATUS", "status must be active or archived")
		}
	}
	expected := req.ExpectedVersion
	if expected == 0 {
		expected = conv.Version
	}
	updated, err := s.deps.Repos.Conversations.Update(c.Request().Context(), conv, expected)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteConversation(c echo.Context) error {
	conv, err := s.ownedConversation(c)
	if err != nil {
		return err
	}
	if err := s.deps.Repos.Conversations.SoftDelete(c.Request().Context(), conv.ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListMessages(c echo.Context) error {
	conv, err := s.ownedConversation(c)
	if err != nil {
		return err
	}
	messages, err := s.deps.Repos.Messages.List(c.Request().Context(), conv.ID, listOptions(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"messages": messages})
}

// handleSendMessage submits a user message and streams the assistant reply.
// With Accept: text/event-stream the orchestrator events are forwarded as
// SSE frames; otherwise the handler blocks until the reply completes and
// returns it as JSON.
func (s *Server) handleSendMessage(c echo.Context) error {
	principal := principalFrom(c)
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "MALFORMED_BODY", "request body must be JSON")
	}

	events, err := s.deps.Chat.Send(c.Request().Context(), chat.SendRequest{
		ConversationID:  c.Param("id"),
		OwnerID:         principal.UserID,
		ClientMessageID: req.ClientMessageID,
		Content:         req.Content,
		ModelName:       req.ModelName,
		UseRAG:          req.UseRAG,
		CollectionIDs:   req.CollectionIDs,
		DocumentIDs:     req.DocumentIDs,
		K:               req.K,
	})
	if err != nil {
		return err
	}

	if wantsSSE(c) {
		return s.streamChat(c, events)
	}
	return s.collectChat(c, events)
}

// streamChat forwards orchestrator events as SSE. The event channel is
// drained to completion even after the client goes away so the orchestrator
// can finish persisting.
func (s *Server) streamChat(c echo.Context, events <-chan chat.Event) error {
	stream, err := newSSEStream(c)
	if err != nil {
		for range events {
		}
		return err
	}
	defer stream.Close()

	for ev := range events {
		stream.Send(ev.Type, ev)
	}
	return nil
}

// chatReply is the non-streaming response shape.
type chatReply struct {
	MessageID        string      `json:"message_id"`
	Content          string      `json:"content"`
	Thinking         string      `json:"thinking,omitempty"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	Citations        interface{} `json:"citations,omitempty"`
	CompletedAt      time.Time   `json:"completed_at"`
}

func (s *Server) collectChat(c echo.Context, events <-chan chat.Event) error {
	var reply chatReply
	var failure *chat.Event
	for ev := range events {
		switch ev.Type {
		case chat.EventMessageStart:
			reply.MessageID = ev.MessageID
		case chat.EventContentDelta:
			reply.Content += ev.Text
		case chat.EventThinkingDelta:
			reply.Thinking += ev.Text
		case chat.EventMessageComplete:
			if ev.Usage != nil {
				reply.PromptTokens = ev.Usage.InputTokens
				reply.CompletionTokens = ev.Usage.OutputTokens
			}
			if len(ev.Citations) > 0 {
				reply.Citations = ev.Citations
			}
		case chat.EventError:
			failed := ev
			failure = &failed
		}
	}
	if failure != nil {
		return common.E(kindForCode(failure.Code), failure.Code, failure.Message)
	}
	reply.CompletedAt = time.Now().UTC()
	return c.JSON(http.StatusOK, reply)
}

// kindForCode maps the orchestrator's terminal error codes back onto the
// error taxonomy for non-streaming responses.
func kindForCode(code string) common.Kind {
	switch code {
	case "CANCELLED":
		return common.KindValidation
	case "TOOL_LOOP_LIMIT", "EMPTY_MESSAGE":
		return common.KindValidation
	case "MODEL_UNAVAILABLE":
		return common.KindUnavailable
	default:
		return common.KindInternal
	}
}

func (s *Server) ownedConversation(c echo.Context) (*db.Conversation, error) {
	principal := principalFrom(c)
	conv, err := s.deps.Repos.Conversations.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != principal.UserID {
		return nil, common.E(common.KindForbidden, "CONVERSATION_FORBIDDEN", "conversation belongs to another user")
	}
	return conv, nil
}
