package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"rag.evalgo.org/db"
)

type messageRepo struct {
	gdb *gorm.DB
}

// statusRank orders the message lifecycle. A status may only advance.
var statusRank = map[string]int{
	db.MessageStatusPending:   0,
	db.MessageStatusStreaming: 1,
	db.MessageStatusComplete:  2,
	db.MessageStatusError:     2,
}

func (r *messageRepo) Append(ctx context.Context, msg *db.Message) (*db.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Status == "" {
		msg.Status = db.MessageStatusPending
	}
	err := r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&db.Conversation{}).
			Where("id = ?", msg.ConversationID).
			Updates(map[string]interface{}{
				"message_count": gorm.Expr("message_count + 1"),
				"updated_at":    time.Now(),
			}).Error
	})
	if err != nil {
		return nil, translate(err, "message")
	}
	return msg, nil
}

func (r *messageRepo) Get(ctx context.Context, id string) (*db.Message, error) {
	var msg db.Message
	if err := r.gdb.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, translate(err, "message")
	}
	return &msg, nil
}

func (r *messageRepo) List(ctx context.Context, conversationID string, opts ListOptions) ([]*db.Message, error) {
	var msgs []*db.Message
	q := r.gdb.WithContext(ctx).Model(&db.Message{}).
		Where("conversation_id = ?", conversationID).
		Order("created_at, id")
	if err := applyList(q, opts).Find(&msgs).Error; err != nil {
		return nil, translate(err, "message")
	}
	return msgs, nil
}

func (r *messageRepo) UpdateContent(ctx context.Context, id, content, thinking string) error {
	res := r.gdb.WithContext(ctx).Model(&db.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"content":  content,
			"thinking": thinking,
		})
	if res.Error != nil {
		return translate(res.Error, "message")
	}
	if res.RowsAffected == 0 {
		return notFound("message")
	}
	return nil
}

func (r *messageRepo) UpdateStatus(ctx context.Context, id, status string) error {
	rank, ok := statusRank[status]
	if !ok {
		return conflict("message")
	}
	err := r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current db.Message
		if err := tx.First(&current, "id = ?", id).Error; err != nil {
			return err
		}
		if statusRank[current.Status] >= rank {
			return conflict("message")
		}
		return tx.Model(&db.Message{}).Where("id = ?", id).Update("status", status).Error
	})
	return translate(err, "message")
}

func (r *messageRepo) SetUsage(ctx context.Context, id string, promptTokens, completionTokens int) error {
	res := r.gdb.WithContext(ctx).Model(&db.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
		})
	if res.Error != nil {
		return translate(res.Error, "message")
	}
	return nil
}

func (r *messageRepo) FindByClientMessageID(ctx context.Context, conversationID, clientMessageID string) (*db.Message, error) {
	var msg db.Message
	err := r.gdb.WithContext(ctx).
		Where("conversation_id = ? AND client_message_id = ?", conversationID, clientMessageID).
		Order("created_at, id").
		First(&msg).Error
	if err != nil {
		return nil, translate(err, "message")
	}
	return &msg, nil
}

func (r *messageRepo) FindReply(ctx context.Context, userMessageID string) (*db.Message, error) {
	var msg db.Message
	err := r.gdb.WithContext(ctx).
		Where("reply_to_id = ?", userMessageID).
		Order("created_at, id").
		First(&msg).Error
	if err != nil {
		return nil, translate(err, "message")
	}
	return &msg, nil
}

func (r *messageRepo) SaveToolCall(ctx context.Context, call *db.ToolCall) error {
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	if call.State == "" {
		call.State = db.ToolCallStatePending
	}
	return translate(r.gdb.WithContext(ctx).Create(call).Error, "tool call")
}

func (r *messageRepo) UpdateToolCall(ctx context.Context, call *db.ToolCall) error {
	res := r.gdb.WithContext(ctx).Model(&db.ToolCall{}).
		Where("id = ?", call.ID).
		Updates(map[string]interface{}{
			"arguments":   call.Arguments,
			"result":      call.Result,
			"error":       call.Error,
			"state":       call.State,
			"duration_ms": call.DurationMS,
		})
	if res.Error != nil {
		return translate(res.Error, "tool call")
	}
	if res.RowsAffected == 0 {
		return notFound("tool call")
	}
	return nil
}

func (r *messageRepo) ToolCalls(ctx context.Context, messageID string) ([]*db.ToolCall, error) {
	var calls []*db.ToolCall
	if err := r.gdb.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("created_at, id").
		Find(&calls).Error; err != nil {
		return nil, translate(err, "tool call")
	}
	return calls, nil
}

var _ Messages = (*messageRepo)(nil)
