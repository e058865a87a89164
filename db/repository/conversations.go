package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"rag.evalgo.org/db"
)

type conversationRepo struct {
	gdb *gorm.DB
}

func (r *conversationRepo) Create(ctx context.Context, conv *db.Conversation) (*db.Conversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.Status == "" {
		conv.Status = db.ConversationStatusActive
	}
	conv.Version = 1
	if err := r.gdb.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, translate(err, "conversation")
	}
	return conv, nil
}

func (r *conversationRepo) Get(ctx context.Context, id string) (*db.Conversation, error) {
	var conv db.Conversation
	if err := r.gdb.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		return nil, translate(err, "conversation")
	}
	return &conv, nil
}

func (r *conversationRepo) List(ctx context.Context, ownerID string, opts ListOptions) ([]*db.Conversation, error) {
	var convs []*db.Conversation
	q := r.gdb.WithContext(ctx).Model(&db.Conversation{}).Order("updated_at DESC, id")
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	if opts.Search != "" {
		q = q.Where("title ILIKE ?", "%"+opts.Search+"%")
	}
	if err := applyList(q, opts).Find(&convs).Error; err != nil {
		return nil, translate(err, "conversation")
	}
	return convs, nil
}

func (r *conversationRepo) Update(ctx context.Context, conv *db.Conversation, expectedVersion int) (*db.Conversation, error) {
	res := r.gdb.WithContext(ctx).Model(&db.Conversation{}).
		Where("id = ? AND version = ?", conv.ID, expectedVersion).
		Updates(map[string]interface{}{
			"title":         conv.Title,
			"status":        conv.Status,
			"model_name":    conv.ModelName,
			"system_prompt": conv.SystemPrompt,
			"version":       expectedVersion + 1,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return nil, translate(res.Error, "conversation")
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, conv.ID); err != nil {
			return nil, err
		}
		return nil, conflict("conversation")
	}
	return r.Get(ctx, conv.ID)
}

func (r *conversationRepo) SoftDelete(ctx context.Context, id string) error {
	err := r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&db.Conversation{}).
			Where("id = ?", id).
			Update("status", db.ConversationStatusDeleted).Error; err != nil {
			return err
		}
		return tx.Delete(&db.Conversation{}, "id = ?", id).Error
	})
	return translate(err, "conversation")
}

var _ Conversations = (*conversationRepo)(nil)
