package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"rag.evalgo.org/common"
	"rag.evalgo.org/db"
)

type documentRepo struct {
	gdb *gorm.DB
}

func (r *documentRepo) CreateFromUpload(ctx context.Context, doc *db.Document, uploadID string) (*db.Document, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	doc.Status = db.DocumentStatusPending
	doc.Version = 1

	err := r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var upload db.Upload
		if err := tx.First(&upload, "id = ?", uploadID).Error; err != nil {
			return err
		}
		switch upload.State {
		case db.UploadStateBound:
			return common.E(common.KindConflict, "UPLOAD_BOUND", "upload is already bound to a document")
		case db.UploadStateExpired:
			return common.E(common.KindGone, "UPLOAD_EXPIRED", "upload has expired")
		}
		if time.Now().After(upload.ExpiresAt) {
			return common.E(common.KindGone, "UPLOAD_EXPIRED", "upload has expired")
		}

		// The state guard makes binding exactly-once even under races.
		res := tx.Model(&db.Upload{}).
			Where("id = ? AND state = ?", uploadID, db.UploadStateUploaded).
			Update("state", db.UploadStateBound)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return common.E(common.KindConflict, "UPLOAD_BOUND", "upload is already bound to a document")
		}

		doc.FileName = upload.FileName
		doc.SizeBytes = upload.DeclaredSize
		doc.MimeType = upload.MimeType
		doc.StorageKey = upload.StorageKey
		return tx.Create(doc).Error
	})
	if err != nil {
		return nil, translate(err, "document")
	}
	return doc, nil
}

func (r *documentRepo) Get(ctx context.Context, id string) (*db.Document, error) {
	var doc db.Document
	if err := r.gdb.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		return nil, translate(err, "document")
	}
	return &doc, nil
}

func (r *documentRepo) List(ctx context.Context, collectionIDs []string, opts ListOptions) ([]*db.Document, error) {
	var docs []*db.Document
	q := r.gdb.WithContext(ctx).Model(&db.Document{}).Order("created_at DESC, id")
	if len(collectionIDs) > 0 {
		q = q.Where("collection_id IN ?", collectionIDs)
	}
	if opts.Search != "" {
		q = q.Where("title ILIKE ?", "%"+opts.Search+"%")
	}
	if err := applyList(q, opts).Find(&docs).Error; err != nil {
		return nil, translate(err, "document")
	}
	return docs, nil
}

func (r *documentRepo) UpdateStatus(ctx context.Context, id, status string, processedAt *time.Time) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if processedAt != nil {
		updates["processed_at"] = processedAt
	}
	res := r.gdb.WithContext(ctx).Model(&db.Document{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return translate(res.Error, "document")
	}
	if res.RowsAffected == 0 {
		return notFound("document")
	}
	return nil
}

func (r *documentRepo) UpdateProgress(ctx context.Context, id, stage string, percent int, message string) error {
	res := r.gdb.WithContext(ctx).Model(&db.Document{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"progress_stage":   stage,
			"progress_percent": percent,
			"progress_message": message,
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return translate(res.Error, "document")
	}
	return nil
}

func (r *documentRepo) ReplaceChunks(ctx context.Context, documentID string, chunks []*db.Chunk) error {
	for i, c := range chunks {
		if c.Ordinal != i {
			return common.E(common.KindValidation, "SPARSE_ORDINALS", "chunk ordinals must form a dense range")
		}
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.DocumentID = documentID
	}
	err := r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&db.Chunk{}).Error; err != nil {
			return err
		}
		if len(chunks) > 0 {
			if err := tx.CreateInBatches(chunks, 200).Error; err != nil {
				return err
			}
		}
		return tx.Model(&db.Document{}).
			Where("id = ?", documentID).
			Update("chunk_count", len(chunks)).Error
	})
	return translate(err, "chunk")
}

func (r *documentRepo) PurgeChunks(ctx context.Context, documentID string) error {
	err := r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&db.Chunk{}).Error; err != nil {
			return err
		}
		return tx.Model(&db.Document{}).
			Where("id = ?", documentID).
			Update("chunk_count", 0).Error
	})
	return translate(err, "chunk")
}

func (r *documentRepo) Chunks(ctx context.Context, documentID string) ([]*db.Chunk, error) {
	var chunks []*db.Chunk
	if err := r.gdb.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("ordinal").
		Find(&chunks).Error; err != nil {
		return nil, translate(err, "chunk")
	}
	return chunks, nil
}

func (r *documentRepo) ChunksByIDs(ctx context.Context, ids []string) ([]*db.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var chunks []*db.Chunk
	if err := r.gdb.WithContext(ctx).Where("id IN ?", ids).Find(&chunks).Error; err != nil {
		return nil, translate(err, "chunk")
	}
	return chunks, nil
}

func (r *documentRepo) SoftDelete(ctx context.Context, id string) error {
	res := r.gdb.WithContext(ctx).Delete(&db.Document{}, "id = ?", id)
	if res.Error != nil {
		return translate(res.Error, "document")
	}
	return nil
}

func (r *documentRepo) HardDelete(ctx context.Context, id string) error {
	err := r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", id).Delete(&db.Chunk{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(&db.Document{}, "id = ?", id).Error
	})
	return translate(err, "document")
}
