package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"rag.evalgo.org/db"
)

type uploadRepo struct {
	gdb *gorm.DB
}

func (r *uploadRepo) Create(ctx context.Context, upload *db.Upload) (*db.Upload, error) {
	if upload.ID == "" {
		upload.ID = uuid.New().String()
	}
	if upload.State == "" {
		upload.State = db.UploadStateUploaded
	}
	if err := r.gdb.WithContext(ctx).Create(upload).Error; err != nil {
		return nil, translate(err, "upload")
	}
	return upload, nil
}

func (r *uploadRepo) Get(ctx context.Context, id string) (*db.Upload, error) {
	var upload db.Upload
	if err := r.gdb.WithContext(ctx).First(&upload, "id = ?", id).Error; err != nil {
		return nil, translate(err, "upload")
	}
	return &upload, nil
}

func (r *uploadRepo) MarkExpired(ctx context.Context, id string) error {
	res := r.gdb.WithContext(ctx).Model(&db.Upload{}).
		Where("id = ? AND state = ?", id, db.UploadStateUploaded).
		Update("state", db.UploadStateExpired)
	if res.Error != nil {
		return translate(res.Error, "upload")
	}
	return nil
}

func (r *uploadRepo) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*db.Upload, error) {
	var uploads []*db.Upload
	q := r.gdb.WithContext(ctx).
		Where("state = ? AND expires_at < ?", db.UploadStateUploaded, now).
		Order("expires_at, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&uploads).Error; err != nil {
		return nil, translate(err, "upload")
	}
	return uploads, nil
}

var _ Uploads = (*uploadRepo)(nil)
