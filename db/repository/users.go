package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"rag.evalgo.org/db"
)

type userRepo struct {
	gdb *gorm.DB
}

func (r *userRepo) Create(ctx context.Context, user *db.User) (*db.User, error) {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.Version = 1
	if err := r.gdb.WithContext(ctx).Create(user).Error; err != nil {
		return nil, translate(err, "user")
	}
	return user, nil
}

func (r *userRepo) Get(ctx context.Context, id string) (*db.User, error) {
	var user db.User
	if err := r.gdb.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, translate(err, "user")
	}
	return &user, nil
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	var user db.User
	email = strings.ToLower(strings.TrimSpace(email))
	if err := r.gdb.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		return nil, translate(err, "user")
	}
	return &user, nil
}

func (r *userRepo) List(ctx context.Context, opts ListOptions) ([]*db.User, error) {
	var users []*db.User
	q := r.gdb.WithContext(ctx).Model(&db.User{}).Order("created_at, id")
	if opts.Search != "" {
		pattern := "%" + strings.ToLower(opts.Search) + "%"
		q = q.Where("email LIKE ? OR LOWER(display_name) LIKE ?", pattern, pattern)
	}
	if err := applyList(q, opts).Find(&users).Error; err != nil {
		return nil, translate(err, "user")
	}
	return users, nil
}

func (r *userRepo) Update(ctx context.Context, user *db.User, expectedVersion int) (*db.User, error) {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	res := r.gdb.WithContext(ctx).Model(&db.User{}).
		Where("id = ? AND version = ?", user.ID, expectedVersion).
		Updates(map[string]interface{}{
			"email":         user.Email,
			"display_name":  user.DisplayName,
			"password_hash": user.PasswordHash,
			"roles":         user.Roles,
			"active":        user.Active,
			"version":       expectedVersion + 1,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return nil, translate(res.Error, "user")
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, user.ID); err != nil {
			return nil, err
		}
		return nil, conflict("user")
	}
	return r.Get(ctx, user.ID)
}

func (r *userRepo) RecordLoginAttempt(ctx context.Context, id string, failed int, lockedUntil *time.Time) error {
	res := r.gdb.WithContext(ctx).Model(&db.User{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"failed_logins": failed,
			"locked_until":  lockedUntil,
		})
	if res.Error != nil {
		return translate(res.Error, "user")
	}
	if res.RowsAffected == 0 {
		return notFound("user")
	}
	return nil
}
