package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"rag.evalgo.org/db"
)

type tokenRepo struct {
	gdb *gorm.DB
}

func (r *tokenRepo) SaveAccessToken(ctx context.Context, token *db.AccessToken) error {
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	return translate(r.gdb.WithContext(ctx).Create(token).Error, "access token")
}

func (r *tokenRepo) GetAccessTokenByHash(ctx context.Context, hash string) (*db.AccessToken, error) {
	var token db.AccessToken
	if err := r.gdb.WithContext(ctx).First(&token, "token_hash = ?", hash).Error; err != nil {
		return nil, translate(err, "access token")
	}
	return &token, nil
}

func (r *tokenRepo) RevokeAccessToken(ctx context.Context, id string) error {
	res := r.gdb.WithContext(ctx).Model(&db.AccessToken{}).
		Where("id = ?", id).
		Update("revoked", true)
	if res.Error != nil {
		return translate(res.Error, "access token")
	}
	return nil
}

func (r *tokenRepo) SaveRefreshToken(ctx context.Context, token *db.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	return translate(r.gdb.WithContext(ctx).Create(token).Error, "refresh token")
}

func (r *tokenRepo) GetRefreshTokenByHash(ctx context.Context, hash string) (*db.RefreshToken, error) {
	var token db.RefreshToken
	if err := r.gdb.WithContext(ctx).First(&token, "token_hash = ?", hash).Error; err != nil {
		return nil, translate(err, "refresh token")
	}
	return &token, nil
}

func (r *tokenRepo) RevokeRefreshToken(ctx context.Context, id string) error {
	res := r.gdb.WithContext(ctx).Model(&db.RefreshToken{}).
		Where("id = ?", id).
		Update("revoked", true)
	if res.Error != nil {
		return translate(res.Error, "refresh token")
	}
	return nil
}

func (r *tokenRepo) RevokeUserTokens(ctx context.Context, userID string) error {
	return translate(r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&db.AccessToken{}).Where("user_id = ?", userID).Update("revoked", true).Error; err != nil {
			return err
		}
		return tx.Model(&db.RefreshToken{}).Where("user_id = ?", userID).Update("revoked", true).Error
	}), "token")
}

func (r *tokenRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	res := r.gdb.WithContext(ctx).Where("expires_at < ?", before).Delete(&db.AccessToken{})
	if res.Error != nil {
		return 0, translate(res.Error, "access token")
	}
	total += res.RowsAffected
	res = r.gdb.WithContext(ctx).Where("expires_at < ?", before).Delete(&db.RefreshToken{})
	if res.Error != nil {
		return total, translate(res.Error, "refresh token")
	}
	total += res.RowsAffected
	return total, nil
}
