// Package auth issues and validates opaque bearer tokens. Raw token values
// leave the process only at issuance; the store holds SHA-256 hashes, and a
// short-lived Redis cache keeps hot validations off the database.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
	"rag.evalgo.org/db"
	"rag.evalgo.org/db/repository"
)

const (
	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 30 * 24 * time.Hour
	defaultMaxFailed  = 5
	defaultLockout    = 15 * time.Minute
)

// Role names carried on the user record, comma separated.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// TokenPair is one issued access/refresh pair. Raw values are returned to
// the client exactly once.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	User             *db.User  `json:"-"`
}

// Service is the token and account service.
type Service struct {
	repos *repository.Repositories
	cache tokenCache
	cfg   config.AuthConfig
	oidc  IDTokenVerifier
}

// NewService wires the auth service. redisClient may be nil (no validation
// cache); verifier may be nil (OIDC login disabled).
func NewService(repos *repository.Repositories, redisClient *redis.Client, cfg config.AuthConfig, verifier IDTokenVerifier) *Service {
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = defaultAccessTTL
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = defaultRefreshTTL
	}
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = defaultMaxFailed
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = defaultLockout
	}
	return &Service{
		repos: repos,
		cache: tokenCache{client: redisClient},
		cfg:   cfg,
		oidc:  verifier,
	}
}

// Register creates an account. Roles default to "user".
func (s *Service) Register(ctx context.Context, email, password, displayName string, roles []string) (*db.User, error) {
	if err := ValidateEmail(email); err != nil {
		return nil, common.Wrap(common.KindValidation, "INVALID_EMAIL", "invalid email address", err)
	}
	if err := CheckPasswordStrength(password, false); err != nil {
		return nil, common.Wrap(common.KindValidation, "WEAK_PASSWORD", "password does not meet requirements", err)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, common.Wrap(common.KindInternal, "HASH_FAILED", "failed to hash password", err)
	}
	if len(roles) == 0 {
		roles = []string{RoleUser}
	}
	return s.repos.Users.Create(ctx, &db.User{
		ID:           uuid.New().String(),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		DisplayName:  displayName,
		PasswordHash: hash,
		Roles:        strings.Join(roles, ","),
		Active:       true,
	})
}

// Login exchanges credentials for a token pair. Consecutive failures lock
// the account for the configured duration; the response never reveals
// whether the email exists.
func (s *Service) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	user, err := s.repos.Users.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if common.IsKind(err, common.KindNotFound) {
			return nil, invalidCredentials()
		}
		return nil, err
	}
	if !user.Active {
		return nil, common.Wrap(common.KindForbidden, "ACCOUNT_DISABLED", "account is disabled", ErrAccountDisabled)
	}
	if user.LockedUntil != nil && time.Now().Before(*user.LockedUntil) {
		return nil, common.Wrap(common.KindRateLimited, "ACCOUNT_LOCKED",
			"too many failed attempts, try again later", ErrAccountLocked)
	}

	if err := VerifyPassword(password, user.PasswordHash); err != nil {
		failed := user.FailedLogins + 1
		var lockedUntil *time.Time
		if failed >= s.cfg.MaxFailedAttempts {
			until := time.Now().Add(s.cfg.LockoutDuration)
			lockedUntil = &until
			common.Logger.WithFields(logrus.Fields{
				"user_id": user.ID,
				"until":   until,
			}).Warn("account locked after repeated login failures")
		}
		if recErr := s.repos.Users.RecordLoginAttempt(ctx, user.ID, failed, lockedUntil); recErr != nil {
			common.Logger.WithError(recErr).Error("failed to record login failure")
		}
		return nil, invalidCredentials()
	}

	if err := s.repos.Users.RecordLoginAttempt(ctx, user.ID, 0, nil); err != nil {
		common.Logger.WithError(err).Error("failed to reset login failures")
	}
	return s.issuePair(ctx, user)
}

// Validate resolves a raw access token to its principal, using the cache
// when possible. Invalid, revoked, and expired tokens all map to
// unauthorized.
func (s *Service) Validate(ctx context.Context, rawToken string) (*Principal, error) {
	if rawToken == "" {
		return nil, invalidToken(ErrInvalidToken)
	}
	hash := HashToken(rawToken)
	if p := s.cache.get(ctx, hash); p != nil {
		return p, nil
	}

	token, err := s.repos.Tokens.GetAccessTokenByHash(ctx, hash)
	if err != nil {
		if common.IsKind(err, common.KindNotFound) {
			return nil, invalidToken(ErrInvalidToken)
		}
		return nil, err
	}
	if token.Revoked {
		return nil, invalidToken(ErrInvalidToken)
	}
	if time.Now().After(token.ExpiresAt) {
		return nil, invalidToken(ErrExpiredToken)
	}
	user, err := s.repos.Users.Get(ctx, token.UserID)
	if err != nil {
		return nil, invalidToken(ErrInvalidToken)
	}
	if !user.Active {
		return nil, invalidToken(ErrAccountDisabled)
	}

	principal := &Principal{
		UserID:  user.ID,
		Roles:   splitRoles(user.Roles),
		TokenID: token.ID,
	}
	s.cache.put(ctx, hash, principal, token.ExpiresAt)
	return principal, nil
}

// Refresh rotates a token pair: the presented refresh token is revoked and
// a fresh pair is issued. A revoked or expired refresh token fails with
// unauthorized.
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (*TokenPair, error) {
	token, err := s.lookupRefresh(ctx, rawRefresh)
	if err != nil {
		return nil, err
	}
	user, err := s.repos.Users.Get(ctx, token.UserID)
	if err != nil {
		return nil, invalidToken(ErrInvalidToken)
	}
	if !user.Active {
		return nil, invalidToken(ErrAccountDisabled)
	}
	if err := s.repos.Tokens.RevokeRefreshToken(ctx, token.ID); err != nil {
		return nil, err
	}
	return s.issuePair(ctx, user)
}

// Logout revokes the presented refresh token. With allSessions, every token
// of the user is revoked; cached validations age out within the cache TTL.
func (s *Service) Logout(ctx context.Context, rawRefresh string, allSessions bool) error {
	token, err := s.lookupRefresh(ctx, rawRefresh)
	if err != nil {
		return err
	}
	if allSessions {
		return s.repos.Tokens.RevokeUserTokens(ctx, token.UserID)
	}
	return s.repos.Tokens.RevokeRefreshToken(ctx, token.ID)
}

// RevokeAccess revokes one access token immediately, including its cache
// entry.
func (s *Service) RevokeAccess(ctx context.Context, rawToken string) error {
	hash := HashToken(rawToken)
	token, err := s.repos.Tokens.GetAccessTokenByHash(ctx, hash)
	if err != nil {
		if common.IsKind(err, common.KindNotFound) {
			return nil
		}
		return err
	}
	if err := s.repos.Tokens.RevokeAccessToken(ctx, token.ID); err != nil {
		return err
	}
	s.cache.invalidate(ctx, hash)
	return nil
}

// LoginWithOIDC exchanges a verified OIDC id_token for a local token pair,
// creating the account on first login.
func (s *Service) LoginWithOIDC(ctx context.Context, rawIDToken string) (*TokenPair, error) {
	if s.oidc == nil {
		return nil, common.E(common.KindValidation, "OIDC_DISABLED", "OIDC login is not configured")
	}
	claims, err := s.oidc.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, common.Wrap(common.KindUnauthorized, "INVALID_ID_TOKEN", "id token verification failed", err)
	}
	if claims.Email == "" {
		return nil, common.E(common.KindUnauthorized, "INVALID_ID_TOKEN", "id token carries no email claim")
	}

	email := strings.ToLower(strings.TrimSpace(claims.Email))
	user, err := s.repos.Users.GetByEmail(ctx, email)
	if err != nil {
		if !common.IsKind(err, common.KindNotFound) {
			return nil, err
		}
		user, err = s.repos.Users.Create(ctx, &db.User{
			ID:          uuid.New().String(),
			Email:       email,
			DisplayName: claims.Name,
			Roles:       RoleUser,
			Active:      true,
		})
		if err != nil {
			return nil, err
		}
		common.Logger.WithField("user_id", user.ID).Info("account provisioned from OIDC login")
	}
	if !user.Active {
		return nil, common.Wrap(common.KindForbidden, "ACCOUNT_DISABLED", "account is disabled", ErrAccountDisabled)
	}
	return s.issuePair(ctx, user)
}

// PurgeExpiredTokens removes tokens past their expiry. Intended for a
// periodic maintenance call.
func (s *Service) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	return s.repos.Tokens.DeleteExpired(ctx, time.Now())
}

func (s *Service) issuePair(ctx context.Context, user *db.User) (*TokenPair, error) {
	rawAccess, err := newOpaqueToken()
	if err != nil {
		return nil, common.Wrap(common.KindInternal, "TOKEN_GENERATION", "failed to generate token", err)
	}
	rawRefresh, err := newOpaqueToken()
	if err != nil {
		return nil, common.Wrap(common.KindInternal, "TOKEN_GENERATION", "failed to generate token", err)
	}

	now := time.Now()
	accessExpiry := now.Add(s.cfg.AccessTokenTTL)
	refreshExpiry := now.Add(s.cfg.RefreshTokenTTL)

	if err := s.repos.Tokens.SaveAccessToken(ctx, &db.AccessToken{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		TokenHash: HashToken(rawAccess),
		ExpiresAt: accessExpiry,
	}); err != nil {
		return nil, err
	}
	if err := s.repos.Tokens.SaveRefreshToken(ctx, &db.RefreshToken{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		TokenHash: HashToken(rawRefresh),
		ExpiresAt: refreshExpiry,
	}); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      rawAccess,
		RefreshToken:     rawRefresh,
		AccessExpiresAt:  accessExpiry,
		RefreshExpiresAt: refreshExpiry,
		User:             user,
	}, nil
}

func (s *Service) lookupRefresh(ctx context.Context, rawRefresh string) (*db.RefreshToken, error) {
	if rawRefresh == "" {
		return nil, invalidToken(ErrInvalidToken)
	}
	token, err := s.repos.Tokens.GetRefreshTokenByHash(ctx, HashToken(rawRefresh))
	if err != nil {
		if common.IsKind(err, common.KindNotFound) {
			return nil, invalidToken(ErrInvalidToken)
		}
		return nil, err
	}
	if token.Revoked {
		return nil, invalidToken(ErrInvalidToken)
	}
	if time.Now().After(token.ExpiresAt) {
		return nil, invalidToken(ErrExpiredToken)
	}
	return token, nil
}

func splitRoles(roles string) []string {
	parts := strings.Split(roles, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func invalidCredentials() error {
	return common.Wrap(common.KindUnauthorized, "INVALID_CREDENTIALS",
		"invalid email or password", ErrInvalidCredentials)
}

func invalidToken(cause error) error {
	return common.Wrap(common.KindUnauthorized, "INVALID_TOKEN", cause.Error(), cause)
}
