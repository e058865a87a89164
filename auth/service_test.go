package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
	"rag.evalgo.org/db"
	"rag.evalgo.org/db/repository"
)

type memUsers struct {
	repository.Users

	mu    sync.Mutex
	users map[string]*db.User
}

func (m *memUsers) Create(ctx context.Context, user *db.User) (*db.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == user.Email {
			return nil, common.E(common.KindConflict, "EMAIL_TAKEN", "email is already registered")
		}
	}
	copied := *user
	m.users[user.ID] = &copied
	return user, nil
}

func (m *memUsers) Get(ctx context.Context, id string) (*db.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[id]; ok {
		copied := *user
		return &copied, nil
	}
	return nil, common.E(common.KindNotFound, "NOT_FOUND", "user not found")
}

func (m *memUsers) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Email == email {
			copied := *user
			return &copied, nil
		}
	}
	return nil, common.E(common.KindNotFound, "NOT_FOUND", "user not found")
}

func (m *memUsers) RecordLoginAttempt(ctx context.Context, id string, failed int, lockedUntil *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[id]; ok {
		user.FailedLogins = failed
		user.LockedUntil = lockedUntil
		return nil
	}
	return common.E(common.KindNotFound, "NOT_FOUND", "user not found")
}

type memTokens struct {
	mu      sync.Mutex
	access  map[string]*db.AccessToken
	refresh map[string]*db.RefreshToken
}

func newMemTokens() *memTokens {
	return &memTokens{access: map[string]*db.AccessToken{}, refresh: map[string]*db.RefreshToken{}}
}

func (m *memTokens) SaveAccessToken(ctx context.Context, token *db.AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *token
	m.access[token.ID] = &copied
	return nil
}

func (m *memTokens) GetAccessTokenByHash(ctx context.Context, hash string) (*db.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, token := range m.access {
		if token.TokenHash == hash {
			copied := *token
			return &copied, nil
		}
	}
	return nil, common.E(common.KindNotFound, "NOT_FOUND", "token not found")
}

func (m *memTokens) RevokeAccessToken(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token, ok := m.access[id]; ok {
		token.Revoked = true
	}
	return nil
}

func (m *memTokens) SaveRefreshToken(ctx context.Context, token *db.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *token
	m.refresh[token.ID] = &copied
	return nil
}

func (m *memTokens) GetRefreshTokenByHash(ctx context.Context, hash string) (*db.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, token := range m.refresh {
		if token.TokenHash == hash {
			copied := *token
			return &copied, nil
		}
	}
	return nil, common.E(common.KindNotFound, "NOT_FOUND", "token not found")
}

func (m *memTokens) RevokeRefreshToken(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token, ok := m.refresh[id]; ok {
		token.Revoked = true
	}
	return nil
}

func (m *memTokens) RevokeUserTokens(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, token := range m.access {
		if token.UserID == userID {
			token.Revoked = true
		}
	}
	for _, token := range m.refresh {
		if token.UserID == userID {
			token.Revoked = true
		}
	}
	return nil
}

func (m *memTokens) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, token := range m.access {
		if token.ExpiresAt.Before(before) {
			delete(m.access, id)
			n++
		}
	}
	for id, token := range m.refresh {
		if token.ExpiresAt.Before(before) {
			delete(m.refresh, id)
			n++
		}
	}
	return n, nil
}

type authFixture struct {
	svc    *Service
	users  *memUsers
	tokens *memTokens
	redis  *miniredis.Miniredis
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	users := &memUsers{users: map[string]*db.User{}}
	tokens := newMemTokens()
	repos := &repository.Repositories{Users: users, Tokens: tokens}
	svc := NewService(repos, client, config.AuthConfig{
		AccessTokenTTL:    time.Hour,
		RefreshTokenTTL:   24 * time.Hour,
		MaxFailedAttempts: 3,
		LockoutDuration:   15 * time.Minute,
	}, nil)
	return &authFixture{svc: svc, users: users, tokens: tokens, redis: mr}
}

func (f *authFixture) register(t *testing.T, email, password string, roles ...string) *db.User {
	t.Helper()
	user, err := f.svc.Register(context.Background(), email, password, "Test User", roles)
	require.NoError(t, err)
	return user
}

func TestRegisterValidation(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.svc.Register(context.Background(), "not-an-email", "longenough", "", nil)
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindValidation))

	_, err = f.svc.Register(context.Background(), "a@example.com", "short", "", nil)
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindValidation))

	user := f.register(t, "A@Example.com", "password123")
	assert.Equal(t, "a@example.com", user.Email)
	assert.Equal(t, "user", user.Roles)
	assert.NotEqual(t, "password123", user.PasswordHash)
}

func TestLoginIssuesHashedTokens(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "a@example.com", "password123")

	pair, err := f.svc.Login(context.Background(), "a@example.com", "password123")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)

	// Only hashes are stored.
	for _, token := range f.tokens.access {
		assert.Equal(t, HashToken(pair.AccessToken), token.TokenHash)
		assert.NotContains(t, token.TokenHash, pair.AccessToken)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "a@example.com", "password123")

	_, err := f.svc.Login(context.Background(), "a@example.com", "wrong")
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindUnauthorized))

	// Unknown email answers identically.
	_, err2 := f.svc.Login(context.Background(), "ghost@example.com", "whatever")
	assert.Equal(t, common.CodeOf(err), common.CodeOf(err2))
}

func TestLoginLockout(t *testing.T) {
	f := newAuthFixture(t)
	user := f.register(t, "a@example.com", "password123")

	for i := 0; i < 3; i++ {
		_, err := f.svc.Login(context.Background(), "a@example.com", "wrong")
		require.Error(t, err)
	}
	assert.NotNil(t, f.users.users[user.ID].LockedUntil)

	// Even the correct password is refused while locked.
	_, err := f.svc.Login(context.Background(), "a@example.com", "password123")
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindRateLimited))
	assert.Equal(t, "ACCOUNT_LOCKED", common.CodeOf(err))
}

func TestLoginResetsFailureCount(t *testing.T) {
	f := newAuthFixture(t)
	user := f.register(t, "a@example.com", "password123")

	_, _ = f.svc.Login(context.Background(), "a@example.com", "wrong")
	assert.Equal(t, 1, f.users.users[user.ID].FailedLogins)

	_, err := f.svc.Login(context.Background(), "a@example.com", "password123")
	require.NoError(t, err)
	assert.Equal(t, 0, f.users.users[user.ID].FailedLogins)
}

func TestValidateToken(t *testing.T) {
	f := newAuthFixture(t)
	user := f.register(t, "a@example.com", "password123", "user", "admin")
	pair, err := f.svc.Login(context.Background(), "a@example.com", "password123")
	require.NoError(t, err)

	principal, err := f.svc.Validate(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, principal.UserID)
	assert.True(t, principal.HasRole("admin"))
	assert.NotEmpty(t, principal.TokenID)

	_, err = f.svc.Validate(context.Background(), "garbage")
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindUnauthorized))
}

func TestValidateUsesCache(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "a@example.com", "password123")
	pair, err := f.svc.Login(context.Background(), "a@example.com", "password123")
	require.NoError(t, err)

	_, err = f.svc.Validate(context.Background(), pair.AccessToken)
	require.NoError(t, err)

	// Remove the backing row; the cached validation still answers.
	f.tokens.mu.Lock()
	f.tokens.access = map[string]*db.AccessToken{}
	f.tokens.mu.Unlock()

	_, err = f.svc.Validate(context.Background(), pair.AccessToken)
	assert.NoError(t, err)

	// Once the cache entry ages out the lookup fails.
	f.redis.FastForward(2 * time.Minute)
	_, err = f.svc.Validate(context.Background(), pair.AccessToken)
	assert.Error(t, err)
}

func TestRevokeAccessInvalidatesCache(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "a@example.com", "password123")
	pair, err := f.svc.Login(context.Background(), "a@example.com", "password123")
	require.NoError(t, err)

	_, err = f.svc.Validate(context.Background(), pair.AccessToken)
	require.NoError(t, err)

	require.NoError(t, f.svc.RevokeAccess(context.Background(), pair.AccessToken))

	_, err = f.svc.Validate(context.Background(), pair.AccessToken)
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindUnauthorized))
}

func TestRefreshRotates(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "a@example.com", "password123")
	pair, err := f.svc.Login(context.Background(), "a@example.com", "password123")
	require.NoError(t, err)

	next, err := f.svc.Refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, next.AccessToken)

	// Replaying the rotated-out token fails.
	_, err = f.svc.Refresh(context.Background(), pair.RefreshToken)
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindUnauthorized))

	// The new one works.
	_, err = f.svc.Refresh(context.Background(), next.RefreshToken)
	assert.NoError(t, err)
}

func TestLogoutAllSessions(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "a@example.com", "password123")
	first, err := f.svc.Login(context.Background(), "a@example.com", "password123")
	require.NoError(t, err)
	second, err := f.svc.Login(context.Background(), "a@example.com", "password123")
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(context.Background(), first.RefreshToken, true))

	_, err = f.svc.Refresh(context.Background(), second.RefreshToken)
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindUnauthorized))
}

type fakeVerifier struct {
	claims *IDClaims
	err    error
}

func (f *fakeVerifier) Verify(ctx context.Context, raw string) (*IDClaims, error) {
	return f.claims, f.err
}

func TestLoginWithOIDCProvisionsAccount(t *testing.T) {
	f := newAuthFixture(t)
	f.svc.oidc = &fakeVerifier{claims: &IDClaims{Subject: "sub-1", Email: "sso@example.com", Name: "SSO User"}}

	pair, err := f.svc.LoginWithOIDC(context.Background(), "raw-id-token")
	require.NoError(t, err)
	assert.Equal(t, "sso@example.com", pair.User.Email)

	// Second login reuses the account.
	again, err := f.svc.LoginWithOIDC(context.Background(), "raw-id-token")
	require.NoError(t, err)
	assert.Equal(t, pair.User.ID, again.User.ID)
	assert.Len(t, f.users.users, 1)
}

func TestLoginWithOIDCDisabled(t *testing.T) {
	f := newAuthFixture(t)
	_, err := f.svc.LoginWithOIDC(context.Background(), "raw")
	require.Error(t, err)
	assert.Equal(t, "OIDC_DISABLED", common.CodeOf(err))
}

func TestOpaqueTokensAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		token, err := newOpaqueToken()
		require.NoError(t, err)
		assert.False(t, seen[token])
		seen[token] = true
		assert.Len(t, HashToken(token), 64)
	}
}
