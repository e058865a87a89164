package api

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"rag.evalgo.org/auth"
	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
)

const principalContextKey = "principal"

// TokenValidator resolves a raw bearer token to a principal.
type TokenValidator interface {
	Validate(ctx context.Context, rawToken string) (*auth.Principal, error)
}

// BearerAuth validates the Authorization header and attaches the principal
// to the request context.
func BearerAuth(validator TokenValidator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return common.E(common.KindUnauthorized, "MISSING_TOKEN", "authorization header is required")
			}
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				return common.E(common.KindUnauthorized, "MISSING_TOKEN", "authorization header must be a bearer token")
			}
			principal, err := validator.Validate(c.Request().Context(), raw)
			if err != nil {
				return err
			}
			c.Set(principalContextKey, principal)
			return next(c)
		}
	}
}

// RequireRole rejects requests whose principal lacks the role.
func RequireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			principal := principalFrom(c)
			if principal == nil || !principal.HasRole(role) {
				return common.E(common.KindForbidden, "ROLE_REQUIRED", "this endpoint requires the "+role+" role")
			}
			return next(c)
		}
	}
}

func principalFrom(c echo.Context) *auth.Principal {
	principal, _ := c.Get(principalContextKey).(*auth.Principal)
	return principal
}

// Route classes carry separate per-principal request budgets.
const (
	classStandard = "standard"
	classChat     = "chat"
	classUpload   = "upload"
	classAdmin    = "admin"
)

// rateLimiter holds one token bucket per (principal, route class). Buckets
// are node-local; idle buckets are pruned so the map does not grow without
// bound.
type rateLimiter struct {
	perMinute map[string]int

	mu      sync.Mutex
	buckets map[string]*bucket
	lastGC  time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const bucketIdleTTL = 10 * time.Minute

func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	perMinute := map[string]int{
		classStandard: cfg.Standard,
		classChat:     cfg.Chat,
		classUpload:   cfg.Upload,
		classAdmin:    cfg.Admin,
	}
	for class, limit := range perMinute {
		if limit <= 0 {
			perMinute[class] = 100
		}
	}
	return &rateLimiter{
		perMinute: perMinute,
		buckets:   make(map[string]*bucket),
		lastGC:    time.Now(),
	}
}

// allow consumes one token from the caller's bucket for the class.
func (rl *rateLimiter) allow(callerID, class string) bool {
	limit := rl.perMinute[class]
	if limit <= 0 {
		limit = rl.perMinute[classStandard]
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastGC) > bucketIdleTTL {
		for key, b := range rl.buckets {
			if now.Sub(b.lastSeen) > bucketIdleTTL {
				delete(rl.buckets, key)
			}
		}
		rl.lastGC = now
	}

	key := class + ":" + callerID
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(limit)/60.0), limit)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}

// RateLimit enforces the class budget. Authenticated requests are keyed by
// principal; unauthenticated ones (login, refresh) fall back to the client IP.
func (rl *rateLimiter) RateLimit(class string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			callerID := c.RealIP()
			if principal := principalFrom(c); principal != nil {
				callerID = principal.UserID
			}
			if !rl.allow(callerID, class) {
				return common.E(common.KindRateLimited, "RATE_LIMITED",
					"request budget exceeded for this endpoint class").
					WithSuggestions("retry after a short delay")
			}
			return next(c)
		}
	}
}
