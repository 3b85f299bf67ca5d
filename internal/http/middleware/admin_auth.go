package middleware

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	httpctx "apitelemetry/internal/http/ctx"
)

// SessionCookie carries the authenticated user id, set by the auth layer in
// front of this service.
const SessionCookie = "session_user"

// AdminChecker decides whether a user may use the query API.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// StaticAdminChecker is an allowlist of admin user ids.
type StaticAdminChecker map[string]struct{}

func NewStaticAdminChecker(users []string) StaticAdminChecker {
	c := make(StaticAdminChecker, len(users))
	for _, u := range users {
		if u != "" {
			c[u] = struct{}{}
		}
	}
	return c
}

func (c StaticAdminChecker) IsAdmin(_ context.Context, userID string) (bool, error) {
	_, ok := c[userID]
	return ok, nil
}

type adminEntry struct {
	isAdmin   bool
	expiresAt time.Time
}

// AdminCache memoizes admin decisions for a fixed TTL. One instance is
// created at startup and handed to AdminGate.
type AdminCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]adminEntry
	now     func() time.Time
}

func NewAdminCache(ttl time.Duration) *AdminCache {
	return &AdminCache{ttl: ttl, entries: make(map[string]adminEntry), now: time.Now}
}

// Lookup returns the cached decision for userID; ok is false when absent or
// expired.
func (c *AdminCache) Lookup(userID string) (isAdmin, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[userID]
	if !found {
		return false, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, userID)
		return false, false
	}
	return e.isAdmin, true
}

func (c *AdminCache) Store(userID string, isAdmin bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = adminEntry{isAdmin: isAdmin, expiresAt: c.now().Add(c.ttl)}
}

// AdminGate returns middleware that admits only admin users. Requests
// without a session get 401, non-admins 403.
func AdminGate(checker AdminChecker, cache *AdminCache, log *zap.SugaredLogger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			cookie := ctx.Request.Header.Cookie(SessionCookie)
			if len(cookie) == 0 {
				deny(ctx, fasthttp.StatusUnauthorized, "unauthorized", "a session is required")
				return
			}
			userID := string(cookie)

			isAdmin, ok := cache.Lookup(userID)
			if !ok {
				var err error
				isAdmin, err = checker.IsAdmin(ctx, userID)
				if err != nil {
					log.Errorw("admin check failed", "user_id", userID, "error", err)
					deny(ctx, fasthttp.StatusServiceUnavailable, "admin_check_failed", "authorization is temporarily unavailable")
					return
				}
				cache.Store(userID, isAdmin)
			}
			if !isAdmin {
				deny(ctx, fasthttp.StatusForbidden, "forbidden", "admin access is required")
				return
			}

			httpctx.SetUserID(ctx, userID)
			next(ctx)
		}
	}
}

func deny(ctx *fasthttp.RequestCtx, code int, errCode, msg string) {
	body, _ := json.Marshal(map[string]string{"error": errCode, "message": msg})
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
