package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"

	httpctx "apitelemetry/internal/http/ctx"
	"apitelemetry/internal/logger"
)

type countingChecker struct {
	admins map[string]bool
	calls  int
}

func (c *countingChecker) IsAdmin(_ context.Context, userID string) (bool, error) {
	c.calls++
	return c.admins[userID], nil
}

func TestAdminGate(t *testing.T) {
	checker := &countingChecker{admins: map[string]bool{"root": true}}
	cache := NewAdminCache(5 * time.Minute)
	var seenUser string
	h := AdminGate(checker, cache, logger.Nop())(func(ctx *fasthttp.RequestCtx) {
		seenUser, _ = httpctx.UserIDFromCtx(ctx)
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	assert.Equal(t, fasthttp.StatusUnauthorized, serve(h, "GET", "/v1/telemetry/usage").Response.StatusCode())
	assert.Equal(t, fasthttp.StatusForbidden, serve(h, "GET", "/v1/telemetry/usage", SessionCookie, "bob").Response.StatusCode())

	assert.Equal(t, fasthttp.StatusOK, serve(h, "GET", "/v1/telemetry/usage", SessionCookie, "root").Response.StatusCode())
	assert.Equal(t, "root", seenUser)
	assert.Equal(t, fasthttp.StatusOK, serve(h, "GET", "/v1/telemetry/usage", SessionCookie, "root").Response.StatusCode())

	// bob and root were each checked once; the second root request hit the cache.
	assert.Equal(t, 2, checker.calls)
}

func TestAdminCache_Expires(t *testing.T) {
	now := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	cache := NewAdminCache(5 * time.Minute)
	cache.now = func() time.Time { return now }

	cache.Store("root", true)
	isAdmin, ok := cache.Lookup("root")
	assert.True(t, ok)
	assert.True(t, isAdmin)

	now = now.Add(5 * time.Minute)
	_, ok = cache.Lookup("root")
	assert.False(t, ok)
}

func TestStaticAdminChecker(t *testing.T) {
	c := NewStaticAdminChecker([]string{"admin", ""})
	ok, err := c.IsAdmin(context.Background(), "admin")
	assert.NoError(t, err)
	assert.True(t, ok)
	ok, _ = c.IsAdmin(context.Background(), "")
	assert.False(t, ok)
}
