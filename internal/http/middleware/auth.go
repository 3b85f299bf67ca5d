package middleware

import (
	"github.com/valyala/fasthttp"

	httpctx "apitelemetry/internal/http/ctx"
)

// SessionUser attributes the request to the user named by the session
// cookie, if any. It never rejects: anonymous requests pass through with no
// user on the context.
func SessionUser(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if cookie := ctx.Request.Header.Cookie(SessionCookie); len(cookie) > 0 {
			httpctx.SetUserID(ctx, string(cookie))
		}
		next(ctx)
	}
}
