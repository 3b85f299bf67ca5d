package handlers

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "apitelemetry/internal/db"
)

func Healthz(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/plain")
	ctx.SetBodyString("ok")
}

// Readyz reports whether storage is reachable. Without storage configured
// the service is still ready: collection is simply off.
func Readyz(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if db != nil {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := dbpkg.Ping(pingCtx, db); err != nil {
				errResponse(ctx, fasthttp.StatusServiceUnavailable, "storage_unreachable", err.Error())
				return
			}
		}
		ctx.SetContentType("text/plain")
		ctx.SetBodyString("ready")
	}
}
