package handlers

import (
	"errors"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	dbpkg "apitelemetry/internal/db"
	"apitelemetry/internal/query"
)

// TelemetrySeries serves hour-bucketed statistics of one summary kind over a
// window given as range=24h|7d|30d|90d or start/end (RFC3339). The optional
// dimension filter is "endpoint" for performance and "kind" for usage.
func TelemetrySeries(r *query.Router, kind dbpkg.SummaryKind, log *zap.SugaredLogger) fasthttp.RequestHandler {
	dimensionParam := "endpoint"
	if kind == dbpkg.SummaryUsage {
		dimensionParam = "kind"
	}

	return func(ctx *fasthttp.RequestCtx) {
		args := ctx.QueryArgs()
		req := query.Request{
			Kind:      kind,
			Range:     string(args.Peek("range")),
			Start:     string(args.Peek("start")),
			End:       string(args.Peek("end")),
			Dimension: string(args.Peek(dimensionParam)),
		}
		if req.Range == "" && req.Start == "" && req.End == "" {
			req.Range = "24h"
		}

		res, err := r.Serve(ctx, req)
		if err != nil {
			var verr *query.ValidationError
			if errors.As(err, &verr) {
				errResponse(ctx, fasthttp.StatusBadRequest, verr.Code, verr.Message)
				return
			}
			log.Errorw("telemetry query failed", "kind", kind, "error", err)
			errResponse(ctx, fasthttp.StatusInternalServerError, "query_failed", "failed to query telemetry")
			return
		}
		if res.Series == nil {
			res.Series = []query.Point{}
		}
		jsonResponse(ctx, fasthttp.StatusOK, res)
	}
}
