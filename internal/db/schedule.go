package db

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// StartAggregationScheduler runs the job once a day at hour (UTC) until ctx
// is cancelled. It exists for single-binary deployments; production setups
// normally invoke the aggregate command from an external scheduler so that a
// non-zero exit is visible. Every run is bounded by timeout.
func StartAggregationScheduler(ctx context.Context, agg *Aggregator, hour int, timeout time.Duration, log *zap.SugaredLogger) {
	go func() {
		for {
			next := nextRunAt(time.Now().UTC(), hour)
			log.Infow("next aggregation run scheduled", "at", next.Format(time.RFC3339))

			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			runCtx, cancel := context.WithTimeout(ctx, timeout)
			res, err := agg.Run(runCtx)
			cancel()
			switch {
			case errors.Is(err, ErrCapacityExceeded):
				// Already logged with the alert prefix by Run.
			case err != nil:
				log.Errorw("scheduled aggregation run failed", "error", err)
			case res.Skipped:
				log.Infow("scheduled aggregation run skipped: lock held elsewhere")
			}
		}
	}()
}

// nextRunAt returns the first instant strictly after now at hour:00 UTC.
func nextRunAt(now time.Time, hour int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
