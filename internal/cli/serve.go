package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"apitelemetry/internal/config"
	"apitelemetry/internal/db"
	"apitelemetry/internal/http/handlers"
	appmw "apitelemetry/internal/http/middleware"
	"apitelemetry/internal/metrics"
	"apitelemetry/internal/query"
)

// ServeCommand runs the HTTP service.
type ServeCommand struct {
	Listen          string        `long:"listen" description:"Listen address (overrides APP_LISTEN_ADDR)"`
	ShutdownTimeout time.Duration `long:"shutdown-timeout" description:"How long to drain in-flight requests on shutdown" default:"15s"`

	globals *GlobalFlags
	version string
}

// Execute implements the go-flags Commander interface for ServeCommand.
func (c *ServeCommand) Execute(args []string) error {
	cfg, log, err := setup(c.globals)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if c.Listen != "" {
		cfg.ListenAddr = c.Listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg)
	switch {
	case errors.Is(err, db.ErrStorageDisabled):
		log.Warnw("storage disabled: collector is off and telemetry endpoints answer 503")
		gdb = nil
	case err != nil:
		return err
	}

	var recorder *db.RecordWriter
	if gdb != nil {
		recorder = db.NewRecordWriter(gdb, log, db.RecordWriterConfig{
			QueueSize:    cfg.CollectorQueue,
			Workers:      cfg.CollectorWorkers,
			WriteTimeout: cfg.CollectorWriteTimeout,
		})
		defer recorder.Close()

		if cfg.SchedulerEnabled {
			locker, closeLocker, err := db.NewLocker(cfg, gdb, log)
			if err != nil {
				return err
			}
			defer func() { _ = closeLocker() }()
			agg := db.NewAggregator(gdb, locker, log, aggregatorConfig(cfg), nil)
			db.StartAggregationScheduler(ctx, agg, cfg.AggregationHour, cfg.JobTimeout, log)
		}
	}

	server := &fasthttp.Server{
		Handler:      newHandler(cfg, gdb, recorder, log),
		Name:         "apitelemetry/" + c.version,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("apitelemetry listening", "addr", cfg.ListenAddr, "version", c.version, "storage", gdb != nil)
		errCh <- server.ListenAndServe(cfg.ListenAddr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()
	return server.ShutdownWithContext(shutdownCtx)
}

// newHandler wires the routes and the global middleware chain. gdb and rec
// are nil when storage is disabled.
func newHandler(cfg *config.Config, gdb *gorm.DB, rec *db.RecordWriter, log *zap.SugaredLogger) fasthttp.RequestHandler {
	r := router.New()
	r.SaveMatchedRoutePath = true

	r.GET("/healthz", handlers.Healthz)
	r.GET("/readyz", handlers.Readyz(gdb))
	r.GET("/metrics", handlers.MetricsHandler(metrics.Registry))

	admin := appmw.AdminGate(
		appmw.NewStaticAdminChecker(cfg.AdminUsers),
		appmw.NewAdminCache(cfg.AdminCacheTTL),
		log,
	)

	if gdb == nil {
		r.POST("/v1/events", handlers.StorageUnavailable)
		r.GET("/v1/telemetry/performance", admin(handlers.StorageUnavailable))
		r.GET("/v1/telemetry/usage", admin(handlers.StorageUnavailable))
		r.GET("/v1/telemetry/records/{id}", admin(handlers.StorageUnavailable))
	} else {
		qr := query.NewRouter(gdb, query.Limits{
			RawRetention: cfg.RawRetention,
			Retention:    cfg.SummaryRetention,
		}, nil)

		r.POST("/v1/events", handlers.SubmitEvents(gdb, cfg, log))
		r.GET("/v1/telemetry/performance", admin(handlers.TelemetrySeries(qr, db.SummaryPerformance, log)))
		r.GET("/v1/telemetry/usage", admin(handlers.TelemetrySeries(qr, db.SummaryUsage, log)))
		r.GET("/v1/telemetry/records/{id}", admin(handlers.RecordDetail(gdb)))
	}

	// A nil *RecordWriter must reach Collector as a nil interface.
	var recorder appmw.Recorder
	if rec != nil {
		recorder = rec
	}

	// Global middleware chain: request logger, then collector, then session, then router
	return handlers.RequestLogger(log)(
		appmw.Collector(recorder, cfg.CollectorExclude)(
			appmw.SessionUser(r.Handler),
		),
	)
}
