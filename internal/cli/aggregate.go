package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"apitelemetry/internal/db"
)

// AggregateCommand runs the aggregation and retention job once. It is meant
// to be invoked daily by an external scheduler.
type AggregateCommand struct {
	globals *GlobalFlags
}

// Execute implements the go-flags Commander interface for AggregateCommand.
func (c *AggregateCommand) Execute(args []string) error {
	cfg, log, err := setup(c.globals)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.JobTimeout)
	defer cancel()

	gdb, err := db.Connect(cfg)
	if err != nil {
		return err
	}

	locker, closeLocker, err := db.NewLocker(cfg, gdb, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeLocker() }()

	res, err := db.NewAggregator(gdb, locker, log, aggregatorConfig(cfg), nil).Run(ctx)
	switch {
	case errors.Is(err, db.ErrCapacityExceeded):
		// Run already logged the alert; the exit code carries it to the scheduler.
		return err
	case err != nil:
		log.Errorw("aggregation job failed", "error", err)
		return err
	case res.Skipped:
		return nil
	}

	log.Infow("aggregation job finished",
		"run_id", res.Run.ID,
		"total_rows", res.Capacity.Total,
		"capacity", res.Capacity.Level,
	)
	return nil
}
