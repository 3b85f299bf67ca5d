package cli

import (
	"errors"
	"fmt"
	"os"

	goflags "github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"apitelemetry/internal/config"
	"apitelemetry/internal/db"
	"apitelemetry/internal/logger"
)

// Exit codes. The aggregate command exits with ExitCapacity when the row
// count is past the ceiling so the external scheduler's failure alerting
// fires.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitCapacity = 2
)

// GlobalFlags holds flags available to all subcommands.
type GlobalFlags struct {
	Verbose bool `long:"verbose" short:"v" description:"Log at debug level regardless of APP_LOG_LEVEL"`
	Version bool `long:"version" description:"Show version and exit"`
}

// commands holds references to all subcommand structs for inspection/testing.
type commands struct {
	Serve     *ServeCommand
	Aggregate *AggregateCommand
	Status    *StatusCommand
}

// buildParser constructs the go-flags parser with all subcommands registered.
func buildParser(version string) (*goflags.Parser, *GlobalFlags, *commands) {
	var globals GlobalFlags

	parser := goflags.NewParser(&globals, goflags.Default)
	parser.Name = "apitelemetry"
	parser.LongDescription = "Request performance and interaction telemetry: collection, tiered storage and querying."

	cmds := &commands{
		Serve:     &ServeCommand{globals: &globals, version: version},
		Aggregate: &AggregateCommand{globals: &globals},
		Status:    &StatusCommand{globals: &globals},
	}

	parser.AddCommand("serve", "Run the HTTP service", "Run the HTTP service: event submission, telemetry queries and the collector middleware.", cmds.Serve)
	parser.AddCommand("aggregate", "Run the aggregation and retention job once", "Roll raw rows past the raw window into hourly summaries, prune expired summaries and check capacity. Exits 2 on a capacity alert.", cmds.Aggregate)
	parser.AddCommand("status", "Show row counts and the tier boundary", "Show per-table row counts, capacity headroom and the current raw/aggregated boundary.", cmds.Status)

	return parser, &globals, cmds
}

// Run is the main entry point using os.Args.
func Run(version string) error {
	return RunWithArgs(version, nil)
}

// RunWithArgs parses the given args (or os.Args if nil) and executes the matched subcommand.
func RunWithArgs(version string, args []string) error {
	checkArgs := args
	if checkArgs == nil {
		checkArgs = os.Args[1:]
	}
	for _, arg := range checkArgs {
		if arg == "--version" {
			fmt.Printf("apitelemetry %s\n", version)
			return nil
		}
		if arg == "--" {
			break
		}
	}

	parser, _, _ := buildParser(version)

	var err error
	if args != nil {
		_, err = parser.ParseArgs(args)
	} else {
		_, err = parser.Parse()
	}

	if err != nil {
		var flagsErr *goflags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == goflags.ErrHelp {
			return nil
		}
		return err
	}
	return nil
}

// ExitCode maps a Run error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, db.ErrCapacityExceeded):
		return ExitCapacity
	default:
		return ExitFailure
	}
}

// setup loads configuration and builds the logger every command shares.
func setup(globals *GlobalFlags) (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if globals != nil && globals.Verbose {
		level = "debug"
	}
	log, err := logger.New(level, cfg.Env)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}

func aggregatorConfig(cfg *config.Config) db.AggregatorConfig {
	return db.AggregatorConfig{
		RawRetention:     cfg.RawRetention,
		SummaryRetention: cfg.SummaryRetention,
		CapacityCeiling:  cfg.CapacityCeiling,
		GrowthThreshold:  cfg.CapacityGrowthThreshold,
		EmergencyHorizon: cfg.EmergencyHorizon,
	}
}
