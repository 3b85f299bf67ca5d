package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"apitelemetry/internal/metrics"
)

// ErrCapacityExceeded is returned by Run after a committed run when the row
// count is past the configured ceiling. The caller must exit non-zero so the
// scheduler's failure alerting fires.
var ErrCapacityExceeded = errors.New("telemetry row count exceeds capacity ceiling")

// AggregatorConfig carries the retention and capacity policy of the job.
type AggregatorConfig struct {
	RawRetention     time.Duration
	SummaryRetention time.Duration

	CapacityCeiling  int64
	GrowthThreshold  float64
	EmergencyHorizon time.Duration
}

// Aggregator is the daily aggregation and retention job. It keeps no state
// between runs: coordination happens through the Locker and the summary
// idempotency key only.
type Aggregator struct {
	db     *gorm.DB
	locker Locker
	log    *zap.SugaredLogger
	cfg    AggregatorConfig
	now    func() time.Time
}

// NewAggregator builds the job. now may be nil to use the wall clock.
func NewAggregator(db *gorm.DB, locker Locker, log *zap.SugaredLogger, cfg AggregatorConfig, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{db: db, locker: locker, log: log, cfg: cfg, now: now}
}

// RunResult describes one invocation.
type RunResult struct {
	// Skipped is true when another instance held the lock; nothing was done.
	Skipped bool

	Run       AggregationRun
	Emergency *AggregationRun
	Capacity  CapacityReport
}

// Run executes one complete job: lock, rollup + cutover + cleanup in one
// transaction, then the capacity check. Any error inside the transaction
// rolls the whole run back; the job can simply be run again.
func (a *Aggregator) Run(ctx context.Context) (RunResult, error) {
	start := time.Now()
	defer func() { metrics.JobDuration.Observe(time.Since(start).Seconds()) }()

	release, ok, err := a.locker.TryLock(ctx)
	if err != nil {
		metrics.JobRuns.WithLabelValues("failed").Inc()
		return RunResult{}, fmt.Errorf("acquire aggregation lock: %w", err)
	}
	if !ok {
		metrics.JobRuns.WithLabelValues("skipped").Inc()
		a.log.Warnw("aggregation lock held by another instance; skipping run")
		return RunResult{Skipped: true}, nil
	}
	defer release()

	now := a.now().UTC()
	cutoff := now.Add(-a.cfg.RawRetention).Truncate(time.Hour)

	run, err := a.rollup(ctx, now, cutoff, false)
	if err != nil {
		metrics.JobRuns.WithLabelValues("failed").Inc()
		return RunResult{}, fmt.Errorf("aggregation run rolled back: %w", err)
	}
	a.log.Infow("aggregation run committed",
		"cutoff", run.Cutoff.Format(time.RFC3339),
		"summaries_inserted", run.SummariesInserted,
		"summaries_skipped", run.SummariesSkipped,
		"performance_rolled", run.PerformanceRolled,
		"events_rolled", run.EventsRolled,
		"summaries_pruned", run.SummariesPruned,
	)

	result := RunResult{Run: run}
	report, err := assessCapacity(ctx, a.db, &result.Run, a.cfg.CapacityCeiling)
	if err != nil {
		// The rollup is committed; a failed count is still an operator problem.
		metrics.JobRuns.WithLabelValues("failed").Inc()
		return result, fmt.Errorf("capacity check: %w", err)
	}
	result.Capacity = report

	switch report.Level {
	case CapacityWarning:
		a.log.Warnw("telemetry row count past 80% of capacity ceiling",
			"total", humanize.Comma(report.Total), "ceiling", humanize.Comma(report.Ceiling))
	case CapacityExceeded:
		a.log.Errorw(fmt.Sprintf("%s telemetry row count %s exceeds ceiling %s",
			CapacityAlertPrefix, humanize.Comma(report.Total), humanize.Comma(report.Ceiling)),
			"rows", report.Rows, "growth", report.Growth)

		if report.Previous > 0 && report.Growth > a.cfg.GrowthThreshold {
			emergency, err := a.emergencyRollup(ctx, now, cutoff)
			if err != nil {
				a.log.Errorw(CapacityAlertPrefix+" emergency aggregation failed", "error", err)
			} else if emergency != nil {
				result.Emergency = emergency
			}
		}
		metrics.JobRuns.WithLabelValues("capacity_exceeded").Inc()
		return result, ErrCapacityExceeded
	}

	metrics.JobRuns.WithLabelValues("completed").Inc()
	return result, nil
}

// emergencyRollup aggregates the youngest raw data (older than the emergency
// horizon) out of cycle to arrest growth. It runs under the lock already held
// by Run.
func (a *Aggregator) emergencyRollup(ctx context.Context, now, regularCutoff time.Time) (*AggregationRun, error) {
	cutoff := now.Add(-a.cfg.EmergencyHorizon).Truncate(time.Hour)
	if !cutoff.After(regularCutoff) {
		return nil, nil
	}
	a.log.Warnw(CapacityAlertPrefix+" growth past threshold; running emergency aggregation",
		"threshold", a.cfg.GrowthThreshold, "cutoff", cutoff.Format(time.RFC3339))

	run, err := a.rollup(ctx, now, cutoff, true)
	if err != nil {
		return nil, err
	}
	a.log.Warnw("emergency aggregation committed",
		"cutoff", run.Cutoff.Format(time.RFC3339),
		"performance_rolled", run.PerformanceRolled,
		"events_rolled", run.EventsRolled)
	return &run, nil
}

// rollup performs windowing, idempotent summary insertion, raw deletion and
// summary pruning in a single transaction at the strictest isolation level.
func (a *Aggregator) rollup(ctx context.Context, now, cutoff time.Time, emergency bool) (AggregationRun, error) {
	run := AggregationRun{StartedAt: now, Cutoff: cutoff, Emergency: emergency}

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Roll one hour at a time so memory stays bounded by the busiest
		// hour rather than by the whole backlog.
		hour, more, err := nextRawHour(tx, time.Time{}, cutoff)
		if err != nil {
			return err
		}
		for more {
			end := hour.Add(time.Hour)
			if err := rollHour(tx, &run, RawRange{From: hour, To: end}); err != nil {
				return err
			}
			if hour, more, err = nextRawHour(tx, end, cutoff); err != nil {
				return err
			}
		}

		if run.PerformanceRolled, err = deleteRawBefore(tx, &PerformanceRecord{}, cutoff); err != nil {
			return fmt.Errorf("delete rolled performance records: %w", err)
		}
		if run.EventsRolled, err = deleteRawBefore(tx, &InteractionEvent{}, cutoff); err != nil {
			return fmt.Errorf("delete rolled interaction events: %w", err)
		}

		floor := now.Add(-a.cfg.SummaryRetention)
		if run.SummariesPruned, err = pruneSummaries(tx, floor); err != nil {
			return fmt.Errorf("prune summaries: %w", err)
		}

		run.FinishedAt = a.now().UTC()
		if err := tx.Create(&run).Error; err != nil {
			return fmt.Errorf("record run: %w", err)
		}
		return pruneRuns(tx, floor, run.ID)
	}, strictTxOptions(a.db))
	if err != nil {
		return AggregationRun{}, err
	}

	if run.LateRowsDiscarded > 0 {
		a.log.Warnw("discarded raw rows whose bucket was already summarized",
			"rows", run.LateRowsDiscarded, "buckets", run.SummariesSkipped)
	}
	return run, nil
}

// rollHour summarizes the raw rows in r, which spans at most one hour
// bucket, skipping buckets that already have a summary.
func rollHour(tx *gorm.DB, run *AggregationRun, r RawRange) error {
	perfGroups, err := ScanPerformance(tx, r)
	if err != nil {
		return err
	}
	usageGroups, err := ScanUsage(tx, r)
	if err != nil {
		return err
	}

	existing, err := existingKeys(tx, r.To, perfGroups, usageGroups)
	if err != nil {
		return err
	}

	summaries := make([]AggregatedSummary, 0, len(perfGroups)+len(usageGroups))
	for k, samples := range perfGroups {
		key := SummaryKey{Bucket: k.Bucket, Kind: SummaryPerformance, Dimension: k.Dimension}
		if existing[key] {
			run.SummariesSkipped++
			run.LateRowsDiscarded += int64(len(samples))
			continue
		}
		s, err := newSummary(key, ComputePerformanceStats(samples))
		if err != nil {
			return err
		}
		summaries = append(summaries, s)
	}
	for k, samples := range usageGroups {
		key := SummaryKey{Bucket: k.Bucket, Kind: SummaryUsage, Dimension: k.Dimension}
		if existing[key] {
			run.SummariesSkipped++
			run.LateRowsDiscarded += int64(len(samples))
			continue
		}
		s, err := newSummary(key, ComputeUsageStats(samples))
		if err != nil {
			return err
		}
		summaries = append(summaries, s)
	}

	if len(summaries) > 0 {
		if err := tx.CreateInBatches(&summaries, insertBatchSize).Error; err != nil {
			return fmt.Errorf("insert summaries: %w", err)
		}
	}
	run.SummariesInserted += int64(len(summaries))
	return nil
}

// nextRawHour returns the hour bucket of the oldest raw row, in either raw
// table, with from <= occurred_at < cutoff. ok is false when there is none.
func nextRawHour(tx *gorm.DB, from, cutoff time.Time) (time.Time, bool, error) {
	var next time.Time
	found := false
	for _, model := range []any{&PerformanceRecord{}, &InteractionEvent{}} {
		var oldest []time.Time
		if err := (RawRange{From: from, To: cutoff}).apply(tx.Model(model), "").
			Order("occurred_at ASC").
			Limit(1).
			Pluck("occurred_at", &oldest).Error; err != nil {
			return time.Time{}, false, fmt.Errorf("find oldest raw row: %w", err)
		}
		if len(oldest) > 0 && (!found || oldest[0].Before(next)) {
			next, found = oldest[0], true
		}
	}
	if !found {
		return time.Time{}, false, nil
	}
	return HourBucket(next), true, nil
}

func newSummary(key SummaryKey, stats Stats) (AggregatedSummary, error) {
	payload, err := EncodeStats(stats)
	if err != nil {
		return AggregatedSummary{}, err
	}
	return AggregatedSummary{
		Bucket:      time.Unix(key.Bucket, 0).UTC(),
		Kind:        key.Kind,
		Dimension:   key.Dimension,
		SampleCount: stats.Samples(),
		Stats:       payload,
	}, nil
}

// existingKeys loads the idempotency keys of summaries already present for
// the buckets about to be rolled.
func existingKeys(tx *gorm.DB, cutoff time.Time, perf map[GroupKey][]PerformanceSample, usage map[GroupKey][]UsageSample) (map[SummaryKey]bool, error) {
	keys := make(map[SummaryKey]bool)
	if len(perf) == 0 && len(usage) == 0 {
		return keys, nil
	}

	minBucket := int64(-1)
	for k := range perf {
		if minBucket < 0 || k.Bucket < minBucket {
			minBucket = k.Bucket
		}
	}
	for k := range usage {
		if minBucket < 0 || k.Bucket < minBucket {
			minBucket = k.Bucket
		}
	}

	var rows []AggregatedSummary
	if err := tx.Model(&AggregatedSummary{}).
		Select("bucket", "kind", "dimension").
		Where("bucket >= ? AND bucket < ?", time.Unix(minBucket, 0).UTC(), cutoff).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load existing summary keys: %w", err)
	}
	for _, r := range rows {
		keys[r.Key()] = true
	}
	return keys, nil
}

// HourBucket returns the UTC start of the hour containing t.
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// Frontier returns the boundary between the tiers: the cutoff of the most
// advanced committed run. Raw rows older than it have been rolled; summaries
// newer than it do not exist. ok is false when no run has committed yet.
func Frontier(ctx context.Context, db *gorm.DB) (time.Time, bool, error) {
	var runs []AggregationRun
	if err := db.WithContext(ctx).
		Select("cutoff").
		Order("cutoff DESC").
		Limit(1).
		Find(&runs).Error; err != nil {
		return time.Time{}, false, err
	}
	if len(runs) == 0 {
		return time.Time{}, false, nil
	}
	return runs[0].Cutoff.UTC(), true, nil
}
