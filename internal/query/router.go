package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"apitelemetry/internal/db"
	"apitelemetry/internal/metrics"
)

// Plan says which tiers serve a window.
type Plan string

const (
	PlanRaw        Plan = "raw"
	PlanAggregated Plan = "aggregated"
	PlanSplit      Plan = "split"
)

const (
	TierRaw        = "raw"
	TierAggregated = "aggregated"
)

// Request is one time-range query as received from the API.
type Request struct {
	Kind db.SummaryKind

	// Range is a preset name; Start/End are RFC3339 and used when Range is
	// empty.
	Range, Start, End string

	// Dimension optionally restricts to one endpoint (performance) or event
	// kind (usage).
	Dimension string
}

// Point is one hour bucket of one dimension.
type Point struct {
	Bucket   time.Time `json:"bucket"`
	Tier     string    `json:"tier"`
	Endpoint string    `json:"endpoint,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	Stats    db.Stats  `json:"stats"`
}

func (p Point) dimension() string {
	if p.Endpoint != "" {
		return p.Endpoint
	}
	return p.Kind
}

// Result is a routed query's answer. Series is sorted by bucket then
// dimension and never holds the same bucket from both tiers.
type Result struct {
	Window   Window    `json:"window"`
	Boundary time.Time `json:"boundary"`
	Plan     Plan      `json:"plan"`
	Series   []Point   `json:"series"`
}

// Router serves time-range queries across the raw and aggregated tiers.
type Router struct {
	db     *gorm.DB
	limits Limits
	now    func() time.Time
}

// NewRouter builds a router. now may be nil to use the wall clock.
func NewRouter(gdb *gorm.DB, limits Limits, now func() time.Time) *Router {
	if now == nil {
		now = time.Now
	}
	return &Router{db: gdb, limits: limits, now: now}
}

// Serve validates the request's window and answers it from whichever tiers
// hold it. Validation failures are *ValidationError and no query runs.
func (r *Router) Serve(ctx context.Context, req Request) (Result, error) {
	now := r.now().UTC()

	w, err := ParseWindow(req.Range, req.Start, req.End, now)
	if err == nil {
		err = r.limits.Validate(w, now)
	}
	if err != nil {
		metrics.QueryPlans.WithLabelValues("rejected").Inc()
		return Result{}, err
	}
	if req.Kind != db.SummaryPerformance && req.Kind != db.SummaryUsage {
		return Result{}, fmt.Errorf("unknown summary kind %q", req.Kind)
	}

	boundary, err := r.Boundary(ctx, now)
	if err != nil {
		return Result{}, err
	}
	plan := Classify(w, boundary)
	metrics.QueryPlans.WithLabelValues(string(plan)).Inc()

	res := Result{Window: w, Boundary: boundary, Plan: plan}
	var aggregated, raw []Point

	g, gctx := errgroup.WithContext(ctx)
	if plan != PlanRaw {
		g.Go(func() error {
			var err error
			aggregated, err = r.readAggregated(gctx, req, w.Start, minTime(w.End, boundary))
			return err
		})
	}
	if plan != PlanAggregated {
		g.Go(func() error {
			var err error
			raw, err = r.readRaw(gctx, req, maxTime(w.Start, boundary), w.End)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res.Series = merge(aggregated, raw)
	return res, nil
}

// Boundary returns the instant separating the tiers: the cutoff of the most
// advanced committed aggregation run, or the nominal raw-retention line when
// no run has committed yet. It is always hour aligned.
func (r *Router) Boundary(ctx context.Context, now time.Time) (time.Time, error) {
	frontier, ok, err := db.Frontier(ctx, r.db)
	if err != nil {
		return time.Time{}, fmt.Errorf("load tier boundary: %w", err)
	}
	if ok {
		return frontier, nil
	}
	return now.Add(-r.limits.RawRetention).Truncate(time.Hour), nil
}

// Classify picks the tiers for w given the boundary.
func Classify(w Window, boundary time.Time) Plan {
	switch {
	case !w.Start.Before(boundary):
		return PlanRaw
	case !w.End.After(boundary):
		return PlanAggregated
	default:
		return PlanSplit
	}
}

func (r *Router) readAggregated(ctx context.Context, req Request, from, to time.Time) ([]Point, error) {
	// Summaries are hour aligned: include the bucket containing from.
	rows, err := db.FindSummaries(ctx, r.db, req.Kind, db.HourBucket(from), to, req.Dimension)
	if err != nil {
		return nil, err
	}
	points := make([]Point, 0, len(rows))
	for _, s := range rows {
		stats, err := s.DecodeStats()
		if err != nil {
			return nil, err
		}
		points = append(points, newPoint(req.Kind, s.Bucket.UTC(), TierAggregated, s.Dimension, stats))
	}
	return points, nil
}

func (r *Router) readRaw(ctx context.Context, req Request, from, to time.Time) ([]Point, error) {
	rng := db.RawRange{From: from, To: to, Dimension: req.Dimension}
	tx := r.db.WithContext(ctx)

	var points []Point
	switch req.Kind {
	case db.SummaryPerformance:
		groups, err := db.ScanPerformance(tx, rng)
		if err != nil {
			return nil, err
		}
		for k, samples := range groups {
			points = append(points, newPoint(req.Kind, time.Unix(k.Bucket, 0).UTC(), TierRaw, k.Dimension,
				db.ComputePerformanceStats(samples)))
		}
	case db.SummaryUsage:
		groups, err := db.ScanUsage(tx, rng)
		if err != nil {
			return nil, err
		}
		for k, samples := range groups {
			points = append(points, newPoint(req.Kind, time.Unix(k.Bucket, 0).UTC(), TierRaw, k.Dimension,
				db.ComputeUsageStats(samples)))
		}
	default:
		return nil, errors.New("unreachable summary kind")
	}
	return points, nil
}

func newPoint(kind db.SummaryKind, bucket time.Time, tier, dimension string, stats db.Stats) Point {
	p := Point{Bucket: bucket, Tier: tier, Stats: stats}
	if kind == db.SummaryPerformance {
		p.Endpoint = dimension
	} else {
		p.Kind = dimension
	}
	return p
}

// merge concatenates the tiers by bucket. The boundary is hour aligned, so
// the aggregated points all precede the raw ones.
func merge(aggregated, raw []Point) []Point {
	out := make([]Point, 0, len(aggregated)+len(raw))
	out = append(out, aggregated...)
	out = append(out, raw...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Bucket.Equal(out[j].Bucket) {
			return out[i].Bucket.Before(out[j].Bucket)
		}
		return out[i].dimension() < out[j].dimension()
	})
	return out
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
