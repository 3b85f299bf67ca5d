package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"gorm.io/gorm"

	"apitelemetry/internal/config"
	"apitelemetry/internal/db"
)

// StatusCommand shows row counts, capacity headroom and the tier boundary.
type StatusCommand struct {
	JSON bool `long:"json" description:"Output in JSON format"`

	globals *GlobalFlags
}

// Execute implements the go-flags Commander interface for StatusCommand.
func (c *StatusCommand) Execute(args []string) error {
	cfg, log, err := setup(c.globals)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	gdb, err := db.Connect(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := collectStatus(ctx, gdb, cfg, time.Now())
	if err != nil {
		return err
	}
	return st.write(os.Stdout, c.JSON)
}

type status struct {
	Rows     map[string]int64 `json:"rows"`
	Total    int64            `json:"total"`
	Ceiling  int64            `json:"ceiling"`
	Used     float64          `json:"used"`
	Boundary time.Time        `json:"boundary"`
	// Nominal is true when no aggregation run has committed yet and the
	// boundary is derived from the raw retention window.
	Nominal bool `json:"nominal"`
}

func collectStatus(ctx context.Context, gdb *gorm.DB, cfg *config.Config, now time.Time) (status, error) {
	rows, total, err := db.CountRows(ctx, gdb)
	if err != nil {
		return status{}, err
	}
	st := status{
		Rows:    rows,
		Total:   total,
		Ceiling: cfg.CapacityCeiling,
		Used:    float64(total) / float64(cfg.CapacityCeiling),
	}

	frontier, ok, err := db.Frontier(ctx, gdb)
	if err != nil {
		return status{}, err
	}
	if ok {
		st.Boundary = frontier
	} else {
		st.Boundary = now.UTC().Add(-cfg.RawRetention).Truncate(time.Hour)
		st.Nominal = true
	}
	return st, nil
}

func (s status) write(w io.Writer, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	tables := make([]string, 0, len(s.Rows))
	for name := range s.Rows {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	for _, name := range tables {
		fmt.Fprintf(w, "%-22s %s\n", name, humanize.Comma(s.Rows[name]))
	}
	fmt.Fprintf(w, "%-22s %s of %s (%.1f%%)\n", "total", humanize.Comma(s.Total), humanize.Comma(s.Ceiling), s.Used*100)

	boundary := s.Boundary.Format(time.RFC3339)
	if s.Nominal {
		boundary += " (nominal, no run yet)"
	} else {
		boundary += " (" + humanize.Time(s.Boundary) + ")"
	}
	fmt.Fprintf(w, "%-22s %s\n", "tier boundary", boundary)
	return nil
}
