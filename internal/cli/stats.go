package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ehrlich-b/historian"
)

// StatsSource is the part of *historian.Engine the stats command reads.
type StatsSource interface {
	StorePath() (string, error)
	Count(ctx context.Context) (int, error)
	Stats() historian.Stats
}

// PrintStats writes a short summary of the store.
func PrintStats(ctx context.Context, src StatsSource, cfg historian.Config, out io.Writer) error {
	path, err := src.StorePath()
	if err != nil {
		return err
	}
	rows, err := src.Count(ctx)
	if err != nil {
		return fmt.Errorf("count rows: %w", err)
	}
	stats := src.Stats()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "store\t%s\n", path)
	fmt.Fprintf(w, "table\t%s\n", cfg.Table)
	fmt.Fprintf(w, "rows\t%d / %d\n", rows, cfg.MaxRows)
	fmt.Fprintf(w, "mode\t%s\n", cfg.Mode)
	fmt.Fprintf(w, "min level\t%s\n", cfg.MinLevel)
	if stats.Accepted > 0 || stats.Dropped > 0 {
		fmt.Fprintf(w, "session\t%d accepted, %d dropped, %d persisted, %d failed\n",
			stats.Accepted, stats.Dropped, stats.Persisted, stats.Failed)
	}
	if stats.Pending > 0 || stats.Buffered > 0 {
		fmt.Fprintf(w, "queued\t%d writes pending, %d records buffered\n", stats.Pending, stats.Buffered)
	}
	return w.Flush()
}
