package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/ehrlich-b/historian"
)

const (
	colorReset  = "\033[0m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorPurple = "\033[35m"
)

// Source lists retained entries. *historian.Engine implements it.
type Source interface {
	Entries(ctx context.Context, limit int) ([]historian.Entry, error)
}

// TailOptions configures the tail command.
type TailOptions struct {
	Limit int // newest N entries; 0 prints all
	Color bool
	UTC   bool
}

// ColorEnabled reports whether f is a terminal and NO_COLOR is unset.
func ColorEnabled(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Tail prints the newest entries oldest-first, one per line.
func Tail(ctx context.Context, src Source, out io.Writer, opts TailOptions) (int, error) {
	entries, err := src.Entries(ctx, opts.Limit)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		fmt.Fprintln(out, FormatEntry(e, opts))
	}
	return len(entries), nil
}

// FormatEntry renders e as "2006-01-02 15:04:05.000 LEVEL tag: message".
func FormatEntry(e historian.Entry, opts TailOptions) string {
	ts := e.CreatedAt
	if opts.UTC {
		ts = ts.UTC()
	}
	stamp := ts.Format(time.DateTime + ".000")

	prefix := fmt.Sprintf("%-5s", e.Priority)
	if e.Tag != "" {
		prefix = fmt.Sprintf("%-5s %s:", e.Priority, e.Tag)
	}
	if !opts.Color {
		return fmt.Sprintf("%s %s %s", stamp, prefix, e.Message)
	}
	return fmt.Sprintf("%s%s%s %s%s%s %s", colorDim, stamp, colorReset, levelColor(e.Priority), prefix, colorReset, e.Message)
}

func levelColor(priority string) string {
	switch priority {
	case "WARN":
		return colorYellow
	case "ERROR":
		return colorRed
	case "FATAL":
		return colorPurple
	case "TRACE", "DEBUG":
		return colorDim
	case "UNKNOWN":
		return colorCyan
	default:
		return ""
	}
}
