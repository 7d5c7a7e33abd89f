// Package writer persists buffered entries into the retention store.
package writer

import (
	"context"
	"fmt"

	"github.com/ehrlich-b/historian/internal/crypto"
	"github.com/ehrlich-b/historian/internal/logentry"
	"github.com/ehrlich-b/historian/internal/storage"
)

// Writer forwards batches to the store with the configured row cap. It keeps
// no mutable state; the dispatcher guarantees at most one async flush in flight.
type Writer struct {
	store   storage.Store
	maxRows int
	sealer  *crypto.Sealer
}

// Option configures a Writer.
type Option func(*Writer)

// WithSealer encrypts message text before it is stored.
func WithSealer(s *crypto.Sealer) Option {
	return func(w *Writer) { w.sealer = s }
}

// New creates a writer for store that keeps at most maxRows rows.
func New(store storage.Store, maxRows int, opts ...Option) *Writer {
	w := &Writer{store: store, maxRows: maxRows}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Flush inserts entries and trims the table in one transaction.
func (w *Writer) Flush(ctx context.Context, entries []logentry.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if w.sealer != nil {
		sealed := make([]logentry.Entry, len(entries))
		for i, e := range entries {
			msg, err := w.sealer.Seal(e.Message)
			if err != nil {
				return fmt.Errorf("seal message: %w", err)
			}
			e.Message = msg
			sealed[i] = e
		}
		entries = sealed
	}
	if err := w.store.InsertAndTrim(ctx, entries, w.maxRows); err != nil {
		return fmt.Errorf("persist %d entries: %w", len(entries), err)
	}
	return nil
}

// FlushOne is Flush for a single entry.
func (w *Writer) FlushOne(ctx context.Context, e logentry.Entry) error {
	return w.Flush(ctx, []logentry.Entry{e})
}

// DeleteAll clears the store.
func (w *Writer) DeleteAll(ctx context.Context) error {
	if err := w.store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	return nil
}

// Read returns the newest limit rows oldest-first with messages unsealed.
func (w *Writer) Read(ctx context.Context, limit int) ([]storage.Row, error) {
	rows, err := w.store.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	if w.sealer == nil {
		return rows, nil
	}
	for i := range rows {
		msg, err := w.sealer.Open(rows[i].Message)
		if err != nil {
			return nil, fmt.Errorf("open row %d: %w", rows[i].ID, err)
		}
		rows[i].Message = msg
	}
	return rows, nil
}
