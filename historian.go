// Package historian is an embedded log-retention engine. It accepts log
// records from any number of goroutines, persists them from a single
// background writer, and keeps only the newest MaxRows rows.
//
// An Engine moves through three states: constructed, Ready after
// Initialize, and Terminated after Terminate. Everything except Initialize
// fails with ErrInvalidState outside Ready.
package historian

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/historian/internal/buffer"
	"github.com/ehrlich-b/historian/internal/crypto"
	"github.com/ehrlich-b/historian/internal/dispatch"
	"github.com/ehrlich-b/historian/internal/logentry"
	"github.com/ehrlich-b/historian/internal/storage"
	"github.com/ehrlich-b/historian/internal/writer"
)

type state int

const (
	stateUninitialized state = iota
	stateReady
	stateTerminating
	stateTerminated
)

func (s state) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateReady:
		return "ready"
	case stateTerminating:
		return "terminating"
	default:
		return "terminated"
	}
}

// Entry is a retained row as returned by Entries.
type Entry struct {
	ID        int64     `json:"id"`
	Priority  string    `json:"priority"`
	Tag       string    `json:"tag"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats are cumulative counters since New.
type Stats struct {
	Accepted  uint64 // records that passed filtering
	Dropped   uint64 // records filtered out by level or empty message
	Persisted uint64 // records committed to the store
	Failed    uint64 // write attempts that failed
	Pending   int    // background writes queued but not started
	Buffered  int    // records held by the batched-mode buffer
}

// Engine is the public entry point. It is safe for concurrent use.
type Engine struct {
	cfg  Config
	path string
	log  *slog.Logger

	store  storage.Store
	writer *writer.Writer
	buf    *buffer.Buffer
	disp   *dispatch.Dispatcher

	mu    sync.RWMutex
	state state

	tickStop chan struct{}
	tickDone chan struct{}

	lastTS    atomic.Int64
	accepted  atomic.Uint64
	dropped   atomic.Uint64
	persisted atomic.Uint64
	failed    atomic.Uint64
}

// New validates cfg, creates the storage directory and connects to the
// store. The schema is not touched until Initialize.
func New(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []writer.Option
	if cfg.EncryptionSecret != "" {
		sealer, err := crypto.NewSealer(cfg.EncryptionSecret)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
		opts = append(opts, writer.WithSealer(sealer))
	}

	store, path, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		path:   path,
		log:    cfg.Logger,
		store:  store,
		writer: writer.New(store, cfg.MaxRows, opts...),
		buf:    buffer.New(cfg.QueueCapacity),
	}
	e.disp = dispatch.New(dispatch.Options{
		Callbacks: dispatch.Callbacks{
			OnSuccess: cfg.Callbacks.OnSuccess,
			OnFailure: cfg.Callbacks.OnFailure,
		},
		Executor: cfg.Executor,
		Log:      cfg.Logger,
	})

	e.debug("backing store configured", "path", path, "table", cfg.Table, "mode", cfg.Mode)
	return e, nil
}

func openStore(cfg Config) (storage.Store, string, error) {
	if cfg.IsPostgres() {
		store, err := storage.NewPostgres(cfg.DSN, cfg.Table)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrStorageIO, err)
		}
		return store, cfg.DSN, nil
	}

	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return nil, "", fmt.Errorf("%w: create directory: %w", ErrStorageIO, err)
	}
	dir, err := filepath.Abs(cfg.Directory)
	if err == nil {
		dir, err = filepath.EvalSymlinks(dir)
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: resolve %s: %w", ErrStorageIO, cfg.Directory, err)
	}

	path := filepath.Join(dir, cfg.Name)
	store, err := storage.NewSQLite(path, cfg.Table)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrStorageIO, err)
	}
	return store, path, nil
}

// Initialize opens the store schema and starts the writer. Calling it again,
// or after Terminate, does nothing.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateUninitialized {
		return nil
	}
	if err := e.store.Open(ctx); err != nil {
		return fmt.Errorf("%w: open store: %w", ErrStorageIO, err)
	}

	e.disp.Start()
	if e.cfg.Mode == ModeBatched && e.cfg.FlushInterval > 0 {
		e.tickStop = make(chan struct{})
		e.tickDone = make(chan struct{})
		go e.flushLoop(e.cfg.FlushInterval)
	}

	e.state = stateReady
	e.debug("initialized", "path", e.path)
	return nil
}

// Record accepts one log event. Records below MinLevel or with an empty
// message are dropped without error. Record never waits on storage.
func (e *Engine) Record(level Level, tag, message string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.state != stateReady {
		return e.invalid("record")
	}
	if level < e.cfg.MinLevel || message == "" {
		e.dropped.Add(1)
		return nil
	}

	entry := logentry.Entry{
		Priority:  level.String(),
		Tag:       tag,
		Message:   message,
		CreatedAt: e.timestamp(),
	}
	e.accepted.Add(1)

	var batch []logentry.Entry
	switch e.cfg.Mode {
	case ModeBatched:
		batch = e.buf.EnqueueAndDrainIfExceeded(entry)
	default:
		batch = []logentry.Entry{entry}
	}
	if len(batch) == 0 {
		return nil
	}
	return e.submit(batch)
}

// Recordf is Record with fmt.Sprintf formatting.
func (e *Engine) Recordf(level Level, tag, format string, args ...any) error {
	return e.Record(level, tag, fmt.Sprintf(format, args...))
}

// Flush waits for queued background writes, then writes whatever the buffer
// holds on the calling goroutine. If Terminate begins while Flush waits,
// Flush returns ErrInvalidState and Terminate persists the buffer.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.syncWrites(ctx, "flush"); err != nil {
		return err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != stateReady {
		return e.invalid("flush")
	}
	return e.flushBuffered(ctx)
}

// Delete removes every retained row. Queued writes land first and buffered
// records are discarded, so nothing accepted before Delete survives it.
func (e *Engine) Delete(ctx context.Context) error {
	if err := e.syncWrites(ctx, "delete"); err != nil {
		return err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != stateReady {
		return e.invalid("delete")
	}
	e.buf.Drain()
	if err := e.writer.DeleteAll(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	e.debug("store cleared")
	return nil
}

// Terminate rejects further records, finishes queued background writes,
// flushes the buffer and closes the store.
func (e *Engine) Terminate(ctx context.Context) error {
	e.mu.Lock()
	if e.state != stateReady {
		err := e.invalid("terminate")
		e.mu.Unlock()
		return err
	}
	e.state = stateTerminating
	e.mu.Unlock()

	if e.tickStop != nil {
		close(e.tickStop)
		<-e.tickDone
	}
	e.disp.Stop()

	flushErr := e.flushBuffered(ctx)
	var closeErr error
	if err := e.store.Close(); err != nil {
		closeErr = fmt.Errorf("%w: close store: %w", ErrStorageIO, err)
	}

	e.mu.Lock()
	e.state = stateTerminated
	e.mu.Unlock()

	e.debug("terminated", "persisted", e.persisted.Load(), "failed", e.failed.Load())
	return errors.Join(flushErr, closeErr)
}

// StorePath returns the absolute path of the backing file, or the DSN for
// Postgres.
func (e *Engine) StorePath() (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != stateReady {
		return "", e.invalid("store path")
	}
	return e.path, nil
}

// StoreName returns the configured file name.
func (e *Engine) StoreName() (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != stateReady {
		return "", e.invalid("store name")
	}
	return e.cfg.Name, nil
}

// DB returns the store's native handle for raw queries. Messages are stored
// sealed when EncryptionSecret is set.
func (e *Engine) DB() (*sql.DB, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != stateReady {
		return nil, e.invalid("db")
	}
	return e.store.DB(), nil
}

// Entries returns the newest limit rows oldest-first; limit <= 0 returns all.
func (e *Engine) Entries(ctx context.Context, limit int) ([]Entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != stateReady {
		return nil, e.invalid("entries")
	}

	rows, err := e.writer.Read(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = Entry{
			ID:        r.ID,
			Priority:  r.Priority,
			Tag:       r.Tag,
			Message:   r.Message,
			CreatedAt: r.Time(),
		}
	}
	return out, nil
}

// Count returns the number of retained rows.
func (e *Engine) Count(ctx context.Context) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != stateReady {
		return 0, e.invalid("count")
	}
	return e.store.Count(ctx)
}

// Stats returns the engine's counters. Valid in every state.
func (e *Engine) Stats() Stats {
	return Stats{
		Accepted:  e.accepted.Load(),
		Dropped:   e.dropped.Load(),
		Persisted: e.persisted.Load(),
		Failed:    e.failed.Load(),
		Pending:   e.disp.Pending(),
		Buffered:  e.buf.Len(),
	}
}

func (e *Engine) submit(batch []logentry.Entry) error {
	err := e.disp.Submit(func(ctx context.Context) error {
		return e.write(ctx, batch)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	return nil
}

// syncWrites waits for the dispatcher without holding e.mu: callbacks run on
// the worker and may call Record while Terminate waits for the write lock.
func (e *Engine) syncWrites(ctx context.Context, op string) error {
	e.mu.RLock()
	if e.state != stateReady {
		err := e.invalid(op)
		e.mu.RUnlock()
		return err
	}
	e.mu.RUnlock()

	if err := e.disp.Sync(ctx); err != nil {
		if errors.Is(err, dispatch.ErrStopped) {
			return fmt.Errorf("%w: %s: %w", ErrInvalidState, op, err)
		}
		return err
	}
	return nil
}

func (e *Engine) flushBuffered(ctx context.Context) error {
	return e.write(ctx, e.buf.Drain())
}

func (e *Engine) write(ctx context.Context, batch []logentry.Entry) error {
	if len(batch) == 0 {
		return nil
	}
	if err := e.writer.Flush(ctx, batch); err != nil {
		e.failed.Add(1)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	e.persisted.Add(uint64(len(batch)))
	return nil
}

// flushLoop periodically hands the buffer to the writer in batched mode.
func (e *Engine) flushLoop(interval time.Duration) {
	defer close(e.tickDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if batch := e.buf.Drain(); len(batch) > 0 {
				if err := e.submit(batch); err != nil {
					e.log.Warn("failed to submit timed flush", "error", err)
				}
			}
		case <-e.tickStop:
			return
		}
	}
}

// timestamp returns the current time in milliseconds, never earlier than a
// previously issued timestamp.
func (e *Engine) timestamp() int64 {
	now := e.cfg.Now().UnixMilli()
	for {
		last := e.lastTS.Load()
		if now <= last {
			return last
		}
		if e.lastTS.CompareAndSwap(last, now) {
			return now
		}
	}
}

func (e *Engine) invalid(op string) error {
	return fmt.Errorf("%w: %s called while %s", ErrInvalidState, op, e.state)
}

func (e *Engine) debug(msg string, args ...any) {
	if e.cfg.Debug {
		e.log.Debug(msg, args...)
	}
}
