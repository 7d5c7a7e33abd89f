package historian_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehrlich-b/historian"
)

const testTag = "test_tag"

// newEngine returns an initialized engine in a temp directory. The returned
// channel receives one value per successful background write.
func newEngine(t *testing.T, mutate func(*historian.Config)) (*historian.Engine, <-chan struct{}) {
	t.Helper()
	written := make(chan struct{}, 1024)

	cfg := historian.DefaultConfig()
	cfg.Directory = t.TempDir()
	cfg.Callbacks.OnSuccess = func() { written <- struct{}{} }
	if mutate != nil {
		mutate(&cfg)
	}

	e, err := historian.New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Terminate(context.Background()) })
	return e, written
}

func waitWrites(t *testing.T, written <-chan struct{}, n int) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-written:
		case <-timeout:
			t.Fatalf("timed out waiting for writes: got %d of %d", i, n)
		}
	}
}

func count(t *testing.T, e *historian.Engine) int {
	t.Helper()
	n, err := e.Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	return n
}

func TestOperationsBeforeInitialize(t *testing.T) {
	cfg := historian.DefaultConfig()
	cfg.Directory = t.TempDir()
	e, err := historian.New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if err := e.Record(historian.LevelError, testTag, "too early"); !errors.Is(err, historian.ErrInvalidState) {
		t.Errorf("Record = %v, want ErrInvalidState", err)
	}
	if err := e.Flush(ctx); !errors.Is(err, historian.ErrInvalidState) {
		t.Errorf("Flush = %v, want ErrInvalidState", err)
	}
	if err := e.Delete(ctx); !errors.Is(err, historian.ErrInvalidState) {
		t.Errorf("Delete = %v, want ErrInvalidState", err)
	}
	if err := e.Terminate(ctx); !errors.Is(err, historian.ErrInvalidState) {
		t.Errorf("Terminate = %v, want ErrInvalidState", err)
	}
	if _, err := e.StorePath(); !errors.Is(err, historian.ErrInvalidState) {
		t.Errorf("StorePath = %v, want ErrInvalidState", err)
	}
	if _, err := e.StoreName(); !errors.Is(err, historian.ErrInvalidState) {
		t.Errorf("StoreName = %v, want ErrInvalidState", err)
	}

	// The store was never touched.
	if err := e.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if n := count(t, e); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
	if err := e.Terminate(ctx); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	e, written := newEngine(t, nil)
	ctx := context.Background()

	if err := e.Record(historian.LevelInfo, testTag, "one"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	waitWrites(t, written, 1)

	if err := e.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize failed: %v", err)
	}
	if n := count(t, e); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestStoreAccessors(t *testing.T) {
	dir := t.TempDir()
	e, _ := newEngine(t, func(c *historian.Config) {
		c.Directory = dir
		c.Name = "app-log.db"
	})

	path, err := e.StorePath()
	if err != nil {
		t.Fatalf("StorePath failed: %v", err)
	}
	resolved, _ := filepath.EvalSymlinks(dir)
	if want := filepath.Join(resolved, "app-log.db"); path != want {
		t.Errorf("StorePath = %q, want %q", path, want)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("backing file missing: %v", err)
	}

	name, err := e.StoreName()
	if err != nil {
		t.Fatalf("StoreName failed: %v", err)
	}
	if name != "app-log.db" {
		t.Errorf("StoreName = %q, want app-log.db", name)
	}
}

func TestLevelFiltering(t *testing.T) {
	e, written := newEngine(t, func(c *historian.Config) {
		c.MinLevel = historian.LevelWarn
	})
	ctx := context.Background()

	if err := e.Record(historian.LevelDebug, testTag, "debug is dropped"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := e.Record(historian.LevelError, testTag, "error is kept"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	waitWrites(t, written, 1)
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	entries, err := e.Entries(ctx, 0)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Priority != "ERROR" || entries[0].Message != "error is kept" || entries[0].Tag != testTag {
		t.Errorf("entry = %+v, want the ERROR record", entries[0])
	}

	stats := e.Stats()
	if stats.Dropped != 1 || stats.Accepted != 1 {
		t.Errorf("stats = %+v, want 1 accepted and 1 dropped", stats)
	}
}

func TestEmptyMessageIsDropped(t *testing.T) {
	e, _ := newEngine(t, nil)
	if err := e.Record(historian.LevelError, testTag, ""); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if n := count(t, e); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestDirectModeKeepsNewest(t *testing.T) {
	e, written := newEngine(t, func(c *historian.Config) {
		c.MaxRows = 10
	})
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		if err := e.Record(historian.LevelInfo, testTag, fmt.Sprintf("message %d", i)); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	waitWrites(t, written, 12)

	entries, err := e.Entries(ctx, 0)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("entries = %d, want 10", len(entries))
	}
	for i, got := range entries {
		want := fmt.Sprintf("message %d", i+2)
		if got.Message != want {
			t.Errorf("entries[%d] = %q, want %q", i, got.Message, want)
		}
	}
}

func TestBatchedModeWaitsForThreshold(t *testing.T) {
	e, written := newEngine(t, func(c *historian.Config) {
		c.Mode = historian.ModeBatched
		c.QueueCapacity = 5
	})

	for i := 0; i < 4; i++ {
		if err := e.Record(historian.LevelInfo, testTag, fmt.Sprintf("buffered %d", i)); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	if n := count(t, e); n != 0 {
		t.Fatalf("count = %d before threshold, want 0", n)
	}

	// The fifth record reaches capacity and drains all five.
	if err := e.Record(historian.LevelInfo, testTag, "buffered 4"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	waitWrites(t, written, 1)
	if n := count(t, e); n != 5 {
		t.Errorf("count = %d after threshold, want 5", n)
	}
}

func TestFlushBelowCapacity(t *testing.T) {
	e, _ := newEngine(t, func(c *historian.Config) {
		c.Mode = historian.ModeBatched
		c.QueueCapacity = 3
	})
	ctx := context.Background()

	if err := e.Record(historian.LevelInfo, testTag, "first"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := e.Record(historian.LevelWarn, testTag, "second"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	entries, err := e.Entries(ctx, 0)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Message != "first" || entries[1].Message != "second" {
		t.Errorf("entries = %+v, want [first second]", entries)
	}
}

func TestConcurrentRecords(t *testing.T) {
	for _, tc := range []struct {
		name    string
		mode    historian.Mode
		maxRows int
	}{
		{"direct", historian.ModeDirect, historian.DefaultMaxRows},
		{"batched", historian.ModeBatched, historian.DefaultMaxRows},
		{"direct capped", historian.ModeDirect, 40},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newEngine(t, func(c *historian.Config) {
				c.Mode = tc.mode
				c.MaxRows = tc.maxRows
			})
			ctx := context.Background()

			const threads, perThread = 10, 10
			var wg sync.WaitGroup
			for g := 0; g < threads; g++ {
				wg.Add(1)
				go func(g int) {
					defer wg.Done()
					for i := 0; i < perThread; i++ {
						if err := e.Record(historian.LevelInfo, testTag, fmt.Sprintf("thread %d log %d", g, i)); err != nil {
							t.Errorf("Record failed: %v", err)
						}
					}
				}(g)
			}
			wg.Wait()

			if err := e.Flush(ctx); err != nil {
				t.Fatalf("Flush failed: %v", err)
			}

			entries, err := e.Entries(ctx, 0)
			if err != nil {
				t.Fatalf("Entries failed: %v", err)
			}
			want := min(threads*perThread, tc.maxRows)
			if len(entries) != want {
				t.Fatalf("entries = %d, want %d", len(entries), want)
			}

			seen := make(map[string]bool)
			lastPerThread := make(map[string]int)
			for _, en := range entries {
				if seen[en.Message] {
					t.Fatalf("duplicate entry %q", en.Message)
				}
				seen[en.Message] = true

				// Each goroutine's own records stay in call order.
				var g, i int
				if _, err := fmt.Sscanf(en.Message, "thread %d log %d", &g, &i); err != nil {
					t.Fatalf("unexpected message %q", en.Message)
				}
				key := fmt.Sprint(g)
				if prev, ok := lastPerThread[key]; ok && i <= prev {
					t.Errorf("thread %d out of order: %d after %d", g, i, prev)
				}
				lastPerThread[key] = i
			}
		})
	}
}

func TestDeleteThenRecord(t *testing.T) {
	e, written := newEngine(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := e.Record(historian.LevelInfo, testTag, fmt.Sprintf("old %d", i)); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	waitWrites(t, written, 5)
	if n := count(t, e); n != 5 {
		t.Fatalf("count = %d, want 5", n)
	}

	if err := e.Delete(ctx); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if n := count(t, e); n != 0 {
		t.Fatalf("count after Delete = %d, want 0", n)
	}

	if err := e.Record(historian.LevelInfo, testTag, "fresh"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	entries, err := e.Entries(ctx, 0)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "fresh" {
		t.Errorf("entries = %+v, want [fresh]", entries)
	}
}

func TestDeleteDiscardsBuffered(t *testing.T) {
	e, _ := newEngine(t, func(c *historian.Config) {
		c.Mode = historian.ModeBatched
	})
	ctx := context.Background()

	_ = e.Record(historian.LevelInfo, testTag, "buffered")
	if err := e.Delete(ctx); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if n := count(t, e); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestTerminateFlushesBuffer(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := historian.DefaultConfig()
	cfg.Directory = dir
	cfg.Mode = historian.ModeBatched
	cfg.QueueCapacity = 10

	e, err := historian.New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := e.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := e.Record(historian.LevelInfo, testTag, fmt.Sprintf("pending %d", i)); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	if err := e.Terminate(ctx); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	if err := e.Record(historian.LevelInfo, testTag, "late"); !errors.Is(err, historian.ErrInvalidState) {
		t.Errorf("Record after Terminate = %v, want ErrInvalidState", err)
	}
	if err := e.Terminate(ctx); !errors.Is(err, historian.ErrInvalidState) {
		t.Errorf("second Terminate = %v, want ErrInvalidState", err)
	}
	if err := e.Initialize(ctx); err != nil {
		t.Errorf("Initialize after Terminate = %v, want nil", err)
	}
	if err := e.Flush(ctx); !errors.Is(err, historian.ErrInvalidState) {
		t.Errorf("Flush after Terminate = %v, want ErrInvalidState", err)
	}

	reopened, err := historian.New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := reopened.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer reopened.Terminate(ctx)
	if n := count(t, reopened); n != 3 {
		t.Errorf("persisted = %d, want 3", n)
	}
}

func TestTerminateRejectsConcurrentRecords(t *testing.T) {
	cfg := historian.DefaultConfig()
	cfg.Directory = t.TempDir()
	e, err := historian.New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	if err := e.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	var accepted, rejected atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				err := e.Record(historian.LevelInfo, testTag, "racing")
				switch {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, historian.ErrInvalidState):
					rejected.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
		}()
	}
	time.Sleep(time.Millisecond)
	if err := e.Terminate(ctx); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	wg.Wait()

	// Every accepted record was persisted before the store closed.
	if got := e.Stats().Persisted; got != uint64(accepted.Load()) {
		t.Errorf("persisted = %d, accepted = %d", got, accepted.Load())
	}
}

func TestCallbackRecordDuringFlushAndTerminate(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	callbackErr := make(chan error, 1)
	var once sync.Once
	var e *historian.Engine

	cfg := historian.DefaultConfig()
	cfg.Directory = t.TempDir()
	cfg.Callbacks.OnSuccess = func() {
		once.Do(func() {
			close(entered)
			<-release
			callbackErr <- e.Record(historian.LevelError, testTag, "from callback")
		})
	}
	e, err := historian.New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	if err := e.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if err := e.Record(historian.LevelInfo, testTag, "first"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	<-entered

	flushErr := make(chan error, 1)
	go func() { flushErr <- e.Flush(ctx) }()
	time.Sleep(20 * time.Millisecond) // Flush is waiting on the worker

	termErr := make(chan error, 1)
	go func() { termErr <- e.Terminate(ctx) }()
	time.Sleep(20 * time.Millisecond) // Terminate is waiting too

	close(release)

	timeout := time.After(5 * time.Second)
	select {
	case err := <-flushErr:
		if err != nil && !errors.Is(err, historian.ErrInvalidState) {
			t.Errorf("Flush = %v, want nil or ErrInvalidState", err)
		}
	case <-timeout:
		t.Fatal("Flush never returned")
	}
	select {
	case err := <-termErr:
		if err != nil {
			t.Errorf("Terminate = %v", err)
		}
	case <-timeout:
		t.Fatal("Terminate never returned")
	}
	select {
	case err := <-callbackErr:
		if err != nil && !errors.Is(err, historian.ErrInvalidState) {
			t.Errorf("Record from callback = %v", err)
		}
	case <-timeout:
		t.Fatal("callback Record never returned")
	}
}

func TestBackgroundFailureIsReported(t *testing.T) {
	failures := make(chan error, 4)
	e, written := newEngine(t, func(c *historian.Config) {
		c.Callbacks.OnFailure = func(err error) { failures <- err }
	})
	ctx := context.Background()

	db, err := e.DB()
	if err != nil {
		t.Fatalf("DB failed: %v", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TRIGGER reject_boom BEFORE INSERT ON log
		WHEN NEW.message = 'boom'
		BEGIN SELECT RAISE(ABORT, 'rejected'); END`); err != nil {
		t.Fatalf("create trigger failed: %v", err)
	}

	if err := e.Record(historian.LevelError, testTag, "boom"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	select {
	case err := <-failures:
		if !errors.Is(err, historian.ErrPersistence) {
			t.Errorf("OnFailure got %v, want ErrPersistence", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnFailure not called")
	}

	// The worker keeps going.
	if err := e.Record(historian.LevelError, testTag, "after"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	waitWrites(t, written, 1)
	if n := count(t, e); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
	if e.Stats().Failed != 1 {
		t.Errorf("failed = %d, want 1", e.Stats().Failed)
	}
}

func TestSynchronousFlushFailurePropagates(t *testing.T) {
	e, _ := newEngine(t, func(c *historian.Config) {
		c.Mode = historian.ModeBatched
	})
	ctx := context.Background()

	db, _ := e.DB()
	if _, err := db.ExecContext(ctx, `CREATE TRIGGER reject_all BEFORE INSERT ON log
		BEGIN SELECT RAISE(ABORT, 'read only'); END`); err != nil {
		t.Fatalf("create trigger failed: %v", err)
	}

	_ = e.Record(historian.LevelInfo, testTag, "doomed")
	if err := e.Flush(ctx); !errors.Is(err, historian.ErrPersistence) {
		t.Errorf("Flush = %v, want ErrPersistence", err)
	}
}

func TestCustomExecutor(t *testing.T) {
	var executed atomic.Int32
	e, written := newEngine(t, func(c *historian.Config) {
		c.Executor = historian.ExecutorFunc(func(fn func()) {
			executed.Add(1)
			go fn()
		})
	})

	if err := e.Record(historian.LevelInfo, testTag, "via executor"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	waitWrites(t, written, 1)
	if executed.Load() != 1 {
		t.Errorf("executor ran %d callbacks, want 1", executed.Load())
	}
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	var calls atomic.Int64
	e, _ := newEngine(t, func(c *historian.Config) {
		// A clock that jumps back every other call.
		c.Now = func() time.Time {
			n := calls.Add(1)
			if n%2 == 0 {
				return base.Add(-time.Hour)
			}
			return base.Add(time.Duration(n) * time.Millisecond)
		}
	})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_ = e.Record(historian.LevelInfo, testTag, fmt.Sprintf("tick %d", i))
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	entries, err := e.Entries(ctx, 0)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].CreatedAt.Before(entries[i-1].CreatedAt) {
			t.Fatalf("timestamp went backwards at %d", i)
		}
		if want := fmt.Sprintf("tick %d", i); entries[i].Message != want {
			t.Errorf("entries[%d] = %q, want %q", i, entries[i].Message, want)
		}
	}
}

func TestUnknownLevelIsStored(t *testing.T) {
	e, _ := newEngine(t, nil)
	ctx := context.Background()

	if err := e.Record(historian.FromPriority(42), "", "odd priority"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	entries, _ := e.Entries(ctx, 0)
	if len(entries) != 1 || entries[0].Priority != "UNKNOWN" || entries[0].Tag != "" {
		t.Errorf("entries = %+v, want one UNKNOWN entry with empty tag", entries)
	}
}

func TestEncryptionAtRest(t *testing.T) {
	e, _ := newEngine(t, func(c *historian.Config) {
		c.EncryptionSecret = "correct horse battery staple"
	})
	ctx := context.Background()

	if err := e.Recordf(historian.LevelWarn, "auth", "token %s revoked", "abc123"); err != nil {
		t.Fatalf("Recordf failed: %v", err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	db, _ := e.DB()
	var raw string
	if err := db.QueryRowContext(ctx, "SELECT message FROM log").Scan(&raw); err != nil {
		t.Fatalf("raw query failed: %v", err)
	}
	if strings.Contains(raw, "abc123") {
		t.Errorf("stored message %q is not sealed", raw)
	}

	entries, err := e.Entries(ctx, 0)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if entries[0].Message != "token abc123 revoked" {
		t.Errorf("message = %q, want plaintext", entries[0].Message)
	}
}

func TestEncryptionSealsPrefixedMessages(t *testing.T) {
	e, _ := newEngine(t, func(c *historian.Config) {
		c.EncryptionSecret = "s3cret"
	})
	ctx := context.Background()

	for _, msg := range []string{"enc:not actually sealed", "normal"} {
		if err := e.Record(historian.LevelInfo, testTag, msg); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	db, _ := e.DB()
	rows, err := db.QueryContext(ctx, "SELECT message FROM log ORDER BY id")
	if err != nil {
		t.Fatalf("raw query failed: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		if raw == "enc:not actually sealed" || raw == "normal" {
			t.Errorf("stored message %q is not sealed", raw)
		}
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows failed: %v", err)
	}

	entries, err := e.Entries(ctx, 0)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Message != "enc:not actually sealed" || entries[1].Message != "normal" {
		t.Errorf("entries = %+v, want both messages as recorded", entries)
	}
}

func TestFlushInterval(t *testing.T) {
	e, written := newEngine(t, func(c *historian.Config) {
		c.Mode = historian.ModeBatched
		c.QueueCapacity = 100
		c.FlushInterval = 10 * time.Millisecond
	})

	if err := e.Record(historian.LevelInfo, testTag, "quiet period"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	waitWrites(t, written, 1)
	if n := count(t, e); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*historian.Config)
	}{
		{"negative max rows", func(c *historian.Config) { c.MaxRows = -1 }},
		{"negative queue capacity", func(c *historian.Config) { c.QueueCapacity = -1 }},
		{"negative flush interval", func(c *historian.Config) { c.FlushInterval = -time.Second }},
		{"bad table", func(c *historian.Config) { c.Table = "log; drop" }},
		{"bad mode", func(c *historian.Config) { c.Mode = historian.Mode(9) }},
		{"bad level", func(c *historian.Config) { c.MinLevel = historian.Level(-3) }},
		{"path as name", func(c *historian.Config) { c.Name = "../escape.db" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := historian.DefaultConfig()
			cfg.Directory = t.TempDir()
			tt.mutate(&cfg)

			if err := cfg.Validate(); !errors.Is(err, historian.ErrConfig) {
				t.Errorf("Validate = %v, want ErrConfig", err)
			}
			if _, err := historian.New(cfg); !errors.Is(err, historian.ErrConfig) {
				t.Errorf("New = %v, want ErrConfig", err)
			}
		})
	}

	if err := historian.DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestZeroCapsAreValid(t *testing.T) {
	e, written := newEngine(t, func(c *historian.Config) {
		c.MaxRows = 0
		c.Mode = historian.ModeBatched
		c.QueueCapacity = 0
	})
	if err := e.Record(historian.LevelInfo, testTag, "kept nowhere"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	waitWrites(t, written, 1)
	if n := count(t, e); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestStorageDirectoryFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := historian.DefaultConfig()
	cfg.Directory = filepath.Join(blocker, "sub")
	if _, err := historian.New(cfg); !errors.Is(err, historian.ErrStorageIO) {
		t.Errorf("New = %v, want ErrStorageIO", err)
	}
}
