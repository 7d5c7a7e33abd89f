package e2e

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ehrlich-b/historian"
	"github.com/ehrlich-b/historian/internal/archive"
	"github.com/ehrlich-b/historian/internal/cli"
	"github.com/ehrlich-b/historian/internal/config"
	"github.com/ehrlich-b/historian/internal/daemon"
)

// TestE2EFullPipeline tests the complete workflow:
// config file → engine → records over the socket and from stdin → trim →
// tail → archive snapshot → delete → reopen
func TestE2EFullPipeline(t *testing.T) {
	workDir := t.TempDir()
	storeDir := filepath.Join(workDir, "store")
	archiveDir := filepath.Join(workDir, "archive")

	content := fmt.Sprintf(`directory: %s
max_rows: 8
mode: batched
queue_capacity: 4
min_level: info
encryption_secret: e2e-secret
`, storeDir)
	if err := os.WriteFile(filepath.Join(workDir, "historian.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	fileCfg, _, err := config.Load(workDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg := fileCfg.Apply(historian.DefaultConfig())

	ctx := context.Background()
	e, err := historian.New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := e.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	// Step 1: another process records through the daemon
	socket := filepath.Join(workDir, "h.sock")
	srv := daemon.NewServer(socket, e, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("daemon Start failed: %v", err)
	}
	client, err := daemon.Connect(socket)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := client.Record(historian.LevelWarn, "remote", fmt.Sprintf("remote %d", i)); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	_ = client.Record(historian.LevelDebug, "remote", "filtered out")
	if err := client.Flush(); err != nil {
		t.Fatalf("client Flush failed: %v", err)
	}
	client.Close()
	srv.Stop()

	// Step 2: local lines from stdin
	input := strings.Join([]string{
		`{"level":"error","tag":"local","message":"local 0"}`,
		`{"priority":4,"tag":"local","message":"local 1"}`,
		`{"level":"info","tag":"local","message":"local 2"}`,
		`{"level":"trace","message":"filtered out"}`,
		`{"level":"info","tag":"local","message":"local 3"}`,
	}, "\n")
	if _, err := cli.Ingest(ctx, strings.NewReader(input), e, cli.IngestOptions{JSON: true, Level: historian.LevelInfo}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// Step 3: 9 accepted, cap 8
	var out bytes.Buffer
	n, err := cli.Tail(ctx, e, &out, cli.TailOptions{})
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if n != 8 {
		t.Fatalf("tail printed %d entries, want 8:\n%s", n, out.String())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if !strings.HasSuffix(lines[0], "remote: remote 1") {
		t.Errorf("oldest retained = %q, want remote 1", lines[0])
	}
	if !strings.HasSuffix(lines[7], "local: local 3") {
		t.Errorf("newest retained = %q, want local 3", lines[7])
	}
	if strings.Contains(out.String(), "filtered out") {
		t.Error("filtered records were persisted")
	}

	// Step 4: messages are sealed on disk
	db, err := e.DB()
	if err != nil {
		t.Fatalf("DB failed: %v", err)
	}
	var sealed int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM log WHERE message LIKE 'enc:%'").Scan(&sealed); err != nil {
		t.Fatalf("raw query failed: %v", err)
	}
	if sealed != 8 {
		t.Errorf("sealed rows = %d, want 8", sealed)
	}

	// Step 5: archive to a directory and read it back
	res, err := archive.Snapshot(ctx, e, archive.DirUploader{Dir: archiveDir}, "historian", time.Now())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if res.Entries != 8 {
		t.Errorf("archived %d entries, want 8", res.Entries)
	}
	f, err := os.Open(filepath.Join(archiveDir, filepath.FromSlash(res.Key)))
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	archived, err := archive.Decode(f)
	f.Close()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if archived[7].Message != "local 3" {
		t.Errorf("snapshot holds sealed or wrong text: %q", archived[7].Message)
	}

	// Step 6: delete, record one more, terminate with it still buffered
	if err := e.Delete(ctx); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := e.Record(historian.LevelInfo, "local", "survivor"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := e.Terminate(ctx); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	// Step 7: a new engine on the same store sees exactly the survivor
	reopened, err := historian.New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := reopened.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer reopened.Terminate(ctx)

	entries, err := reopened.Entries(ctx, 0)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "survivor" {
		t.Errorf("entries after reopen = %+v, want [survivor]", entries)
	}
}
