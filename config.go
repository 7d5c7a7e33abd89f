package historian

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ehrlich-b/historian/internal/dispatch"
	"github.com/ehrlich-b/historian/internal/storage"
)

const (
	DefaultName          = "log.db"
	DefaultMaxRows       = 500
	DefaultQueueCapacity = 10
	DefaultMinLevel      = LevelInfo
)

// Mode selects how accepted records reach the writer.
type Mode int

const (
	// ModeDirect dispatches every accepted record on its own.
	ModeDirect Mode = iota
	// ModeBatched buffers records and dispatches them QueueCapacity at a time.
	ModeBatched
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeBatched:
		return "batched"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "direct", "":
		*m = ModeDirect
	case "batched", "batch":
		*m = ModeBatched
	default:
		return fmt.Errorf("unknown mode %q", string(text))
	}
	return nil
}

// Callbacks are invoked after each asynchronous write attempt. Either field
// may be nil. With the default executor they run on the writer goroutine:
// they may call Record, but must not call Flush, Delete or Terminate.
type Callbacks struct {
	OnSuccess func()
	OnFailure func(err error)
}

// Executor runs callbacks. The default runs them on the writer goroutine.
type Executor = dispatch.Executor

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc = dispatch.ExecutorFunc

// Config configures an Engine. Start from DefaultConfig; New fills empty
// strings and nil hooks with defaults but takes numeric fields as given.
type Config struct {
	// Directory holds the SQLite file. Created if missing.
	Directory string
	// Name is the SQLite file name inside Directory.
	Name string
	// Table is the retention table name.
	Table string
	// DSN selects PostgreSQL when it starts with postgres:// or postgresql://.
	// Directory and Name are ignored then.
	DSN string

	// MaxRows is the retention cap. 0 keeps nothing.
	MaxRows int
	// QueueCapacity is the batched-mode drain threshold.
	QueueCapacity int
	// Mode picks direct or batched dispatch.
	Mode Mode
	// FlushInterval, when positive in batched mode, drains the buffer on a
	// timer so quiet periods do not strand records.
	FlushInterval time.Duration
	// MinLevel is the inclusive floor for accepted records.
	MinLevel Level

	Callbacks Callbacks
	// Executor runs Callbacks. Nil runs them on the writer goroutine.
	Executor Executor

	// EncryptionSecret, when set, seals message text at rest.
	EncryptionSecret string

	// Logger receives the engine's own diagnostics, never the records.
	Logger *slog.Logger
	// Debug enables lifecycle diagnostics at debug level.
	Debug bool

	// Now is the clock used for record timestamps.
	Now func() time.Time
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Directory:     DefaultDirectory(),
		Name:          DefaultName,
		Table:         storage.DefaultTable,
		MaxRows:       DefaultMaxRows,
		QueueCapacity: DefaultQueueCapacity,
		Mode:          ModeDirect,
		MinLevel:      DefaultMinLevel,
	}
}

// DefaultDirectory returns the application-private data directory.
func DefaultDirectory() string {
	if dir := os.Getenv("HISTORIAN_DIR"); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return ".historian"
	}
	return filepath.Join(base, "historian")
}

// Validate rejects settings that can never work.
func (c Config) Validate() error {
	if c.MaxRows < 0 {
		return fmt.Errorf("%w: max rows should be 0 or greater, got %d", ErrConfig, c.MaxRows)
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("%w: queue capacity should be 0 or greater, got %d", ErrConfig, c.QueueCapacity)
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("%w: flush interval should be 0 or greater, got %s", ErrConfig, c.FlushInterval)
	}
	if c.Mode != ModeDirect && c.Mode != ModeBatched {
		return fmt.Errorf("%w: unknown mode %d", ErrConfig, int(c.Mode))
	}
	if !c.MinLevel.Valid() {
		return fmt.Errorf("%w: unknown minimum level %d", ErrConfig, int(c.MinLevel))
	}
	if c.Table != "" {
		if err := storage.ValidateTable(c.Table); err != nil {
			return fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}
	if strings.ContainsAny(c.Name, `/\`) {
		return fmt.Errorf("%w: name %q must be a file name, not a path", ErrConfig, c.Name)
	}
	return nil
}

// IsPostgres reports whether the DSN selects the Postgres backend.
func (c Config) IsPostgres() bool {
	return strings.HasPrefix(c.DSN, "postgres://") || strings.HasPrefix(c.DSN, "postgresql://")
}

func (c Config) withDefaults() Config {
	if c.Directory == "" {
		c.Directory = DefaultDirectory()
	}
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Table == "" {
		c.Table = storage.DefaultTable
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
