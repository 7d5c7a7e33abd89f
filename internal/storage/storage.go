// Package storage provides the size-capped retention table behind the engine.
// It supports SQLite (embedded, the default) and PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/ehrlich-b/historian/internal/logentry"
)

// SchemaVersion is the current on-disk layout. Tables stamped with an older
// version are dropped and recreated on Open.
const SchemaVersion = 2

// DefaultTable is the table name used when none is configured.
const DefaultTable = "log"

var (
	ErrInvalidTable  = errors.New("invalid table name")
	ErrSchemaTooNew  = errors.New("schema version is newer than supported")
	ErrNegativeLimit = errors.New("row cap must be 0 or greater")
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateTable reports whether name can be used as a table identifier.
func ValidateTable(name string) error {
	if !tableName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, name)
	}
	return nil
}

// Row is a persisted entry.
type Row struct {
	ID int64 `json:"id"`
	logentry.Entry
}

// Store defines the retention table operations.
type Store interface {
	// Open creates the table if absent and recreates it when the stored
	// schema version is stale. Safe to call more than once.
	Open(ctx context.Context) error

	// InsertAndTrim inserts entries in order and then deletes every row not
	// among the maxRows most recently created, all in one transaction.
	InsertAndTrim(ctx context.Context, entries []logentry.Entry, maxRows int) error

	// DeleteAll removes every row.
	DeleteAll(ctx context.Context) error

	// List returns the newest limit rows oldest-first. limit <= 0 returns all rows.
	List(ctx context.Context, limit int) ([]Row, error)

	// Count returns the number of retained rows.
	Count(ctx context.Context) (int, error)

	// DB exposes the underlying handle for raw queries.
	DB() *sql.DB

	// Lifecycle
	Close() error
}

type queries struct {
	create    string
	drop      string
	insert    string
	trim      string
	deleteAll string
	list      string
	listLast  string
	count     string
}

// buildQueries renders the statements for one table. bind returns the n-th
// (1-based) placeholder of the dialect.
func buildQueries(table, idColumn, timeColumn string, bind func(n int) string) queries {
	return queries{
		create: fmt.Sprintf(`CREATE TABLE %s (
			%s,
			priority TEXT NOT NULL,
			tag TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at %s NOT NULL
		)`, table, idColumn, timeColumn),
		drop: fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table),
		insert: fmt.Sprintf(`INSERT INTO %s (priority, tag, message, created_at) VALUES (%s, %s, %s, %s)`,
			table, bind(1), bind(2), bind(3), bind(4)),
		trim: fmt.Sprintf(`DELETE FROM %[1]s WHERE id NOT IN (
			SELECT id FROM %[1]s ORDER BY created_at DESC, id DESC LIMIT %[2]s
		)`, table, bind(1)),
		deleteAll: fmt.Sprintf(`DELETE FROM %s`, table),
		list: fmt.Sprintf(`SELECT id, priority, tag, message, created_at FROM %s
			ORDER BY created_at ASC, id ASC`, table),
		listLast: fmt.Sprintf(`SELECT id, priority, tag, message, created_at FROM (
			SELECT id, priority, tag, message, created_at FROM %s
			ORDER BY created_at DESC, id DESC LIMIT %s
		) AS recent ORDER BY created_at ASC, id ASC`, table, bind(1)),
		count: fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table),
	}
}

// sqlStore holds the operations both backends share. Backends differ in how
// they connect and where they keep the schema version.
type sqlStore struct {
	db *sql.DB
	q  queries
}

func (s *sqlStore) InsertAndTrim(ctx context.Context, entries []logentry.Entry, maxRows int) error {
	if maxRows < 0 {
		return ErrNegativeLimit
	}
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.q.insert)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Priority, e.Tag, e.Message, e.CreatedAt); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.q.trim, maxRows); err != nil {
		return fmt.Errorf("trim rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q.deleteAll); err != nil {
		return fmt.Errorf("delete rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *sqlStore) List(ctx context.Context, limit int) ([]Row, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, s.q.listLast, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, s.q.list)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Priority, &r.Tag, &r.Message, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.q.count).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqlStore) DB() *sql.DB {
	return s.db
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// recreate drops and creates the table inside tx.
func (s *sqlStore) recreate(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, s.q.drop); err != nil {
		return fmt.Errorf("drop table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q.create); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}
