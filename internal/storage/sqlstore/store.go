// Package sqlstore provides a database/sql backed storage.Store.
//
// Two dialects are supported: an embedded SQLite file (the default, via the
// pure-Go ncruces driver) and a MySQL-compatible server for deployments
// where several workers share one record store.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/neurosynth/metapub/internal/storage"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config selects and locates the backing database.
type Config struct {
	Driver string // "sqlite" (default) or "mysql"
	Path   string // SQLite database file
	DSN    string // MySQL DSN, e.g. user:pass@tcp(host:3306)/metapub

	// OpenTimeout bounds the retry window for transient connection errors.
	OpenTimeout time.Duration
}

// Store is a SQL-backed record store.
type Store struct {
	db      *sql.DB
	dialect string
	mu      sync.RWMutex
	now     func() time.Time
}

var _ storage.Store = (*Store)(nil)

const defaultOpenTimeout = 30 * time.Second

func newOpenBackoff(maxElapsed time.Duration) backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	return bo
}

// Open connects to the configured database and creates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlstore: sqlite path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)", cfg.Path)
		db, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite db: %w", err)
		}
		// Set connection pool limits appropriate for SQLite
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case DriverMySQL:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sqlstore: mysql dsn is required")
		}
		db, err = sql.Open("mysql", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql db: %w", err)
		}
		db.SetConnMaxLifetime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = defaultOpenTimeout
	}
	err = backoff.Retry(func() error {
		err := db.PingContext(ctx)
		if err != nil && !isRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(newOpenBackoff(timeout), ctx))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}

	s := &Store{
		db:      db,
		dialect: driver,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// initSchema creates all tables if they don't exist.
func (s *Store) initSchema(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == DriverMySQL {
		schema = mysqlSchema
	}
	// MySQL DDL is not transactional; run statements one at a time.
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// DB returns the underlying *sql.DB for advanced use.
func (s *Store) DB() *sql.DB {
	return s.db
}

// isRetryableError returns true for transient connection errors.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, transient := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"database is locked",
		"gone away",
		"i/o timeout",
	} {
		if strings.Contains(errStr, transient) {
			return true
		}
	}
	return false
}

// isDuplicateKey reports a primary-key violation in either dialect.
func isDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// formatTime formats a time.Time as a sortable text timestamp.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a stored timestamp string into time.Time.
func parseTime(s string) time.Time {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullInt64(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func ptrValue[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// update applies normalized updates to one row of table.
func (s *Store) update(ctx context.Context, table, id string, kind storage.Kind, updates map[string]any) error {
	norm, err := storage.NormalizeUpdates(kind, updates)
	if err != nil {
		return err
	}
	setClauses := []string{"updated_at = ?"}
	args := []any{formatTime(s.now())}
	for key, value := range norm {
		// Keys were validated against the allow-list by NormalizeUpdates.
		setClauses = append(setClauses, key+" = ?")
		args = append(args, value)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(setClauses, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %s: %w", table, id, err)
	}
	if n == 0 {
		// MySQL reports 0 affected rows when values are unchanged; confirm
		// the row is really missing before failing.
		var exists int
		err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", table), id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("update %s %s: %w", table, id, err)
		}
		if exists == 0 {
			return fmt.Errorf("%s %s: %w", kind, id, storage.ErrRecordNotFound)
		}
	}
	return nil
}
