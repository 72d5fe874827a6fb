package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/neurosynth/metapub/internal/storage"
	"github.com/neurosynth/metapub/internal/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "records.sqlite3")
	s, err := Open(context.Background(), Config{Driver: DriverSQLite, Path: dbPath})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return newTestStore(t) })
}

// TestMySQLContract runs against a real server when METAPUB_TEST_MYSQL_DSN is set.
func TestMySQLContract(t *testing.T) {
	dsn := os.Getenv("METAPUB_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("METAPUB_TEST_MYSQL_DSN not set")
	}
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := Open(context.Background(), Config{Driver: DriverMySQL, DSN: dsn, OpenTimeout: 10 * time.Second})
		if err != nil {
			t.Fatalf("open mysql store: %v", err)
		}
		for _, table := range []string{"results", "image_uploads", "study_uploads"} {
			if _, err := s.DB().Exec("DELETE FROM " + table); err != nil {
				t.Fatalf("reset %s: %v", table, err)
			}
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, Config{Driver: "postgres"}); err == nil {
		t.Error("expected unsupported driver error")
	}
	if _, err := Open(ctx, Config{Driver: DriverSQLite}); err == nil {
		t.Error("expected missing path error")
	}
	if _, err := Open(ctx, Config{Driver: DriverMySQL}); err == nil {
		t.Error("expected missing dsn error")
	}
}

func TestSchemaIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "records.sqlite3")
	for i := 0; i < 2; i++ {
		s, err := Open(context.Background(), Config{Path: dbPath})
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		s.Close()
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{os.ErrNotExist, false},
		{errString("dial tcp: connection refused"), true},
		{errString("driver: bad connection"), true},
		{errString("syntax error"), false},
	}
	for _, tt := range tests {
		if got := isRetryableError(tt.err); got != tt.want {
			t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
