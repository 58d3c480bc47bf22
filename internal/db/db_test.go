package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/cadence/internal/drive"
)

// NewTestDB creates a migrated file-backed SQLite database for testing.
// A file is used instead of :memory: so every pooled connection sees the
// same database.
func NewTestDB(t *testing.T) *DB {
	t.Helper()

	ctx := context.Background()
	db, err := Open(ctx, "sqlite3", filepath.Join(t.TempDir(), "drive.db"))
	require.NoError(t, err, "failed to create test database")

	_, err = db.Migrate(ctx, "")
	require.NoError(t, err, "failed to migrate test database")

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func TestMigrate_Idempotent(t *testing.T) {
	db := NewTestDB(t)

	applied, err := db.Migrate(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, applied)

	var n int
	err = db.QueryRow(`SELECT COUNT(*) FROM drive_runs`).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNormalizeDriver(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", DriverSQLite, false},
		{"sqlite", DriverSQLite, false},
		{"SQLite3", DriverSQLite, false},
		{"postgres", DriverPostgres, false},
		{"pgx", DriverPostgres, false},
		{"mysql", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeDriver(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "a.db?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", sqliteDSN("a.db"))
	assert.Equal(t, "file:a.db?mode=rwc&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", sqliteDSN("file:a.db?mode=rwc"))
	assert.Equal(t, "a.db?_busy_timeout=100&_foreign_keys=on&_txlock=immediate", sqliteDSN("a.db?_busy_timeout=100"))
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	lite := &DB{driver: DriverSQLite}
	query := `SELECT * FROM t WHERE a = ? AND b = '?' AND c = ?`

	assert.Equal(t, `SELECT * FROM t WHERE a = $1 AND b = '?' AND c = $2`, pg.rebind(query))
	assert.Equal(t, query, lite.rebind(query))
}

func TestIsDuplicate(t *testing.T) {
	assert.False(t, IsDuplicate(nil))
	assert.True(t, IsDuplicate(ErrDuplicate))
	assert.True(t, IsDuplicate(errors.Wrap(&pgconn.PgError{Code: "23505"}, "insert")))
	assert.False(t, IsDuplicate(&pgconn.PgError{Code: "23503"}))
	assert.True(t, IsDuplicate(errors.New("UNIQUE constraint failed: drive_runs.run_id")))
	assert.False(t, IsDuplicate(errors.New("connection refused")))
}

func TestIsForeignKey(t *testing.T) {
	assert.False(t, IsForeignKey(nil))
	assert.True(t, IsForeignKey(&pgconn.PgError{Code: "23503"}))
	assert.True(t, IsForeignKey(errors.New("FOREIGN KEY constraint failed")))
	assert.False(t, IsForeignKey(errors.New("boom")))
}

func TestWithTransaction_RollsBack(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	rec := newRun("run-1", at(9), at(10))

	err := db.WithTransaction(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO drive_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.RunID, rec.PipelineName, "RUNNING", 0, rec.WindowStart, rec.WindowEnd, rec.TargetDate,
			"[]", "[]", "[]", nil, rec.StartedAt, nil, nil, nil, rec.CreatedAt, rec.UpdatedAt)
		require.NoError(t, err)
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = db.GetRun(ctx, "run-1")
	assert.ErrorIs(t, err, drive.ErrNotFound)
}

func at(hour int) time.Time {
	return time.Date(2025, 11, 16, hour, 0, 0, 0, time.UTC)
}
