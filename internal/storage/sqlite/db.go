// Package sqlite implements the gateway's storage interfaces on SQLite via
// modernc.org/sqlite (the teacher's own pure-Go driver choice), carrying
// forward the teacher's internal/storage/sqlite dual-pool shape: a
// single-writer *sql.DB serializing every mutation and a multi-reader pool
// sized to the host's CPU count for concurrent reads. Grounded file-for-
// file on the teacher's db.go/usage.go/route.go/apikey.go, generalized
// from gandalf's org/key/route/usage schema to this gateway's five §6.4
// tables (request_usage, provider_cooldowns, debug_logs, quota_state,
// config_snapshots).
//
// Migrations run through golang-migrate/migrate/v4 rather than the
// teacher's goose, per the dropped-dependency decision recorded in
// DESIGN.md: once config_snapshots needed a GORM-backed table (§ below),
// keeping two migration frameworks in one store made no sense, and
// golang-migrate is the migration library the rest of the example corpus
// (BaSui01-agentflow's internal/migration/migrator.go) already reaches
// for. config_snapshots itself is migrated separately by GORM's
// AutoMigrate in snapshot.go, since it is a generic JSON-blob-plus-
// metadata table with no analogue in the teacher's raw-SQL schema.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"runtime"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	plexus "github.com/plexusgw/plexus/internal"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements storage.Store using SQLite: a raw database/sql pool for
// the four hand-written tables, plus a GORM handle for config_snapshots.
type Store struct {
	write *sql.DB // single-writer connection, matching the teacher's shape
	read  *sql.DB // multi-reader pool
	gorm  *gorm.DB
}

// New opens dsn (a file path, or ":memory:"), runs the golang-migrate
// schema migrations, AutoMigrates the GORM-backed config_snapshots table,
// and returns a ready Store.
func New(dsn string) (*Store, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	var fullDSN string
	if dsn == ":memory:" {
		fullDSN = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		fullDSN = "file:" + dsn + "?" + pragmas
	}

	write, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("sqlite: open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("sqlite: migrations: %w", err)
	}

	gdb, err := gorm.Open(sqlite.Dialector{Conn: write}, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("sqlite: open gorm handle: %w", err)
	}
	if err := gdb.AutoMigrate(&configSnapshotModel{}); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("sqlite: automigrate config_snapshots: %w", err)
	}

	return &Store{write: write, read: read, gorm: gdb}, nil
}

// runMigrations applies the embedded golang-migrate SQL migrations to db.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("source driver: %w", err)
	}
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Ping verifies database connectivity by pinging the read pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both database connections.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows into the gateway's own sentinel.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return plexus.ErrNotFound
	}
	return err
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, plexus.ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
