// Package storage persists server identities, map names and the time
// bucketed usage series in SQLite.
//
// Bulk writes are split into chunks of at most MaxParams bound parameters.
// Every chunk runs in its own transaction: a failed chunk is rolled back and
// reported as a *ChunkError while the remaining chunks still commit.
package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
	"github.com/woozymasta/meridian/internal/logger"
	_ "modernc.org/sqlite" // Driver sqlite
)

// MaxParams bounds the bound parameters of one statement.
const MaxParams = 500

// Repository manages the SQLite database connection.
type Repository struct {
	db        *sql.DB
	log       zerolog.Logger
	maxParams int
}

// New opens the database, sets connection pool parameters and runs migrations.
func New(dbPath string) (*Repository, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	r := &Repository{
		db:        db,
		log:       logger.Component("storage"),
		maxParams: MaxParams,
	}

	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Analyze only tables that lack statistics, bounded so startup stays fast.
	if _, err := db.Exec("PRAGMA optimize=0x10002"); err != nil {
		r.log.Warn().Err(err).Msg("Initial optimize failed")
	}

	return r, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Optimize runs PRAGMA optimize.
func (r *Repository) Optimize(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, "PRAGMA optimize")
	return err
}

// day formats t as the calendar day used by the day bucketed tables.
func day(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// dayStart returns the unix time of the start of the UTC day of t.
func dayStart(t time.Time) int64 {
	return t.UTC().Truncate(24 * time.Hour).Unix()
}
