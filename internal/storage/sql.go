// Package storage contains the SQL implementation of the ReplayStore interface.
// PostgreSQL serves deployments with several server instances sharing one
// replay window; SQLite serves single-node deployments that must survive restarts.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "modernc.org/sqlite"             // SQLite driver
)

// Dialect selects the SQL driver and placeholder style.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

func (d Dialect) driver() (string, error) {
	switch d {
	case DialectPostgres:
		return "pgx", nil
	case DialectSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unknown sql dialect %q", d)
	}
}

// rebind rewrites ? placeholders into the numbered form PostgreSQL expects.
func (d Dialect) rebind(q string) string {
	if d != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLReplayStore implements ReplayStore on a relational database.
// Expiry instants are stored as Unix milliseconds so both dialects compare them identically.
type SQLReplayStore struct {
	db      *sql.DB
	dialect Dialect

	recordQuery string
	sweepQuery  string
	countQuery  string
}

// OpenSQLReplayStore opens the database, applies migrations and returns the store.
//
// Connection pool configuration follows the dialect:
// - PostgreSQL: max 25 open and 5 idle connections with a 5-minute lifetime
// - SQLite: a single connection, since the database has a single writer
func OpenSQLReplayStore(ctx context.Context, dialect Dialect, dsn string) (*SQLReplayStore, error) {
	driver, err := dialect.driver()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewSQLReplayStore(db, dialect), nil
}

// NewSQLReplayStore wraps an already migrated database.
func NewSQLReplayStore(db *sql.DB, dialect Dialect) *SQLReplayStore {
	return &SQLReplayStore{
		db:      db,
		dialect: dialect,
		// the conditional upsert is the atomic check-and-insert: a live row
		// makes the WHERE false and no row is affected
		recordQuery: dialect.rebind(`INSERT INTO replay_nonces (did, nonce, expires_at) VALUES (?, ?, ?)
ON CONFLICT (did, nonce) DO UPDATE SET expires_at = excluded.expires_at
WHERE replay_nonces.expires_at <= ?`),
		sweepQuery: dialect.rebind(`DELETE FROM replay_nonces WHERE expires_at <= ?`),
		countQuery: `SELECT COUNT(*) FROM replay_nonces`,
	}
}

// DB returns the underlying *sql.DB connection pool.
// Used by the readiness probe.
func (s *SQLReplayStore) DB() *sql.DB {
	return s.db
}

// Record implements ReplayStore.
func (s *SQLReplayStore) Record(ctx context.Context, key ReplayKey, now, expiresAt time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.recordQuery, key.DID, key.Nonce, expiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record nonce rows affected: %w", err)
	}
	return n == 0, nil
}

// SweepExpired implements ReplayStore.
func (s *SQLReplayStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.sweepQuery, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep nonces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep nonces rows affected: %w", err)
	}
	return int(n), nil
}

// Len implements ReplayStore.
func (s *SQLReplayStore) Len(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var n int
	if err := s.db.QueryRowContext(ctx, s.countQuery).Scan(&n); err != nil {
		return 0, fmt.Errorf("count nonces: %w", err)
	}
	return n, nil
}

// Close implements ReplayStore.
func (s *SQLReplayStore) Close() error {
	return s.db.Close()
}
