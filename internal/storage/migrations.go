// Package storage contains the SQL schema migrations for the replay store.
package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate applies schema migrations. Each statement is idempotent
// (IF NOT EXISTS) and valid for both PostgreSQL and SQLite.
//
// Tables created:
// - replay_nonces: (did, nonce) pairs seen inside the replay window
func Migrate(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS replay_nonces (
            did TEXT NOT NULL,              -- DID that signed the request
            nonce TEXT NOT NULL,            -- Client generated nonce
            expires_at BIGINT NOT NULL,     -- Unix milliseconds after which the pair may be reused
            PRIMARY KEY (did, nonce)
        )`,
		// sweeps delete by expiry
		`CREATE INDEX IF NOT EXISTS idx_replay_nonces_expires_at ON replay_nonces (expires_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
