package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"

	"github.com/jackc/pgx/v5"
)

// migrationLockID keys the advisory lock that serialises concurrent
// RunMigrations calls from several processes sharing a database.
const migrationLockID = 0x6b616e736f6b75 // "kansoku"

// RunMigrations applies the *.sql files of migrationsFS in name order. Each
// file runs in its own transaction together with its schema_migrations row,
// so a failed file leaves nothing behind. A file whose content changed after
// it was applied is an error.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	names, err := fs.Glob(migrationsFS, "*.sql")
	if err != nil {
		return fmt.Errorf("storage: list migrations: %w", err)
	}
	slices.Sort(names)

	for _, name := range names {
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(content)
		if err := db.applyMigration(ctx, path.Base(name), string(content), hex.EncodeToString(sum[:])); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) applyMigration(ctx context.Context, name, sql, checksum string) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrationLockID)); err != nil {
			return fmt.Errorf("storage: lock migrations: %w", err)
		}

		var applied string
		err := tx.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE version = $1`, name).Scan(&applied)
		switch {
		case err == nil && applied == checksum:
			db.logger.Debug("storage: migration already applied", "file", name)
			return nil
		case err == nil:
			return fmt.Errorf("storage: migration %s changed after it was applied", name)
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("storage: check migration %s: %w", name, err)
		}

		db.logger.Info("storage: running migration", "file", name)
		if _, err := tx.Exec(ctx, sql); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)`, name, checksum,
		); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
		return nil
	})
}
