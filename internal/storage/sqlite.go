package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/kansoku/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS frames (
	run_id       TEXT    NOT NULL,
	frame_number INTEGER NOT NULL,
	start_ns     INTEGER NOT NULL,
	end_ns       INTEGER NOT NULL,
	is_basis     INTEGER NOT NULL,
	payload      TEXT    NOT NULL,
	hash         TEXT    NOT NULL,
	created_at   TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	PRIMARY KEY (run_id, frame_number)
)`

// SQLite is a FrameStore backed by a local SQLite file.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}
	// A single writer avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA synchronous=NORMAL`, sqliteSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: init sqlite: %w", err)
		}
	}
	return &SQLite{db: db, logger: logger}, nil
}

// InsertFrames writes recs in one transaction. A frame that already exists is
// an error.
func (s *SQLite) InsertFrames(ctx context.Context, runID uuid.UUID, recs []*model.Record) (int64, error) {
	return s.insert(ctx, runID, recs, `INSERT INTO frames`)
}

// InsertFramesIdempotent writes recs in one transaction, skipping frames that
// already exist.
func (s *SQLite) InsertFramesIdempotent(ctx context.Context, runID uuid.UUID, recs []*model.Record) (int64, error) {
	return s.insert(ctx, runID, recs, `INSERT OR IGNORE INTO frames`)
}

func (s *SQLite) insert(ctx context.Context, runID uuid.UUID, recs []*model.Record, verb string) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: sqlite begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, verb+
		` (run_id, frame_number, start_ns, end_ns, is_basis, payload, hash) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("storage: sqlite prepare: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // closed with the transaction

	var inserted int64
	for _, r := range recs {
		fr, err := toRow(r)
		if err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx, runID.String(), fr.frame, fr.startNS, fr.endNS, fr.isBasis, string(fr.payload), fr.hash)
		if err != nil {
			return 0, fmt.Errorf("storage: sqlite insert frame %d: %w", fr.frame, err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: sqlite commit: %w", err)
	}
	return inserted, nil
}

// LastFrameNumber returns the highest frame stored for runID.
func (s *SQLite) LastFrameNumber(ctx context.Context, runID uuid.UUID) (model.FrameNumber, error) {
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT max(frame_number) FROM frames WHERE run_id = ?`, runID.String(),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: sqlite last frame number: %w", err)
	}
	if !n.Valid {
		return 0, ErrNotFound
	}
	return model.FrameNumber(n.Int64), nil
}

// GetFrame returns a stored record.
func (s *SQLite) GetFrame(ctx context.Context, runID uuid.UUID, n model.FrameNumber) (*model.Record, error) {
	var (
		startNS, endNS int64
		payload        string
		rec            = &model.Record{FrameNumber: n}
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT start_ns, end_ns, is_basis, payload, hash FROM frames WHERE run_id = ? AND frame_number = ?`,
		runID.String(), int64(n),
	).Scan(&startNS, &endNS, &rec.IsBasis, &payload, &rec.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: sqlite get frame %d: %w", n, err)
	}
	if err := decodePayload(rec, startNS, endNS, []byte(payload)); err != nil {
		return nil, err
	}
	return rec, nil
}

// Close closes the database.
func (s *SQLite) Close(context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("storage: close sqlite: %w", err)
	}
	return nil
}
