package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kansoku/internal/model"
)

var frameColumns = []string{"run_id", "frame_number", "start_ns", "end_ns", "is_basis", "payload", "hash"}

// InsertFrames inserts records using the COPY protocol and notifies
// ChannelFrames once the batch is committed.
func (db *DB) InsertFrames(ctx context.Context, runID uuid.UUID, recs []*model.Record) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(recs))
	for i, r := range recs {
		fr, err := toRow(r)
		if err != nil {
			return 0, err
		}
		rows[i] = []any{runID, fr.frame, fr.startNS, fr.endNS, fr.isBasis, string(fr.payload), fr.hash}
	}

	// Dedicated COPY timeout so a hung Postgres cannot block the buffer flush indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	count, err := db.pool.CopyFrom(copyCtx, pgx.Identifier{"frames"}, frameColumns, pgx.CopyFromRows(rows))
	copyCancel()
	if err != nil {
		return 0, fmt.Errorf("storage: copy frames: %w", err)
	}

	db.notifyCommitted(ctx, FrameNotice{RunID: runID.String(), LastFrame: recs[len(recs)-1].FrameNumber})
	return count, nil
}

// InsertFramesIdempotent inserts records one statement per frame in a single
// transaction, skipping frames that already exist. Serialization failures are
// retried.
func (db *DB) InsertFramesIdempotent(ctx context.Context, runID uuid.UUID, recs []*model.Record) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	frs := make([]frameRow, len(recs))
	for i, r := range recs {
		fr, err := toRow(r)
		if err != nil {
			return 0, err
		}
		frs[i] = fr
	}

	var inserted int64
	err := idempotentWrite.do(ctx, func() error {
		inserted = 0
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

		batch := &pgx.Batch{}
		for _, fr := range frs {
			batch.Queue(`INSERT INTO frames (run_id, frame_number, start_ns, end_ns, is_basis, payload, hash)
				VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
				ON CONFLICT (run_id, frame_number) DO NOTHING`,
				runID, fr.frame, fr.startNS, fr.endNS, fr.isBasis, string(fr.payload), fr.hash)
		}
		br := tx.SendBatch(ctx, batch)
		for range frs {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return fmt.Errorf("storage: insert frame: %w", err)
			}
			inserted += tag.RowsAffected()
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("storage: close batch: %w", err)
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, err
	}

	db.notifyCommitted(ctx, FrameNotice{RunID: runID.String(), LastFrame: recs[len(recs)-1].FrameNumber})
	return inserted, nil
}

// LastFrameNumber returns the highest frame stored for runID.
func (db *DB) LastFrameNumber(ctx context.Context, runID uuid.UUID) (model.FrameNumber, error) {
	var n *int64
	err := db.pool.QueryRow(ctx,
		`SELECT max(frame_number) FROM frames WHERE run_id = $1`, runID,
	).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("storage: last frame number: %w", err)
	}
	if n == nil {
		return 0, ErrNotFound
	}
	return model.FrameNumber(*n), nil
}

// GetFrame returns a stored record.
func (db *DB) GetFrame(ctx context.Context, runID uuid.UUID, n model.FrameNumber) (*model.Record, error) {
	var (
		startNS, endNS int64
		payload        []byte
		rec            = &model.Record{FrameNumber: n}
	)
	err := db.pool.QueryRow(ctx,
		`SELECT start_ns, end_ns, is_basis, payload, hash FROM frames WHERE run_id = $1 AND frame_number = $2`,
		runID, int64(n),
	).Scan(&startNS, &endNS, &rec.IsBasis, &payload, &rec.Hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get frame %d: %w", n, err)
	}
	if err := decodePayload(rec, startNS, endNS, payload); err != nil {
		return nil, err
	}
	return rec, nil
}
