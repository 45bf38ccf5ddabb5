package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/model"
)

// FrameStore persists emitted records. Each process run writes under its own
// run ID so frame numbers, which restart at zero, never collide.
type FrameStore interface {
	// InsertFrames writes a batch of records in frame order.
	InsertFrames(ctx context.Context, runID uuid.UUID, recs []*model.Record) (int64, error)
	// InsertFramesIdempotent writes a batch, skipping frames already stored.
	InsertFramesIdempotent(ctx context.Context, runID uuid.UUID, recs []*model.Record) (int64, error)
	// LastFrameNumber returns the highest stored frame for runID, or ErrNotFound.
	LastFrameNumber(ctx context.Context, runID uuid.UUID) (model.FrameNumber, error)
	Close(ctx context.Context) error
}

var (
	_ FrameStore = (*DB)(nil)
	_ FrameStore = (*SQLite)(nil)
)

// frameRow is the column projection shared by both stores.
type frameRow struct {
	frame   int64
	startNS int64
	endNS   int64
	isBasis bool
	payload []byte
	hash    string
}

func toRow(r *model.Record) (frameRow, error) {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return frameRow{}, fmt.Errorf("storage: marshal payload of frame %d: %w", r.FrameNumber, err)
	}
	return frameRow{
		frame:   int64(r.FrameNumber),
		startNS: int64(r.Timestamps.Start),
		endNS:   int64(r.Timestamps.EstimatedEnd),
		isBasis: r.IsBasis,
		payload: payload,
		hash:    r.Hash,
	}, nil
}

func decodePayload(rec *model.Record, startNS, endNS int64, payload []byte) error {
	rec.Timestamps = model.Timestamps{Start: time.Duration(startNS), EstimatedEnd: time.Duration(endNS)}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return fmt.Errorf("storage: decode payload of frame %d: %w", rec.FrameNumber, err)
	}
	return nil
}
