package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kansoku/internal/model"
)

// ChannelFrames receives a FrameNotice after every committed batch.
const ChannelFrames = "kansoku_frames"

var errNoNotifyConn = errors.New("storage: notify connection not configured")

// FrameNotice announces that every frame of a run up to LastFrame has been
// committed. On the wire it is "<run_id>:<last_frame>".
type FrameNotice struct {
	RunID     string            `json:"run_id"`
	LastFrame model.FrameNumber `json:"last_frame"`
}

func (n FrameNotice) String() string {
	return n.RunID + ":" + strconv.FormatInt(int64(n.LastFrame), 10)
}

// ParseFrameNotice decodes a ChannelFrames payload.
func ParseFrameNotice(payload string) (FrameNotice, bool) {
	runID, last, ok := strings.Cut(payload, ":")
	if !ok || runID == "" {
		return FrameNotice{}, false
	}
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil || n < 0 {
		return FrameNotice{}, false
	}
	return FrameNotice{RunID: runID, LastFrame: model.FrameNumber(n)}, true
}

// Listen subscribes the notify connection to channel.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return errNoNotifyConn
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on a listened
// channel or ctx ends.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", errNoNotifyConn
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// Notify publishes payload on channel through the pool.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// notifyCommitted publishes a FrameNotice. Failures are logged; subscribers
// only miss a progress event.
func (db *DB) notifyCommitted(ctx context.Context, notice FrameNotice) {
	if err := db.Notify(ctx, ChannelFrames, notice.String()); err != nil {
		db.logger.Warn("storage: frame notification failed", "run_id", notice.RunID, "last_frame", notice.LastFrame, "error", err)
	}
}
