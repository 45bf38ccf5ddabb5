package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// retryPolicy bounds how often an idempotent write is re-attempted.
type retryPolicy struct {
	attempts int           // total tries, at least 1
	base     time.Duration // first backoff
	max      time.Duration // backoff cap
}

var idempotentWrite = retryPolicy{attempts: 4, base: 10 * time.Millisecond, max: 500 * time.Millisecond}

// retriable reports whether err is a transient Postgres condition after
// which the same statement can run again: serialization failures,
// deadlocks, dropped connections and errors pgconn marks safe to retry.
func retriable(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch {
	case pgErr.Code == "40001", pgErr.Code == "40P01":
		return true
	case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08": // connection exception class
		return true
	}
	return false
}

// do runs fn until it succeeds, fails with a non-retriable error or the
// attempts run out. Backoff doubles from base up to max with full jitter.
func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	delay := p.base
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || !retriable(err) || attempt >= p.attempts {
			return err
		}
		wait := time.Duration(rand.Int64N(int64(delay) + 1)) //nolint:gosec // jitter only
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
		delay = min(delay*2, p.max)
	}
}
