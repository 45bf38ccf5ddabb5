package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetriable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&pgconn.PgError{Code: "40001"}, true},
		{&pgconn.PgError{Code: "40P01"}, true},
		{fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "08006"}), true},
		{&pgconn.PgError{Code: "23505"}, false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retriable(tt.err), "%v", tt.err)
	}
}

func TestRetryPolicy(t *testing.T) {
	p := retryPolicy{attempts: 3, base: time.Millisecond, max: 2 * time.Millisecond}
	deadlock := &pgconn.PgError{Code: "40P01"}

	calls := 0
	err := p.do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return deadlock
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = p.do(context.Background(), func() error { calls++; return deadlock })
	require.ErrorIs(t, err, deadlock)
	assert.Equal(t, 3, calls, "gives up after the last attempt")

	calls = 0
	unique := &pgconn.PgError{Code: "23505"}
	err = p.do(context.Background(), func() error { calls++; return unique })
	require.ErrorIs(t, err, unique)
	assert.Equal(t, 1, calls, "non-retriable errors return at once")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := retryPolicy{attempts: 5, base: time.Hour, max: time.Hour}
	err = slow.do(ctx, func() error { return deadlock })
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, deadlock)
}

func TestFrameNotice(t *testing.T) {
	n := FrameNotice{RunID: "0b6f0f4e-1c7e-4f43-9d4c-7c2b0d3d9a11", LastFrame: 41}
	assert.Equal(t, "0b6f0f4e-1c7e-4f43-9d4c-7c2b0d3d9a11:41", n.String())

	got, ok := ParseFrameNotice(n.String())
	require.True(t, ok)
	assert.Equal(t, n, got)

	for _, bad := range []string{"", "free text", ":4", "run:", "run:-1", "run:x"} {
		_, ok := ParseFrameNotice(bad)
		assert.False(t, ok, bad)
	}
}
