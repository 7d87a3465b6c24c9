package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worklog/guard/internal/logger"
)

func TestRunExecutesRegisteredJob(t *testing.T) {
	s := New(logger.Nop())
	var calls atomic.Int32
	require.NoError(t, s.Add("retention", "0 3 * * *", time.Second, func(ctx context.Context) error {
		calls.Add(1)
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return nil
	}))

	require.NoError(t, s.Run(context.Background(), "retention"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunReturnsJobError(t *testing.T) {
	s := New(logger.Nop())
	boom := errors.New("boom")
	require.NoError(t, s.Add("cleanup", "", 0, func(context.Context) error { return boom }))

	assert.ErrorIs(t, s.Run(context.Background(), "cleanup"), boom)
	assert.Error(t, s.Run(context.Background(), "missing"))
}

func TestAddRejectsBadScheduleAndDuplicates(t *testing.T) {
	s := New(logger.Nop())
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add("a", "not a schedule", 0, noop))
	require.NoError(t, s.Add("b", "@every 1m", 0, noop))
	assert.Error(t, s.Add("b", "@every 1m", 0, noop))
}

func TestScheduledJobRunsAndStops(t *testing.T) {
	s := New(logger.Nop())
	var calls atomic.Int32
	require.NoError(t, s.Add("tick", "@every 1s", 0, func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
