package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/hubcache/internal/common"
	"github.com/ternarybob/hubcache/internal/models"
)

func TestBranchLockAcquireRelease(t *testing.T) {
	ctx := context.Background()
	locks := NewLockStorage(newTestDB(t), common.GetLogger())

	require.NoError(t, locks.AcquireBranchLock(ctx, "ds", "refs/convert/parquet", "owner-1", nil))

	// Re-acquiring our own lock refreshes it.
	require.NoError(t, locks.AcquireBranchLock(ctx, "ds", "refs/convert/parquet", "owner-1", nil))

	// A second owner times out after exhausting its sleep schedule.
	err := locks.AcquireBranchLock(ctx, "ds", "refs/convert/parquet", "owner-2", []time.Duration{time.Millisecond})
	assert.ErrorIs(t, err, models.ErrLockTimeout)

	// Another branch of the same dataset is an independent lock.
	require.NoError(t, locks.AcquireBranchLock(ctx, "ds", "refs/convert/duckdb", "owner-2", nil))

	assert.Error(t, locks.ReleaseLock(ctx, "ds", "refs/convert/parquet", "owner-2"))
	require.NoError(t, locks.ReleaseLock(ctx, "ds", "refs/convert/parquet", "owner-1"))

	require.NoError(t, locks.AcquireBranchLock(ctx, "ds", "refs/convert/parquet", "owner-2", nil))
}

func TestBranchLockReleaseUnknownIsNoop(t *testing.T) {
	locks := NewLockStorage(newTestDB(t), common.GetLogger())
	assert.NoError(t, locks.ReleaseLock(context.Background(), "ds", "main", "owner-1"))
}

func TestBranchLockWaitsForHolder(t *testing.T) {
	ctx := context.Background()
	locks := NewLockStorage(newTestDB(t), common.GetLogger())

	require.NoError(t, locks.AcquireBranchLock(ctx, "ds", "main", "owner-1", nil))

	released := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = locks.ReleaseLock(ctx, "ds", "main", "owner-1")
		close(released)
	}()

	sleeps := make([]time.Duration, 50)
	for i := range sleeps {
		sleeps[i] = 10 * time.Millisecond
	}
	require.NoError(t, locks.AcquireBranchLock(ctx, "ds", "main", "owner-2", sleeps))
	<-released
}

func TestBranchLockContextCancellation(t *testing.T) {
	locks := NewLockStorage(newTestDB(t), common.GetLogger())
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, locks.AcquireBranchLock(ctx, "ds", "main", "owner-1", nil))

	cancel()
	err := locks.AcquireBranchLock(ctx, "ds", "main", "owner-2", []time.Duration{time.Minute})
	assert.ErrorIs(t, err, context.Canceled)
}
