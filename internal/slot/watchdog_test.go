package slot

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatchdog_BoundedStalenessRecovery(t *testing.T) {
	logger := zap.NewNop()
	table, err := NewTable(4)
	require.NoError(t, err)

	wd := NewWatchdog(table, 50*time.Millisecond, 200*time.Millisecond, logger)

	var fired atomic.Int32
	recovered := make(chan int, 4)
	wd.OnRecovery(func(slotIndex int) {
		fired.Add(1)
		recovered <- slotIndex
	})

	require.True(t, table.AcquireLock(2, 42))
	start := time.Now()

	require.NoError(t, wd.Start(context.Background()))
	defer wd.Stop()

	select {
	case idx := <-recovered:
		elapsed := time.Since(start)
		require.Equal(t, 2, idx)
		// Worst case is scanInterval + staleTimeout; allow scheduling slack.
		require.LessOrEqual(t, elapsed, 400*time.Millisecond)
		require.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for stale-lock recovery")
	}

	require.Zero(t, table.LockOwner(2))

	// The callback fires exactly once for a single stale lock.
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, int32(1), fired.Load())
}

func TestWatchdog_RefreshedLockSurvives(t *testing.T) {
	logger := zap.NewNop()
	table, err := NewTable(1)
	require.NoError(t, err)

	wd := NewWatchdog(table, 20*time.Millisecond, 100*time.Millisecond, logger)
	wd.OnRecovery(func(slotIndex int) {
		t.Errorf("unexpected recovery for slot %d", slotIndex)
	})

	require.True(t, table.AcquireLock(0, 5))
	require.NoError(t, wd.Start(context.Background()))

	// Keep refreshing past several stale windows.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		table.RefreshLock(0)
		time.Sleep(10 * time.Millisecond)
	}

	wd.Stop()
	require.Equal(t, int64(5), table.LockOwner(0))
}

func TestWatchdog_StopHaltsScans(t *testing.T) {
	logger := zap.NewNop()
	table, err := NewTable(1)
	require.NoError(t, err)

	wd := NewWatchdog(table, 10*time.Millisecond, 30*time.Millisecond, logger)

	var fired atomic.Int32
	wd.OnRecovery(func(int) { fired.Add(1) })

	require.NoError(t, wd.Start(context.Background()))
	wd.Stop()

	// A lock going stale after Stop is never reclaimed.
	require.True(t, table.AcquireLock(0, 9))
	time.Sleep(100 * time.Millisecond)

	require.Equal(t, int64(9), table.LockOwner(0))
	require.Zero(t, fired.Load())
}

func TestWatchdog_ContextCancelHaltsScans(t *testing.T) {
	logger := zap.NewNop()
	table, err := NewTable(1)
	require.NoError(t, err)

	wd := NewWatchdog(table, 10*time.Millisecond, 30*time.Millisecond, logger)

	var fired atomic.Int32
	wd.OnRecovery(func(int) { fired.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, wd.Start(ctx))
	cancel()
	time.Sleep(30 * time.Millisecond)

	require.True(t, table.AcquireLock(0, 9))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int64(9), table.LockOwner(0))
	require.Zero(t, fired.Load())
}
