package slot

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RecoveryCallback is invoked with the index of a slot whose stale lock was
// force-released. Dispatch is asynchronous; the callback never blocks a scan.
type RecoveryCallback func(slotIndex int)

// Watchdog periodically scans the slot table and force-releases locks held
// past the stale timeout. It is the one privileged writer allowed to override
// lock ownership. A lock held by a dead owner is recovered within
// scanInterval + staleTimeout in the worst case.
type Watchdog struct {
	logger       *zap.Logger
	table        *Table
	scanInterval time.Duration
	staleTimeout time.Duration
	onRecovery   RecoveryCallback
	stop         chan struct{}
	stopOnce     sync.Once
	stopped      chan struct{}
}

// NewWatchdog creates a watchdog over the given table.
func NewWatchdog(table *Table, scanInterval, staleTimeout time.Duration, logger *zap.Logger) *Watchdog {
	return &Watchdog{
		logger:       logger.Named("watchdog"),
		table:        table,
		scanInterval: scanInterval,
		staleTimeout: staleTimeout,
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
}

// OnRecovery registers the recovery callback. Must be called before Start.
func (w *Watchdog) OnRecovery(cb RecoveryCallback) {
	w.onRecovery = cb
}

// Start starts the scan loop on its own schedule, independent of scheduler
// load.
func (w *Watchdog) Start(ctx context.Context) error {
	w.logger.Info("Starting stale-lock watchdog",
		zap.Duration("scan_interval", w.scanInterval),
		zap.Duration("stale_timeout", w.staleTimeout))

	go w.scanLoop(ctx)
	return nil
}

// Stop stops the scan loop and waits for it to exit. No further scans or
// recovery dispatches occur after Stop returns. Idempotent.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping stale-lock watchdog")
		close(w.stop)
	})
	<-w.stopped
}

// scanLoop runs the periodic stale-lock scan.
func (w *Watchdog) scanLoop(ctx context.Context) {
	defer close(w.stopped)

	ticker := time.NewTicker(w.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.scan()
		}
	}
}

// scan force-releases every lock older than the stale timeout and dispatches
// the recovery callback for each freed slot.
func (w *Watchdog) scan() {
	now := time.Now()
	for i := 0; i < w.table.Len(); i++ {
		if w.table.LockOwner(i) == 0 {
			continue
		}
		age := w.table.LockAge(i, now)
		if age <= w.staleTimeout {
			continue
		}

		owner := w.table.ForceRelease(i)
		if owner == 0 {
			// Released between the check and the swap.
			continue
		}

		w.logger.Warn("Force-released stale lock",
			zap.Int("slot", i),
			zap.Int64("owner", owner),
			zap.Duration("age", age))

		if w.onRecovery != nil {
			// Fire and forget; a slow consumer must not delay the next scan.
			go w.onRecovery(i)
		}
	}
}
