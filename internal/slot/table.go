package slot

import (
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/arcreach/testswarm/internal/model"
)

var (
	// ErrInvalidCapacity is returned when a table is created with no slots
	ErrInvalidCapacity = errors.New("slot table capacity must be positive")
)

// record is one shared worker-slot entry. Every field is an atomic value;
// the lock fields carry the mutual-exclusion contract, the metric fields are
// single-writer per slot by convention and last-write-wins.
type record struct {
	status         atomic.Int32
	tasksCompleted atomic.Int64
	lockOwner      atomic.Int64 // 0 = unlocked
	lockAcquiredAt atomic.Int64 // unix nanos, meaningful only while locked
	avgDurationMs  atomic.Uint64 // float64 bits
	lastHeartbeat  atomic.Int64 // unix nanos
}

// Info is a point-in-time snapshot of a slot record.
type Info struct {
	Status         model.SlotStatus
	TasksCompleted int64
	LockOwner      int64
	LockAcquiredAt time.Time
	AvgDurationMs  float64
	LastHeartbeat  time.Time
}

// Table is the fixed-capacity shared slot table. It is the only truly shared
// mutable state in the engine; all access goes through its atomic operations.
type Table struct {
	slots []record
}

// NewTable creates a slot table with one record per capacity unit.
func NewTable(capacity int) (*Table, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Table{slots: make([]record, capacity)}, nil
}

// Len returns the number of slots.
func (t *Table) Len() int {
	return len(t.slots)
}

// AcquireLock attempts a single compare-and-swap of the slot's lock owner
// from 0 to ownerID. On success it records the acquisition time. There is no
// retry or spin; a false return is a normal control-flow outcome.
func (t *Table) AcquireLock(slotIndex int, ownerID int64) bool {
	if slotIndex < 0 || slotIndex >= len(t.slots) || ownerID == 0 {
		return false
	}
	s := &t.slots[slotIndex]
	if !s.lockOwner.CompareAndSwap(0, ownerID) {
		return false
	}
	s.lockAcquiredAt.Store(time.Now().UnixNano())
	return true
}

// ReleaseLock releases the slot's lock only if ownerID is the recorded
// holder. A false return means the lock had already been reclaimed (or was
// never held); callers must treat that as "ownership already lost" and not
// retry.
func (t *Table) ReleaseLock(slotIndex int, ownerID int64) bool {
	if slotIndex < 0 || slotIndex >= len(t.slots) || ownerID == 0 {
		return false
	}
	s := &t.slots[slotIndex]
	if !s.lockOwner.CompareAndSwap(ownerID, 0) {
		return false
	}
	s.lockAcquiredAt.Store(0)
	return true
}

// RefreshLock unconditionally stamps the slot's lock acquisition time with
// now. Workers call it as a keep-alive while legitimately still working.
func (t *Table) RefreshLock(slotIndex int) {
	if slotIndex < 0 || slotIndex >= len(t.slots) {
		return
	}
	t.slots[slotIndex].lockAcquiredAt.Store(time.Now().UnixNano())
}

// ForceRelease resets the slot's lock regardless of ownership and returns
// the evicted owner id (0 if the slot was already unlocked). The watchdog is
// the one privileged caller allowed to use it.
func (t *Table) ForceRelease(slotIndex int) int64 {
	if slotIndex < 0 || slotIndex >= len(t.slots) {
		return 0
	}
	s := &t.slots[slotIndex]
	owner := s.lockOwner.Swap(0)
	s.lockAcquiredAt.Store(0)
	return owner
}

// LockOwner returns the current lock owner of the slot (0 = unlocked).
func (t *Table) LockOwner(slotIndex int) int64 {
	if slotIndex < 0 || slotIndex >= len(t.slots) {
		return 0
	}
	return t.slots[slotIndex].lockOwner.Load()
}

// LockAge returns how long the slot's lock has been held without a refresh.
// Zero when the slot is unlocked.
func (t *Table) LockAge(slotIndex int, now time.Time) time.Duration {
	if slotIndex < 0 || slotIndex >= len(t.slots) {
		return 0
	}
	acquired := t.slots[slotIndex].lockAcquiredAt.Load()
	if acquired == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, acquired))
}

// UpdateStatus stores the slot status. No ownership check; status is
// single-writer per slot by convention.
func (t *Table) UpdateStatus(slotIndex int, status model.SlotStatus) {
	if slotIndex < 0 || slotIndex >= len(t.slots) {
		return
	}
	t.slots[slotIndex].status.Store(int32(status))
}

// Status returns the slot's current status.
func (t *Table) Status(slotIndex int) model.SlotStatus {
	if slotIndex < 0 || slotIndex >= len(t.slots) {
		return model.SlotStatusDead
	}
	return model.SlotStatus(t.slots[slotIndex].status.Load())
}

// Heartbeat stamps the slot's last-heartbeat time with now.
func (t *Table) Heartbeat(slotIndex int) {
	if slotIndex < 0 || slotIndex >= len(t.slots) {
		return
	}
	t.slots[slotIndex].lastHeartbeat.Store(time.Now().UnixNano())
}

// RecordCompletion increments the slot's completion counter and folds the
// task duration into the running average. The average is the recency-biased
// update avg = (avg + duration) / 2, not a true mean.
func (t *Table) RecordCompletion(slotIndex int, duration time.Duration) {
	if slotIndex < 0 || slotIndex >= len(t.slots) {
		return
	}
	s := &t.slots[slotIndex]
	s.tasksCompleted.Add(1)
	durMs := float64(duration) / float64(time.Millisecond)
	avg := math.Float64frombits(s.avgDurationMs.Load())
	if avg == 0 {
		avg = durMs
	} else {
		avg = (avg + durMs) / 2
	}
	s.avgDurationMs.Store(math.Float64bits(avg))
}

// ResetSlot clears a slot's counters and metrics for a replacement worker.
// The lock fields are left alone; they belong to the lock protocol.
func (t *Table) ResetSlot(slotIndex int) {
	if slotIndex < 0 || slotIndex >= len(t.slots) {
		return
	}
	s := &t.slots[slotIndex]
	s.tasksCompleted.Store(0)
	s.avgDurationMs.Store(0)
	s.lastHeartbeat.Store(0)
	s.status.Store(int32(model.SlotStatusIdle))
}

// Snapshot returns an atomic-read snapshot of the slot. Field reads are
// individually atomic; the snapshot as a whole is eventually consistent,
// which is the contract for the metric fields.
func (t *Table) Snapshot(slotIndex int) Info {
	if slotIndex < 0 || slotIndex >= len(t.slots) {
		return Info{Status: model.SlotStatusDead}
	}
	s := &t.slots[slotIndex]
	info := Info{
		Status:         model.SlotStatus(s.status.Load()),
		TasksCompleted: s.tasksCompleted.Load(),
		LockOwner:      s.lockOwner.Load(),
		AvgDurationMs:  math.Float64frombits(s.avgDurationMs.Load()),
	}
	if acquired := s.lockAcquiredAt.Load(); acquired != 0 {
		info.LockAcquiredAt = time.Unix(0, acquired)
	}
	if hb := s.lastHeartbeat.Load(); hb != 0 {
		info.LastHeartbeat = time.Unix(0, hb)
	}
	return info
}

// TotalCompleted sums completion counters across all slots.
func (t *Table) TotalCompleted() int64 {
	var total int64
	for i := range t.slots {
		total += t.slots[i].tasksCompleted.Load()
	}
	return total
}
