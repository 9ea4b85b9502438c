package swarm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arcreach/testswarm/internal/bus"
	"github.com/arcreach/testswarm/internal/config"
	"github.com/arcreach/testswarm/internal/model"
	"github.com/arcreach/testswarm/internal/monitor"
	"github.com/arcreach/testswarm/internal/slot"
	"github.com/arcreach/testswarm/internal/standby"
)

// scheduler owns the task queue and the worker loops for one swarm run. It
// is the watchdog's recovery callback target and drives failover through the
// hot-standby pool.
type scheduler struct {
	logger   *zap.Logger
	cfg      config.Config
	table    *slot.Table
	pool     *standby.Pool
	eventBus *bus.AdaptiveBus
	metrics  *monitor.Metrics
	deploy   model.DeployFunc
	runners  map[string]TaskRunner

	queue *taskQueue

	mu         sync.Mutex
	handles    map[int]*model.WorkerHandle
	results    []*model.TaskResult
	passed     int
	failed     int
	fatal      bool
	active     int
	draining   bool
	etaMs      int64
	totalTasks int
	startedAt  time.Time

	runCtx   context.Context
	ownerSeq atomic.Int64
	canceled atomic.Bool

	idle    chan struct{} // signaled when active drops to zero
	respawn chan struct{} // signaled when a failover replacement starts
}

func newScheduler(
	cfg config.Config,
	table *slot.Table,
	pool *standby.Pool,
	eventBus *bus.AdaptiveBus,
	metrics *monitor.Metrics,
	deploy model.DeployFunc,
	runners map[string]TaskRunner,
	tasks []*model.Task,
	logger *zap.Logger,
) *scheduler {
	return &scheduler{
		logger:     logger.Named("scheduler"),
		cfg:        cfg,
		table:      table,
		pool:       pool,
		eventBus:   eventBus,
		metrics:    metrics,
		deploy:     deploy,
		runners:    runners,
		queue:      newTaskQueue(tasks),
		handles:    make(map[int]*model.WorkerHandle),
		totalTasks: len(tasks),
		idle:       make(chan struct{}, 1),
		respawn:    make(chan struct{}, 1),
	}
}

// Run deploys the initial workers and blocks until all tasks reach a
// terminal state, the context is done, or every worker is lost beyond
// recovery. Per-task and per-worker failures never surface as errors.
func (s *scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.runCtx = ctx
	s.mu.Unlock()

	workers := s.cfg.MaxConcurrency
	if s.totalTasks < workers {
		workers = s.totalTasks
	}

	deployed := 0
	for i := 0; i < workers; i++ {
		if err := ctx.Err(); err != nil {
			break
		}
		if s.deployWorker(ctx, i) {
			deployed++
		}
	}

	if deployed == 0 {
		s.logger.Error("No workers could be deployed")
		s.setFatal()
		return nil
	}

	s.logger.Info("Swarm workers deployed",
		zap.Int("workers", deployed),
		zap.Int("tasks", s.totalTasks))

	// A freed slot is only recoverable while the watchdog runs; past this
	// window an all-idle swarm with queued work is unrecoverable.
	grace := s.cfg.ScanInterval + s.cfg.StaleLockTimeout + 500*time.Millisecond

	for {
		select {
		case <-ctx.Done():
			s.queue.Close()
			s.waitIdle()
			return nil
		case <-s.idle:
			if s.queue.Len() == 0 || s.canceled.Load() {
				s.markDrained()
				return nil
			}
			// Every worker is gone with work still queued; wait out one
			// recovery window before declaring the run dead.
			timer := time.NewTimer(grace)
			select {
			case <-s.respawn:
				timer.Stop()
			case <-ctx.Done():
				timer.Stop()
				s.queue.Close()
				s.waitIdle()
				return nil
			case <-timer.C:
				if s.activeCount() == 0 {
					s.logger.Error("All workers lost with tasks remaining",
						zap.Int("queued", s.queue.Len()))
					s.setFatal()
					s.queue.Close()
					s.markDrained()
					return nil
				}
			}
		}
	}
}

// Cancel stops new task pops; workers wind down after their current task.
func (s *scheduler) Cancel() {
	if s.canceled.CompareAndSwap(false, true) {
		s.logger.Info("Swarm canceled, draining workers")
		s.queue.Close()
	}
}

// deployWorker provisions a worker for the slot through the deploy callback
// and starts its loop. A deploy failure marks the slot dead.
func (s *scheduler) deployWorker(ctx context.Context, slotIndex int) bool {
	deployCtx, cancel := context.WithTimeout(ctx, s.cfg.DeployTimeout)
	defer cancel()

	workerID, err := s.deploy(deployCtx, slotIndex)
	if err != nil {
		s.logger.Error("Initial worker deploy failed",
			zap.Int("slot", slotIndex),
			zap.Error(err))
		s.table.UpdateStatus(slotIndex, model.SlotStatusDead)
		return false
	}
	if workerID == "" {
		workerID = uuid.New().String()
	}

	handle := &model.WorkerHandle{
		WorkerID:   workerID,
		SlotIndex:  slotIndex,
		DeployedAt: time.Now(),
	}

	s.mu.Lock()
	s.handles[slotIndex] = handle
	s.mu.Unlock()

	s.table.UpdateStatus(slotIndex, model.SlotStatusActive)
	s.table.Heartbeat(slotIndex)
	return s.spawnWorker(ctx, handle)
}

// spawnWorker starts the worker loop goroutine unless the run is draining.
func (s *scheduler) spawnWorker(ctx context.Context, handle *model.WorkerHandle) bool {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return false
	}
	s.active++
	active := s.active
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveWorkers.Set(float64(active))
	}

	go s.workerLoop(ctx, handle)
	return true
}

// workerLoop pops and executes tasks until the queue empties, the run is
// canceled, or the worker loses its slot ownership to the watchdog. A panic
// exits the loop without releasing the slot lock, leaving the stale lock for
// the watchdog to detect.
func (s *scheduler) workerLoop(ctx context.Context, handle *model.WorkerHandle) {
	ownerID := s.ownerSeq.Add(1)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Worker panicked",
				zap.String("worker_id", handle.WorkerID),
				zap.Int("slot", handle.SlotIndex),
				zap.Any("panic", r))
		}
		s.workerExited()
	}()

	for {
		if ctx.Err() != nil || s.canceled.Load() {
			return
		}
		task := s.queue.Pop()
		if task == nil {
			return
		}
		if !s.executeTask(ctx, handle, ownerID, task) {
			// Slot ownership was transferred; a replacement owns it now.
			return
		}
	}
}

// executeTask runs one task under the slot lock with a keep-alive refresh.
// It returns false when the worker has lost slot ownership.
func (s *scheduler) executeTask(ctx context.Context, handle *model.WorkerHandle, ownerID int64, task *model.Task) bool {
	slotIndex := handle.SlotIndex

	locked := s.table.AcquireLock(slotIndex, ownerID)
	if !locked {
		// Contention is a normal outcome; proceed without the lock.
		if s.metrics != nil {
			s.metrics.LockContention.Inc()
		}
	} else {
		stopKeepAlive := s.startKeepAlive(slotIndex)
		defer stopKeepAlive()
	}

	started := time.Now()
	task.Status = model.TaskStatusRunning
	task.StartedAt = &started
	task.WorkerID = handle.WorkerID

	result, err := s.runTask(ctx, task)
	duration := time.Since(started)

	if err == nil && result != nil && result.Status != model.TaskStatusFailed {
		s.recordSuccess(handle, task, result, duration)
	} else {
		s.recordFailure(handle, task, result, err, duration)
	}

	if locked && !s.table.ReleaseLock(slotIndex, ownerID) {
		// The watchdog force-reclaimed the lock mid-task: ownership already
		// transferred, never retried.
		s.logger.Debug("Slot lock already reclaimed",
			zap.Int("slot", slotIndex),
			zap.String("worker_id", handle.WorkerID))
		return false
	}
	return true
}

// runTask dispatches to the task's runner, bounded by the per-task timeout.
// The runner executes on its own goroutine so a runner that ignores ctx
// still cannot stall the worker past the timeout.
func (s *scheduler) runTask(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	runner, ok := s.runners[task.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRunner, task.Name)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	type outcome struct {
		result *model.TaskResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{nil, fmt.Errorf("runner panic: %v", r)}
			}
		}()
		result, err := runner.Execute(runCtx, task)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-runCtx.Done():
		return nil, fmt.Errorf("%w after %s: %s", ErrTaskTimeout, s.cfg.TaskTimeout, task.ID)
	}
}

// startKeepAlive refreshes the slot lock and heartbeat while a task runs,
// so a live worker is never mistaken for a dead one.
func (s *scheduler) startKeepAlive(slotIndex int) func() {
	interval := s.cfg.StaleLockTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.table.RefreshLock(slotIndex)
				s.table.Heartbeat(slotIndex)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
	}
}

// recordSuccess folds a passing task into slot metrics, run counters, and
// the task:complete channel.
func (s *scheduler) recordSuccess(handle *model.WorkerHandle, task *model.Task, result *model.TaskResult, duration time.Duration) {
	now := time.Now()
	task.Status = model.TaskStatusCompleted
	task.CompletedAt = &now
	task.Result = result.Result

	result.TaskID = task.ID
	result.WorkerID = handle.WorkerID
	result.Status = model.TaskStatusCompleted
	result.Duration = duration
	if result.CompletedAt.IsZero() {
		result.CompletedAt = now
	}

	s.table.RecordCompletion(handle.SlotIndex, duration)
	s.table.Heartbeat(handle.SlotIndex)

	s.mu.Lock()
	handle.TasksCompleted++
	s.results = append(s.results, result)
	s.passed++
	s.recalculateETALocked()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TasksCompleted.Inc()
	}
	s.eventBus.Publish(bus.TopicTaskComplete, bus.TaskCompleteEvent{
		TaskID:     task.ID,
		WorkerID:   handle.WorkerID,
		DurationMs: float64(duration) / float64(time.Millisecond),
	})
}

// recordFailure either re-enqueues the task within the retry bound or
// records a terminal failure.
func (s *scheduler) recordFailure(handle *model.WorkerHandle, task *model.Task, result *model.TaskResult, err error, duration time.Duration) {
	errMsg := ""
	switch {
	case err != nil:
		errMsg = err.Error()
	case result != nil:
		errMsg = result.Error
	}

	if task.RetryCount < model.MaxRetries {
		task.RetryCount++
		task.Status = model.TaskStatusPending
		task.ErrorMessage = errMsg
		s.queue.Requeue(task)

		if s.metrics != nil {
			s.metrics.TasksRetried.Inc()
		}
		s.eventBus.Publish(bus.TopicTaskError, bus.TaskErrorEvent{
			TaskID:   task.ID,
			WorkerID: handle.WorkerID,
			Error:    errMsg,
			Attempt:  task.RetryCount,
			Retry:    true,
		})
		return
	}

	now := time.Now()
	task.Status = model.TaskStatusFailed
	task.CompletedAt = &now
	task.ErrorMessage = errMsg

	terminal := &model.TaskResult{
		TaskID:      task.ID,
		WorkerID:    handle.WorkerID,
		Status:      model.TaskStatusFailed,
		Error:       errMsg,
		Duration:    duration,
		CompletedAt: now,
	}

	s.mu.Lock()
	s.results = append(s.results, terminal)
	s.failed++
	s.recalculateETALocked()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TasksFailed.Inc()
	}
	s.eventBus.Publish(bus.TopicTaskError, bus.TaskErrorEvent{
		TaskID:   task.ID,
		WorkerID: handle.WorkerID,
		Error:    errMsg,
		Attempt:  task.RetryCount,
		Retry:    false,
	})
}

// HandleSlotFreed is the watchdog recovery callback. It swaps the dead
// worker's bookkeeping for a standby replacement, or falls back to a cold
// deploy when the pool is empty.
func (s *scheduler) HandleSlotFreed(slotIndex int) {
	if s.metrics != nil {
		s.metrics.WatchdogRecoveries.Inc()
	}

	s.mu.Lock()
	handle := s.handles[slotIndex]
	if handle != nil {
		delete(s.handles, slotIndex)
	}
	ctx := s.runCtx
	s.mu.Unlock()

	if handle == nil || ctx == nil {
		return
	}

	s.logger.Warn("Worker presumed dead",
		zap.String("worker_id", handle.WorkerID),
		zap.Int("slot", slotIndex))

	if s.canceled.Load() || s.queue.Len() == 0 {
		s.table.UpdateStatus(slotIndex, model.SlotStatusIdle)
		return
	}

	requested := time.Now()

	if sw, ok := s.pool.GetReadyWorker(); ok {
		latency := time.Since(requested)
		s.adoptReplacement(ctx, slotIndex, sw.WorkerID)

		if s.metrics != nil {
			s.metrics.HotFailoverLatency.Observe(latency.Seconds())
		}
		s.eventBus.PublishImmediate(bus.TopicWorkerFailover, bus.FailoverEvent{
			DeadWorkerID:   handle.WorkerID,
			NewWorkerID:    sw.WorkerID,
			SlotIndex:      slotIndex,
			FailoverTimeMs: float64(latency) / float64(time.Millisecond),
			Instant:        true,
		})
		return
	}

	// Cold path: deploy on demand with its own timeout.
	deployCtx, cancel := context.WithTimeout(ctx, s.cfg.DeployTimeout)
	defer cancel()

	workerID, err := s.deploy(deployCtx, slotIndex)
	if err != nil {
		s.logger.Error("Cold failover deploy failed, slot excluded",
			zap.Int("slot", slotIndex),
			zap.Error(err))
		s.table.UpdateStatus(slotIndex, model.SlotStatusDead)
		s.setFatal()
		return
	}
	if workerID == "" {
		workerID = uuid.New().String()
	}

	latency := time.Since(requested)
	s.adoptReplacement(ctx, slotIndex, workerID)

	if s.metrics != nil {
		s.metrics.ColdFailoverLatency.Observe(latency.Seconds())
	}
	s.eventBus.PublishImmediate(bus.TopicWorkerFailover, bus.FailoverEvent{
		DeadWorkerID:   handle.WorkerID,
		NewWorkerID:    workerID,
		SlotIndex:      slotIndex,
		FailoverTimeMs: float64(latency) / float64(time.Millisecond),
		Instant:        false,
	})
}

// adoptReplacement binds a replacement worker to the freed slot with reset
// counters and starts its loop.
func (s *scheduler) adoptReplacement(ctx context.Context, slotIndex int, workerID string) {
	s.table.ResetSlot(slotIndex)
	s.table.UpdateStatus(slotIndex, model.SlotStatusActive)
	s.table.Heartbeat(slotIndex)

	handle := &model.WorkerHandle{
		WorkerID:   workerID,
		SlotIndex:  slotIndex,
		DeployedAt: time.Now(),
	}

	s.mu.Lock()
	s.handles[slotIndex] = handle
	s.mu.Unlock()

	if s.spawnWorker(ctx, handle) {
		select {
		case s.respawn <- struct{}{}:
		default:
		}
	}

	s.logger.Info("Failover replacement active",
		zap.String("worker_id", workerID),
		zap.Int("slot", slotIndex))
}

// workerExited decrements the active count and signals idle at zero.
func (s *scheduler) workerExited() {
	s.mu.Lock()
	s.active--
	active := s.active
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveWorkers.Set(float64(active))
	}
	if active == 0 {
		select {
		case s.idle <- struct{}{}:
		default:
		}
	}
}

// markDrained blocks any further worker spawns.
func (s *scheduler) markDrained() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
}

func (s *scheduler) setFatal() {
	s.mu.Lock()
	s.fatal = true
	s.mu.Unlock()
}

func (s *scheduler) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// waitIdle blocks until every worker loop has exited.
func (s *scheduler) waitIdle() {
	for s.activeCount() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
}

// recalculateETALocked recomputes the remaining-time estimate. Caller holds
// s.mu.
func (s *scheduler) recalculateETALocked() {
	completed := len(s.results)
	if completed == 0 || s.startedAt.IsZero() {
		s.etaMs = 0
		return
	}
	elapsedMs := time.Since(s.startedAt).Milliseconds()
	remaining := s.totalTasks - completed
	workers := s.active
	if workers < 1 {
		workers = 1
	}
	s.etaMs = elapsedMs / int64(completed) * int64(remaining) / int64(workers)
}

// Status returns a point-in-time snapshot of the run.
func (s *scheduler) Status() model.SwarmStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.SwarmStatus{
		TotalTasks:               s.totalTasks,
		CompletedTasks:           len(s.results),
		PassedTasks:              s.passed,
		FailedTasks:              s.failed,
		ActiveWorkers:            s.active,
		EstimatedTimeRemainingMs: s.etaMs,
		Fatal:                    s.fatal,
	}
}

// Results returns a copy of the terminal task results collected so far.
func (s *scheduler) Results() []*model.TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.TaskResult, len(s.results))
	copy(out, s.results)
	return out
}
