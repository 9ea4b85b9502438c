package swarm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arcreach/testswarm/internal/bus"
	"github.com/arcreach/testswarm/internal/config"
	"github.com/arcreach/testswarm/internal/model"
	"github.com/arcreach/testswarm/internal/monitor"
	"github.com/arcreach/testswarm/internal/slot"
	"github.com/arcreach/testswarm/internal/standby"
)

// reportInterval is the cadence of swarm:batch-update status publications.
const reportInterval = 500 * time.Millisecond

// Orchestrator is the façade over the swarm engine. It owns the long-lived
// pieces (slot table, event bus, message pool, metrics) and assembles the
// per-run pieces (watchdog, standby pool, scheduler) for each ExecuteSwarm.
// One run at a time; status and results of the last run persist until the
// next one starts.
type Orchestrator struct {
	logger  *zap.Logger
	cfg     config.Config
	deploy  model.DeployFunc
	table   *slot.Table
	metrics *monitor.Metrics
	msgPool *bus.MessagePool
	bus     *bus.AdaptiveBus

	mu        sync.Mutex
	runners   map[string]TaskRunner
	sched     *scheduler
	running   bool
	cancelRun context.CancelFunc
}

// NewOrchestrator creates an orchestrator. The config must already be
// validated. deploy provisions workers; pass a local stub when no real
// provisioning backend exists.
func NewOrchestrator(cfg config.Config, deploy model.DeployFunc, metrics *monitor.Metrics, logger *zap.Logger) (*Orchestrator, error) {
	table, err := slot.NewTable(cfg.MaxConcurrency)
	if err != nil {
		return nil, err
	}

	var msgPool *bus.MessagePool
	if cfg.MessagePool.Enabled {
		msgPool = bus.NewMessagePool(cfg.MessagePool.Capacity)
	}

	eventBus := bus.New(bus.Options{
		BatchingEnabled:     cfg.Batching.Enabled,
		BaseInterval:        cfg.Batching.BaseInterval,
		BaseBufferSize:      cfg.Batching.BaseBufferSize,
		AdaptiveEnabled:     cfg.Adaptive.Enabled,
		ThroughputThreshold: cfg.Adaptive.ThroughputThreshold,
		Pool:                msgPool,
	}, logger)

	return &Orchestrator{
		logger:  logger.Named("orchestrator"),
		cfg:     cfg,
		deploy:  deploy,
		table:   table,
		metrics: metrics,
		msgPool: msgPool,
		bus:     eventBus,
		runners: make(map[string]TaskRunner),
	}, nil
}

// RegisterRunner binds a runner to a task name. Tasks whose name has no
// runner fail with ErrUnknownRunner at execution time.
func (o *Orchestrator) RegisterRunner(name string, runner TaskRunner) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runners[name] = runner
}

// Bus exposes the event bus so callers can attach subscribers (dashboards,
// relays, samplers) before the first run.
func (o *Orchestrator) Bus() *bus.AdaptiveBus {
	return o.bus
}

// Table exposes the shared slot table for status inspection.
func (o *Orchestrator) Table() *slot.Table {
	return o.table
}

// ExecuteSwarm runs the given tasks to completion. It blocks until every
// task reaches a terminal state or the swarm times out. Task failures do not
// surface as errors; only setup failures and empty input do.
func (o *Orchestrator) ExecuteSwarm(ctx context.Context, tasks []*model.Task) error {
	if len(tasks) == 0 {
		return ErrNoTasks
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrSwarmRunning
	}
	o.running = true

	runners := make(map[string]TaskRunner, len(o.runners))
	for name, r := range o.runners {
		runners[name] = r
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.SwarmTimeout)
	o.cancelRun = cancel

	pool := standby.NewPool(standby.PoolConfig{
		Target:        o.cfg.StandbyTarget(),
		DeployTimeout: o.cfg.DeployTimeout,
	}, o.deploy, o.metrics, o.logger)

	watchdog := slot.NewWatchdog(o.table, o.cfg.ScanInterval, o.cfg.StaleLockTimeout, o.logger)

	sched := newScheduler(o.cfg, o.table, pool, o.bus, o.metrics, o.deploy, runners, tasks, o.logger)
	o.sched = sched
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.running = false
		o.cancelRun = nil
		o.mu.Unlock()
	}()

	o.resetTable()

	if err := o.bus.Start(runCtx); err != nil {
		return err
	}

	if err := pool.Seed(runCtx); err != nil {
		return err
	}
	if err := pool.Start(runCtx); err != nil {
		return err
	}
	defer pool.Stop()

	watchdog.OnRecovery(sched.HandleSlotFreed)
	if err := watchdog.Start(runCtx); err != nil {
		pool.Stop()
		return err
	}
	defer watchdog.Stop()

	started := time.Now()
	o.logger.Info("Swarm starting",
		zap.Int("tasks", len(tasks)),
		zap.Int("max_concurrency", o.cfg.MaxConcurrency),
		zap.Int("standby_target", pool.Target()))

	o.bus.PublishImmediate(bus.TopicSwarmStart, bus.SwarmStartEvent{
		TotalTasks:     len(tasks),
		MaxConcurrency: o.cfg.MaxConcurrency,
		Provider:       o.cfg.Provider,
		StartedAt:      started,
	})

	reportCtx, stopReports := context.WithCancel(runCtx)
	defer stopReports()

	g, _ := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer stopReports()
		return sched.Run(runCtx)
	})
	g.Go(func() error {
		o.reportLoop(reportCtx, sched)
		return nil
	})
	err := g.Wait()

	watchdog.Stop()
	pool.Stop()

	status := sched.Status()
	o.bus.PublishImmediate(bus.TopicSwarmComplete, bus.SwarmCompleteEvent{
		Status:    status,
		ElapsedMs: time.Since(started).Milliseconds(),
	})
	o.bus.FlushAll()

	o.logger.Info("Swarm complete",
		zap.Int("passed", status.PassedTasks),
		zap.Int("failed", status.FailedTasks),
		zap.Bool("fatal", status.Fatal),
		zap.Duration("elapsed", time.Since(started)))
	return err
}

// Cancel stops the in-flight run. Workers finish their current task; queued
// tasks are dropped. No-op when no run is active.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	sched := o.sched
	cancel := o.cancelRun
	o.mu.Unlock()

	if sched != nil {
		sched.Cancel()
	}
	if cancel != nil {
		cancel()
	}
}

// GetStatus returns the status of the active run, or of the last completed
// run when idle.
func (o *Orchestrator) GetStatus() model.SwarmStatus {
	o.mu.Lock()
	sched := o.sched
	o.mu.Unlock()

	if sched == nil {
		return model.SwarmStatus{}
	}
	return sched.Status()
}

// GetResults returns the terminal task results collected so far.
func (o *Orchestrator) GetResults() []*model.TaskResult {
	o.mu.Lock()
	sched := o.sched
	o.mu.Unlock()

	if sched == nil {
		return nil
	}
	return sched.Results()
}

// Shutdown tears down the long-lived pieces. The orchestrator cannot run
// again afterwards.
func (o *Orchestrator) Shutdown() {
	o.Cancel()
	o.bus.Destroy()
}

// reportLoop publishes periodic batch status updates while the run lasts.
func (o *Orchestrator) reportLoop(ctx context.Context, sched *scheduler) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.bus.Publish(bus.TopicSwarmBatchUpdate, bus.BatchUpdateEvent{
				Timestamp:   time.Now(),
				UpdateCount: 1,
				Status:      sched.Status(),
			})
		}
	}
}

// resetTable clears every slot before a new run.
func (o *Orchestrator) resetTable() {
	for i := 0; i < o.table.Len(); i++ {
		o.table.ResetSlot(i)
	}
}
