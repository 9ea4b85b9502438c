package standby

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arcreach/testswarm/internal/model"
	"github.com/arcreach/testswarm/internal/monitor"
)

// Defaults for the pool maintenance cycle.
const (
	DefaultMaintenanceInterval = 500 * time.Millisecond
	DefaultTopUpBatch          = 2
)

// UnboundSlot is the slot index passed to the deploy callback for pre-warm
// deploys; a standby worker is bound to a real slot only when handed out.
const UnboundSlot = -1

// PoolConfig configures a hot-standby pool.
type PoolConfig struct {
	Target              int
	MaintenanceInterval time.Duration
	TopUpBatch          int
	DeployTimeout       time.Duration
}

// Pool maintains a target count of pre-warmed worker placeholders so that
// failover becomes a pool lookup instead of a deploy. Withdrawals are topped
// back up to the target by the maintenance cycle, a small batch per cycle to
// avoid deploy bursts.
type Pool struct {
	logger  *zap.Logger
	cfg     PoolConfig
	deploy  model.DeployFunc
	metrics *monitor.Metrics

	mu       sync.Mutex
	ready    []*model.StandbyWorker
	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewPool creates a hot-standby pool. metrics may be nil.
func NewPool(cfg PoolConfig, deploy model.DeployFunc, metrics *monitor.Metrics, logger *zap.Logger) *Pool {
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if cfg.TopUpBatch <= 0 {
		cfg.TopUpBatch = DefaultTopUpBatch
	}
	return &Pool{
		logger:  logger.Named("standby-pool"),
		cfg:     cfg,
		deploy:  deploy,
		metrics: metrics,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Seed performs the blocking warm-up pass, deploying up to the target count
// before the swarm starts. Individual deploy failures are logged and left for
// the maintenance cycle to retry; only context cancellation aborts the pass.
func (p *Pool) Seed(ctx context.Context) error {
	for i := 0; i < p.cfg.Target; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.warmOne(ctx)
	}

	p.logger.Info("Standby pool seeded",
		zap.Int("ready", p.Size()),
		zap.Int("target", p.cfg.Target))
	return nil
}

// Start starts the maintenance cycle.
func (p *Pool) Start(ctx context.Context) error {
	p.logger.Info("Starting standby pool maintenance",
		zap.Int("target", p.cfg.Target),
		zap.Duration("interval", p.cfg.MaintenanceInterval))

	go p.maintainLoop(ctx)
	return nil
}

// Stop stops the maintenance cycle and waits for it to exit. Idempotent.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping standby pool")
		close(p.stop)
	})
	<-p.stopped
}

// GetReadyWorker pops a ready standby in O(1), transitions it to Deploying
// and removes it from the pool. The second return is false when the pool is
// empty and the caller must take the cold deploy path.
func (p *Pool) GetReadyWorker() (*model.StandbyWorker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.ready)
	if n == 0 {
		return nil, false
	}

	w := p.ready[n-1]
	p.ready = p.ready[:n-1]
	w.State = model.StandbyStateDeploying

	if p.metrics != nil {
		p.metrics.StandbyPoolSize.Set(float64(len(p.ready)))
	}

	p.logger.Debug("Standby worker handed out",
		zap.String("worker_id", w.WorkerID),
		zap.Duration("warm_age", time.Since(w.CreatedAt)))
	return w, true
}

// Size returns the current number of ready standbys.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready)
}

// Target returns the configured pool target.
func (p *Pool) Target() int {
	return p.cfg.Target
}

// maintainLoop tops the pool back up on a fixed cadence.
func (p *Pool) maintainLoop(ctx context.Context) {
	defer close(p.stopped)

	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.maintain(ctx)
		}
	}
}

// maintain replenishes the pool up to the deficit, capped per cycle.
func (p *Pool) maintain(ctx context.Context) {
	deficit := p.cfg.Target - p.Size()
	if deficit <= 0 {
		return
	}
	if deficit > p.cfg.TopUpBatch {
		deficit = p.cfg.TopUpBatch
	}

	for i := 0; i < deficit; i++ {
		select {
		case <-p.stop:
			return
		default:
		}
		p.warmOne(ctx)
	}
}

// warmOne deploys a single standby and promotes it Warming to Ready. An
// entry that fails to reach Ready is dropped.
func (p *Pool) warmOne(ctx context.Context) {
	w := &model.StandbyWorker{
		SlotIndex: UnboundSlot,
		CreatedAt: time.Now(),
		State:     model.StandbyStateWarming,
	}

	deployCtx := ctx
	if p.cfg.DeployTimeout > 0 {
		var cancel context.CancelFunc
		deployCtx, cancel = context.WithTimeout(ctx, p.cfg.DeployTimeout)
		defer cancel()
	}

	workerID, err := p.deploy(deployCtx, UnboundSlot)
	if err != nil {
		p.logger.Warn("Standby pre-warm deploy failed", zap.Error(err))
		return
	}
	if workerID == "" {
		workerID = uuid.New().String()
	}

	w.WorkerID = workerID
	w.State = model.StandbyStateReady

	p.mu.Lock()
	p.ready = append(p.ready, w)
	size := len(p.ready)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.StandbyPoolSize.Set(float64(size))
	}

	p.logger.Debug("Standby worker ready",
		zap.String("worker_id", workerID),
		zap.Int("pool_size", size))
}
