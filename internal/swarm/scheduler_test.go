package swarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arcreach/testswarm/internal/bus"
	"github.com/arcreach/testswarm/internal/model"
	"github.com/arcreach/testswarm/internal/slot"
	"github.com/arcreach/testswarm/internal/standby"
)

type failoverProbe struct {
	mu     sync.Mutex
	events []bus.FailoverEvent
}

func (p *failoverProbe) handler(batch []*bus.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range batch {
		p.events = append(p.events, m.Event.(bus.FailoverEvent))
	}
}

func (p *failoverProbe) snapshot() []bus.FailoverEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bus.FailoverEvent, len(p.events))
	copy(out, p.events)
	return out
}

// newFailoverFixture wires a scheduler with one dead worker bookkept at slot
// 0 and the given standby target, ready for a HandleSlotFreed call.
func newFailoverFixture(t *testing.T, standbyTarget int, deploy model.DeployFunc, tasks []*model.Task) (*scheduler, *failoverProbe, chan struct{}) {
	t.Helper()

	cfg := testConfig()
	table, err := slot.NewTable(cfg.MaxConcurrency)
	require.NoError(t, err)

	eventBus := bus.New(bus.Options{BatchingEnabled: false}, zap.NewNop())
	probe := &failoverProbe{}
	eventBus.Subscribe(bus.TopicWorkerFailover, probe.handler)

	pool := standby.NewPool(standby.PoolConfig{
		Target:        standbyTarget,
		DeployTimeout: cfg.DeployTimeout,
	}, deploy, nil, zap.NewNop())
	require.NoError(t, pool.Seed(context.Background()))

	executed := make(chan struct{}, len(tasks)+1)
	runners := map[string]TaskRunner{
		"test": RunnerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
			executed <- struct{}{}
			return &model.TaskResult{Status: model.TaskStatusCompleted}, nil
		}),
	}

	sched := newScheduler(cfg, table, pool, eventBus, nil, deploy, runners, tasks, zap.NewNop())
	sched.mu.Lock()
	sched.runCtx = context.Background()
	sched.startedAt = time.Now()
	sched.handles[0] = &model.WorkerHandle{
		WorkerID:   "dead-worker",
		SlotIndex:  0,
		DeployedAt: time.Now(),
	}
	sched.mu.Unlock()

	return sched, probe, executed
}

func TestHotFailoverDrawsFromStandbyPool(t *testing.T) {
	sched, probe, executed := newFailoverFixture(t, 1, localDeploy,
		[]*model.Task{makeTask("pending", 1)})

	require.Equal(t, 1, sched.pool.Size())
	sched.HandleSlotFreed(0)

	events := probe.snapshot()
	require.Len(t, events, 1)
	require.True(t, events[0].Instant)
	require.Equal(t, "dead-worker", events[0].DeadWorkerID)
	require.NotEmpty(t, events[0].NewWorkerID)
	require.Equal(t, 0, events[0].SlotIndex)
	// A pool hit is a lookup, not a deploy.
	require.Less(t, events[0].FailoverTimeMs, 20.0)
	require.Equal(t, 0, sched.pool.Size())

	// The replacement worker picks up the queued task.
	select {
	case <-executed:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement worker never executed the queued task")
	}

	sched.mu.Lock()
	handle := sched.handles[0]
	sched.mu.Unlock()
	require.NotNil(t, handle)
	require.Equal(t, events[0].NewWorkerID, handle.WorkerID)
	require.Equal(t, model.SlotStatusActive, sched.table.Status(0))
}

func TestColdFailoverDeploysOnDemand(t *testing.T) {
	coldStart := 30 * time.Millisecond
	deploy := func(ctx context.Context, slotIndex int) (string, error) {
		time.Sleep(coldStart)
		return uuid.New().String(), nil
	}
	sched, probe, executed := newFailoverFixture(t, 0, deploy,
		[]*model.Task{makeTask("pending", 1)})

	sched.HandleSlotFreed(0)

	events := probe.snapshot()
	require.Len(t, events, 1)
	require.False(t, events[0].Instant)
	require.GreaterOrEqual(t, events[0].FailoverTimeMs, float64(coldStart/time.Millisecond))

	select {
	case <-executed:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement worker never executed the queued task")
	}
}

func TestFailoverSkippedWhenNoWorkRemains(t *testing.T) {
	sched, probe, _ := newFailoverFixture(t, 1, localDeploy, nil)

	sched.HandleSlotFreed(0)

	require.Empty(t, probe.snapshot())
	require.Equal(t, model.SlotStatusIdle, sched.table.Status(0))
	// The standby stays pooled for a slot that actually needs it.
	require.Equal(t, 1, sched.pool.Size())

	sched.mu.Lock()
	defer sched.mu.Unlock()
	require.Nil(t, sched.handles[0])
}

func TestColdFailoverDeployFailureExcludesSlot(t *testing.T) {
	deploy := func(ctx context.Context, slotIndex int) (string, error) {
		return "", errors.New("provider out of capacity")
	}
	sched, probe, _ := newFailoverFixture(t, 0, deploy,
		[]*model.Task{makeTask("pending", 1)})

	sched.HandleSlotFreed(0)

	require.Empty(t, probe.snapshot())
	require.Equal(t, model.SlotStatusDead, sched.table.Status(0))
	require.True(t, sched.Status().Fatal)
}

func TestFailoverIgnoresUnknownSlot(t *testing.T) {
	sched, probe, _ := newFailoverFixture(t, 1, localDeploy,
		[]*model.Task{makeTask("pending", 1)})

	// Slot 5 never had a worker bookkept.
	sched.HandleSlotFreed(5)

	require.Empty(t, probe.snapshot())
	require.Equal(t, 1, sched.pool.Size())
}

func TestWatchdogDrivenFailoverEndToEnd(t *testing.T) {
	cfg := testConfig()
	sched, probe, executed := newFailoverFixture(t, 1, localDeploy,
		[]*model.Task{makeTask("pending", 1)})

	watchdog := slot.NewWatchdog(sched.table, cfg.ScanInterval, cfg.StaleLockTimeout, zap.NewNop())
	watchdog.OnRecovery(sched.HandleSlotFreed)
	require.NoError(t, watchdog.Start(context.Background()))
	defer watchdog.Stop()

	// A worker that dies mid-task leaves its lock behind; the watchdog must
	// detect it and hand the slot to a standby.
	require.True(t, sched.table.AcquireLock(0, 99))

	select {
	case <-executed:
	case <-time.After(2 * time.Second):
		t.Fatal("stale lock was never recovered into a replacement worker")
	}

	require.Eventually(t, func() bool {
		events := probe.snapshot()
		return len(events) == 1 && events[0].Instant
	}, time.Second, 10*time.Millisecond)
}

func TestEstimatedTimeRemaining(t *testing.T) {
	cfg := testConfig()
	table, err := slot.NewTable(cfg.MaxConcurrency)
	require.NoError(t, err)
	eventBus := bus.New(bus.Options{BatchingEnabled: false}, zap.NewNop())
	pool := standby.NewPool(standby.PoolConfig{Target: 0}, localDeploy, nil, zap.NewNop())

	tasks := make([]*model.Task, 10)
	for i := range tasks {
		tasks[i] = makeTask("t", 1)
	}
	sched := newScheduler(cfg, table, pool, eventBus, nil, localDeploy, nil, tasks, zap.NewNop())

	sched.mu.Lock()
	sched.startedAt = time.Now().Add(-time.Second)
	sched.results = make([]*model.TaskResult, 5)
	sched.active = 2
	sched.recalculateETALocked()
	eta := sched.etaMs
	sched.mu.Unlock()

	// 1000ms elapsed over 5 tasks leaves 5 tasks across 2 workers, so the
	// estimate lands near 500ms.
	require.InDelta(t, 500, eta, 60)
}

func TestSchedulerStatusSnapshot(t *testing.T) {
	sched, _, _ := newFailoverFixture(t, 0, localDeploy,
		[]*model.Task{makeTask("a", 1), makeTask("b", 2)})

	status := sched.Status()
	require.Equal(t, 2, status.TotalTasks)
	require.Equal(t, 0, status.CompletedTasks)
	require.False(t, status.Fatal)
}
