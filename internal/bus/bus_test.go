package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBus(batching, adaptive bool) *AdaptiveBus {
	return New(Options{
		BatchingEnabled:     batching,
		BaseInterval:        100 * time.Millisecond,
		BaseBufferSize:      10,
		AdaptiveEnabled:     adaptive,
		ThroughputThreshold: 50,
	}, zap.NewNop())
}

func TestAdaptiveBus_BatchPreservesInsertionOrder(t *testing.T) {
	b := newTestBus(true, false)

	var mu sync.Mutex
	var got []string
	b.Subscribe(TopicTaskComplete, func(batch []*Message) {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range batch {
			got = append(got, m.Event.(TaskCompleteEvent).TaskID)
		}
	})

	for i := 0; i < 5; i++ {
		b.Publish(TopicTaskComplete, TaskCompleteEvent{TaskID: fmt.Sprintf("task-%d", i)})
	}
	b.Flush(TopicTaskComplete)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"task-0", "task-1", "task-2", "task-3", "task-4"}, got)
}

func TestAdaptiveBus_FlushOnBufferFull(t *testing.T) {
	b := newTestBus(true, false)

	var batches atomic.Int32
	b.Subscribe(TopicTaskComplete, func(batch []*Message) {
		batches.Add(1)
		assert.Len(t, batch, 10)
	})

	// Exactly one full buffer; no timer involved.
	for i := 0; i < 10; i++ {
		b.Publish(TopicTaskComplete, TaskCompleteEvent{TaskID: fmt.Sprintf("t%d", i)})
	}
	require.Equal(t, int32(1), batches.Load())
}

func TestAdaptiveBus_ImmediateBypassesBuffer(t *testing.T) {
	b := newTestBus(true, false)

	var delivered atomic.Int32
	b.Subscribe(TopicWorkerFailover, func(batch []*Message) {
		delivered.Add(int32(len(batch)))
	})

	b.PublishImmediate(TopicWorkerFailover, FailoverEvent{DeadWorkerID: "w1"})
	require.Equal(t, int32(1), delivered.Load())
}

func TestAdaptiveBus_TimerFlush(t *testing.T) {
	b := newTestBus(true, false)
	require.NoError(t, b.Start(context.Background()))
	defer b.Destroy()

	delivered := make(chan int, 1)
	b.Subscribe(TopicTaskComplete, func(batch []*Message) {
		delivered <- len(batch)
	})

	b.Publish(TopicTaskComplete, TaskCompleteEvent{TaskID: "t1"})
	b.Publish(TopicTaskComplete, TaskCompleteEvent{TaskID: "t2"})

	select {
	case n := <-delivered:
		require.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for timer flush")
	}
}

func TestAdaptiveBus_ScalingMonotonicity(t *testing.T) {
	b := newTestBus(true, true)

	// 2x threshold doubles interval and buffer, capped.
	interval, size := b.AdjustForThroughput(100)
	require.Equal(t, 200*time.Millisecond, interval)
	require.Equal(t, 20, size)

	// Light load restores base values.
	interval, size = b.AdjustForThroughput(5)
	require.Equal(t, 100*time.Millisecond, interval)
	require.Equal(t, 10, size)
}

func TestAdaptiveBus_ScalingCaps(t *testing.T) {
	b := New(Options{
		BatchingEnabled:     true,
		BaseInterval:        time.Second,
		BaseBufferSize:      50,
		AdaptiveEnabled:     true,
		ThroughputThreshold: 10,
	}, zap.NewNop())

	// 10x threshold clamps to scale factor 3, then to the hard caps.
	interval, size := b.AdjustForThroughput(100)
	require.Equal(t, 2*time.Second, interval)
	require.Equal(t, 100, size)
}

func TestAdaptiveBus_MidbandLeavesSettingsAlone(t *testing.T) {
	b := newTestBus(true, true)

	b.AdjustForThroughput(100)
	scaled := b.FlushInterval()

	// Between threshold/2 and threshold: neither scale up nor reset.
	interval, _ := b.AdjustForThroughput(30)
	require.Equal(t, scaled, interval)
}

func TestAdaptiveBus_BatchingDisabledDispatchesSynchronously(t *testing.T) {
	b := newTestBus(false, false)
	require.NoError(t, b.Start(context.Background()))

	var delivered atomic.Int32
	b.Subscribe(TopicTaskComplete, func(batch []*Message) {
		delivered.Add(int32(len(batch)))
	})

	b.Publish(TopicTaskComplete, TaskCompleteEvent{TaskID: "t1"})
	require.Equal(t, int32(1), delivered.Load())
}

func TestAdaptiveBus_DestroyFlushesAndStops(t *testing.T) {
	b := newTestBus(true, true)
	require.NoError(t, b.Start(context.Background()))

	var delivered atomic.Int32
	b.Subscribe(TopicTaskComplete, func(batch []*Message) {
		delivered.Add(int32(len(batch)))
	})

	b.Publish(TopicTaskComplete, TaskCompleteEvent{TaskID: "t1"})
	b.Destroy()
	require.Equal(t, int32(1), delivered.Load())

	// Idempotent, and no timers fire afterwards.
	b.Destroy()
	before := delivered.Load()
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, before, delivered.Load())
}

func TestAdaptiveBus_NoCrossTopicMixing(t *testing.T) {
	b := newTestBus(true, false)

	b.Subscribe(TopicTaskError, func(batch []*Message) {
		for _, m := range batch {
			assert.Equal(t, TopicTaskError, m.Topic)
		}
	})

	b.Publish(TopicTaskComplete, TaskCompleteEvent{TaskID: "ok"})
	b.Publish(TopicTaskError, TaskErrorEvent{TaskID: "bad"})
	b.FlushAll()
}
