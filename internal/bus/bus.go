package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Caps for the adaptive scaling function.
const (
	maxScaleFactor   = 3.0
	maxFlushInterval = 2 * time.Second
	maxBufferCap     = 100
	monitorInterval  = time.Second
)

// Handler consumes one flushed batch. Handlers run on the bus's dispatch
// goroutine and must return quickly; messages in the batch are recycled as
// soon as every handler has returned, so handlers must not retain them.
type Handler func(batch []*Message)

// Options configures an AdaptiveBus.
type Options struct {
	BatchingEnabled     bool
	BaseInterval        time.Duration
	BaseBufferSize      int
	AdaptiveEnabled     bool
	ThroughputThreshold float64
	Pool                *MessagePool // nil disables message pooling
}

// AdaptiveBus is a per-topic buffered publish/flush bus whose flush cadence
// self-tunes from measured throughput. Under burst load it trades reporting
// latency for fewer dispatches; once load subsides it restores the base
// cadence.
type AdaptiveBus struct {
	logger *zap.Logger
	opts   Options

	mu      sync.Mutex
	buffers map[Topic][]*Message
	subs    map[Topic][]Handler

	flushInterval time.Duration
	maxBufferSize int

	published atomic.Int64 // messages since the last adaptive check

	kick      chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	loopsDone sync.WaitGroup
}

// New creates an adaptive bus. Base interval and buffer size must already be
// validated by config.
func New(opts Options, logger *zap.Logger) *AdaptiveBus {
	return &AdaptiveBus{
		logger:        logger.Named("event-bus"),
		opts:          opts,
		buffers:       make(map[Topic][]*Message),
		subs:          make(map[Topic][]Handler),
		flushInterval: opts.BaseInterval,
		maxBufferSize: opts.BaseBufferSize,
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
}

// Subscribe registers a batch handler for a topic.
func (b *AdaptiveBus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Start launches the flush timer and, when enabled, the adaptive throughput
// monitor. Both run on their own schedules, asynchronous to publishers.
func (b *AdaptiveBus) Start(ctx context.Context) error {
	if !b.opts.BatchingEnabled {
		b.logger.Info("Batching disabled, dispatching synchronously")
		return nil
	}
	select {
	case <-b.stop:
		// Destroyed; a dead bus never restarts its timers.
		return nil
	default:
	}

	b.logger.Info("Starting adaptive event bus",
		zap.Duration("base_interval", b.opts.BaseInterval),
		zap.Int("base_buffer_size", b.opts.BaseBufferSize),
		zap.Bool("adaptive", b.opts.AdaptiveEnabled))

	b.loopsDone.Add(1)
	go b.flushLoop(ctx)

	if b.opts.AdaptiveEnabled {
		b.loopsDone.Add(1)
		go b.monitorLoop(ctx)
	}
	return nil
}

// Destroy flushes pending batches and stops all bus timers. No flush or
// adjustment fires after Destroy returns. Idempotent.
func (b *AdaptiveBus) Destroy() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	b.loopsDone.Wait()
	b.FlushAll()
}

// Publish appends a message to the topic's buffer. The topic is flushed when
// its buffer reaches the max size or when the flush timer fires, whichever
// first. With batching disabled the message is dispatched synchronously.
func (b *AdaptiveBus) Publish(topic Topic, event interface{}) {
	b.published.Add(1)

	if !b.opts.BatchingEnabled {
		b.dispatch(topic, []*Message{b.acquire(topic, event)})
		return
	}

	b.mu.Lock()
	b.buffers[topic] = append(b.buffers[topic], b.acquire(topic, event))
	full := len(b.buffers[topic]) >= b.maxBufferSize
	b.mu.Unlock()

	if full {
		b.Flush(topic)
	}
}

// PublishImmediate bypasses buffering and dispatches synchronously.
func (b *AdaptiveBus) PublishImmediate(topic Topic, event interface{}) {
	b.published.Add(1)
	b.dispatch(topic, []*Message{b.acquire(topic, event)})
}

// Flush dispatches the topic's pending batch in insertion order.
func (b *AdaptiveBus) Flush(topic Topic) {
	b.mu.Lock()
	batch := b.buffers[topic]
	if len(batch) == 0 {
		b.mu.Unlock()
		return
	}
	b.buffers[topic] = nil
	b.mu.Unlock()

	b.dispatch(topic, batch)
}

// FlushAll flushes every topic with a pending batch.
func (b *AdaptiveBus) FlushAll() {
	b.mu.Lock()
	topics := make([]Topic, 0, len(b.buffers))
	for topic, batch := range b.buffers {
		if len(batch) > 0 {
			topics = append(topics, topic)
		}
	}
	b.mu.Unlock()

	for _, topic := range topics {
		b.Flush(topic)
	}
}

// FlushInterval returns the current flush interval.
func (b *AdaptiveBus) FlushInterval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushInterval
}

// MaxBufferSize returns the current per-topic buffer limit.
func (b *AdaptiveBus) MaxBufferSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxBufferSize
}

// AdjustForThroughput applies the adaptive scaling function for one measured
// throughput sample (messages per second) and returns the resulting flush
// interval and buffer size. Deterministic for a given sample.
func (b *AdaptiveBus) AdjustForThroughput(throughput float64) (time.Duration, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	threshold := b.opts.ThroughputThreshold
	switch {
	case throughput > threshold:
		scale := throughput / threshold
		if scale > maxScaleFactor {
			scale = maxScaleFactor
		}
		interval := time.Duration(float64(b.opts.BaseInterval) * scale)
		if interval > maxFlushInterval {
			interval = maxFlushInterval
		}
		size := int(float64(b.opts.BaseBufferSize) * scale)
		if size > maxBufferCap {
			size = maxBufferCap
		}
		b.flushInterval = interval
		b.maxBufferSize = size
	case throughput < threshold*0.5:
		// Responsiveness takes priority once load subsides.
		b.flushInterval = b.opts.BaseInterval
		b.maxBufferSize = b.opts.BaseBufferSize
	}
	return b.flushInterval, b.maxBufferSize
}

// acquire wraps an event in a Message, from the pool when one is configured.
func (b *AdaptiveBus) acquire(topic Topic, event interface{}) *Message {
	if b.opts.Pool != nil {
		return b.opts.Pool.Acquire(topic, event)
	}
	return &Message{Topic: topic, Event: event, Time: time.Now()}
}

// dispatch delivers one batch to every subscriber of the topic, then
// recycles the messages.
func (b *AdaptiveBus) dispatch(topic Topic, batch []*Message) {
	b.mu.Lock()
	handlers := make([]Handler, len(b.subs[topic]))
	copy(handlers, b.subs[topic])
	b.mu.Unlock()

	for _, h := range handlers {
		h(batch)
	}

	if b.opts.Pool != nil {
		for _, m := range batch {
			b.opts.Pool.Release(m)
		}
	}
}

// flushLoop flushes all topics on the current flush interval. The timer is
// restarted whenever the adaptive monitor changes the interval.
func (b *AdaptiveBus) flushLoop(ctx context.Context) {
	defer b.loopsDone.Done()

	timer := time.NewTimer(b.FlushInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-timer.C:
			b.FlushAll()
			timer.Reset(b.FlushInterval())
		case <-b.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(b.FlushInterval())
		}
	}
}

// monitorLoop measures throughput once per second and retunes the flush
// cadence. Independent of the flush timer.
func (b *AdaptiveBus) monitorLoop(ctx context.Context) {
	defer b.loopsDone.Done()

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last).Seconds()
			if elapsed <= 0 {
				continue
			}
			count := b.published.Swap(0)
			last = now

			throughput := float64(count) / elapsed
			interval, size := b.AdjustForThroughput(throughput)

			b.logger.Debug("Adaptive batching adjusted",
				zap.Float64("throughput", throughput),
				zap.Duration("flush_interval", interval),
				zap.Int("max_buffer_size", size))

			// Restart the flush timer with the new interval.
			select {
			case b.kick <- struct{}{}:
			default:
			}
		}
	}
}
