package relay

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/arcreach/testswarm/internal/bus"
)

// Stream layout for relayed swarm events.
const (
	StreamName    = "SWARM_EVENTS"
	subjectPrefix = "swarm.events."

	sendQueueSize = 1024
)

// Envelope is the wire form of a relayed event.
type Envelope struct {
	Topic string      `json:"topic"`
	Time  time.Time   `json:"time"`
	Event interface{} `json:"event"`
}

type outbound struct {
	subject string
	data    []byte
}

// Relay forwards event bus traffic onto NATS JetStream so external consumers
// (dashboards, CI collectors) can observe a swarm without linking the engine.
// Bus handlers must return quickly, so the handler only serializes; network
// publishes happen on the relay's own goroutine behind a bounded queue, and
// events are dropped rather than ever blocking a flush.
type Relay struct {
	js     nats.JetStreamContext
	logger *zap.Logger

	sendQ    chan outbound
	dropped  atomic.Int64
	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a relay over the given JetStream context and starts its
// publish loop.
func New(js nats.JetStreamContext, logger *zap.Logger) *Relay {
	r := &Relay{
		js:      js,
		logger:  logger.Named("relay"),
		sendQ:   make(chan outbound, sendQueueSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.publishLoop()
	return r
}

// EnsureStream creates the event stream if it does not exist yet.
func (r *Relay) EnsureStream() error {
	_, err := r.js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}

	_, err = r.js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{subjectPrefix + ">"},
		Storage:  nats.MemoryStorage,
	})
	if err != nil {
		return err
	}

	r.logger.Info("Created event stream", zap.String("stream", StreamName))
	return nil
}

// Attach subscribes the relay to the given bus topics.
func (r *Relay) Attach(b *bus.AdaptiveBus, topics ...bus.Topic) {
	for _, topic := range topics {
		topic := topic
		b.Subscribe(topic, func(batch []*bus.Message) {
			r.forward(topic, batch)
		})
	}
}

// Close drains queued events and stops the publish loop. Idempotent.
func (r *Relay) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.stopped
}

// Dropped returns the number of events discarded due to a full send queue.
func (r *Relay) Dropped() int64 {
	return r.dropped.Load()
}

// Subject maps a bus topic to its JetStream subject.
func Subject(topic bus.Topic) string {
	return subjectPrefix + strings.ReplaceAll(string(topic), ":", ".")
}

// forward serializes one flushed batch onto the send queue. Serialization
// happens inside the handler because pooled messages must not outlive it.
func (r *Relay) forward(topic bus.Topic, batch []*bus.Message) {
	subject := Subject(topic)
	for _, m := range batch {
		data, err := json.Marshal(Envelope{
			Topic: string(m.Topic),
			Time:  m.Time,
			Event: m.Event,
		})
		if err != nil {
			r.logger.Error("Failed to marshal event",
				zap.String("topic", string(topic)),
				zap.Error(err))
			continue
		}

		select {
		case r.sendQ <- outbound{subject: subject, data: data}:
		default:
			r.dropped.Add(1)
			r.logger.Warn("Relay send queue full, event dropped",
				zap.String("subject", subject))
		}
	}
}

// publishLoop drains the send queue; on Close it flushes whatever is still
// queued before exiting.
func (r *Relay) publishLoop() {
	defer close(r.stopped)

	for {
		select {
		case out := <-r.sendQ:
			r.publish(out)
		case <-r.stop:
			for {
				select {
				case out := <-r.sendQ:
					r.publish(out)
				default:
					return
				}
			}
		}
	}
}

func (r *Relay) publish(out outbound) {
	if _, err := r.js.Publish(out.subject, out.data); err != nil {
		r.logger.Error("Failed to relay event",
			zap.String("subject", out.subject),
			zap.Error(err))
	}
}
