package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Message is one status-reporting envelope flowing through the bus.
type Message struct {
	Topic Topic
	Event interface{}
	Time  time.Time
}

// MessagePool is a capacity-bounded free list for Message objects. It is a
// pure allocation-churn optimization: Acquire never blocks and falls back to
// a fresh allocation when the pool is exhausted, and Release discards the
// object once the pool is full. The only correctness requirement is that a
// pooled object is never held by two consumers at once, which the bus
// guarantees by releasing only after a batch has been fully dispatched.
type MessagePool struct {
	mu        sync.Mutex
	free      []*Message
	capacity  int
	allocated atomic.Int64
	reused    atomic.Int64
}

// NewMessagePool creates a pool bounded at capacity objects.
func NewMessagePool(capacity int) *MessagePool {
	return &MessagePool{
		free:     make([]*Message, 0, capacity),
		capacity: capacity,
	}
}

// Acquire pops a pooled message and overwrites its fields, keeping the same
// on-heap object shape across reuses, or allocates fresh when the pool is
// empty.
func (p *MessagePool) Acquire(topic Topic, event interface{}) *Message {
	var m *Message

	p.mu.Lock()
	if n := len(p.free); n > 0 {
		m = p.free[n-1]
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if m == nil {
		p.allocated.Add(1)
		m = &Message{}
	} else {
		p.reused.Add(1)
	}

	m.Topic = topic
	m.Event = event
	m.Time = time.Now()
	return m
}

// Release clears the message payload and returns it to the pool if under
// capacity; otherwise the object is discarded.
func (p *MessagePool) Release(m *Message) {
	if m == nil {
		return
	}
	m.Topic = ""
	m.Event = nil
	m.Time = time.Time{}

	p.mu.Lock()
	if len(p.free) < p.capacity {
		p.free = append(p.free, m)
	}
	p.mu.Unlock()
}

// Allocated returns the number of fresh allocations performed.
func (p *MessagePool) Allocated() int64 {
	return p.allocated.Load()
}

// Reused returns the number of pool hits.
func (p *MessagePool) Reused() int64 {
	return p.reused.Load()
}

// Size returns the number of messages currently pooled.
func (p *MessagePool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
