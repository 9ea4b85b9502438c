package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessagePool_AcquireReuse(t *testing.T) {
	pool := NewMessagePool(4)

	m := pool.Acquire(TopicTaskComplete, TaskCompleteEvent{TaskID: "t1"})
	require.Equal(t, int64(1), pool.Allocated())
	require.Equal(t, TopicTaskComplete, m.Topic)
	require.False(t, m.Time.IsZero())

	pool.Release(m)
	require.Equal(t, 1, pool.Size())

	// The released object comes back with its payload cleared and new fields.
	m2 := pool.Acquire(TopicTaskError, TaskErrorEvent{TaskID: "t2"})
	require.Same(t, m, m2)
	require.Equal(t, int64(1), pool.Allocated())
	require.Equal(t, int64(1), pool.Reused())
	require.Equal(t, TopicTaskError, m2.Topic)
}

func TestMessagePool_ReleaseClearsPayload(t *testing.T) {
	pool := NewMessagePool(4)

	m := pool.Acquire(TopicTaskComplete, TaskCompleteEvent{TaskID: "secret"})
	pool.Release(m)

	require.Empty(t, m.Topic)
	require.Nil(t, m.Event)
	require.True(t, m.Time.IsZero())
}

func TestMessagePool_SoftLimit(t *testing.T) {
	pool := NewMessagePool(2)

	// Exhausting the pool never blocks; fresh allocations are counted.
	msgs := make([]*Message, 5)
	for i := range msgs {
		msgs[i] = pool.Acquire(TopicTaskComplete, nil)
	}
	require.Equal(t, int64(5), pool.Allocated())

	// Releases beyond capacity are discarded.
	for _, m := range msgs {
		pool.Release(m)
	}
	require.Equal(t, 2, pool.Size())
}
