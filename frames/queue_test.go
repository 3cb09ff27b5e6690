package frames

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int](4)
	for i := 1; i <= 3; i++ {
		assert.False(t, q.Push(i))
	}
	assert.Equal(t, 3, q.Len())

	for i := 1; i <= 3; i++ {
		v, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestQueueDropsOldestOnly(t *testing.T) {
	q := NewQueue[int](3)
	for i := 1; i <= 7; i++ {
		q.Push(i)
	}

	assert.Equal(t, uint64(4), q.Dropped())
	assert.Equal(t, uint64(7), q.Pushed())
	assert.Equal(t, []int{5, 6, 7}, q.Drain())
	assert.Equal(t, 0, q.Len())
}

// A producer outrunning a stalled consumer must never block, and whatever
// the consumer eventually sees must be in production order.
func TestQueueProducerNeverBlocksOnSlowConsumer(t *testing.T) {
	q := NewQueue[int](8)
	const total = 10000

	done := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			q.Push(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked on a full queue")
	}

	got := q.Drain()
	require.Len(t, got, 8)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1]+1, got[i], "remaining items must stay in order")
	}
	assert.Equal(t, total-1, got[len(got)-1])
	assert.Equal(t, uint64(total-8), q.Dropped())
}

func TestQueueConcurrentSlowConsumerSeesIncreasingSequence(t *testing.T) {
	q := NewQueue[int](4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var seen []int
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			v, err := q.Pop(ctx)
			if err != nil {
				return
			}
			seen = append(seen, v)
			time.Sleep(time.Millisecond)
		}
	}()

	for i := 0; i < 500; i++ {
		q.Push(i)
	}
	q.Close()
	wg.Wait()

	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i-1], seen[i])
	}
	assert.Equal(t, 499, seen[len(seen)-1])
	assert.Equal(t, uint64(500), uint64(len(seen))+q.Dropped())
}

func TestQueuePopHonoursContext(t *testing.T) {
	q := NewQueue[string](2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueClosedPopReturnsRemainingThenErrClosed(t *testing.T) {
	q := NewQueue[string](2)
	q.Push("a")
	q.Close()
	assert.False(t, q.Push("b"), "push after close is ignored")

	v, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClockSharedOffsets(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	now := base
	c := NewClock(func() time.Time { return now })

	assert.Equal(t, time.Duration(0), c.Now())
	now = base.Add(1500 * time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, c.Now())
	assert.Equal(t, base, c.Started())
}

func TestAudioFrameDuration(t *testing.T) {
	f := AudioFrame{SampleRate: 16000, Samples: make([]int16, 4000)}
	assert.Equal(t, 250*time.Millisecond, f.Duration())
	assert.Equal(t, time.Duration(0), AudioFrame{}.Duration())
}
