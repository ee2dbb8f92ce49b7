package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueue_DrainsAllJobs(t *testing.T) {
	q := NewQueue(10, 2)
	q.Start()

	var done atomic.Int32
	for range 10 {
		ok := q.Enqueue(Job{Run: func() error {
			done.Add(1)
			return nil
		}})
		assert.True(t, ok)
	}

	q.Stop()
	assert.Equal(t, int32(10), done.Load())
}

func TestQueue_EnqueueFullIsNonBlocking(t *testing.T) {
	q := NewQueue(1, 1)
	// not started: nothing drains the channel

	assert.True(t, q.Enqueue(Job{Run: func() error { return nil }}))
	assert.False(t, q.Enqueue(Job{Run: func() error { return nil }}))
}

func TestQueue_EnqueueWaitBlocksForCapacity(t *testing.T) {
	q := NewQueue(1, 1)

	// fill the only slot before any worker drains it
	assert.True(t, q.Enqueue(Job{Run: func() error { return nil }}))

	go func() {
		time.Sleep(50 * time.Millisecond)
		q.Start()
	}()

	var done atomic.Int32
	err := q.EnqueueWait(context.Background(), Job{Run: func() error {
		done.Add(1)
		return nil
	}})
	assert.NoError(t, err)

	q.Stop()
	assert.Equal(t, int32(1), done.Load())
}

func TestQueue_EnqueueWaitCancelled(t *testing.T) {
	q := NewQueue(1, 1)
	assert.True(t, q.Enqueue(Job{Run: func() error { return nil }}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.EnqueueWait(ctx, Job{Run: func() error { return nil }})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_ConcurrencyCappedAtWorkers(t *testing.T) {
	const workers = 3
	q := NewQueue(20, workers)
	q.Start()

	var inflight, peak atomic.Int32
	for range 12 {
		q.Enqueue(Job{Run: func() error {
			n := inflight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inflight.Add(-1)
			return nil
		}})
	}

	q.Stop()
	assert.LessOrEqual(t, peak.Load(), int32(workers))
	assert.Greater(t, peak.Load(), int32(0))
}

func TestQueue_OnFail(t *testing.T) {
	q := NewQueue(1, 1)
	q.Start()

	var mu sync.Mutex
	var got error
	boom := errors.New("boom")

	q.Enqueue(Job{
		Run: func() error { return boom },
		OnFail: func(err error) {
			mu.Lock()
			got = err
			mu.Unlock()
		},
	})

	q.Stop()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, boom, got)
}
