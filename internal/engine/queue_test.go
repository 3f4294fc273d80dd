package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_EnqueueDequeue(t *testing.T) {
	q := NewQueue[string]()

	require.True(t, q.Enqueue("a"), "enqueue should succeed")

	got, ok := q.TryDequeue()
	require.True(t, ok, "dequeue should succeed")
	assert.Equal(t, "a", got)
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue[int]()

	for i := 1; i <= 3; i++ {
		q.Enqueue(i)
	}

	ctx := context.Background()
	for want := 1; want <= 3; want++ {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestQueue_TryDequeue_Empty(t *testing.T) {
	q := NewQueue[int]()

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestQueue_Dequeue_BlocksUntilAvailable(t *testing.T) {
	q := NewQueue[string]()

	done := make(chan string)

	go func() {
		v, err := q.Dequeue(context.Background())
		if err == nil {
			done <- v
		}
	}()

	// Give goroutine time to block
	time.Sleep(10 * time.Millisecond)

	q.Enqueue("late")

	select {
	case v := <-done:
		assert.Equal(t, "late", v)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("dequeue did not unblock")
	}
}

func TestQueue_Close_UnblocksAllDequeuers(t *testing.T) {
	q := NewQueue[int]()

	const waiters = 3
	done := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			_, err := q.Dequeue(context.Background())
			done <- err
		}()
	}

	// Give goroutines time to block
	time.Sleep(10 * time.Millisecond)

	q.Close()

	for i := 0; i < waiters; i++ {
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrQueueClosed)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("dequeue did not unblock after close")
		}
	}
}

func TestQueue_Close_DrainsRemaining(t *testing.T) {
	q := NewQueue[int]()
	q.Enqueue(1)
	q.Enqueue(2)
	q.Close()

	ctx := context.Background()
	v, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_Dequeue_ContextCancel(t *testing.T) {
	q := NewQueue[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_Enqueue_AfterClose(t *testing.T) {
	q := NewQueue[int]()
	q.Close()
	q.Close() // idempotent

	assert.False(t, q.Enqueue(1), "enqueue after close should return false")
}

func TestQueue_DrainUpTo(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 5; i++ {
		q.Enqueue(i)
	}

	assert.Equal(t, []int{0, 1}, q.DrainUpTo(2))
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, []int{2, 3, 4}, q.DrainUpTo(0))
	assert.Nil(t, q.DrainUpTo(10))
}

func TestQueue_Len(t *testing.T) {
	q := NewQueue[string]()

	assert.Equal(t, 0, q.Len())
	q.Enqueue("1")
	assert.Equal(t, 1, q.Len())
	q.Enqueue("2")
	assert.Equal(t, 2, q.Len())
	q.TryDequeue()
	assert.Equal(t, 1, q.Len())
	q.TryDequeue()
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := NewQueue[int]()

	const producers = 10
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(id*perProducer + i)
			}
		}(p)
	}

	received := make([]int, 0, producers*perProducer)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for len(received) < producers*perProducer {
			v, err := q.Dequeue(context.Background())
			if err != nil {
				return
			}
			received = append(received, v)
		}
	}()

	wg.Wait()

	select {
	case <-consumerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer timeout")
	}

	require.Len(t, received, producers*perProducer)

	// Exactly once, and in order within each producer
	seen := make(map[int]bool, len(received))
	last := make(map[int]int)
	for _, v := range received {
		assert.False(t, seen[v], "duplicate %d", v)
		seen[v] = true

		id, seq := v/perProducer, v%perProducer
		if prev, ok := last[id]; ok {
			assert.Greater(t, seq, prev, "producer %d reordered", id)
		}
		last[id] = seq
	}
}
