package runtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return v
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for value")
	}
	var zero T
	return zero
}

func TestSubQueue_StartsInPausedState(t *testing.T) {
	sq := NewSubQueue[int](10)
	defer sq.Close()

	sq.Enqueue(42)

	select {
	case <-sq.Chan():
		t.Fatal("should not receive value while paused")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubQueue_SnapshotBeforeLive(t *testing.T) {
	sq := NewSubQueue[string](4)
	defer sq.Close()

	// Live item queued while the snapshot is still being written.
	sq.Enqueue("live")
	sq.SendSnapshot("snapshot")
	sq.SetPaused(false)

	assert.Equal(t, "snapshot", recv(t, sq.Chan()))
	assert.Equal(t, "live", recv(t, sq.Chan()))
}

func TestSubQueue_DeliversInOrder(t *testing.T) {
	sq := NewSubQueue[int](2)
	defer sq.Close()
	sq.SetPaused(false)

	for i := 0; i < 20; i++ {
		sq.Enqueue(i)
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, i, recv(t, sq.Chan()))
	}
}

func TestSubQueue_BacklogDropsOldest(t *testing.T) {
	sq := NewBoundedSubQueue[int](1, 3)
	defer sq.Close()

	// Paused, so everything stays in the backlog.
	for i := 1; i <= 5; i++ {
		sq.Enqueue(i)
	}
	assert.Equal(t, uint64(2), sq.Dropped())

	sq.SetPaused(false)
	assert.Equal(t, 3, recv(t, sq.Chan()))
	assert.Equal(t, 4, recv(t, sq.Chan()))
	assert.Equal(t, 5, recv(t, sq.Chan()))
}

func TestSubQueue_UnboundedBacklog(t *testing.T) {
	sq := NewBoundedSubQueue[int](1, 0)
	defer sq.Close()

	for i := 0; i < DefaultBacklog*2; i++ {
		sq.Enqueue(i)
	}
	assert.Zero(t, sq.Dropped())
}

func TestSubQueue_PauseAndResume(t *testing.T) {
	sq := NewSubQueue[int](10)
	defer sq.Close()

	sq.SetPaused(false)
	sq.Enqueue(1)
	assert.Equal(t, 1, recv(t, sq.Chan()))

	sq.SetPaused(true)
	sq.Enqueue(2)

	select {
	case <-sq.Chan():
		t.Fatal("should not receive while paused")
	case <-time.After(50 * time.Millisecond):
	}

	sq.SetPaused(false)
	assert.Equal(t, 2, recv(t, sq.Chan()))
}

func TestSubQueue_ConcurrentEnqueue(t *testing.T) {
	sq := NewSubQueue[int](100)
	defer sq.Close()
	sq.SetPaused(false)

	const producers, perProducer = 10, 10

	var wg sync.WaitGroup
	wg.Add(producers)
	for g := 0; g < producers; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				sq.Enqueue(id*100 + i)
			}
		}(g)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for i := 0; i < producers*perProducer; i++ {
		seen[recv(t, sq.Chan())] = true
	}
	assert.Len(t, seen, producers*perProducer)
}

func TestSubQueue_CloseWhilePaused(t *testing.T) {
	sq := NewSubQueue[int](10)
	sq.Enqueue(1)
	sq.Enqueue(2)

	sq.Close()

	select {
	case _, ok := <-sq.Chan():
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

func TestSubQueue_EnqueueAfterClose(t *testing.T) {
	sq := NewSubQueue[int](10)
	sq.SetPaused(false)
	sq.Close()

	require.NotPanics(t, func() {
		sq.Enqueue(42)
		sq.Close()
	})
}
