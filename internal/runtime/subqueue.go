package runtime

import (
	"sync"
)

// DefaultBacklog caps how many undelivered items a SubQueue holds before
// it starts dropping the oldest ones.
const DefaultBacklog = 256

// SubQueue decouples a single producer-side Enqueue from a subscriber
// that may read slowly. Items are delivered in order through Chan.
type SubQueue[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []T
	backlog int
	dropped uint64
	closed  bool

	outCh  chan T
	paused bool // gate dispatch until snapshot sent
}

// NewSubQueue returns a paused queue whose channel buffers outBuf items.
func NewSubQueue[T any](outBuf int) *SubQueue[T] {
	return NewBoundedSubQueue[T](outBuf, DefaultBacklog)
}

// NewBoundedSubQueue is NewSubQueue with an explicit backlog limit.
// A backlog <= 0 means unbounded.
func NewBoundedSubQueue[T any](outBuf, backlog int) *SubQueue[T] {
	sq := &SubQueue[T]{
		outCh:   make(chan T, outBuf),
		backlog: backlog,
		paused:  true,
	}
	sq.cond = sync.NewCond(&sq.mu)
	go sq.dispatch()
	return sq
}

func (sq *SubQueue[T]) Chan() <-chan T { return sq.outCh }

// Enqueue appends an item, dropping the oldest queued item when the
// backlog is full.
func (sq *SubQueue[T]) Enqueue(v T) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if sq.closed {
		return
	}
	if sq.backlog > 0 && len(sq.queue) >= sq.backlog {
		var zero T
		sq.queue[0] = zero
		sq.queue = sq.queue[1:]
		sq.dropped++
	}
	sq.queue = append(sq.queue, v)
	sq.cond.Signal()
}

// SendSnapshot writes directly to the subscriber channel, bypassing the
// queue. Only valid while paused and while the channel buffer has room
// for the whole snapshot.
func (sq *SubQueue[T]) SendSnapshot(v T) {
	sq.outCh <- v
}

func (sq *SubQueue[T]) SetPaused(v bool) {
	sq.mu.Lock()
	sq.paused = v
	sq.cond.Broadcast()
	sq.mu.Unlock()
}

// Dropped returns how many items were discarded because of the backlog limit.
func (sq *SubQueue[T]) Dropped() uint64 {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.dropped
}

// Close stops the dispatcher; the channel is closed once it exits.
func (sq *SubQueue[T]) Close() {
	sq.mu.Lock()
	sq.closed = true
	sq.queue = nil
	sq.cond.Broadcast()
	sq.mu.Unlock()
}

func (sq *SubQueue[T]) dispatch() {
	for {
		sq.mu.Lock()
		for !sq.closed && (sq.paused || len(sq.queue) == 0) {
			sq.cond.Wait()
		}
		if sq.closed {
			sq.mu.Unlock()
			close(sq.outCh)
			return
		}
		v := sq.queue[0]
		var zero T
		sq.queue[0] = zero
		sq.queue = sq.queue[1:]
		sq.mu.Unlock()

		sq.outCh <- v
	}
}
