package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Periodic runs a callback on a fixed period from a single goroutine.
// Ticks never overlap: if a callback runs longer than the period, the
// ticks that fell due in the meantime are dropped.
type Periodic struct {
	name   string
	period time.Duration
	fn     func(context.Context)

	mu      sync.Mutex
	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
	trigger chan struct{}
}

func NewPeriodic(name string, period time.Duration, fn func(context.Context)) *Periodic {
	return &Periodic{
		name:    name,
		period:  period,
		fn:      fn,
		trigger: make(chan struct{}, 1),
	}
}

// Started reports whether the loop is running.
func (p *Periodic) Started() bool { return p.started.Load() }

// Start launches the loop. The first tick runs immediately. Calling Start
// on a running (or closed) loop is a no-op.
func (p *Periodic) Start() {
	if p.started.Load() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started.Load() || p.closed {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started.Store(true)

	log.WithFields(log.Fields{
		"task":   p.name,
		"period": p.period,
	}).Debug("Starting periodic task")

	go p.loop(ctx, p.done)
}

// Trigger asks for an extra tick as soon as the loop is free. Requests
// made while one is already pending are coalesced.
func (p *Periodic) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Close stops the loop and waits for a running tick to return. A closed
// loop never starts again, even if it was never started.
func (p *Periodic) Close() error {
	p.mu.Lock()
	p.closed = true
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	p.started.Store(false)

	log.WithField("task", p.name).Debug("Stopped periodic task")
	return nil
}

func (p *Periodic) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	p.fn(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fn(ctx)
		case <-p.trigger:
			log.WithField("task", p.name).Trace("Running triggered tick")
			p.fn(ctx)
		}
	}
}
