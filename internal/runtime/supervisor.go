package runtime

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

type worker struct {
	name   string
	run    func(context.Context) error
	closeF func() error
}

// Supervisor runs a set of named workers until the parent context ends
// or one of them fails. The first failure cancels the others; workers
// are closed in reverse order of registration.
type Supervisor struct {
	mu      sync.Mutex
	workers []worker
	started bool
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSupervisor() *Supervisor {
	return &Supervisor{}
}

// Add registers a worker. Workers added after Start are ignored.
func (s *Supervisor) Add(name string, run func(context.Context) error, closeF func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		log.WithField("worker", name).Warn("Ignoring worker added after start")
		return
	}
	s.workers = append(s.workers, worker{name: name, run: run, closeF: closeF})
}

func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("supervisor already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, w := range s.workers {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			log.WithField("worker", w.name).Debug("Worker started")
			if err := w.run(s.ctx); err != nil {
				log.WithField("worker", w.name).WithError(err).Error("Worker failed")
				s.errOnce.Do(func() { s.err = fmt.Errorf("%s: %w", w.name, err) })
				s.cancel()
				return
			}
			log.WithField("worker", w.name).Debug("Worker exited")
		}()
	}
	return nil
}

// Wait blocks until the parent context is cancelled or a worker fails,
// then closes all workers and waits for them. It returns the first
// worker error, if any.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	sctx := s.ctx
	s.mu.Unlock()
	if sctx == nil {
		<-ctx.Done()
		return nil
	}

	select {
	case <-ctx.Done():
	case <-sctx.Done():
	}
	s.cancel()

	for i := len(s.workers) - 1; i >= 0; i-- {
		if s.workers[i].closeF == nil {
			continue
		}
		if err := s.workers[i].closeF(); err != nil {
			log.WithField("worker", s.workers[i].name).WithError(err).Warn("Worker close failed")
		}
	}
	s.wg.Wait()
	return s.err
}
