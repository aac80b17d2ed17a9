package netmon

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultSettle is how long the link state must be quiet before a burst
// of changes is reported.
const DefaultSettle = 2 * time.Second

// Service turns a burst of interface changes (link up, DHCP address,
// default route) into a single notification once the burst settles.
type Service struct {
	watcher  Watcher
	settle   time.Duration
	onChange func()

	mu      sync.Mutex
	timer   *time.Timer
	pending int
	closed  bool
}

func NewService(onChange func()) *Service {
	return &Service{
		watcher:  NewWatcher(),
		settle:   DefaultSettle,
		onChange: onChange,
	}
}

func (s *Service) Start(ctx context.Context) error {
	log.Info("Starting link watcher")
	defer log.Info("Stopping link watcher")

	return s.watcher.Start(ctx, s.handleWatcherEvent)
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return nil
}

func (s *Service) handleWatcherEvent(ev LinkEvent) {
	log.WithFields(log.Fields{
		"interface": ev.InterfaceName,
		"event":     ev.Type,
	}).Debug("Network interface changed")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending++
	if s.timer == nil {
		s.timer = time.AfterFunc(s.settle, s.fire)
		return
	}
	s.timer.Reset(s.settle)
}

func (s *Service) fire() {
	s.mu.Lock()
	if s.closed || s.pending == 0 {
		s.mu.Unlock()
		return
	}
	n := s.pending
	s.pending = 0
	s.timer = nil
	s.mu.Unlock()

	log.WithField("events", n).Info("Network changed, requesting connectivity check")
	if s.onChange != nil {
		s.onChange()
	}
}
