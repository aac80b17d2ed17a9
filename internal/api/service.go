package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/netwatchd/internal/connectivity"
	"github.com/dmdmdm-nz/netwatchd/internal/runtime"
	"github.com/dmdmdm-nz/netwatchd/pkg/version"
)

const shutdownTimeout = 5 * time.Second

// Monitor is the part of connectivity.Monitor the API serves.
type Monitor interface {
	IsUp() bool
	Status() connectivity.Status
	Recheck()
}

type eventQueue = runtime.SubQueue[connectivity.Event]

// Service represents the HTTP server for the API
type Service struct {
	address string
	port    int
	monitor Monitor

	mu     sync.Mutex
	subs   map[*eventQueue]struct{}
	server *http.Server
	closed bool
}

func NewService(host string, port int, monitor Monitor) *Service {
	return &Service{
		address: host,
		port:    port,
		monitor: monitor,
		subs:    make(map[*eventQueue]struct{}),
	}
}

// Router builds the HTTP handler tree.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.AllowAll().Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/ready", s.handleReady)
	r.Get("/status", s.handleStatus)
	r.Post("/check", s.handleCheck)
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, version.Get())
	})
	r.Get("/ws/events", s.handleEvents)

	return r
}

// Start listens on host:port and serves until ctx ends.
func (s *Service) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.address, fmt.Sprint(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the API on ln until ctx ends or Close is called.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	log.Infof("Starting netwatchd API service at %s", ln.Addr())
	defer log.Info("Stopping netwatchd API service")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.shutdown(srv)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve api: %w", err)
	}
}

// Close stops the HTTP server and ends every event subscription.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.server
	subs := s.subs
	s.subs = make(map[*eventQueue]struct{})
	s.mu.Unlock()

	for sq := range subs {
		sq.Close()
	}
	if srv != nil {
		s.shutdown(srv)
	}
	return nil
}

// Publish fans an event out to every websocket subscriber.
func (s *Service) Publish(ev connectivity.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.WithFields(log.Fields{
		"event":       ev.Type,
		"subscribers": len(s.subs),
	}).Debug("Publishing connectivity event")

	for sq := range s.subs {
		sq.Enqueue(ev)
	}
}

// subscribe registers a queue primed with a snapshot of the current state.
// The snapshot is sent under the same lock Publish takes, so a subscriber
// never sees a transition ahead of it.
func (s *Service) subscribe() (*eventQueue, func()) {
	sq := runtime.NewSubQueue[connectivity.Event](4)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sq.Close()
		return sq, func() {}
	}
	sq.SendSnapshot(connectivity.NewSnapshot(s.monitor.IsUp()))
	s.subs[sq] = struct{}{}
	sq.SetPaused(false)
	s.mu.Unlock()

	unsub := func() {
		s.mu.Lock()
		delete(s.subs, sq)
		s.mu.Unlock()
		sq.Close()
		// let a dispatcher blocked on the channel exit
		go func() {
			for range sq.Chan() {
			}
		}()
	}
	return sq, unsub
}

func (s *Service) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Service) shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("API server did not shut down cleanly")
	}
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.monitor.IsUp() {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Service) handleCheck(w http.ResponseWriter, r *http.Request) {
	s.monitor.Recheck()
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Failed to encode response")
	}
}
