package advertise

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/dmdmdm-nz/zeroconf"
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/netwatchd/pkg/version"
)

const (
	ServiceType = "_netwatchd._tcp"
	Domain      = "local."
	StatusPath  = "/status"
)

type registration interface {
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, txt []string) (registration, error)

func zeroconfRegister(instance, service, domain string, port int, txt []string) (registration, error) {
	return zeroconf.Register(instance, service, domain, port, txt, nil)
}

// Advertiser publishes the API over mDNS/DNS-SD while it runs.
type Advertiser struct {
	instance string
	port     int
	register registerFunc

	mu     sync.Mutex
	server registration
	closed bool
}

// NewAdvertiser advertises the API on port. An empty instance name uses
// the host name.
func NewAdvertiser(instance string, port int) *Advertiser {
	if instance == "" {
		instance = defaultInstance()
	}
	return &Advertiser{
		instance: instance,
		port:     port,
		register: zeroconfRegister,
	}
}

func (a *Advertiser) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	if a.server != nil {
		a.mu.Unlock()
		return fmt.Errorf("advertiser already started")
	}
	server, err := a.register(a.instance, ServiceType, Domain, a.port, TXTRecords())
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("register %s: %w", ServiceType, err)
	}
	a.server = server
	a.mu.Unlock()

	log.WithFields(log.Fields{
		"instance": a.instance,
		"service":  ServiceType,
		"port":     a.port,
	}).Info("Advertising API over mDNS")

	<-ctx.Done()
	return a.Close()
}

func (a *Advertiser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		log.Debug("Stopped mDNS advertisement")
	}
	return nil
}

// TXTRecords describes the running build and where its status lives.
func TXTRecords() []string {
	return []string{
		"version=" + version.Get().Version,
		"path=" + StatusPath,
	}
}

func defaultInstance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "netwatchd"
	}
	return "netwatchd on " + host
}
