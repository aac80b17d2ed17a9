package connectivity

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/netwatchd/internal/runtime"
)

// ProbeTimeout bounds a single check. A probe that has not answered by
// then counts as failed.
const ProbeTimeout = 5 * time.Second

// Status is a point-in-time view of a Monitor.
type Status struct {
	Up         bool          `json:"up"`
	Enabled    bool          `json:"enabled"`
	Target     string        `json:"target"`
	Period     time.Duration `json:"period"`
	Checks     uint64        `json:"checks"`
	LastCheck  time.Time     `json:"lastCheck,omitzero"`
	LastChange time.Time     `json:"lastChange,omitzero"`
}

// Monitor keeps a cached answer to "is the Internet reachable?".
//
// A background loop probes the target once per period and caches the
// result. IsUp serves the cached value without touching the network.
// OnRestored and OnLost fire once per transition, never on repeated
// identical results. A period of zero disables probing and IsUp always
// reports true.
type Monitor struct {
	period  time.Duration
	timeout time.Duration
	target  string
	prober  Prober
	sched   *runtime.Periodic

	// state packs the cycle generation (upper bits) with the cached
	// result (lowest bit) so the value is written with one atomic store
	// and an abandoned probe can tell whether its cycle is still current.
	state atomic.Uint64

	onRestored atomic.Pointer[func()]
	onLost     atomic.Pointer[func()]

	checks     atomic.Uint64
	lastCheck  atomic.Int64
	lastChange atomic.Int64
}

// NewMonitor builds a monitor probing DefaultTarget with prober. The
// loop is not started until IsUp or Start is called.
func NewMonitor(period time.Duration, prober Prober) *Monitor {
	if period < 0 {
		period = 0
	}
	m := &Monitor{
		period:  period,
		timeout: ProbeTimeout,
		target:  DefaultTarget,
		prober:  prober,
	}
	if period > 0 {
		m.sched = runtime.NewPeriodic("connectivity", period, m.checkOnce)
	}
	return m
}

// Enabled reports whether the monitor probes at all.
func (m *Monitor) Enabled() bool { return m.period > 0 }

// IsUp returns the result of the last check, starting the background
// loop on first use. It never waits for a probe.
func (m *Monitor) IsUp() bool {
	if m.period == 0 {
		return true
	}
	if !m.sched.Started() {
		m.sched.Start()
	}
	return m.state.Load()&1 == 1
}

// Start launches the background loop if it is not already running.
func (m *Monitor) Start() {
	if m.period == 0 {
		return
	}
	m.sched.Start()
}

// Recheck schedules an extra check on the background loop.
func (m *Monitor) Recheck() {
	if m.period == 0 || !m.sched.Started() {
		return
	}
	m.sched.Trigger()
}

// OnRestored sets the callback run when connectivity comes back. It runs
// on the monitor's goroutine and should not block for long.
func (m *Monitor) OnRestored(fn func()) { storeCallback(&m.onRestored, fn) }

// OnLost sets the callback run when connectivity goes away.
func (m *Monitor) OnLost(fn func()) { storeCallback(&m.onLost, fn) }

func (m *Monitor) Status() Status {
	st := Status{
		Up:      m.IsUp(),
		Enabled: m.Enabled(),
		Target:  m.target,
		Period:  m.period,
		Checks:  m.checks.Load(),
	}
	if ns := m.lastCheck.Load(); ns != 0 {
		st.LastCheck = time.Unix(0, ns).UTC()
	}
	if ns := m.lastChange.Load(); ns != 0 {
		st.LastChange = time.Unix(0, ns).UTC()
	}
	return st
}

func (m *Monitor) Close() error {
	if m.sched == nil {
		return nil
	}
	return m.sched.Close()
}

func (m *Monitor) checkOnce(ctx context.Context) {
	prev := m.state.Load()
	wasUp := prev&1 == 1
	gen := prev>>1 + 1
	// A new generation invalidates late results from earlier cycles.
	m.state.Store(gen<<1 | prev&1)

	log.WithField("target", m.target).Info("Checking connectivity")

	up := m.probe(ctx, gen)
	if ctx.Err() != nil {
		// closing; an interrupted probe says nothing about the network
		return
	}
	m.state.Store(pack(gen, up))

	now := time.Now().UnixNano()
	m.lastCheck.Store(now)
	m.checks.Add(1)

	switch {
	case !wasUp && up:
		m.lastChange.Store(now)
		log.WithField("target", m.target).Info("Connectivity check passed")
		m.notify(&m.onRestored, "restored")
	case wasUp && !up:
		m.lastChange.Store(now)
		log.WithField("target", m.target).Warn("Connectivity check failed")
		m.notify(&m.onLost, "lost")
	}
}

// probe runs the prober in its own goroutine and waits at most
// m.timeout. On timeout the probe is abandoned, not cancelled: if it
// completes before the next cycle starts, its result replaces the
// cached value (without a notification).
func (m *Monitor) probe(ctx context.Context, gen uint64) bool {
	result := make(chan error, 1)
	var abandoned atomic.Bool

	go func() {
		err := m.safeProbe(ctx)
		result <- err
		if abandoned.Load() {
			m.storeLate(gen, err == nil)
		}
	}()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err != nil {
			log.WithField("target", m.target).WithError(err).Debug("Probe failed")
			return false
		}
		return true
	case <-timer.C:
		// Store before flagging so a late result always lands after it.
		m.state.Store(pack(gen, false))
		abandoned.Store(true)
		log.WithFields(log.Fields{
			"target":  m.target,
			"timeout": m.timeout,
		}).Debug("Probe timed out")
		return false
	}
}

func (m *Monitor) safeProbe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panic: %v", r)
		}
	}()
	if m.prober == nil {
		return fmt.Errorf("no prober configured")
	}
	return m.prober.Probe(ctx)
}

func (m *Monitor) storeLate(gen uint64, up bool) {
	for {
		cur := m.state.Load()
		if cur>>1 != gen {
			return
		}
		if m.state.CompareAndSwap(cur, pack(gen, up)) {
			log.WithFields(log.Fields{
				"target": m.target,
				"up":     up,
			}).Debug("Late probe result applied")
			return
		}
	}
}

func (m *Monitor) notify(slot *atomic.Pointer[func()], name string) {
	fn := slot.Load()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithField("callback", name).Errorf("Connectivity callback panicked: %v", r)
		}
	}()
	(*fn)()
}

func storeCallback(slot *atomic.Pointer[func()], fn func()) {
	if fn == nil {
		slot.Store(nil)
		return
	}
	slot.Store(&fn)
}

func pack(gen uint64, up bool) uint64 {
	if up {
		return gen<<1 | 1
	}
	return gen << 1
}
