// Package connectivity tracks the device's online/offline state by polling a
// reachability probe and publishes transition events on the bus.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"task-sync-engine/internal/events"
	"task-sync-engine/internal/logger"
)

// Prober is the platform reachability signal. Probe reports whether the
// remote side is currently reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// HTTPProber probes reachability with a HEAD request against a health URL.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// Monitor polls the prober and tracks the current connectivity state. A state
// flip is debounced: the new state must be observed continuously for the
// debounce window before the transition is accepted, so rapid flapping does
// not spray events. Duplicate events for the same state are never published,
// and the drain trigger fires exactly once per offline-to-online transition.
type Monitor struct {
	prober   Prober
	bus      *events.Bus
	interval time.Duration
	debounce time.Duration
	onOnline func()

	mu           sync.Mutex
	online       bool
	pendingState bool
	pendingSince time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(prober Prober, bus *events.Bus, interval, debounce time.Duration, onOnline func()) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		prober:   prober,
		bus:      bus,
		interval: interval,
		debounce: debounce,
		onOnline: onOnline,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start performs an initial synchronous probe to seed the state (no event is
// published for it) and begins polling in the background.
func (m *Monitor) Start() {
	m.mu.Lock()
	m.online = m.prober.Probe(m.ctx)
	initial := m.online
	m.mu.Unlock()

	logger.Log.Info("Connectivity monitor started", zap.Bool("online", initial))

	m.wg.Add(1)
	go m.run()
}

func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Observe(m.prober.Probe(m.ctx))
		case <-m.ctx.Done():
			return
		}
	}
}

// Observe feeds one reachability observation through the debounce filter.
// The poll loop calls it with probe results; platforms that surface native
// reachability callbacks can push observations here directly.
func (m *Monitor) Observe(online bool) {
	m.mu.Lock()

	if online == m.online {
		m.pendingSince = time.Time{}
		m.mu.Unlock()
		return
	}

	now := time.Now()
	if m.pendingSince.IsZero() || m.pendingState != online {
		m.pendingState = online
		m.pendingSince = now
	}
	if now.Sub(m.pendingSince) < m.debounce {
		m.mu.Unlock()
		return
	}

	m.online = online
	m.pendingSince = time.Time{}
	m.mu.Unlock()

	m.transition(online)
}

func (m *Monitor) transition(online bool) {
	if online {
		logger.Log.Info("Connectivity restored")
		m.bus.Publish(events.Event{Type: events.Online})
		if m.onOnline != nil {
			// One drain per transition, not per subscriber.
			go m.onOnline()
		}
	} else {
		logger.Log.Warn("Connectivity lost")
		m.bus.Publish(events.Event{Type: events.Offline})
	}
}
