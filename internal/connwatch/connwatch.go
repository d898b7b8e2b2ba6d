// Package connwatch tracks the reachability of the remote services
// Postern leans on: IMAP servers, the MQTT broker and the WebDAV object
// store. Each service gets a Watcher that probes it on a schedule.
//
// A watcher starts in the connecting phase, probing with exponential
// backoff until the service answers or the retry budget runs out. It then
// settles into steady polling and reports up/down transitions to the log,
// the event bus and the optional callbacks. /health reads the aggregate
// status from a Manager.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/postern/internal/events"
)

// ProbeFunc checks a service. A nil return means healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// Initial is the first retry delay while connecting.
	Initial time.Duration
	// Max caps the retry delay.
	Max time.Duration
	// Factor grows the delay after each failed attempt.
	Factor float64
	// Attempts is the retry budget of the connecting phase.
	Attempts int
	// Every is the steady polling interval.
	Every time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
}

// DefaultBackoff probes at 2s, 4s, 8s ... up to 60s for ten attempts and
// then polls once a minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:  2 * time.Second,
		Max:      time.Minute,
		Factor:   2,
		Attempts: 10,
		Every:    time.Minute,
		Timeout:  10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoff.
func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Factor < 1 {
		b.Factor = d.Factor
	}
	if b.Attempts <= 0 {
		b.Attempts = d.Attempts
	}
	if b.Every <= 0 {
		b.Every = d.Every
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// next returns the delay after cur.
func (b Backoff) next(cur time.Duration) time.Duration {
	n := time.Duration(float64(cur) * b.Factor)
	if n > b.Max {
		return b.Max
	}
	return n
}

// Service describes one watched dependency.
type Service struct {
	// Name keys the service in status output, e.g. "imap:work".
	Name    string
	Probe   ProbeFunc
	Backoff Backoff

	// OnUp and OnDown run in their own goroutine on transitions.
	OnUp   func()
	OnDown func(err error)
}

// Status is the JSON view of a watched service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher probes a single service until stopped.
type Watcher struct {
	svc    Service
	logger *slog.Logger
	bus    *events.Bus
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time
	failures  int
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Status returns a snapshot of the watcher's view of the service.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Name:      w.svc.Name,
		Ready:     w.ready,
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.svc.Backoff
	delay := b.Initial
	for attempt := 1; ; attempt++ {
		if w.check(ctx) {
			w.logger.Info("service reachable", "service", w.svc.Name, "attempts", attempt)
			break
		}
		if attempt >= b.Attempts {
			w.logger.Warn("service unreachable, falling back to steady polling",
				"service", w.svc.Name, "attempts", attempt, "error", w.Status().LastError)
			break
		}
		w.logger.Debug("service probe failed, retrying",
			"service", w.svc.Name, "attempt", attempt, "next_delay", delay)
		if !sleep(ctx, delay) {
			return
		}
		delay = b.next(delay)
	}

	ticker := time.NewTicker(b.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check probes once, records the outcome and fires transition hooks.
// It reports whether the service is up.
func (w *Watcher) check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, w.svc.Backoff.Timeout)
	err := w.svc.Probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	was, seen := w.ready, !w.lastCheck.IsZero()
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	w.mu.Unlock()

	switch {
	case err == nil && !was:
		w.publish(events.KindServiceUp, nil)
		if w.svc.OnUp != nil {
			go w.svc.OnUp()
		}
	case err != nil && was:
		w.logger.Warn("service went down", "service", w.svc.Name, "error", err)
		w.publish(events.KindServiceDown, err)
		if w.svc.OnDown != nil {
			go w.svc.OnDown(err)
		}
	case err != nil && seen:
		w.logger.Debug("service still unreachable", "service", w.svc.Name, "error", err)
	}
	return err == nil
}

func (w *Watcher) publish(kind string, err error) {
	data := map[string]any{"service": w.svc.Name}
	if err != nil {
		data["error"] = err.Error()
	}
	w.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceHealth,
		Kind:      kind,
		Data:      data,
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Manager owns the watchers for every configured service.
type Manager struct {
	logger *slog.Logger
	bus    *events.Bus

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates an empty manager. bus may be nil.
func NewManager(logger *slog.Logger, bus *events.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		bus:      bus,
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts watching svc until ctx ends or Stop is called. A second
// Watch with the same name replaces and stops the first.
func (m *Manager) Watch(ctx context.Context, svc Service) (*Watcher, error) {
	if svc.Name == "" {
		return nil, errors.New("connwatch: service name is required")
	}
	if svc.Probe == nil {
		return nil, errors.New("connwatch: probe is required")
	}
	svc.Backoff = svc.Backoff.withDefaults()

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		svc:    svc,
		logger: m.logger,
		bus:    m.bus,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[svc.Name]
	m.watchers[svc.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(wctx)
	return w, nil
}

// Status returns every watched service keyed by name.
func (m *Manager) Status() map[string]Status {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Healthy reports whether every watched service is up. A manager with
// nothing to watch is healthy.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop stops all watchers.
func (m *Manager) Stop() {
	m.mu.Lock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range ws {
		w.Stop()
	}
}
