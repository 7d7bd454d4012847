// Package connwatch tracks whether FluxMind's external dependencies (the
// inference backend and the MQTT broker) are reachable.
//
// A watcher probes its service until it answers, backing off
// exponentially between failures, and then keeps polling at a fixed
// interval so outages and recoveries show up in the logs and in
// [Manager.Status]. Transport-level retries of single requests live in
// httpkit.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	Initial      time.Duration // first retry delay after a failure
	Max          time.Duration // ceiling for the growing delay
	PollInterval time.Duration // delay between probes while healthy
	ProbeTimeout time.Duration // limit on a single probe
}

// DefaultBackoff retries at 2s, 4s, 8s ... up to a minute, and polls a
// healthy service every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:      2 * time.Second,
		Max:          time.Minute,
		PollInterval: time.Minute,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// ServiceStatus is the health of one watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

type watcher struct {
	name    string
	probe   ProbeFunc
	backoff Backoff
	logger  *slog.Logger

	mu     sync.Mutex
	status ServiceStatus
}

// run probes until ctx is cancelled.
func (w *watcher) run(ctx context.Context) {
	delay := w.backoff.Initial
	for attempt := 1; ; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
		err := w.probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		wasReady := w.record(err)
		next := w.backoff.PollInterval
		switch {
		case err == nil && !wasReady:
			w.logger.Info("service reachable", "service", w.name, "attempts", attempt)
			delay = w.backoff.Initial
		case err != nil && wasReady:
			w.logger.Warn("service became unreachable", "service", w.name, "error", err)
			attempt = 0
			next = delay
		case err != nil:
			w.logger.Debug("service still unreachable", "service", w.name, "attempt", attempt, "next_delay", delay, "error", err)
			next = delay
			delay = min(delay*2, w.backoff.Max)
		}

		if !sleepCtx(ctx, next) {
			return
		}
	}
}

// record stores a probe outcome and returns the previous readiness.
func (w *watcher) record(err error) (wasReady bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wasReady = w.status.Ready
	w.status.Ready = err == nil
	w.status.LastCheck = time.Now()
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	return wasReady
}

func (w *watcher) snapshot() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager runs a set of watchers.
type Manager struct {
	logger *slog.Logger
	wg     sync.WaitGroup

	mu       sync.RWMutex
	watchers map[string]*watcher
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		logger:   logger,
		watchers: make(map[string]*watcher),
	}
}

// Watch starts probing a service in the background until ctx is
// cancelled. Zero Backoff fields take their [DefaultBackoff] values.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, backoff Backoff) {
	w := &watcher{
		name:    name,
		probe:   probe,
		backoff: backoff.withDefaults(),
		logger:  m.logger,
		status:  ServiceStatus{Name: name},
	}

	m.mu.Lock()
	m.watchers[name] = w
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.run(ctx)
	}()
}

// Status returns the health of every watched service.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.snapshot()
	}
	return out
}

// Wait blocks until every watcher has exited. Cancel the contexts given
// to [Manager.Watch] first.
func (m *Manager) Wait() {
	m.wg.Wait()
}
