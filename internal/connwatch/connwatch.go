// Package connwatch monitors the relay's external dependencies (the
// generation service, the domain database, the conversation store) and
// reports their health to the /health endpoint.
//
// A watcher probes quickly with exponential backoff until the service
// first answers or the startup attempts run out, then settles into a
// fixed poll interval. Readiness transitions are logged and passed to an
// optional callback.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// StartupDelay is the first retry delay while the service has never
	// answered (default: 2s). It doubles per attempt up to MaxDelay.
	StartupDelay time.Duration

	// MaxDelay caps startup backoff (default: 60s).
	MaxDelay time.Duration

	// StartupAttempts bounds the fast startup phase (default: 8).
	StartupAttempts int

	// PollInterval is the steady-state probe period (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultSchedule returns 2s, 4s, 8s, ... capped at 60s for 8 startup
// attempts, then 60-second polling.
func DefaultSchedule() Schedule {
	return Schedule{
		StartupDelay:    2 * time.Second,
		MaxDelay:        60 * time.Second,
		StartupAttempts: 8,
		PollInterval:    60 * time.Second,
		ProbeTimeout:    10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.StartupDelay <= 0 {
		s.StartupDelay = d.StartupDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.StartupAttempts <= 0 {
		s.StartupAttempts = d.StartupAttempts
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and status (e.g. "generation").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	Schedule Schedule

	// OnChange is called in its own goroutine whenever readiness flips.
	// err is nil when the service became ready. Optional.
	OnChange func(ready bool, err error)

	// Logger defaults to the manager's logger.
	Logger *slog.Logger
}

// ServiceStatus is the health of a watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	everReady bool
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := ServiceStatus{Name: w.cfg.Name, Ready: w.ready, LastCheck: w.lastCheck}
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

	sched := w.cfg.Schedule
	delay := sched.StartupDelay
	for attempt := 1; ; attempt++ {
		w.check(ctx, attempt)

		wait := sched.PollInterval
		if !w.hasBeenReady() && attempt < sched.StartupAttempts {
			wait = delay
			delay = min(delay*2, sched.MaxDelay)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Watcher) check(ctx context.Context, attempt int) {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Schedule.ProbeTimeout)
	err := w.cfg.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	was := w.ready
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	if w.ready {
		w.everReady = true
	}
	w.mu.Unlock()

	log := w.cfg.Logger.With("service", w.cfg.Name)
	switch {
	case !was && err == nil:
		log.Info("service ready", "attempt", attempt)
	case was && err != nil:
		log.Warn("service became unreachable", "error", err)
	case err != nil:
		log.Debug("service unreachable", "attempt", attempt, "error", err)
		return
	default:
		return
	}

	if w.cfg.OnChange != nil {
		go w.cfg.OnChange(err == nil, err)
	}
}

func (w *Watcher) hasBeenReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.everReady
}

// Manager coordinates multiple service watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. A watcher with the same name replaces the previous one.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Schedule = cfg.Schedule.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{cfg: cfg, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Status returns every watcher's status, sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AllReady reports whether every watched service is ready.
func (m *Manager) AllReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
