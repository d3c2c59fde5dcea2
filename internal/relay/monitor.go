package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/relay/internal/events"
)

// DefaultProbeInterval is the liveness cycle period.
const DefaultProbeInterval = 30 * time.Second

// Monitor periodically probes every registered connection and reaps the
// ones that did not answer the previous probe.
type Monitor struct {
	reg      *Registry
	interval time.Duration
	bus      *events.Bus
	logger   *slog.Logger
}

// NewMonitor creates a liveness monitor. An interval of zero or less
// means [DefaultProbeInterval].
func NewMonitor(reg *Registry, interval time.Duration, bus *events.Bus, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		reg:      reg,
		interval: interval,
		bus:      bus,
		logger:   logger.With("component", "liveness"),
	}
}

// Run sweeps once per interval until ctx is cancelled or the registry
// is closed.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("liveness monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("liveness monitor stopped")
			return
		case <-m.reg.Done():
			m.logger.Info("liveness monitor stopped, registry closed")
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one liveness cycle and returns how many connections were
// reaped and probed.
func (m *Monitor) Sweep() (reaped, probed int) {
	m.reg.ForEach(func(c *Conn) {
		if !c.Alive() {
			c.Terminate()
			if m.reg.Unregister(c) {
				reaped++
				m.logger.Info("connection reaped", "conn_id", c.ID(), "remote_addr", c.RemoteAddr())
				m.bus.Emit(events.SourceLiveness, events.KindConnectionReaped, map[string]any{
					"conn_id":          c.ID(),
					"open_connections": m.reg.Len(),
				})
			}
			return
		}

		if err := c.probe(); err != nil {
			// Left registered with the flag cleared; next cycle reaps it.
			m.logger.Debug("probe failed", "conn_id", c.ID(), "error", err)
			return
		}
		probed++
	})

	if reaped > 0 || probed > 0 {
		m.logger.Debug("liveness sweep", "reaped", reaped, "probed", probed, "open", m.reg.Len())
	}
	return reaped, probed
}
