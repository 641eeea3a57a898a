// Package health implements the periodic liveness probe of spec.md §4.5: a
// backend enumeration probe, a URB table size check against a ceiling, a
// per-session read/write latency check against a ceiling, and an escalation
// channel the supervisor watches — modeled on the teacher's timeout-driven
// bus cleanup goroutine (internal/server/usb.Server.RemoveDeviceByID),
// generalized from "clean up one empty bus after a delay" to "probe health
// on a ticker and escalate after repeated failure".
package health

import (
	"context"
	"log/slog"
	"time"
)

// Config holds the tunables of spec.md §6.
type Config struct {
	Interval              time.Duration
	URBTableCeiling       int
	SessionLatencyCeiling time.Duration
	FailureThreshold      int
}

func DefaultConfig() Config {
	return Config{
		Interval:              30 * time.Second,
		URBTableCeiling:       4096,
		SessionLatencyCeiling: 5 * time.Second,
		FailureThreshold:      3,
	}
}

// Probe is a single liveness check. BackendAlive reports whether the
// backend can still enumerate; URBTableSize reports the engine's current
// in-flight count; SessionLatency reports the worst read/write syscall
// latency across live sessions, with ok false when no session has done any
// I/O yet.
type Probe struct {
	BackendAlive   func(ctx context.Context) bool
	URBTableSize   func() int
	SessionLatency func() (latency time.Duration, ok bool)
}

// Escalation describes why the monitor gave up waiting for recovery.
type Escalation struct {
	Reason string
	At     time.Time
}

// Monitor runs Probe on a ticker and emits an Escalation after
// FailureThreshold consecutive failures. It never restarts anything itself
// — that decision belongs to whatever consumes the escalation channel
// (spec.md §4.4: "no self-restart").
type Monitor struct {
	cfg    Config
	probe  Probe
	logger *slog.Logger

	escalations chan Escalation
}

func New(cfg Config, probe Probe, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:         cfg,
		probe:       probe,
		logger:      logger,
		escalations: make(chan Escalation, 1),
	}
}

// Escalations is read by the supervisor; it is never closed.
func (m *Monitor) Escalations() <-chan Escalation { return m.escalations }

// Run blocks until ctx is done, probing on cfg.Interval.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reason, ok := m.check(ctx)
			if ok {
				consecutiveFailures = 0
				continue
			}
			consecutiveFailures++
			m.logger.Warn("health probe failed", "reason", reason, "consecutive_failures", consecutiveFailures)
			if consecutiveFailures >= m.cfg.FailureThreshold {
				m.escalate(reason)
				consecutiveFailures = 0
			}
		}
	}
}

func (m *Monitor) check(ctx context.Context) (reason string, ok bool) {
	if m.probe.BackendAlive != nil && !m.probe.BackendAlive(ctx) {
		return "backend enumeration unresponsive", false
	}
	if m.probe.URBTableSize != nil {
		if n := m.probe.URBTableSize(); n > m.cfg.URBTableCeiling {
			return "URB table size exceeds ceiling", false
		}
	}
	if m.probe.SessionLatency != nil {
		if latency, ok := m.probe.SessionLatency(); ok && latency > m.cfg.SessionLatencyCeiling {
			return "session read/write latency exceeds ceiling", false
		}
	}
	return "", true
}

func (m *Monitor) escalate(reason string) {
	select {
	case m.escalations <- Escalation{Reason: reason, At: time.Now()}:
	default:
		// A prior escalation is still unread; the supervisor is already
		// handling it, so this one is dropped rather than blocking the
		// probe loop.
	}
}
