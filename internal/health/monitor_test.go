package health

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEscalatesAfterConsecutiveFailures(t *testing.T) {
	cfg := Config{Interval: 5 * time.Millisecond, URBTableCeiling: 10, FailureThreshold: 3}
	alive := false
	m := New(cfg, Probe{
		BackendAlive: func(ctx context.Context) bool { return alive },
		URBTableSize: func() int { return 0 },
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go m.Run(ctx)

	select {
	case esc := <-m.Escalations():
		require.Equal(t, "backend enumeration unresponsive", esc.Reason)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected an escalation after repeated probe failures")
	}
}

func TestNoEscalationWhileHealthy(t *testing.T) {
	cfg := Config{Interval: 5 * time.Millisecond, URBTableCeiling: 10, FailureThreshold: 2}
	m := New(cfg, Probe{
		BackendAlive: func(ctx context.Context) bool { return true },
		URBTableSize: func() int { return 1 },
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go m.Run(ctx)

	select {
	case esc := <-m.Escalations():
		t.Fatalf("unexpected escalation: %+v", esc)
	case <-ctx.Done():
	}
}

func TestEscalatesWhenURBTableExceedsCeiling(t *testing.T) {
	cfg := Config{Interval: 5 * time.Millisecond, URBTableCeiling: 1, FailureThreshold: 1}
	m := New(cfg, Probe{
		BackendAlive: func(ctx context.Context) bool { return true },
		URBTableSize: func() int { return 999 },
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go m.Run(ctx)

	select {
	case esc := <-m.Escalations():
		require.Equal(t, "URB table size exceeds ceiling", esc.Reason)
	case <-time.After(150 * time.Millisecond):
		t.Fatal("expected an escalation for a table size over the ceiling")
	}
}

func TestEscalatesWhenSessionLatencyExceedsCeiling(t *testing.T) {
	cfg := Config{Interval: 5 * time.Millisecond, URBTableCeiling: 10, SessionLatencyCeiling: 10 * time.Millisecond, FailureThreshold: 1}
	m := New(cfg, Probe{
		BackendAlive:   func(ctx context.Context) bool { return true },
		URBTableSize:   func() int { return 0 },
		SessionLatency: func() (time.Duration, bool) { return time.Second, true },
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go m.Run(ctx)

	select {
	case esc := <-m.Escalations():
		require.Equal(t, "session read/write latency exceeds ceiling", esc.Reason)
	case <-time.After(150 * time.Millisecond):
		t.Fatal("expected an escalation for latency over the ceiling")
	}
}

func TestNoEscalationWhenSessionLatencyProbeHasNoData(t *testing.T) {
	cfg := Config{Interval: 5 * time.Millisecond, URBTableCeiling: 10, SessionLatencyCeiling: time.Millisecond, FailureThreshold: 1}
	m := New(cfg, Probe{
		BackendAlive:   func(ctx context.Context) bool { return true },
		URBTableSize:   func() int { return 0 },
		SessionLatency: func() (time.Duration, bool) { return 0, false },
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go m.Run(ctx)

	select {
	case esc := <-m.Escalations():
		t.Fatalf("unexpected escalation: %+v", esc)
	case <-ctx.Done():
	}
}
