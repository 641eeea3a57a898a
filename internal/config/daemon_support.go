package config

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/usbipd-darwin/usbipd/internal/health"
	"github.com/usbipd-darwin/usbipd/internal/supervisor"
)

func healthConfigFrom(c *DaemonCmd) health.Config {
	cfg := health.DefaultConfig()
	cfg.Interval = c.HealthCheckInterval
	return cfg
}

// signalContext cancels on SIGINT/SIGTERM, matching the teacher's
// internal/cmd.Server.Run graceful-shutdown trigger.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// publishStatusPeriodically writes the supervisor's status snapshot to disk
// so a separate `usbipd status` invocation can read it back.
func publishStatusPeriodically(ctx context.Context, sup *supervisor.Supervisor, path string) {
	select {
	case <-sup.Ready():
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		writeStatus(sup, path)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeStatus(sup *supervisor.Supervisor, path string) {
	data, err := json.MarshalIndent(sup.Status(), "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o644)
}
