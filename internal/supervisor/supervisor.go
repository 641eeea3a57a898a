// Package supervisor wires the registry, transfer engine, backend, and
// health monitor into the accept loop that serves USB/IP sessions. The
// accept loop itself (net.Listen, TCP_NODELAY, per-connection goroutine,
// disconnect-vs-error log split) is adapted from
// internal/server/usb.Server.ListenAndServe/handleConn; everything it used
// to do inline (device-list encoding, URB dispatch) now lives in
// internal/session, so this package only owns connection lifecycle and
// reconciling backend hotplug events into the registry.
//
// Supervisor takes its own Config rather than internal/config.DaemonConfig
// so that internal/config (which must build a Supervisor to implement its
// daemon command) and this package never import each other.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/usbipd-darwin/usbipd/internal/backend"
	"github.com/usbipd-darwin/usbipd/internal/device"
	ulog "github.com/usbipd-darwin/usbipd/internal/log"
	"github.com/usbipd-darwin/usbipd/internal/health"
	"github.com/usbipd-darwin/usbipd/internal/persistence"
	"github.com/usbipd-darwin/usbipd/internal/session"
	"github.com/usbipd-darwin/usbipd/internal/transfer"
)

// Config composes the already-built component configs plus the listener
// and state-file settings; a DaemonCmd converts its kong-parsed fields into
// this shape before calling New.
type Config struct {
	ListenAddr    string
	StateFilePath string

	Session  session.Config
	Transfer transfer.Config
	Health   health.Config
}

// Status is the point-in-time snapshot the "status" command reads back;
// the daemon command writes it periodically to its status file.
type Status struct {
	Running        bool      `json:"running"`
	ListenAddr     string    `json:"listen_addr"`
	Devices        int       `json:"devices"`
	ExportedCount  int       `json:"exported_count"`
	InFlightURBs   int       `json:"in_flight_urbs"`
	LastHealthOK   bool      `json:"last_health_ok"`
	LastEscalation string    `json:"last_escalation,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Supervisor owns one listener and every session it accepts.
type Supervisor struct {
	cfg       Config
	logger    *slog.Logger
	rawLogger ulog.RawLogger
	registry  *device.Registry
	store     *persistence.Store
	engine    *transfer.Engine
	be        backend.UsbBackend

	ln        net.Listener
	ready     chan struct{}
	readyOnce sync.Once
	nextID    atomic.Uint64

	mu       sync.Mutex
	sessions map[uint64]*session.Session
	statusV  atomic.Value // Status
}

// New opens the persistent bind store and builds the registry/engine
// around be; it does not start listening (see Run).
func New(cfg Config, be backend.UsbBackend, logger *slog.Logger, rawLogger ulog.RawLogger) (*Supervisor, error) {
	store, err := persistence.Open(cfg.StateFilePath, logger)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open state file: %w", err)
	}
	registry := device.New(store, logger)
	engine := transfer.New(be, cfg.Transfer, logger)

	s := &Supervisor{
		cfg:       cfg,
		logger:    logger,
		rawLogger: rawLogger,
		registry:  registry,
		store:     store,
		engine:    engine,
		be:        be,
		ready:     make(chan struct{}),
		sessions:  make(map[uint64]*session.Session),
	}
	s.statusV.Store(Status{ListenAddr: cfg.ListenAddr})
	return s, nil
}

// Registry exposes the live device set for one-shot CLI commands (list,
// bind, unbind) that share a process with a running daemon only in tests;
// normally those commands build their own short-lived Registry and Store.
func (s *Supervisor) Registry() *device.Registry { return s.registry }

// Ready is closed once the listener is bound and accepting connections.
func (s *Supervisor) Ready() <-chan struct{} { return s.ready }

// Status returns the most recently published status snapshot.
func (s *Supervisor) Status() Status { return s.statusV.Load().(Status) }

// Run enumerates the backend, starts hotplug/health watchers, and serves
// connections until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.store.Close()

	live, err := s.be.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: initial enumerate: %w", err)
	}
	s.registry.ReconcileEnumeration(live)

	hotplug, err := s.be.SubscribeHotplug(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: subscribe hotplug: %w", err)
	}
	go s.watchHotplug(ctx, hotplug)

	monitor := health.New(s.cfg.Health, health.Probe{
		BackendAlive: func(ctx context.Context) bool {
			_, err := s.be.Enumerate(ctx)
			return err == nil
		},
		URBTableSize: s.engine.TableSize,
		SessionLatency: s.worstSessionLatency,
	}, s.logger)
	go monitor.Run(ctx)
	go s.watchHealth(ctx, monitor)

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("supervisor: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	s.publishStatus(true, "")
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("usbipd listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("usbipd stopped accepting")
				break
			}
			s.logger.Error("accept error", "error", err)
			continue
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := tcpConn.SetNoDelay(true); err != nil {
				s.logger.Warn("failed to set TCP_NODELAY", "error", err)
			}
		}
		id := s.nextID.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer stop()
			sess := session.New(id, conn, s.registry, s.engine, s.be, s.cfg.Session, s.logger, s.rawLogger)
			s.mu.Lock()
			s.sessions[id] = sess
			s.mu.Unlock()
			defer func() {
				s.mu.Lock()
				delete(s.sessions, id)
				s.mu.Unlock()
			}()
			if err := sess.Serve(ctx); err != nil && !isClientDisconnect(err) {
				s.logger.Error("session ended with error", "session_id", id, "error", err)
			}
		}()
	}
	wg.Wait()
	s.publishStatus(false, "")
	return nil
}

// worstSessionLatency reports the highest read/write syscall latency seen
// across all currently live sessions, for health.Probe.SessionLatency
// (spec.md §4.5). ok is false when no session has completed a Read or
// Write yet, which HealthMonitor treats as "nothing to report" rather than
// a zero-latency pass.
func (s *Supervisor) worstSessionLatency() (time.Duration, bool) {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var worst time.Duration
	var ok bool
	for _, sess := range sessions {
		read, write := sess.LatestLatency()
		if read > worst {
			worst = read
			ok = true
		}
		if write > worst {
			worst = write
			ok = true
		}
	}
	return worst, ok
}

func (s *Supervisor) watchHotplug(ctx context.Context, events <-chan backend.HotplugEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Added != nil {
				s.registry.HotplugAdd(*ev.Added)
			} else {
				s.registry.HotplugRemove(ev.Removed)
			}
		}
	}
}

func (s *Supervisor) watchHealth(ctx context.Context, monitor *health.Monitor) {
	for {
		select {
		case <-ctx.Done():
			return
		case esc := <-monitor.Escalations():
			s.logger.Error("health escalation", "reason", esc.Reason, "at", esc.At)
			s.publishStatus(true, esc.Reason)
		}
	}
}

func (s *Supervisor) publishStatus(running bool, escalation string) {
	listenAddr := s.cfg.ListenAddr
	if s.ln != nil {
		listenAddr = s.ln.Addr().String()
	}
	devices := s.registry.List()
	exported := 0
	for _, d := range devices {
		if d.State == device.StateExported {
			exported++
		}
	}
	s.statusV.Store(Status{
		Running:        running,
		ListenAddr:     listenAddr,
		Devices:        len(devices),
		ExportedCount:  exported,
		InFlightURBs:   s.engine.TableSize(),
		LastHealthOK:   escalation == "",
		LastEscalation: escalation,
		UpdatedAt:      time.Now(),
	})
}

// isClientDisconnect mirrors internal/server/usb.isClientDisconnect: a
// normal client-initiated close should log at Info, not Error. A session
// ended by device removal (session.ErrDeviceRemoved) is likewise expected —
// onDeviceRemoved already logged it at Warn — so it is not re-logged here
// as an unexpected session failure.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, session.ErrDeviceRemoved) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errno, ok := opErr.Err.(syscall.Errno); ok {
			if errno == syscall.ECONNRESET || errno == syscall.EPIPE {
				return true
			}
		}
	}
	e := strings.ToLower(err.Error())
	return strings.Contains(e, "connection reset by peer") || strings.Contains(e, "forcibly closed") || strings.Contains(e, "aborted")
}
