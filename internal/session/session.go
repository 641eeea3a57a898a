// Package session implements the per-connection state machine: management
// exchange (OP_REQ_DEVLIST / OP_REQ_IMPORT) followed by the URB channel,
// with an independent reader and writer so a slow backend transfer never
// stalls completion delivery (spec.md §5). Grounded on the connection
// handling in internal/server/usb.Server.handleConn/handleUrbStream, adapted
// from a single synchronous dispatch loop into decoupled reader/writer
// tasks joined by a channel.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/usbipd-darwin/usbipd/internal/backend"
	"github.com/usbipd-darwin/usbipd/internal/device"
	ulog "github.com/usbipd-darwin/usbipd/internal/log"
	"github.com/usbipd-darwin/usbipd/internal/transfer"
	"github.com/usbipd-darwin/usbipd/internal/usberr"
	"github.com/usbipd-darwin/usbipd/usbip"

	"log/slog"
)

// Config holds the per-connection tunables of spec.md §5/§6.
type Config struct {
	IdleTimeout      time.Duration // before OP_REQ_IMPORT; 0 disables
	TeardownTimeout  time.Duration // bound on draining in-flight URBs
	WriteBufferSize  int
	WriteFlushPeriod time.Duration
}

// DefaultConfig matches the values the teacher's write batcher used.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:      30 * time.Second,
		TeardownTimeout:  5 * time.Second,
		WriteBufferSize:  256 * 1024,
		WriteFlushPeriod: 2 * time.Millisecond,
	}
}

// Session drives one client connection through Idle -> DevListSent ->
// Imported, per spec.md §4.2's session state machine.
type Session struct {
	id        uint64
	conn      net.Conn
	registry  *device.Registry
	engine    *transfer.Engine
	be        backend.UsbBackend
	cfg       Config
	logger    *slog.Logger
	rawLogger ulog.RawLogger

	dev    device.Device
	handle backend.ClaimHandle

	removed      atomic.Bool
	readLatency  atomic.Int64 // nanoseconds, last conn.Read call
	writeLatency atomic.Int64 // nanoseconds, last conn.Write call
}

// LatestLatency reports the duration of the most recent Read and Write
// syscalls on this session's connection, for HealthMonitor's per-session
// latency probe (spec.md §4.4). Zero until at least one Read/Write has
// happened.
func (s *Session) LatestLatency() (read, write time.Duration) {
	return time.Duration(s.readLatency.Load()), time.Duration(s.writeLatency.Load())
}

// ErrDeviceRemoved is returned by Serve when the exported device was
// physically detached mid-session (spec.md §8 scenario E). Exported so
// callers that classify a session's exit (e.g. the supervisor's accept
// loop) can tell it apart from an ordinary I/O error.
var ErrDeviceRemoved = errors.New("session: exported device removed")

// New constructs a Session for one accepted connection. id must be unique
// for the lifetime of the server process (used as the URB table's session
// key).
func New(id uint64, conn net.Conn, registry *device.Registry, engine *transfer.Engine, be backend.UsbBackend, cfg Config, logger *slog.Logger, rawLogger ulog.RawLogger) *Session {
	return &Session{
		id:        id,
		conn:      conn,
		registry:  registry,
		engine:    engine,
		be:        be,
		cfg:       cfg,
		logger:    logger,
		rawLogger: rawLogger,
	}
}

// Serve runs the session to completion: the management phase, then (if a
// device was imported) the URB phase, always finishing with teardown
// regardless of how the connection ended.
func (s *Session) Serve(ctx context.Context) error {
	lc := &loggingConn{Conn: s.conn, raw: s.rawLogger, readLatency: &s.readLatency, writeLatency: &s.writeLatency}
	defer s.teardown(context.Background())

	if s.cfg.IdleTimeout > 0 {
		if err := lc.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			s.logger.Warn("failed to set idle deadline", "error", err)
		}
	}

	for {
		var hdr usbip.MgmtHeader
		if err := hdr.Read(lc); err != nil {
			return wrapDisconnect(err, "read management header")
		}
		if hdr.Version != usbip.Version {
			return usberr.Protocolf("unsupported protocol version %#04x", hdr.Version)
		}
		switch hdr.Command {
		case usbip.OpReqDevlist:
			if err := s.handleDevlist(lc); err != nil {
				return err
			}
		case usbip.OpReqImport:
			if err := s.handleImport(ctx, lc); err != nil {
				return err
			}
			_ = lc.SetReadDeadline(time.Time{})
			return s.serveURBs(ctx, lc)
		default:
			return usberr.Protocolf("unexpected management command %#04x before import", hdr.Command)
		}
	}
}

func wrapDisconnect(err error, what string) error {
	if isClientDisconnect(err) {
		return err
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *Session) handleDevlist(w io.Writer) error {
	devices := s.registry.Exportable()
	msg := usbip.OpRepDevlistMsg{Status: 0, Devices: make([]usbip.ExportedDevice, 0, len(devices))}
	for _, d := range devices {
		msg.Devices = append(msg.Devices, exportedFromDevice(d))
	}
	s.logger.Debug("OP_REQ_DEVLIST", "count", len(msg.Devices))
	return msg.Encode(w)
}

func (s *Session) handleImport(ctx context.Context, rw io.ReadWriter) error {
	busID, err := usbip.DecodeOpReqImportBody(rw)
	if err != nil {
		return fmt.Errorf("read import bus_id: %w", err)
	}
	s.logger.Info("OP_REQ_IMPORT", "bus_id", busID)

	dev, err := s.registry.TryExport(busID, s.id, s.onDeviceRemoved)
	if err != nil {
		s.logger.Warn("import rejected", "bus_id", busID, "error", err)
		reply := usbip.OpRepImportMsg{Status: 1}
		if encErr := reply.Encode(rw); encErr != nil {
			return fmt.Errorf("write import failure reply: %w", encErr)
		}
		return fmt.Errorf("import %q: %w", busID, err)
	}

	handle, err := s.be.Claim(ctx, busID)
	if err != nil {
		s.registry.ReleaseExport(busID, s.id)
		reply := usbip.OpRepImportMsg{Status: 1}
		_ = reply.Encode(rw)
		return fmt.Errorf("claim %q: %w", busID, err)
	}

	s.dev = dev
	s.handle = handle

	reply := usbip.OpRepImportMsg{Status: 0, Device: exportedFromDevice(dev)}
	if err := reply.Encode(rw); err != nil {
		return fmt.Errorf("write import reply: %w", err)
	}
	return nil
}

// onDeviceRemoved is called by the registry, with its lock released, if the
// exported device is physically detached mid-session (spec.md §8 scenario
// E). Any in-flight URB must reach the client as RET_SUBMIT{status=-19,
// actual_length=0} before the session closes, so this fails them through
// the transfer engine first — which blocks until each forced completion has
// been handed to submit's writeCh closure — and only then unblocks the
// reader, by forcing its next Read to return rather than closing the
// connection out from under the writer. serveURBs' normal shutdown path
// (drain writeCh, wait for the writer to flush, then let teardown close the
// socket) takes it from there.
func (s *Session) onDeviceRemoved(busID string) {
	s.removed.Store(true)
	s.logger.Warn("device removed while exported", "bus_id", s.dev.BusID, "session_id", s.id)

	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.TeardownTimeout)
	defer cancel()
	s.engine.FailDevice(drainCtx, s.dev.BusID)

	_ = s.conn.SetReadDeadline(time.Now())
}

func exportedFromDevice(d device.Device) usbip.ExportedDevice {
	var meta usbip.ExportMeta
	meta.SetBusID(d.BusID)
	meta.BusNum = d.BusNum
	meta.DevNum = d.DevNum

	exp := usbip.ExportedDevice{
		ExportMeta:          meta,
		Speed:               uint32(d.Speed),
		IDVendor:            d.VendorID,
		IDProduct:           d.ProductID,
		BcdDevice:           d.BcdDevice,
		BDeviceClass:        d.DeviceClass,
		BDeviceSubClass:     d.DeviceSubClass,
		BDeviceProtocol:     d.DeviceProtocol,
		BConfigurationValue: d.ConfigurationValue,
		BNumConfigurations:  d.NumConfigurations,
		BNumInterfaces:      d.NumInterfaces(),
	}
	for _, iface := range d.Interfaces {
		exp.Interfaces = append(exp.Interfaces, usbip.InterfaceDesc{
			Class: iface.Class, SubClass: iface.SubClass, Protocol: iface.Protocol,
		})
	}
	return exp
}

// serveURBs runs the imported phase: an independent reader goroutine
// decodes CMD_SUBMIT/CMD_UNLINK off the wire and hands work to the
// TransferEngine, while the caller's goroutine drains a completion channel
// and owns the only writer touching conn, preserving RET_SUBMIT/RET_UNLINK
// ordering as completion-observation order (spec.md testable property
// "ordering guarantee").
func (s *Session) serveURBs(ctx context.Context, conn net.Conn) error {
	writeCh := make(chan []byte, 256)
	readErrCh := make(chan error, 1)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.runWriter(conn, writeCh)
	}()

	go func() {
		readErrCh <- s.runReader(ctx, conn, writeCh)
	}()

	var readErr error
	select {
	case readErr = <-readErrCh:
	case <-ctx.Done():
		readErr = ctx.Err()
		_ = s.conn.Close()
		<-readErrCh
	}

	close(writeCh)
	<-writerDone
	return readErr
}

func (s *Session) runWriter(conn net.Conn, writeCh <-chan []byte) {
	var w io.Writer = conn
	var bw *bufio.Writer
	flush := func() {}
	if s.cfg.WriteFlushPeriod > 0 {
		bw = bufio.NewWriterSize(conn, maxInt(s.cfg.WriteBufferSize, 4096))
		w = bw
		flush = func() { _ = bw.Flush() }
	}

	ticker := (*time.Ticker)(nil)
	var tickCh <-chan time.Time
	if bw != nil && s.cfg.WriteFlushPeriod > 0 {
		ticker = time.NewTicker(s.cfg.WriteFlushPeriod)
		tickCh = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case buf, ok := <-writeCh:
			if !ok {
				flush()
				return
			}
			if _, err := w.Write(buf); err != nil {
				s.logger.Debug("write failed, closing session", "error", err)
				_ = s.conn.Close()
				flush()
				return
			}
		case <-tickCh:
			flush()
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// runReader decodes the URB channel until the connection ends or a protocol
// violation occurs. Outstanding submits it dispatched are not waited on
// here — session teardown cancels and drains them with a bounded timeout
// (Engine.CancelSession) rather than blocking the reader on natural
// completion, which could take as long as the slowest transfer's timeout.
func (s *Session) runReader(ctx context.Context, conn net.Conn, writeCh chan<- []byte) error {
	for {
		hdr, err := usbip.ReadHeaderBasic(conn)
		if err != nil {
			if s.removed.Load() {
				return ErrDeviceRemoved
			}
			return wrapDisconnect(err, "read URB header")
		}

		switch hdr.Command {
		case usbip.CmdUnlinkCode:
			var unlink usbip.CmdUnlink
			unlink.Basic = hdr
			if err := unlink.ReadTail(conn); err != nil {
				return fmt.Errorf("read CMD_UNLINK tail: %w", err)
			}
			s.logger.Debug("CMD_UNLINK", "seqnum", hdr.Seqnum, "unlink_seqnum", unlink.UnlinkSeqnum)
			existed := s.engine.Cancel(s.id, unlink.UnlinkSeqnum)
			status := int32(0)
			if existed {
				status = usberr.StatusConnReset
			}
			ret := usbip.RetUnlinkMsg{RetUnlink: usbip.RetUnlink{
				Basic:  usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: hdr.Seqnum},
				Status: status,
			}}
			if err := enqueue(writeCh, ret.Encode); err != nil {
				return err
			}

		case usbip.CmdSubmitCode:
			var cmd usbip.CmdSubmit
			cmd.Basic = hdr
			if err := cmd.ReadBody(conn); err != nil {
				return fmt.Errorf("read CMD_SUBMIT body: %w", err)
			}
			bodyLen, err := cmd.BodyLen()
			if err != nil {
				return fmt.Errorf("CMD_SUBMIT framing: %w", err)
			}
			body := make([]byte, bodyLen)
			if bodyLen > 0 {
				if err := usbip.ReadExactly(conn, body); err != nil {
					return fmt.Errorf("read CMD_SUBMIT body payload: %w", err)
				}
			}
			outData, isoPackets, err := cmd.DecodeCmdSubmitBody(body)
			if err != nil {
				return fmt.Errorf("decode CMD_SUBMIT body: %w", err)
			}

			if err := s.submit(ctx, cmd, outData, isoPackets, writeCh); err != nil {
				return err
			}

		default:
			return usberr.Protocolf("unsupported URB command %#x", hdr.Command)
		}
	}
}

func enqueue(ch chan<- []byte, encode func(io.Writer) error) error {
	var buf writeBuf
	if err := encode(&buf); err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	ch <- buf.b
	return nil
}

type writeBuf struct{ b []byte }

func (w *writeBuf) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func (s *Session) submit(ctx context.Context, cmd usbip.CmdSubmit, outData []byte, isoPackets []usbip.IsoPacketDesc, writeCh chan<- []byte) error {
	if wantDevID := usbip.PackDevID(s.dev.BusNum, s.dev.DevNum); cmd.Basic.Devid != wantDevID {
		return usberr.Protocolf("CMD_SUBMIT devid %#08x does not match imported device %q (devid %#08x)", cmd.Basic.Devid, s.dev.BusID, wantDevID)
	}

	ep, typ, dirIn, err := s.resolveEndpoint(cmd)
	if err != nil {
		return err
	}

	req := transfer.SubmitRequest{
		SessionID:    s.id,
		Seqnum:       cmd.Basic.Seqnum,
		DeviceKey:    s.dev.BusID,
		Handle:       s.handle,
		Endpoint:     ep,
		DirIn:        dirIn,
		TransferType: typ,
		Setup:        cmd.Setup,
		OutData:      outData,
		BufferLen:    int(cmd.TransferBufferLen),
		StartFrame:   cmd.StartFrame,
	}
	if typ == backend.TransferIsochronous {
		req.IsoPackets = make([]backend.IsoPacket, len(isoPackets))
		for i, p := range isoPackets {
			req.IsoPackets[i] = backend.IsoPacket{Offset: p.Offset, Length: p.Length}
		}
	}

	err = s.engine.Submit(ctx, req, func(c transfer.Completion) {
		ret := usbip.RetSubmitMsg{
			RetSubmit: usbip.RetSubmit{
				Basic:           usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: c.Seqnum},
				Status:          c.Status,
				ActualLength:    c.ActualLen,
				StartFrame:      c.StartFrame,
				NumberOfPackets: c.NumPackets,
				ErrorCount:      c.ErrorCount,
			},
			InData: c.InData,
		}
		for _, p := range c.IsoPackets {
			ret.IsoPackets = append(ret.IsoPackets, usbip.IsoPacketDesc{
				Offset: p.Offset, Length: p.Length, ActualLength: p.ActualLength, Status: p.Status,
			})
		}
		if err := enqueue(writeCh, ret.Encode); err != nil {
			s.logger.Debug("failed to enqueue RET_SUBMIT", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("submit seqnum %d: %w", cmd.Basic.Seqnum, err)
	}
	return nil
}

// resolveEndpoint maps (endpoint, direction) from the CMD_SUBMIT header to
// the cached descriptor transfer type. An isochronous NumberOfPackets value
// always wins over the descriptor cache, since it is the one field the
// client can set per-transfer.
func (s *Session) resolveEndpoint(cmd usbip.CmdSubmit) (ep uint8, typ backend.TransferType, dirIn bool, err error) {
	dirIn = cmd.Basic.Dir == usbip.DirIn
	ep = uint8(cmd.Basic.Ep)

	if cmd.IsIsochronous() {
		return ep, backend.TransferIsochronous, dirIn, nil
	}
	if ep == 0 {
		return 0, backend.TransferControl, dirIn, nil
	}

	epDesc, ok := s.dev.LookupEndpoint(ep, dirIn)
	if !ok {
		return 0, 0, false, usberr.Protocolf("endpoint %d (dir_in=%v) not found on device %q", ep, dirIn, s.dev.BusID)
	}
	switch epDesc.Type {
	case device.EndpointBulk:
		return ep, backend.TransferBulk, dirIn, nil
	case device.EndpointInterrupt:
		return ep, backend.TransferInterrupt, dirIn, nil
	case device.EndpointIsochronous:
		return ep, backend.TransferIsochronous, dirIn, nil
	default:
		return ep, backend.TransferControl, dirIn, nil
	}
}

// teardown releases the exported device, cancels and drains any
// outstanding URBs, and releases the backend claim — run unconditionally
// when Serve returns, regardless of why the connection ended (spec.md §4.2:
// "teardown drains the URB table before releasing the export").
func (s *Session) teardown(ctx context.Context) {
	if s.dev.BusID == "" {
		_ = s.conn.Close()
		return
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.TeardownTimeout)
	s.engine.CancelSession(drainCtx, s.id)
	cancel()

	if s.handle != nil {
		if err := s.be.Release(s.handle); err != nil {
			s.logger.Warn("backend release failed", "bus_id", s.dev.BusID, "error", err)
		}
	}
	s.registry.ReleaseExport(s.dev.BusID, s.id)
	_ = s.conn.Close()
	s.logger.Info("session closed", "bus_id", s.dev.BusID, "session_id", s.id)
}

// loggingConn wraps a connection so every byte in/out is mirrored to the
// raw protocol logger, matching the teacher's logConn. It also times each
// Read/Write call into the owning session's latency gauges, since this is
// already the one choke point every byte in or out passes through.
type loggingConn struct {
	net.Conn
	raw          ulog.RawLogger
	readLatency  *atomic.Int64
	writeLatency *atomic.Int64
}

func (lc *loggingConn) Read(p []byte) (int, error) {
	start := time.Now()
	n, err := lc.Conn.Read(p)
	if lc.readLatency != nil {
		lc.readLatency.Store(int64(time.Since(start)))
	}
	if n > 0 && lc.raw != nil {
		lc.raw.Log(true, p[:n])
	}
	return n, err
}

func (lc *loggingConn) Write(p []byte) (int, error) {
	start := time.Now()
	n, err := lc.Conn.Write(p)
	if lc.writeLatency != nil {
		lc.writeLatency.Store(int64(time.Since(start)))
	}
	if n > 0 && lc.raw != nil {
		lc.raw.Log(false, p[:n])
	}
	return n, err
}

// isClientDisconnect reports whether err represents an ordinary client
// disconnect (EOF, reset, broken pipe) rather than a protocol or I/O
// failure worth logging loudly.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
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
	return strings.Contains(e, "connection reset by peer") || strings.Contains(e, "broken pipe")
}
