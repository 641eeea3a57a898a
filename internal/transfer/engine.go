// Package transfer implements the URB lifecycle: the engine that owns the
// in-flight URB table, routes CMD_SUBMIT to the right backend transfer
// method, and honors CMD_UNLINK cancellation (spec.md §4.3).
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/usbipd-darwin/usbipd/internal/backend"
	"github.com/usbipd-darwin/usbipd/internal/usberr"
)

// Config holds the per-type timeouts and limits of spec.md §4.3/§6.
type Config struct {
	MaxInFlightPerDevice int
	MaxTransferBytes     int
	ControlTimeout       time.Duration
	BulkTimeout          time.Duration
	InterruptTimeout     time.Duration
	IsoTimeout           time.Duration
}

// DefaultConfig matches spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxInFlightPerDevice: 64,
		MaxTransferBytes:     1 << 20,
		ControlTimeout:       2 * time.Second,
		BulkTimeout:          10 * time.Second,
		InterruptTimeout:     1 * time.Second,
		IsoTimeout:           100 * time.Millisecond,
	}
}

func (c Config) timeoutFor(t backend.TransferType) time.Duration {
	switch t {
	case backend.TransferControl:
		return c.ControlTimeout
	case backend.TransferBulk:
		return c.BulkTimeout
	case backend.TransferInterrupt:
		return c.InterruptTimeout
	case backend.TransferIsochronous:
		return c.IsoTimeout
	default:
		return c.BulkTimeout
	}
}

// SubmitRequest describes one CMD_SUBMIT, already decoded off the wire and
// resolved against the device's cached descriptors.
type SubmitRequest struct {
	SessionID    uint64
	Seqnum       uint32
	DeviceKey    string // bus_id, used for the per-device in-flight cap
	Handle       backend.ClaimHandle
	Endpoint     uint8
	DirIn        bool
	TransferType backend.TransferType
	Setup        [8]byte
	OutData      []byte
	BufferLen    int
	IsoPackets   []backend.IsoPacket
	StartFrame   uint32
}

// Completion is the result delivered back to the session for RET_SUBMIT
// encoding, exactly once per accepted SUBMIT (spec.md testable property 3).
type Completion struct {
	SessionID  uint64
	Seqnum     uint32
	Status     int32
	ActualLen  uint32
	StartFrame uint32
	NumPackets uint32
	ErrorCount uint32
	InData     []byte
	IsoPackets []backend.IsoPacket
}

type urbEntry struct {
	sessionID    uint64
	seqnum       uint32
	deviceKey    string
	cancelled    bool
	disconnected bool
	cancel       context.CancelFunc
	done         chan struct{}
	inData       []byte
}

type urbKey struct {
	sessionID uint64
	seqnum    uint32
}

// Engine owns the URB table and routes transfers to a UsbBackend.
type Engine struct {
	backend backend.UsbBackend
	cfg     Config
	logger  *slog.Logger

	mu    sync.Mutex
	table map[urbKey]*urbEntry
	sems  map[string]*semaphore.Weighted
}

func New(b backend.UsbBackend, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		backend: b,
		cfg:     cfg,
		logger:  logger,
		table:   make(map[urbKey]*urbEntry),
		sems:    make(map[string]*semaphore.Weighted),
	}
}

func (e *Engine) semaphoreFor(deviceKey string) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sems[deviceKey]
	if !ok {
		s = semaphore.NewWeighted(int64(e.cfg.MaxInFlightPerDevice))
		e.sems[deviceKey] = s
	}
	return s
}

// TableSize reports the current URB table size, used by HealthMonitor.
func (e *Engine) TableSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.table)
}

func (e *Engine) validate(req SubmitRequest) error {
	if req.Endpoint == 0 && req.TransferType != backend.TransferControl {
		return usberr.Protocolf("endpoint 0 must use a control transfer")
	}
	if req.TransferType != backend.TransferIsochronous && len(req.IsoPackets) != 0 {
		return usberr.Protocolf("non-isochronous transfer carries iso packet descriptors")
	}
	if req.BufferLen < 0 {
		return usberr.Protocolf("negative transfer_buffer_length")
	}
	if req.BufferLen > e.cfg.MaxTransferBytes {
		return usberr.Protocolf("transfer_buffer_length %d exceeds max %d", req.BufferLen, e.cfg.MaxTransferBytes)
	}
	return nil
}

// Submit validates, registers, and dispatches one URB. complete is invoked
// exactly once, from a separate goroutine, unless the URB is cancelled
// before the backend call returns (in which case the result is discarded
// and complete is never called for this seqnum — the session already got
// its RET_UNLINK). Submit itself may block the caller (the session's reader
// task) while waiting for a free in-flight slot; that is intentional — the
// writer task is independent and keeps delivering completions meanwhile.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest, complete func(Completion)) error {
	if err := e.validate(req); err != nil {
		return err
	}

	sem := e.semaphoreFor(req.DeviceKey)
	if err := sem.Acquire(ctx, 1); err != nil {
		return usberr.New(usberr.KindTransfer, fmt.Errorf("acquire in-flight slot: %w", err))
	}

	timeout := e.cfg.timeoutFor(req.TransferType)
	urbCtx, cancel := context.WithTimeout(ctx, timeout)

	key := urbKey{sessionID: req.SessionID, seqnum: req.Seqnum}
	ent := &urbEntry{sessionID: req.SessionID, seqnum: req.Seqnum, deviceKey: req.DeviceKey, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if _, exists := e.table[key]; exists {
		e.mu.Unlock()
		cancel()
		sem.Release(1)
		return usberr.Protocolf("duplicate seqnum %d for session %d", req.Seqnum, req.SessionID)
	}
	e.table[key] = ent
	e.mu.Unlock()

	go e.run(urbCtx, cancel, key, ent, sem, req, complete)
	return nil
}

func (e *Engine) run(ctx context.Context, cancel context.CancelFunc, key urbKey, ent *urbEntry, sem *semaphore.Weighted, req SubmitRequest, complete func(Completion)) {
	defer cancel()
	defer sem.Release(1)
	defer close(ent.done)

	var (
		n        int
		err      error
		isoRes   backend.IsoResult
		dirInLen = req.BufferLen
	)

	switch req.TransferType {
	case backend.TransferControl:
		buf := req.OutData
		if req.DirIn {
			buf = make([]byte, req.BufferLen)
		}
		n, err = e.backend.Control(ctx, req.Handle, req.Setup, buf, e.cfg.ControlTimeout)
		if req.DirIn {
			dirInLen = n
			ent.inData = buf[:clampLen(n, len(buf))]
		}
	case backend.TransferBulk:
		buf := req.OutData
		if req.DirIn {
			buf = make([]byte, req.BufferLen)
		}
		n, err = e.backend.Bulk(ctx, req.Handle, req.Endpoint, req.DirIn, buf, e.cfg.BulkTimeout)
		if req.DirIn {
			dirInLen = n
			ent.inData = buf[:clampLen(n, len(buf))]
		}
	case backend.TransferInterrupt:
		buf := req.OutData
		if req.DirIn {
			buf = make([]byte, req.BufferLen)
		}
		n, err = e.backend.Interrupt(ctx, req.Handle, req.Endpoint, req.DirIn, buf, e.cfg.InterruptTimeout)
		if req.DirIn {
			dirInLen = n
			ent.inData = buf[:clampLen(n, len(buf))]
		}
	case backend.TransferIsochronous:
		data := req.OutData
		if req.DirIn {
			total := 0
			for _, p := range req.IsoPackets {
				total += int(p.Length)
			}
			data = make([]byte, total)
		}
		isoRes, err = e.backend.Isochronous(ctx, req.Handle, req.Endpoint, req.DirIn, req.IsoPackets, data, e.cfg.IsoTimeout)
		if req.DirIn {
			ent.inData = data
		}
		n = len(req.OutData)
		if req.DirIn {
			n = sumActual(isoRes.Packets)
		}
	}

	e.mu.Lock()
	cancelled := ent.cancelled
	disconnected := ent.disconnected
	delete(e.table, key)
	e.mu.Unlock()

	if cancelled && !disconnected {
		// UNLINK already answered the client; this completion is dropped
		// even though it arrived (spec.md testable property 3).
		return
	}

	// A FailDevice caller (surprise removal, spec.md §8 scenario E) always
	// wins over whatever the backend call itself returned: the client must
	// see -ENODEV/actual_length=0, not a stall/timeout/short-read status
	// that happened to race the disconnect.
	var status int32
	actual := n
	if disconnected {
		status = usberr.StatusNoDevice
		actual = 0
	} else {
		cond := usberr.ClassifyTransferErr(err, n, dirInLen, req.DirIn)
		status = usberr.MapStatus(cond)
	}

	comp := Completion{
		SessionID:  req.SessionID,
		Seqnum:     req.Seqnum,
		Status:     status,
		ActualLen:  uint32(actual),
		StartFrame: req.StartFrame,
	}
	if !disconnected {
		if req.TransferType == backend.TransferIsochronous {
			comp.NumPackets = uint32(len(isoRes.Packets))
			comp.ErrorCount = uint32(isoRes.ErrorCount())
			comp.IsoPackets = isoRes.Packets
		}
		if req.DirIn {
			comp.InData = ent.inData
		}
	}
	complete(comp)
}

func clampLen(n, max int) int {
	if n < 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}

func sumActual(packets []backend.IsoPacket) int {
	total := 0
	for _, p := range packets {
		total += int(p.ActualLength)
	}
	return total
}

// Cancel marks the URB identified by (sessionID, seqnum) Cancelled and
// signals the backend's cancellation context. Idempotent: returns false if
// no such URB is tracked (it already completed, or was already cancelled) —
// the caller uses this to choose between RET_UNLINK status -ECONNRESET (true)
// and 0 (false).
func (e *Engine) Cancel(sessionID uint64, seqnum uint32) bool {
	key := urbKey{sessionID: sessionID, seqnum: seqnum}
	e.mu.Lock()
	ent, ok := e.table[key]
	if !ok || ent.cancelled {
		e.mu.Unlock()
		return false
	}
	ent.cancelled = true
	cancel := ent.cancel
	e.mu.Unlock()

	cancel()
	return true
}

// FailDevice forces every in-flight URB for deviceKey to complete with
// status -ENODEV (spec.md §8 scenario E, "surprise removal during
// transfer"), waiting for each to actually reach its completion callback
// before returning or until ctx expires. Unlike Cancel, the completion is
// delivered to the client rather than dropped: there is no matching
// CMD_UNLINK for a physical removal, so this is the client's only signal
// that the transfer failed.
func (e *Engine) FailDevice(ctx context.Context, deviceKey string) {
	e.mu.Lock()
	var entries []*urbEntry
	for _, ent := range e.table {
		if ent.deviceKey != deviceKey || ent.disconnected || ent.cancelled {
			// Already cancelled via CMD_UNLINK: the client already got its
			// RET_UNLINK answer for this seqnum, so leave it to be dropped
			// rather than also deliver a forced RET_SUBMIT.
			continue
		}
		ent.disconnected = true
		ent.cancel()
		entries = append(entries, ent)
	}
	e.mu.Unlock()

	for _, ent := range entries {
		select {
		case <-ent.done:
		case <-ctx.Done():
			return
		}
	}
}

// CancelSession cancels every URB belonging to sessionID and waits for each
// to drain (the backend to acknowledge cancellation) or for the given
// context to expire, whichever comes first — matching the 5s drain timeout
// of spec.md §5.
func (e *Engine) CancelSession(ctx context.Context, sessionID uint64) {
	e.mu.Lock()
	var entries []*urbEntry
	for key, ent := range e.table {
		if key.sessionID != sessionID {
			continue
		}
		if !ent.cancelled {
			ent.cancelled = true
			ent.cancel()
		}
		entries = append(entries, ent)
	}
	e.mu.Unlock()

	for _, ent := range entries {
		select {
		case <-ent.done:
		case <-ctx.Done():
			return
		}
	}
}
