// Package mockbackend is an in-memory UsbBackend used by core tests so the
// protocol engine and transfer layer are exercisable without real hardware.
package mockbackend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/usbipd-darwin/usbipd/internal/backend"
	"github.com/usbipd-darwin/usbipd/internal/device"
)

type claimHandle struct{ busID string }

func (c claimHandle) BusID() string { return c.busID }

// TransferFunc lets a test script the backend's response to a transfer.
type TransferFunc func(ctx context.Context, ep uint8, dirIn bool, buf []byte) (int, error)

// Backend is a scriptable UsbBackend double.
type Backend struct {
	mu       sync.Mutex
	devices  map[string]device.Device
	claimed  map[string]bool
	events   chan backend.HotplugEvent
	control   TransferFunc
	bulk      TransferFunc
	interrupt TransferFunc
	iso       func(ctx context.Context, ep uint8, packets []backend.IsoPacket) (backend.IsoResult, error)
}

// New creates an empty mock backend.
func New() *Backend {
	return &Backend{
		devices: make(map[string]device.Device),
		claimed: make(map[string]bool),
		events:  make(chan backend.HotplugEvent, 16),
	}
}

// AddDevice registers a device as present, without emitting a hotplug event
// (use for the initial Enumerate() set).
func (b *Backend) AddDevice(d device.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[d.BusID] = d
}

// Attach adds a device and emits a hotplug Added event.
func (b *Backend) Attach(d device.Device) {
	b.AddDevice(d)
	dd := d
	b.events <- backend.HotplugEvent{Added: &dd}
}

// Detach removes a device and emits a hotplug Removed event.
func (b *Backend) Detach(busID string) {
	b.mu.Lock()
	delete(b.devices, busID)
	b.mu.Unlock()
	b.events <- backend.HotplugEvent{Removed: busID}
}

// SetControlFunc / SetBulkFunc / SetInterruptFunc / SetIsoFunc script this
// backend's transfer responses. Defaults: Control, Bulk and Interrupt report
// the full buffer length as transferred without touching the buffer;
// Isochronous echoes the packet descriptors back unchanged.
func (b *Backend) SetControlFunc(fn TransferFunc)   { b.control = fn }
func (b *Backend) SetBulkFunc(fn TransferFunc)      { b.bulk = fn }
func (b *Backend) SetInterruptFunc(fn TransferFunc) { b.interrupt = fn }
func (b *Backend) SetIsoFunc(fn func(ctx context.Context, ep uint8, packets []backend.IsoPacket) (backend.IsoResult, error)) {
	b.iso = fn
}

func (b *Backend) Enumerate(ctx context.Context) ([]device.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]device.Device, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d)
	}
	return out, nil
}

func (b *Backend) SubscribeHotplug(ctx context.Context) (<-chan backend.HotplugEvent, error) {
	return b.events, nil
}

func (b *Backend) Claim(ctx context.Context, busID string) (backend.ClaimHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.devices[busID]; !ok {
		return nil, fmt.Errorf("mockbackend: device %q not found", busID)
	}
	if b.claimed[busID] {
		return nil, fmt.Errorf("mockbackend: device %q already claimed", busID)
	}
	b.claimed[busID] = true
	return claimHandle{busID: busID}, nil
}

func (b *Backend) Release(h backend.ClaimHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.claimed, h.BusID())
	return nil
}

func (b *Backend) Control(ctx context.Context, h backend.ClaimHandle, setup [8]byte, buf []byte, timeout time.Duration) (int, error) {
	if b.control != nil {
		return b.control(ctx, 0, true, buf)
	}
	return len(buf), nil
}

func (b *Backend) Bulk(ctx context.Context, h backend.ClaimHandle, ep uint8, dirIn bool, buf []byte, timeout time.Duration) (int, error) {
	if b.bulk != nil {
		return b.bulk(ctx, ep, dirIn, buf)
	}
	return len(buf), nil
}

func (b *Backend) Interrupt(ctx context.Context, h backend.ClaimHandle, ep uint8, dirIn bool, buf []byte, timeout time.Duration) (int, error) {
	if b.interrupt != nil {
		return b.interrupt(ctx, ep, dirIn, buf)
	}
	return len(buf), nil
}

func (b *Backend) Isochronous(ctx context.Context, h backend.ClaimHandle, ep uint8, dirIn bool, packets []backend.IsoPacket, data []byte, timeout time.Duration) (backend.IsoResult, error) {
	if b.iso != nil {
		return b.iso(ctx, ep, packets)
	}
	res := backend.IsoResult{Packets: make([]backend.IsoPacket, len(packets))}
	copy(res.Packets, packets)
	return res, nil
}

var _ backend.UsbBackend = (*Backend)(nil)
