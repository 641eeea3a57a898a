// Package backend defines the UsbBackend boundary the core consumes: device
// enumeration, hotplug notification, exclusive claim/release, and the four
// USB transfer primitives. How an implementation talks to the host kernel
// (IOKit on macOS, libusb elsewhere) is deliberately kept out of the core —
// see internal/backend/iokit and internal/backend/libusbb.
package backend

import (
	"context"
	"time"

	"github.com/usbipd-darwin/usbipd/internal/device"
)

// ClaimHandle is an opaque, backend-issued handle to an exclusively-claimed
// device. The core never inspects its contents.
type ClaimHandle interface {
	BusID() string
}

// HotplugEvent is either an Added or a Removed notification.
type HotplugEvent struct {
	Added   *device.Device
	Removed string // bus_id, set only when Added == nil
}

// IsoPacket is one isochronous packet request/result, matching the wire
// packet descriptor without the wire's fixed-width encoding concerns.
type IsoPacket struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       int32
}

// IsoResult is the outcome of an isochronous transfer: per-packet status is
// populated independently, and the transfer itself may report success even
// when individual packets failed (spec.md §4.3).
type IsoResult struct {
	Packets []IsoPacket
}

// ErrorCount returns the number of packets with a nonzero status, the value
// RET_SUBMIT.error_count must carry.
func (r IsoResult) ErrorCount() int {
	n := 0
	for _, p := range r.Packets {
		if p.Status != 0 {
			n++
		}
	}
	return n
}

// UsbBackend performs actual USB I/O against the host and surfaces hotplug
// events. Implementations must be safe to call concurrently from multiple
// URBs on the same device; the core enforces no additional serialization
// beyond its own per-device in-flight cap.
type UsbBackend interface {
	Enumerate(ctx context.Context) ([]device.Device, error)
	SubscribeHotplug(ctx context.Context) (<-chan HotplugEvent, error)

	// Claim acquires exclusive host-side ownership of the device. Must fail
	// if the device is already claimed elsewhere on the host.
	Claim(ctx context.Context, busID string) (ClaimHandle, error)
	Release(handle ClaimHandle) error

	Control(ctx context.Context, h ClaimHandle, setup [8]byte, buf []byte, timeout time.Duration) (n int, err error)
	Bulk(ctx context.Context, h ClaimHandle, ep uint8, dirIn bool, buf []byte, timeout time.Duration) (n int, err error)
	Interrupt(ctx context.Context, h ClaimHandle, ep uint8, dirIn bool, buf []byte, timeout time.Duration) (n int, err error)
	Isochronous(ctx context.Context, h ClaimHandle, ep uint8, dirIn bool, packets []IsoPacket, data []byte, timeout time.Duration) (IsoResult, error)
}

// TransferType is the USB transfer type a given endpoint was configured
// with, cached from the device's descriptors at import time (spec.md §4.3
// step 2: "the transfer-type-of mapping comes from the device's descriptors
// cached at import time").
type TransferType int

const (
	TransferControl TransferType = iota
	TransferBulk
	TransferInterrupt
	TransferIsochronous
)
