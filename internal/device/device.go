// Package device holds the in-memory domain model for locally visible USB
// devices: identity, classification, and the Available/Bound/Exported/
// Detached state machine a physical attachment moves through.
package device

import "fmt"

// Speed mirrors the USB/IP wire speed enumeration.
type Speed uint32

const (
	SpeedUnknown Speed = 0
	SpeedLow     Speed = 1
	SpeedFull    Speed = 2
	SpeedHigh    Speed = 3
	SpeedSuper   Speed = 5
)

// State is a device's runtime lifecycle state. At most one Exported binding
// exists at a time; Bound -> Exported requires a prior Bind; Detached is
// terminal for that physical attachment.
type State int

const (
	StateAvailable State = iota
	StateBound
	StateExported
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateBound:
		return "bound"
	case StateExported:
		return "exported"
	case StateDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// Interface is the descriptor tuple reported in the device-list response,
// one per USB interface.
type Interface struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// EndpointTransferType mirrors the USB endpoint descriptor's transfer type
// field. Kept distinct from backend.TransferType so this package never
// needs to import internal/backend.
type EndpointTransferType int

const (
	EndpointControl EndpointTransferType = iota
	EndpointBulk
	EndpointInterrupt
	EndpointIsochronous
)

// Endpoint is the subset of an endpoint descriptor the session needs to
// route a CMD_SUBMIT to the right backend transfer method (spec.md §4.3
// step 2: "the transfer-type-of mapping comes from the device's descriptors
// cached at import time").
type Endpoint struct {
	Address uint8
	DirIn   bool
	Type    EndpointTransferType
}

// Device is a device the host can see, live or previously bound.
type Device struct {
	BusID  string // ASCII, <=31 chars on the wire (NUL-padded to 32)
	DevNum uint32
	BusNum uint32
	Speed  Speed

	VendorID            uint16
	ProductID           uint16
	BcdDevice           uint16
	DeviceClass         uint8
	DeviceSubClass      uint8
	DeviceProtocol      uint8
	ConfigurationValue  uint8
	NumConfigurations   uint8
	Interfaces          []Interface
	Endpoints           []Endpoint

	Manufacturer string
	Product      string
	Serial       string

	State State
	// ExportedSessionID is valid only when State == StateExported.
	ExportedSessionID uint64
}

// NumInterfaces is the wire bNumInterfaces value.
func (d *Device) NumInterfaces() uint8 { return uint8(len(d.Interfaces)) }

// LookupEndpoint finds the cached descriptor for an (address, direction)
// pair, or false if the device never advertised one — the control endpoint
// (address 0) always matches regardless of what was cached, since every USB
// device accepts control transfers on endpoint 0 without listing it.
func (d *Device) LookupEndpoint(address uint8, dirIn bool) (Endpoint, bool) {
	if address == 0 {
		return Endpoint{Address: 0, DirIn: dirIn, Type: EndpointControl}, true
	}
	for _, ep := range d.Endpoints {
		if ep.Address == address && ep.DirIn == dirIn {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// Validate checks the invariants spec.md §3 places on BusID length.
func (d *Device) Validate() error {
	if len(d.BusID) == 0 || len(d.BusID) > 31 {
		return fmt.Errorf("device: bus_id %q must be 1-31 bytes", d.BusID)
	}
	return nil
}
