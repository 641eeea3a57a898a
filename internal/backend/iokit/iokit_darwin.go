// Package iokit implements backend.UsbBackend against the host's real USB
// stack via Apple's IOKit, the only way to talk to physical USB devices from
// user space on macOS. The cgo surface (service matching, the
// IOUSBDeviceInterface/IOUSBInterfaceInterface plugin COM objects wrapped in
// small static C helper functions, pipe read/write) is adapted from the
// kevmo314/go-usb darwin backend retrieved alongside this spec; our version
// is narrowed to exactly what backend.UsbBackend needs and driven
// synchronously per-call rather than through that project's half-built
// async transfer path.
package iokit

/*
#cgo LDFLAGS: -framework IOKit -framework CoreFoundation
#include <IOKit/IOKitLib.h>
#include <IOKit/usb/IOUSBLib.h>
#include <IOKit/IOCFPlugIn.h>
#include <CoreFoundation/CoreFoundation.h>
#include <string.h>

#ifndef kIOMainPortDefault
  #ifdef kIOMasterPortDefault
    #define kIOMainPortDefault kIOMasterPortDefault
  #else
    #define kIOMainPortDefault 0
  #endif
#endif

#pragma clang diagnostic push
#pragma clang diagnostic ignored "-Wdeprecated-declarations"

static int getIntProperty(io_service_t service, const char *key, long *out) {
    CFStringRef keyRef = CFStringCreateWithCString(kCFAllocatorDefault, key, kCFStringEncodingUTF8);
    CFTypeRef valueRef = IORegistryEntryCreateCFProperty(service, keyRef, kCFAllocatorDefault, 0);
    CFRelease(keyRef);
    if (valueRef == NULL) {
        return -1;
    }
    long value = 0;
    CFNumberGetValue((CFNumberRef)valueRef, kCFNumberLongType, &value);
    CFRelease(valueRef);
    *out = value;
    return 0;
}

static int getStringProperty(io_service_t service, const char *key, char *buf, int buflen) {
    CFStringRef keyRef = CFStringCreateWithCString(kCFAllocatorDefault, key, kCFStringEncodingUTF8);
    CFTypeRef valueRef = IORegistryEntryCreateCFProperty(service, keyRef, kCFAllocatorDefault, 0);
    CFRelease(keyRef);
    if (valueRef == NULL) {
        return -1;
    }
    Boolean ok = CFStringGetCString((CFStringRef)valueRef, buf, buflen, kCFStringEncodingUTF8);
    CFRelease(valueRef);
    return ok ? 0 : -1;
}

static io_iterator_t createUSBIterator(void) {
    io_iterator_t iterator = 0;
    CFMutableDictionaryRef matching = IOServiceMatching(kIOUSBDeviceClassName);
    if (matching == NULL) {
        return 0;
    }
    kern_return_t kr = IOServiceGetMatchingServices(kIOMainPortDefault, matching, &iterator);
    if (kr != KERN_SUCCESS) {
        return 0;
    }
    return iterator;
}

static IOUSBDeviceInterface320 **getDeviceInterface(io_service_t service) {
    IOCFPlugInInterface **plugin = NULL;
    IOUSBDeviceInterface320 **dev = NULL;
    SInt32 score;
    if (IOCreatePlugInInterfaceForService(service, kIOUSBDeviceUserClientTypeID, kIOCFPlugInInterfaceID, &plugin, &score) != KERN_SUCCESS || plugin == NULL) {
        return NULL;
    }
    HRESULT hr = (*plugin)->QueryInterface(plugin, CFUUIDGetUUIDBytes(kIOUSBDeviceInterfaceID320), (LPVOID *)&dev);
    (*plugin)->Release(plugin);
    if (hr || dev == NULL) {
        return NULL;
    }
    return dev;
}

static IOUSBInterfaceInterface300 **getInterfaceInterface(io_service_t service) {
    IOCFPlugInInterface **plugin = NULL;
    IOUSBInterfaceInterface300 **intf = NULL;
    SInt32 score;
    if (IOCreatePlugInInterfaceForService(service, kIOUSBInterfaceUserClientTypeID, kIOCFPlugInInterfaceID, &plugin, &score) != KERN_SUCCESS || plugin == NULL) {
        return NULL;
    }
    HRESULT hr = (*plugin)->QueryInterface(plugin, CFUUIDGetUUIDBytes(kIOUSBInterfaceInterfaceID300), (LPVOID *)&intf);
    (*plugin)->Release(plugin);
    if (hr || intf == NULL) {
        return NULL;
    }
    return intf;
}

static void releaseDeviceInterface(IOUSBDeviceInterface320 **dev) {
    if (dev != NULL) {
        (*dev)->Release(dev);
    }
}

static void releaseInterfaceInterface(IOUSBInterfaceInterface300 **intf) {
    if (intf != NULL) {
        (*intf)->Release(intf);
    }
}

static int openDeviceSeize(IOUSBDeviceInterface320 **dev) {
    return (*dev)->USBDeviceOpenSeize(dev);
}

static int closeDevice(IOUSBDeviceInterface320 **dev) {
    return (*dev)->USBDeviceClose(dev);
}

static int openInterface(IOUSBInterfaceInterface300 **intf) {
    return (*intf)->USBInterfaceOpen(intf);
}

static int closeInterface(IOUSBInterfaceInterface300 **intf) {
    return (*intf)->USBInterfaceClose(intf);
}

static int getNumEndpoints(IOUSBInterfaceInterface300 **intf, UInt8 *out) {
    return (*intf)->GetNumEndpoints(intf, out);
}

static io_iterator_t firstInterfaceIterator(IOUSBDeviceInterface320 **dev) {
    io_iterator_t iter = 0;
    IOUSBFindInterfaceRequest req;
    req.bInterfaceClass = kIOUSBFindInterfaceDontCare;
    req.bInterfaceSubClass = kIOUSBFindInterfaceDontCare;
    req.bInterfaceProtocol = kIOUSBFindInterfaceDontCare;
    req.bAlternateSetting = kIOUSBFindInterfaceDontCare;
    (*dev)->CreateInterfaceIterator(dev, &req, &iter);
    return iter;
}

static int deviceRequestTO(IOUSBDeviceInterface320 **dev, UInt8 reqType, UInt8 req, UInt16 value, UInt16 index, void *data, UInt16 length, UInt32 timeoutMs, UInt32 *actual) {
    IOUSBDevRequestTO r;
    memset(&r, 0, sizeof(r));
    r.bmRequestType = reqType;
    r.bRequest = req;
    r.wValue = value;
    r.wIndex = index;
    r.wLength = length;
    r.pData = data;
    r.noDataTimeout = timeoutMs;
    r.completionTimeout = timeoutMs;
    IOReturn kr = (*dev)->DeviceRequestTO(dev, &r);
    if (actual != NULL) {
        *actual = r.wLenDone;
    }
    return kr;
}

static int pipeWrite(IOUSBInterfaceInterface300 **intf, UInt8 pipeRef, void *buf, UInt32 size, UInt32 timeoutMs) {
    if (timeoutMs == 0) {
        return (*intf)->WritePipe(intf, pipeRef, buf, size);
    }
    return (*intf)->WritePipeTO(intf, pipeRef, buf, size, timeoutMs, timeoutMs);
}

static int pipeRead(IOUSBInterfaceInterface300 **intf, UInt8 pipeRef, void *buf, UInt32 *size, UInt32 timeoutMs) {
    if (timeoutMs == 0) {
        return (*intf)->ReadPipe(intf, pipeRef, buf, size);
    }
    return (*intf)->ReadPipeTO(intf, pipeRef, buf, size, timeoutMs, timeoutMs);
}

static int getPipeProperties(IOUSBInterfaceInterface300 **intf, UInt8 pipeRef, UInt8 *direction, UInt8 *number, UInt8 *transferType, UInt16 *maxPacketSize, UInt8 *interval) {
    return (*intf)->GetPipeProperties(intf, pipeRef, direction, number, transferType, maxPacketSize, interval);
}

#pragma clang diagnostic pop
*/
import "C"

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/usbipd-darwin/usbipd/internal/backend"
	"github.com/usbipd-darwin/usbipd/internal/device"
	"github.com/usbipd-darwin/usbipd/internal/usberr"
)

// ioReturn mirrors the handful of IOReturn codes the core cares about
// mapping to usberr conditions. Values are the documented IOKit constants;
// cgo is not asked to resolve the err_system()/err_sub() macros that define
// them in IOReturn.h, the same approach the reference implementation took
// for its own kIOReturnSuccess/kIOUSBPipeStalled constants.
type ioReturn int32

const (
	kIOReturnSuccess         ioReturn = 0
	kIOReturnNoDevice        ioReturn = -536870208
	kIOReturnExclusiveAccess ioReturn = -536870203
	kIOUSBPipeStalled        ioReturn = -536854449
	kIOUSBTransactionTimeout ioReturn = -536854447
)

// USB.h direction/transfer-type enumeration values, likewise hardcoded
// rather than resolved through cgo.
const (
	usbDirOut         = 0
	usbDirIn          = 1
	usbTransferCtrl   = 0
	usbTransferIsoc   = 1
	usbTransferBulk   = 2
	usbTransferInterr = 3
)

// mapIOReturn turns an IOReturn result code into the sentinel errors
// usberr.ClassifyTransferErr already knows how to read, so the transfer
// engine's status mapping stays backend-agnostic.
func mapIOReturn(kr ioReturn) error {
	switch kr {
	case kIOReturnSuccess:
		return nil
	case kIOUSBPipeStalled:
		return usberr.ErrStalled
	case kIOReturnNoDevice:
		return usberr.ErrDisconnected
	case kIOUSBTransactionTimeout:
		return context.DeadlineExceeded
	default:
		return fmt.Errorf("iokit: transfer failed: 0x%x", uint32(kr))
	}
}

// claimedInterface is one opened IOUSBInterfaceInterface and its pipe table,
// keyed by endpoint address so Bulk/Interrupt/Isochronous can find the
// pipeRef IOKit wants without re-querying properties on every transfer.
type claimedInterface struct {
	ptr   **C.IOUSBInterfaceInterface300
	pipes map[uint8]uint8 // endpoint address -> pipeRef
}

// handle is the ClaimHandle this package issues; it owns the device plugin
// and every interface opened for it.
type handle struct {
	busID   string
	service C.io_service_t
	dev     **C.IOUSBDeviceInterface320
	mu      sync.Mutex
	ifaces  []*claimedInterface
	pipeOf  map[uint8]*claimedInterface // endpoint address -> owning interface
}

func (h *handle) BusID() string { return h.busID }

// Backend implements backend.UsbBackend on top of IOKit.
type Backend struct {
	mu      sync.Mutex
	claimed map[string]*handle // busID -> handle, enforces exclusive claim
}

func New() *Backend {
	return &Backend{claimed: make(map[string]*handle)}
}

// busIDFor derives a stable bus_id from IOKit's locationID, matching the
// registry's "bus-port" string convention elsewhere in this module.
func busIDFor(locationID uint32) string {
	bus := (locationID >> 24) & 0xff
	port := (locationID >> 20) & 0xf
	if port == 0 {
		port = 1
	}
	return fmt.Sprintf("%d-%d", bus, port)
}

func intProperty(service C.io_service_t, key string) (int, bool) {
	ckey := C.CString(key)
	defer C.free(unsafe.Pointer(ckey))
	var out C.long
	if C.getIntProperty(service, ckey, &out) != 0 {
		return 0, false
	}
	return int(out), true
}

func stringProperty(service C.io_service_t, key string) string {
	ckey := C.CString(key)
	defer C.free(unsafe.Pointer(ckey))
	buf := make([]C.char, 256)
	if C.getStringProperty(service, ckey, &buf[0], C.int(len(buf))) != 0 {
		return ""
	}
	return C.GoString(&buf[0])
}

// Enumerate walks every IOUSBDevice service currently in the registry and
// builds a device.Device, including the endpoint cache
// internal/session.resolveEndpoint needs to route CMD_SUBMIT.
func (b *Backend) Enumerate(ctx context.Context) ([]device.Device, error) {
	iter := C.createUSBIterator()
	if iter == 0 {
		return nil, nil
	}
	defer C.IOObjectRelease(C.io_object_t(iter))

	var out []device.Device
	for {
		svc := C.IOIteratorNext(iter)
		if svc == 0 {
			break
		}
		d, err := describeDevice(svc)
		C.IOObjectRelease(C.io_object_t(svc))
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func describeDevice(svc C.io_service_t) (device.Device, error) {
	vendor, ok := intProperty(svc, "idVendor")
	if !ok {
		return device.Device{}, fmt.Errorf("iokit: no idVendor property")
	}
	product, _ := intProperty(svc, "idProduct")
	location, _ := intProperty(svc, "locationID")
	speed, _ := intProperty(svc, "Device Speed")
	busNum, _ := intProperty(svc, "USB Address")

	dev := C.getDeviceInterface(svc)
	if dev == nil {
		return device.Device{}, fmt.Errorf("iokit: no device interface")
	}
	defer C.releaseDeviceInterface(dev)

	d := device.Device{
		BusID:     busIDFor(uint32(location)),
		BusNum:    uint32((location >> 24) & 0xff),
		DevNum:    uint32(busNum),
		VendorID:  uint16(vendor),
		ProductID: uint16(product),
		Speed:     mapSpeed(speed),
		Product:   stringProperty(svc, "USB Product Name"),
	}
	d.Endpoints = endpointsOf(dev)
	return d, nil
}

func mapSpeed(ioKitSpeed int) device.Speed {
	switch ioKitSpeed {
	case 0:
		return device.SpeedLow
	case 1:
		return device.SpeedFull
	case 2:
		return device.SpeedHigh
	case 3:
		return device.SpeedSuper
	default:
		return device.SpeedUnknown
	}
}

// endpointsOf opens the device's first interface just long enough to read
// its pipe table, then closes it; Claim reopens it for the session's
// lifetime. Real USB/IP clients only ever address the one configuration/
// interface combination the device enumerates with, so this mirrors what
// the kernel vhci_hcd driver itself assumes.
func endpointsOf(dev **C.IOUSBDeviceInterface320) []device.Endpoint {
	iter := C.firstInterfaceIterator(dev)
	if iter == 0 {
		return nil
	}
	defer C.IOObjectRelease(C.io_object_t(iter))

	svc := C.IOIteratorNext(iter)
	if svc == 0 {
		return nil
	}
	defer C.IOObjectRelease(C.io_object_t(svc))

	intf := C.getInterfaceInterface(svc)
	if intf == nil {
		return nil
	}
	defer C.releaseInterfaceInterface(intf)

	if ioReturn(C.openInterface(intf)) != kIOReturnSuccess {
		// Some devices report pipe properties without an open interface,
		// but we return nothing rather than guess at the pipe table.
		return nil
	}
	defer C.closeInterface(intf)

	return readPipeTable(intf)
}

func readPipeTable(intf **C.IOUSBInterfaceInterface300) []device.Endpoint {
	var numEndpoints C.UInt8
	if ioReturn(C.getNumEndpoints(intf, &numEndpoints)) != kIOReturnSuccess {
		return nil
	}

	eps := make([]device.Endpoint, 0, int(numEndpoints))
	for pipeRef := C.UInt8(1); pipeRef <= numEndpoints; pipeRef++ {
		var direction, number, transferType, interval C.UInt8
		var maxPacket C.UInt16
		if ioReturn(C.getPipeProperties(intf, pipeRef, &direction, &number, &transferType, &maxPacket, &interval)) != kIOReturnSuccess {
			continue
		}
		addr := uint8(number)
		dirIn := uint8(direction) == usbDirIn
		if dirIn {
			addr |= 0x80
		}
		eps = append(eps, device.Endpoint{
			Address: addr,
			DirIn:   dirIn,
			Type:    mapTransferType(uint8(transferType)),
		})
	}
	return eps
}

func mapTransferType(t uint8) device.EndpointTransferType {
	switch t {
	case usbTransferCtrl:
		return device.EndpointControl
	case usbTransferBulk:
		return device.EndpointBulk
	case usbTransferInterr:
		return device.EndpointInterrupt
	case usbTransferIsoc:
		return device.EndpointIsochronous
	default:
		return device.EndpointBulk
	}
}

// SubscribeHotplug polls Enumerate on an interval and diffs the result.
// IOKit's real hotplug notification path (IOServiceAddMatchingNotification
// plus a CFRunLoop) needs a dedicated OS thread pinned to that run loop;
// polling is the pragmatic equivalent already used by the registry's
// reconciliation model (internal/device/registry.go ReconcileEnumeration),
// so this backend leans on the same mechanism rather than introducing a
// second one.
func (b *Backend) SubscribeHotplug(ctx context.Context) (<-chan backend.HotplugEvent, error) {
	ch := make(chan backend.HotplugEvent, 16)
	go func() {
		defer close(ch)
		seen := map[string]device.Device{}
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				live, err := b.Enumerate(ctx)
				if err != nil {
					continue
				}
				liveSet := map[string]device.Device{}
				for _, d := range live {
					liveSet[d.BusID] = d
					if _, ok := seen[d.BusID]; !ok {
						dCopy := d
						select {
						case ch <- backend.HotplugEvent{Added: &dCopy}:
						case <-ctx.Done():
							return
						}
					}
				}
				for busID := range seen {
					if _, ok := liveSet[busID]; !ok {
						select {
						case ch <- backend.HotplugEvent{Removed: busID}:
						case <-ctx.Done():
							return
						}
					}
				}
				seen = liveSet
			}
		}
	}()
	return ch, nil
}

// Claim opens the device and its first interface exclusively. IOKit itself
// enforces exclusivity at USBDeviceOpenSeize/USBInterfaceOpen time (returns
// kIOReturnExclusiveAccess if another process holds it); a local map guards
// against this process claiming the same bus_id twice concurrently.
func (b *Backend) Claim(ctx context.Context, busID string) (backend.ClaimHandle, error) {
	b.mu.Lock()
	if _, ok := b.claimed[busID]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("iokit: %s already claimed", busID)
	}
	b.mu.Unlock()

	svc, err := findService(busID)
	if err != nil {
		return nil, err
	}

	dev := C.getDeviceInterface(svc)
	if dev == nil {
		C.IOObjectRelease(C.io_object_t(svc))
		return nil, fmt.Errorf("iokit: no device interface for %s", busID)
	}
	if kr := ioReturn(C.openDeviceSeize(dev)); kr != kIOReturnSuccess {
		C.releaseDeviceInterface(dev)
		C.IOObjectRelease(C.io_object_t(svc))
		return nil, mapOpenError(kr, busID)
	}

	h := &handle{busID: busID, service: svc, dev: dev, pipeOf: map[uint8]*claimedInterface{}}
	if err := h.openInterfaces(); err != nil {
		h.release()
		return nil, err
	}

	b.mu.Lock()
	b.claimed[busID] = h
	b.mu.Unlock()
	return h, nil
}

func mapOpenError(kr ioReturn, busID string) error {
	switch kr {
	case kIOReturnExclusiveAccess:
		return fmt.Errorf("iokit: %s already claimed by another process", busID)
	case kIOReturnNoDevice:
		return fmt.Errorf("iokit: %s no longer present", busID)
	default:
		return fmt.Errorf("iokit: open %s failed: 0x%x", busID, uint32(kr))
	}
}

func findService(busID string) (C.io_service_t, error) {
	iter := C.createUSBIterator()
	if iter == 0 {
		return 0, fmt.Errorf("iokit: no USB devices present")
	}
	defer C.IOObjectRelease(C.io_object_t(iter))
	for {
		svc := C.IOIteratorNext(iter)
		if svc == 0 {
			break
		}
		location, ok := intProperty(svc, "locationID")
		if ok && busIDFor(uint32(location)) == busID {
			return svc, nil
		}
		C.IOObjectRelease(C.io_object_t(svc))
	}
	return 0, fmt.Errorf("iokit: %s not found", busID)
}

func (h *handle) openInterfaces() error {
	iter := C.firstInterfaceIterator(h.dev)
	if iter == 0 {
		return fmt.Errorf("iokit: %s has no interfaces", h.busID)
	}
	defer C.IOObjectRelease(C.io_object_t(iter))

	svc := C.IOIteratorNext(iter)
	if svc == 0 {
		return fmt.Errorf("iokit: %s has no interfaces", h.busID)
	}
	defer C.IOObjectRelease(C.io_object_t(svc))

	intf := C.getInterfaceInterface(svc)
	if intf == nil {
		return fmt.Errorf("iokit: %s interface plugin unavailable", h.busID)
	}
	if kr := ioReturn(C.openInterface(intf)); kr != kIOReturnSuccess {
		C.releaseInterfaceInterface(intf)
		return mapOpenError(kr, h.busID)
	}

	ci := &claimedInterface{ptr: intf, pipes: map[uint8]uint8{}}
	for _, ep := range readPipeTable(intf) {
		pipeRef := ep.Address & 0x0f
		ci.pipes[ep.Address] = pipeRef
		h.pipeOf[ep.Address] = ci
	}
	h.ifaces = append(h.ifaces, ci)
	return nil
}

// Release closes every opened interface and the device itself.
func (b *Backend) Release(hh backend.ClaimHandle) error {
	h, ok := hh.(*handle)
	if !ok {
		return fmt.Errorf("iokit: foreign claim handle")
	}
	b.mu.Lock()
	delete(b.claimed, h.busID)
	b.mu.Unlock()
	h.release()
	return nil
}

func (h *handle) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ci := range h.ifaces {
		C.closeInterface(ci.ptr)
		C.releaseInterfaceInterface(ci.ptr)
	}
	h.ifaces = nil
	if h.dev != nil {
		C.closeDevice(h.dev)
		C.releaseDeviceInterface(h.dev)
		h.dev = nil
	}
	if h.service != 0 {
		C.IOObjectRelease(C.io_object_t(h.service))
		h.service = 0
	}
}

func (b *Backend) Control(ctx context.Context, hh backend.ClaimHandle, setup [8]byte, buf []byte, timeout time.Duration) (int, error) {
	h, ok := hh.(*handle)
	if !ok {
		return 0, fmt.Errorf("iokit: foreign claim handle")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dev == nil {
		return 0, fmt.Errorf("iokit: %s released", h.busID)
	}

	reqType := setup[0]
	request := setup[1]
	value := uint16(setup[2]) | uint16(setup[3])<<8
	index := uint16(setup[4]) | uint16(setup[5])<<8
	length := uint16(setup[6]) | uint16(setup[7])<<8
	if int(length) > len(buf) {
		length = uint16(len(buf))
	}

	var ptr unsafe.Pointer
	if length > 0 {
		ptr = unsafe.Pointer(&buf[0])
	}
	var actual C.UInt32
	kr := C.deviceRequestTO(h.dev, C.UInt8(reqType), C.UInt8(request), C.UInt16(value), C.UInt16(index), ptr, C.UInt16(length), C.UInt32(timeout.Milliseconds()), &actual)
	return int(actual), mapIOReturn(ioReturn(kr))
}

func (b *Backend) Bulk(ctx context.Context, hh backend.ClaimHandle, ep uint8, dirIn bool, buf []byte, timeout time.Duration) (int, error) {
	return transferPipe(hh, ep, dirIn, buf, timeout)
}

func (b *Backend) Interrupt(ctx context.Context, hh backend.ClaimHandle, ep uint8, dirIn bool, buf []byte, timeout time.Duration) (int, error) {
	return transferPipe(hh, ep, dirIn, buf, timeout)
}

func transferPipe(hh backend.ClaimHandle, ep uint8, dirIn bool, buf []byte, timeout time.Duration) (int, error) {
	h, ok := hh.(*handle)
	if !ok {
		return 0, fmt.Errorf("iokit: foreign claim handle")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ci, ok := h.pipeOf[ep]
	if !ok {
		return 0, fmt.Errorf("iokit: endpoint 0x%02x not found on %s", ep, h.busID)
	}
	pipeRef := C.UInt8(ci.pipes[ep])
	timeoutMs := C.UInt32(timeout.Milliseconds())

	if len(buf) == 0 {
		return 0, nil
	}
	if dirIn {
		size := C.UInt32(len(buf))
		kr := C.pipeRead(ci.ptr, pipeRef, unsafe.Pointer(&buf[0]), &size, timeoutMs)
		return int(size), mapIOReturn(ioReturn(kr))
	}
	kr := C.pipeWrite(ci.ptr, pipeRef, unsafe.Pointer(&buf[0]), C.UInt32(len(buf)), timeoutMs)
	if ioReturn(kr) != kIOReturnSuccess {
		return 0, mapIOReturn(ioReturn(kr))
	}
	return len(buf), nil
}

// Isochronous is driven as a sequence of ordinary pipe transfers, one per
// requested packet, rather than IOKit's low-latency isoch API
// (ReadIsochPipeAsync/WritePipeAsync with a USBStatus-backed frame list):
// that API requires a CFRunLoop-backed completion thread and a
// page-aligned buffer pool neither of which this server otherwise needs,
// and spec.md's own iso_timeout_ms (100ms) budget is generous enough that
// per-packet synchronous pipe I/O stays within it for the bInterval values
// real isochronous devices advertise.
func (b *Backend) Isochronous(ctx context.Context, hh backend.ClaimHandle, ep uint8, dirIn bool, packets []backend.IsoPacket, data []byte, timeout time.Duration) (backend.IsoResult, error) {
	h, ok := hh.(*handle)
	if !ok {
		return backend.IsoResult{}, fmt.Errorf("iokit: foreign claim handle")
	}
	h.mu.Lock()
	ci, found := h.pipeOf[ep]
	h.mu.Unlock()
	if !found {
		return backend.IsoResult{}, fmt.Errorf("iokit: endpoint 0x%02x not found on %s", ep, h.busID)
	}

	result := backend.IsoResult{Packets: make([]backend.IsoPacket, len(packets))}
	perPacket := timeout
	if n := len(packets); n > 0 {
		perPacket = timeout / time.Duration(n)
	}
	for i, p := range packets {
		out := p
		buf := data[p.Offset : p.Offset+p.Length]
		h.mu.Lock()
		pipeRef := C.UInt8(ci.pipes[ep])
		var kr C.int
		var actual C.UInt32
		if dirIn {
			actual = C.UInt32(len(buf))
			if len(buf) > 0 {
				kr = C.pipeRead(ci.ptr, pipeRef, unsafe.Pointer(&buf[0]), &actual, C.UInt32(perPacket.Milliseconds()))
			}
		} else if len(buf) > 0 {
			kr = C.pipeWrite(ci.ptr, pipeRef, unsafe.Pointer(&buf[0]), C.UInt32(len(buf)), C.UInt32(perPacket.Milliseconds()))
			actual = C.UInt32(len(buf))
		}
		h.mu.Unlock()

		out.ActualLength = uint32(actual)
		if err := mapIOReturn(ioReturn(kr)); err != nil {
			out.Status = -1
		}
		result.Packets[i] = out
	}
	return result, nil
}
