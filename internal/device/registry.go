package device

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/usbipd-darwin/usbipd/internal/persistence"
)

// RemovalHandler is invoked, with the registry lock released, when a device
// that is currently Exported is physically removed. The session that owns
// the export registers one at import time and is expected to run a full
// teardown (cancel in-flight URBs, close the socket) in response.
type RemovalHandler func(busID string)

// entry is the registry's private bookkeeping for one physical attachment.
type entry struct {
	dev      Device
	onRemove RemovalHandler
}

// Registry is the authoritative set of locally visible USB devices, keyed by
// bus_id. It mirrors the teacher's virtualbus.VirtualBus bookkeeping
// (mutex-guarded map, one entry per physical port) but tracks Available/
// Bound/Exported/Detached state for real devices instead of virtual bus
// topology for emulated ones.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*entry
	store   *persistence.Store
	logger  *slog.Logger
}

// New creates a Registry backed by the given persistent bind store.
func New(store *persistence.Store, logger *slog.Logger) *Registry {
	return &Registry{
		devices: make(map[string]*entry),
		store:   store,
		logger:  logger,
	}
}

// ReconcileEnumeration replaces the live device set with a fresh enumeration
// from the backend, reconciling it against the persisted bind set: devices
// with a matching BindRecord start in StateBound, everything else starts
// StateAvailable. Devices currently StateExported keep their state and only
// have their vendor/product IDs refreshed from live. Every known device that
// is absent from live is marked StateDetached; for an exported one, its
// removal handler (if any) is also invoked.
func (r *Registry) ReconcileEnumeration(live []Device) {
	binds := r.store.Snapshot()
	boundKey := func(d Device) persistence.BindRecord {
		return persistence.BindRecord{BusID: d.BusID, VendorID: d.VendorID, ProductID: d.ProductID}
	}

	r.mu.Lock()
	seen := make(map[string]bool, len(live))
	var toNotify []RemovalHandler
	var notifyIDs []string
	for i := range live {
		d := live[i]
		seen[d.BusID] = true
		existing, ok := r.devices[d.BusID]
		if ok && existing.dev.State == StateExported {
			existing.dev.VendorID = d.VendorID
			existing.dev.ProductID = d.ProductID
			continue
		}
		if binds.Contains(boundKey(d)) {
			d.State = StateBound
		} else {
			d.State = StateAvailable
		}
		r.devices[d.BusID] = &entry{dev: d}
	}
	for busID, e := range r.devices {
		if seen[busID] {
			continue
		}
		if e.dev.State == StateExported && e.onRemove != nil {
			toNotify = append(toNotify, e.onRemove)
			notifyIDs = append(notifyIDs, busID)
		}
		e.dev.State = StateDetached
		e.onRemove = nil
	}
	r.mu.Unlock()

	for i, fn := range toNotify {
		fn(notifyIDs[i])
	}
}

// HotplugAdd adds or refreshes a single live device.
func (r *Registry) HotplugAdd(d Device) {
	binds := r.store.Snapshot()
	key := persistence.BindRecord{BusID: d.BusID, VendorID: d.VendorID, ProductID: d.ProductID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if binds.Contains(key) {
		d.State = StateBound
	} else {
		d.State = StateAvailable
	}
	r.devices[d.BusID] = &entry{dev: d}
	if r.logger != nil {
		r.logger.Info("device attached", "bus_id", d.BusID, "vendor", d.VendorID, "product", d.ProductID)
	}
}

// HotplugRemove transitions a device to Detached, notifying and clearing any
// registered removal handler (the exported session, if there was one). The
// BindRecord, if present, is preserved so the device can reappear bound.
func (r *Registry) HotplugRemove(busID string) {
	r.mu.Lock()
	e, ok := r.devices[busID]
	if !ok {
		r.mu.Unlock()
		return
	}
	wasExported := e.dev.State == StateExported
	handler := e.onRemove
	e.dev.State = StateDetached
	e.onRemove = nil
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info("device removed", "bus_id", busID, "was_exported", wasExported)
	}
	if wasExported && handler != nil {
		handler(busID)
	}
}

// List returns a point-in-time snapshot of every known device.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e.dev)
	}
	return out
}

// Exportable returns the devices eligible for OP_REP_DEVLIST: Bound AND
// present in the live enumeration (i.e. not Detached), per spec.md §4.2.
func (r *Registry) Exportable() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, e := range r.devices {
		if e.dev.State == StateBound || e.dev.State == StateExported {
			out = append(out, e.dev)
		}
	}
	return out
}

// Lookup returns a copy of the device with the given bus_id.
func (r *Registry) Lookup(busID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[busID]
	if !ok {
		return Device{}, false
	}
	return e.dev, true
}

// Bind marks a device as exportable, persisting the bind record.
func (r *Registry) Bind(busID string) error {
	r.mu.Lock()
	e, ok := r.devices[busID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("device %q not found", busID)
	}
	rec := persistence.BindRecord{BusID: busID, VendorID: e.dev.VendorID, ProductID: e.dev.ProductID}
	if e.dev.State == StateAvailable {
		e.dev.State = StateBound
	}
	r.mu.Unlock()

	return r.store.Add(rec)
}

// Unbind removes a device from the persistent set. If currently exported,
// the caller is expected to force-close that session; Unbind itself only
// flips the in-memory state back to Available and drops persistence.
func (r *Registry) Unbind(busID string) error {
	r.mu.Lock()
	e, ok := r.devices[busID]
	if ok && e.dev.State != StateDetached {
		e.dev.State = StateAvailable
	}
	r.mu.Unlock()
	return r.store.Remove(busID)
}

// TryExport atomically transitions a Bound device to Exported{sessionID},
// registering the session's removal handler. Fails if the device is not
// found, not Bound, or already Exported — giving exactly one winner among
// concurrent OP_REQ_IMPORT races (spec.md testable property 5).
func (r *Registry) TryExport(busID string, sessionID uint64, onRemove RemovalHandler) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[busID]
	if !ok {
		return Device{}, fmt.Errorf("no device matches bus_id %q", busID)
	}
	if e.dev.State != StateBound {
		return Device{}, fmt.Errorf("device %q not available for import (state=%s)", busID, e.dev.State)
	}
	e.dev.State = StateExported
	e.dev.ExportedSessionID = sessionID
	e.onRemove = onRemove
	return e.dev, nil
}

// ReleaseExport returns a device from Exported back to Bound, e.g. on normal
// session teardown. A no-op if the device is not currently Exported by
// sessionID (guards against a stale release racing a fresh import).
func (r *Registry) ReleaseExport(busID string, sessionID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[busID]
	if !ok || e.dev.State != StateExported || e.dev.ExportedSessionID != sessionID {
		return
	}
	e.dev.State = StateBound
	e.dev.ExportedSessionID = 0
	e.onRemove = nil
}
