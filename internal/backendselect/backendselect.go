// Package backendselect resolves the platform-appropriate backend.UsbBackend
// implementation. It exists as its own leaf package, rather than letting
// internal/config or internal/supervisor construct a backend directly, so
// that neither of those packages needs to import the other: both import
// backendselect instead.
package backendselect

import "github.com/usbipd-darwin/usbipd/internal/backend"

// New returns the backend this binary was built for. On darwin that's
// internal/backend/iokit; everywhere else it's the gousb-backed
// internal/backend/libusbb, built for development and for Linux/Windows
// hosts that might run this server against their own local USB controllers.
func New() (backend.UsbBackend, error) {
	return newPlatformBackend()
}
