package backendselect

import (
	"github.com/usbipd-darwin/usbipd/internal/backend"
	"github.com/usbipd-darwin/usbipd/internal/backend/iokit"
)

func newPlatformBackend() (backend.UsbBackend, error) {
	return iokit.New(), nil
}
