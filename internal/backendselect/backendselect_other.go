//go:build !darwin

package backendselect

import (
	"github.com/usbipd-darwin/usbipd/internal/backend"
	"github.com/usbipd-darwin/usbipd/internal/backend/libusbb"
)

func newPlatformBackend() (backend.UsbBackend, error) {
	return libusbb.New()
}
