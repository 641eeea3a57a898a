package supervisor

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/usbipd-darwin/usbipd/internal/backend/mockbackend"
	"github.com/usbipd-darwin/usbipd/internal/device"
	"github.com/usbipd-darwin/usbipd/internal/health"
	"github.com/usbipd-darwin/usbipd/internal/session"
	ulog "github.com/usbipd-darwin/usbipd/internal/log"
	"github.com/usbipd-darwin/usbipd/internal/transfer"
	"github.com/usbipd-darwin/usbipd/usbip"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSupervisor(t *testing.T, be *mockbackend.Backend) *Supervisor {
	t.Helper()
	cfg := Config{
		ListenAddr:    "127.0.0.1:0",
		StateFilePath: t.TempDir() + "/bindings",
		Session:       session.DefaultConfig(),
		Transfer:      transfer.DefaultConfig(),
		Health:        health.DefaultConfig(),
	}
	sup, err := New(cfg, be, discardLogger(), ulog.NewRaw(nil))
	require.NoError(t, err)
	return sup
}

func TestRunPublishesReadyAndAcceptsConnections(t *testing.T) {
	be := mockbackend.New()
	sup := newTestSupervisor(t, be)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case <-sup.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never became ready")
	}

	st := sup.Status()
	require.True(t, st.Running)

	conn, err := net.Dial("tcp", st.ListenAddr)
	require.NoError(t, err)
	defer conn.Close()

	req := usbip.OpReqDevlistMsg{}
	require.NoError(t, req.Encode(conn))

	var hdr usbip.MgmtHeader
	require.NoError(t, hdr.Read(conn))
	require.Equal(t, uint16(usbip.OpRepDevlist), hdr.Command)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down after context cancellation")
	}

	require.False(t, sup.Status().Running)
}

func TestRunReconcilesHotplugIntoRegistry(t *testing.T) {
	be := mockbackend.New()
	d := device.Device{BusID: "1-1", BusNum: 1, DevNum: 1, VendorID: 0x1d6b, ProductID: 2, Speed: device.SpeedHigh}
	be.AddDevice(d)
	sup := newTestSupervisor(t, be)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	select {
	case <-sup.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never became ready")
	}
	require.Equal(t, 1, sup.Status().Devices)

	attached := device.Device{BusID: "1-2", BusNum: 1, DevNum: 2, VendorID: 0x1d6b, ProductID: 3, Speed: device.SpeedHigh}
	be.Attach(attached)

	require.Eventually(t, func() bool {
		_, ok := sup.Registry().Lookup("1-2")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	be.Detach("1-1")
	require.Eventually(t, func() bool {
		d, ok := sup.Registry().Lookup("1-1")
		return ok && d.State == device.StateDetached
	}, 2*time.Second, 10*time.Millisecond)
}
