package session

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
	"github.com/usbipd-darwin/usbipd/internal/persistence"
	"github.com/usbipd-darwin/usbipd/internal/transfer"
	"github.com/usbipd-darwin/usbipd/usbip"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHarness(t *testing.T) (*Registry, *mockbackend.Backend, *transfer.Engine) {
	t.Helper()
	store, err := persistence.Open(t.TempDir()+"/bindings", discardLogger())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	reg := device.New(store, discardLogger())
	b := mockbackend.New()
	eng := transfer.New(b, transfer.DefaultConfig(), discardLogger())
	return reg, b, eng
}

// Registry is a type alias so tests read naturally; the real type lives in
// internal/device.
type Registry = device.Registry

func bindAndAttach(t *testing.T, reg *Registry, b *mockbackend.Backend, busID string) {
	t.Helper()
	d := device.Device{
		BusID: busID, BusNum: 1, DevNum: 1, VendorID: 0x1d6b, ProductID: 2, Speed: device.SpeedHigh,
		Endpoints: []device.Endpoint{{Address: 2, DirIn: false, Type: device.EndpointBulk}},
	}
	reg.ReconcileEnumeration([]device.Device{d})
	require.NoError(t, reg.Bind(busID))
	reg.ReconcileEnumeration([]device.Device{d})
	b.AddDevice(d)
}

func TestImportUnknownBusIDFailsWithoutCrash(t *testing.T) {
	reg, b, eng := newTestHarness(t)
	client, server := net.Pipe()
	defer client.Close()

	sess := New(1, server, reg, eng, b, DefaultConfig(), discardLogger(), nil)
	done := make(chan error, 1)
	go func() { done <- sess.Serve(context.Background()) }()

	req := usbip.OpReqImportMsg{BusID: "9-9"}
	require.NoError(t, req.Encode(client))

	var hdr usbip.MgmtHeader
	require.NoError(t, hdr.Read(client))
	require.Equal(t, uint16(usbip.OpRepImport), hdr.Command)
	require.NotEqual(t, uint32(0), hdr.Status)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not close after a failed import")
	}
}

func TestDevlistThenImportSucceeds(t *testing.T) {
	reg, b, eng := newTestHarness(t)
	bindAndAttach(t, reg, b, "1-1")

	client, server := net.Pipe()
	defer client.Close()
	sess := New(1, server, reg, eng, b, DefaultConfig(), discardLogger(), nil)
	go sess.Serve(context.Background())

	listReq := usbip.OpReqDevlistMsg{}
	require.NoError(t, listReq.Encode(client))
	var hdr usbip.MgmtHeader
	require.NoError(t, hdr.Read(client))
	require.Equal(t, uint16(usbip.OpRepDevlist), hdr.Command)
	list, err := usbip.DecodeOpRepDevlist(client, hdr.Status)
	require.NoError(t, err)
	require.Len(t, list.Devices, 1)
	require.Equal(t, "1-1", list.Devices[0].BusID())

	importReq := usbip.OpReqImportMsg{BusID: "1-1"}
	require.NoError(t, importReq.Encode(client))
	require.NoError(t, hdr.Read(client))
	require.Equal(t, uint16(usbip.OpRepImport), hdr.Command)
	require.Equal(t, uint32(0), hdr.Status)
	dev, err := usbip.DecodeOpRepImportBody(client, hdr.Status)
	require.NoError(t, err)
	require.Equal(t, "1-1", dev.BusID())

	d, ok := reg.Lookup("1-1")
	require.True(t, ok)
	require.Equal(t, device.StateExported, d.State)
}

func TestConcurrentImportRaceHasExactlyOneWinner(t *testing.T) {
	reg, b, eng := newTestHarness(t)
	bindAndAttach(t, reg, b, "1-1")

	type result struct {
		status uint32
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func(sessionID uint64) {
			client, server := net.Pipe()
			defer client.Close()
			sess := New(sessionID, server, reg, eng, b, DefaultConfig(), discardLogger(), nil)
			go sess.Serve(context.Background())

			importReq := usbip.OpReqImportMsg{BusID: "1-1"}
			if err := importReq.Encode(client); err != nil {
				results <- result{status: 1}
				return
			}
			var hdr usbip.MgmtHeader
			if err := hdr.Read(client); err != nil {
				results <- result{status: 1}
				return
			}
			results <- result{status: hdr.Status}
		}(uint64(i + 1))
	}

	wins := 0
	for i := 0; i < 2; i++ {
		r := <-results
		if r.status == 0 {
			wins++
		}
	}
	require.Equal(t, 1, wins, "exactly one concurrent OP_REQ_IMPORT must win the export race")
}

func TestSubmitAndRetSubmitRoundTrip(t *testing.T) {
	reg, b, eng := newTestHarness(t)
	bindAndAttach(t, reg, b, "1-1")
	b.SetBulkFunc(func(ctx context.Context, ep uint8, dirIn bool, buf []byte) (int, error) {
		return len(buf), nil
	})

	client, server := net.Pipe()
	defer client.Close()
	sess := New(1, server, reg, eng, b, DefaultConfig(), discardLogger(), nil)
	go sess.Serve(context.Background())

	importReq := usbip.OpReqImportMsg{BusID: "1-1"}
	require.NoError(t, importReq.Encode(client))
	var hdr usbip.MgmtHeader
	require.NoError(t, hdr.Read(client))
	require.Equal(t, uint32(0), hdr.Status)
	_, err := usbip.DecodeOpRepImportBody(client, hdr.Status)
	require.NoError(t, err)

	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 42, Devid: usbip.PackDevID(1, 1), Dir: usbip.DirOut, Ep: 2},
		TransferBufferLen: 3,
		NumberOfPackets:   0xffffffff,
	}
	require.NoError(t, cmd.Write(client))
	_, err = client.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	var ret usbip.RetSubmit
	require.NoError(t, ret.Read(client))
	require.Equal(t, uint32(42), ret.Basic.Seqnum)
	require.Equal(t, int32(0), ret.Status)
	require.Equal(t, uint32(3), ret.ActualLength)
}

func TestUnlinkOfUnknownSeqnumReportsZeroStatus(t *testing.T) {
	reg, b, eng := newTestHarness(t)
	bindAndAttach(t, reg, b, "1-1")

	client, server := net.Pipe()
	defer client.Close()
	sess := New(1, server, reg, eng, b, DefaultConfig(), discardLogger(), nil)
	go sess.Serve(context.Background())

	importReq := usbip.OpReqImportMsg{BusID: "1-1"}
	require.NoError(t, importReq.Encode(client))
	var hdr usbip.MgmtHeader
	require.NoError(t, hdr.Read(client))
	_, err := usbip.DecodeOpRepImportBody(client, hdr.Status)
	require.NoError(t, err)

	unlink := usbip.CmdUnlink{Basic: usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: 5}, UnlinkSeqnum: 999}
	require.NoError(t, unlink.Write(client))

	var ret usbip.RetUnlink
	require.NoError(t, ret.Read(client))
	require.Equal(t, int32(0), ret.Status, "unlinking a seqnum that was never submitted must report status 0")
}

func TestUnlinkOfPendingUrbReportsConnReset(t *testing.T) {
	reg, b, eng := newTestHarness(t)
	bindAndAttach(t, reg, b, "1-1")
	block := make(chan struct{})
	b.SetBulkFunc(func(ctx context.Context, ep uint8, dirIn bool, buf []byte) (int, error) {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		return len(buf), nil
	})

	client, server := net.Pipe()
	defer client.Close()
	sess := New(1, server, reg, eng, b, DefaultConfig(), discardLogger(), nil)
	go sess.Serve(context.Background())

	importReq := usbip.OpReqImportMsg{BusID: "1-1"}
	require.NoError(t, importReq.Encode(client))
	var hdr usbip.MgmtHeader
	require.NoError(t, hdr.Read(client))
	_, err := usbip.DecodeOpRepImportBody(client, hdr.Status)
	require.NoError(t, err)

	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 7, Devid: usbip.PackDevID(1, 1), Dir: usbip.DirOut, Ep: 2},
		TransferBufferLen: 1,
		NumberOfPackets:   0xffffffff,
	}
	require.NoError(t, cmd.Write(client))
	_, err = client.Write([]byte{1})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return eng.TableSize() == 1 }, time.Second, time.Millisecond)

	unlink := usbip.CmdUnlink{Basic: usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: 8}, UnlinkSeqnum: 7}
	require.NoError(t, unlink.Write(client))

	var ret usbip.RetUnlink
	require.NoError(t, ret.Read(client))
	require.Equal(t, int32(-104), ret.Status)

	close(block)
}

func TestSurpriseRemovalDuringTransferReturnsNoDeviceStatus(t *testing.T) {
	reg, b, eng := newTestHarness(t)
	bindAndAttach(t, reg, b, "1-1")
	block := make(chan struct{})
	b.SetBulkFunc(func(ctx context.Context, ep uint8, dirIn bool, buf []byte) (int, error) {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		return len(buf), nil
	})

	client, server := net.Pipe()
	defer client.Close()
	sess := New(1, server, reg, eng, b, DefaultConfig(), discardLogger(), nil)
	done := make(chan error, 1)
	go func() { done <- sess.Serve(context.Background()) }()

	importReq := usbip.OpReqImportMsg{BusID: "1-1"}
	require.NoError(t, importReq.Encode(client))
	var hdr usbip.MgmtHeader
	require.NoError(t, hdr.Read(client))
	_, err := usbip.DecodeOpRepImportBody(client, hdr.Status)
	require.NoError(t, err)

	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 42, Devid: usbip.PackDevID(1, 1), Dir: usbip.DirOut, Ep: 2},
		TransferBufferLen: 1,
		NumberOfPackets:   0xffffffff,
	}
	require.NoError(t, cmd.Write(client))
	_, err = client.Write([]byte{1})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return eng.TableSize() == 1 }, time.Second, time.Millisecond)

	reg.HotplugRemove("1-1")

	var ret usbip.RetSubmit
	require.NoError(t, ret.Read(client))
	require.Equal(t, uint32(42), ret.Basic.Seqnum)
	require.Equal(t, int32(-19), ret.Status, "surprise removal must answer the in-flight URB with -ENODEV before closing")
	require.Equal(t, uint32(0), ret.ActualLength)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not close after the removed device's URB was answered")
	}

	close(block)
}

func TestSubmitWithMismatchedDevidClosesSession(t *testing.T) {
	reg, b, eng := newTestHarness(t)
	bindAndAttach(t, reg, b, "1-1")
	b.SetBulkFunc(func(ctx context.Context, ep uint8, dirIn bool, buf []byte) (int, error) {
		return len(buf), nil
	})

	client, server := net.Pipe()
	defer client.Close()
	sess := New(1, server, reg, eng, b, DefaultConfig(), discardLogger(), nil)
	done := make(chan error, 1)
	go func() { done <- sess.Serve(context.Background()) }()

	importReq := usbip.OpReqImportMsg{BusID: "1-1"}
	require.NoError(t, importReq.Encode(client))
	var hdr usbip.MgmtHeader
	require.NoError(t, hdr.Read(client))
	_, err := usbip.DecodeOpRepImportBody(client, hdr.Status)
	require.NoError(t, err)

	wrongDevid := usbip.PackDevID(1, 99)
	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 1, Devid: wrongDevid, Dir: usbip.DirOut, Ep: 2},
		TransferBufferLen: 1,
		NumberOfPackets:   0xffffffff,
	}
	require.NoError(t, cmd.Write(client))
	_, err = client.Write([]byte{1})
	require.NoError(t, err)

	select {
	case err := <-done:
		require.Error(t, err, "a CMD_SUBMIT with a devid from a different device must close the session")
	case <-time.After(time.Second):
		t.Fatal("session did not close after a devid-mismatched CMD_SUBMIT")
	}
}
