package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/usbipd-darwin/usbipd/internal/backend"
	"github.com/usbipd-darwin/usbipd/internal/backend/mockbackend"
	"github.com/usbipd-darwin/usbipd/internal/device"
)

func sampleDevice(busID string) device.Device {
	return device.Device{
		BusID:     busID,
		BusNum:    1,
		DevNum:    1,
		Speed:     device.SpeedHigh,
		VendorID:  0x1d6b,
		ProductID: 0x0002,
		State:     device.StateExported,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxInFlightPerDevice = 2
	cfg.BulkTimeout = 200 * time.Millisecond
	cfg.ControlTimeout = 200 * time.Millisecond
	return cfg
}

func mustClaim(t *testing.T, b *mockbackend.Backend, busID string) backend.ClaimHandle {
	t.Helper()
	h, err := b.Claim(context.Background(), busID)
	require.NoError(t, err)
	return h
}

func TestSubmitBulkOutCompletesExactlyOnce(t *testing.T) {
	b := mockbackend.New()
	b.AddDevice(sampleDevice("1-1"))
	h := mustClaim(t, b, "1-1")
	eng := New(b, testConfig(), nil)

	calls := 0
	done := make(chan Completion, 1)
	err := eng.Submit(context.Background(), SubmitRequest{
		SessionID:    1,
		Seqnum:       7,
		DeviceKey:    "1-1",
		Handle:       h,
		Endpoint:     2,
		DirIn:        false,
		TransferType: backend.TransferBulk,
		OutData:      []byte{1, 2, 3, 4},
		BufferLen:    4,
	}, func(c Completion) {
		calls++
		done <- c
	})
	require.NoError(t, err)

	select {
	case c := <-done:
		require.Equal(t, int32(0), c.Status)
		require.Equal(t, uint32(4), c.ActualLen)
	case <-time.After(time.Second):
		t.Fatal("completion never arrived")
	}
	require.Equal(t, 1, calls)
	require.Eventually(t, func() bool { return eng.TableSize() == 0 }, time.Second, time.Millisecond)
}

func TestSubmitControlInReturnsData(t *testing.T) {
	b := mockbackend.New()
	b.AddDevice(sampleDevice("1-1"))
	h := mustClaim(t, b, "1-1")
	b.SetControlFunc(func(ctx context.Context, ep uint8, dirIn bool, buf []byte) (int, error) {
		copy(buf, []byte{0xde, 0xad, 0xbe, 0xef})
		return 4, nil
	})
	eng := New(b, testConfig(), nil)

	done := make(chan Completion, 1)
	err := eng.Submit(context.Background(), SubmitRequest{
		SessionID:    1,
		Seqnum:       1,
		DeviceKey:    "1-1",
		Handle:       h,
		Endpoint:     0,
		DirIn:        true,
		TransferType: backend.TransferControl,
		BufferLen:    4,
	}, func(c Completion) { done <- c })
	require.NoError(t, err)

	c := <-done
	require.Equal(t, int32(0), c.Status)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, c.InData)
}

func TestCancelUnlinksPendingUrb(t *testing.T) {
	b := mockbackend.New()
	b.AddDevice(sampleDevice("1-1"))
	h := mustClaim(t, b, "1-1")

	block := make(chan struct{})
	b.SetBulkFunc(func(ctx context.Context, ep uint8, dirIn bool, buf []byte) (int, error) {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		return len(buf), nil
	})

	eng := New(b, testConfig(), nil)
	completed := false
	err := eng.Submit(context.Background(), SubmitRequest{
		SessionID:    1,
		Seqnum:       9,
		DeviceKey:    "1-1",
		Handle:       h,
		Endpoint:     1,
		DirIn:        false,
		TransferType: backend.TransferBulk,
		OutData:      []byte{1},
		BufferLen:    1,
	}, func(c Completion) { completed = true })
	require.NoError(t, err)

	require.True(t, eng.Cancel(1, 9), "first cancel of a pending URB must report it existed")
	require.False(t, eng.Cancel(1, 9), "repeat cancel of the same seqnum must be a no-op")

	require.Eventually(t, func() bool { return eng.TableSize() == 0 }, time.Second, time.Millisecond)
	require.False(t, completed, "a cancelled URB's result must never reach the completion callback")
}

func TestCancelUnknownSeqnumReportsAlreadyGone(t *testing.T) {
	eng := New(mockbackend.New(), testConfig(), nil)
	require.False(t, eng.Cancel(1, 123))
}

func TestPerDeviceInFlightCapBlocksSubmit(t *testing.T) {
	b := mockbackend.New()
	b.AddDevice(sampleDevice("1-1"))
	h := mustClaim(t, b, "1-1")

	block := make(chan struct{})
	b.SetBulkFunc(func(ctx context.Context, ep uint8, dirIn bool, buf []byte) (int, error) {
		<-block
		return len(buf), nil
	})

	cfg := testConfig()
	cfg.MaxInFlightPerDevice = 1
	eng := New(b, cfg, nil)

	require.NoError(t, eng.Submit(context.Background(), SubmitRequest{
		SessionID: 1, Seqnum: 1, DeviceKey: "1-1", Handle: h,
		Endpoint: 1, TransferType: backend.TransferBulk, OutData: []byte{1}, BufferLen: 1,
	}, func(Completion) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := eng.Submit(ctx, SubmitRequest{
		SessionID: 1, Seqnum: 2, DeviceKey: "1-1", Handle: h,
		Endpoint: 1, TransferType: backend.TransferBulk, OutData: []byte{1}, BufferLen: 1,
	}, func(Completion) {})
	require.Error(t, err, "a second in-flight URB beyond the per-device cap must block until the slot frees or the caller gives up")

	close(block)
}

func TestCancelSessionDrainsAllOutstandingUrbs(t *testing.T) {
	b := mockbackend.New()
	b.AddDevice(sampleDevice("1-1"))
	h := mustClaim(t, b, "1-1")
	b.SetBulkFunc(func(ctx context.Context, ep uint8, dirIn bool, buf []byte) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	cfg := testConfig()
	cfg.MaxInFlightPerDevice = 3
	eng := New(b, cfg, nil)
	for seq := uint32(1); seq <= 3; seq++ {
		require.NoError(t, eng.Submit(context.Background(), SubmitRequest{
			SessionID: 5, Seqnum: seq, DeviceKey: "1-1", Handle: h,
			Endpoint: 1, TransferType: backend.TransferBulk, OutData: []byte{1}, BufferLen: 1,
		}, func(Completion) {}))
	}
	require.Equal(t, 3, eng.TableSize())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	eng.CancelSession(ctx, 5)
	require.Equal(t, 0, eng.TableSize())
}

func TestValidateRejectsOversizedTransfer(t *testing.T) {
	b := mockbackend.New()
	b.AddDevice(sampleDevice("1-1"))
	h := mustClaim(t, b, "1-1")
	cfg := testConfig()
	cfg.MaxTransferBytes = 8
	eng := New(b, cfg, nil)

	err := eng.Submit(context.Background(), SubmitRequest{
		SessionID: 1, Seqnum: 1, DeviceKey: "1-1", Handle: h,
		Endpoint: 1, TransferType: backend.TransferBulk, BufferLen: 9,
	}, func(Completion) {})
	require.Error(t, err)
}

func TestFailDeviceDeliversNoDeviceStatus(t *testing.T) {
	b := mockbackend.New()
	b.AddDevice(sampleDevice("1-1"))
	h := mustClaim(t, b, "1-1")
	block := make(chan struct{})
	b.SetBulkFunc(func(ctx context.Context, ep uint8, dirIn bool, buf []byte) (int, error) {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		return len(buf), nil
	})

	eng := New(b, testConfig(), nil)
	done := make(chan Completion, 1)
	err := eng.Submit(context.Background(), SubmitRequest{
		SessionID: 1, Seqnum: 42, DeviceKey: "1-1", Handle: h,
		Endpoint: 2, TransferType: backend.TransferBulk, OutData: []byte{1}, BufferLen: 1,
	}, func(c Completion) { done <- c })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return eng.TableSize() == 1 }, time.Second, time.Millisecond)

	eng.FailDevice(context.Background(), "1-1")

	select {
	case c := <-done:
		require.Equal(t, int32(-19), c.Status)
		require.Equal(t, uint32(0), c.ActualLen)
	case <-time.After(time.Second):
		t.Fatal("FailDevice must deliver a forced completion for the in-flight URB")
	}
	require.Equal(t, 0, eng.TableSize())
	close(block)
}

func TestFailDeviceSkipsAlreadyCancelledUrb(t *testing.T) {
	b := mockbackend.New()
	b.AddDevice(sampleDevice("1-1"))
	h := mustClaim(t, b, "1-1")
	block := make(chan struct{})
	b.SetBulkFunc(func(ctx context.Context, ep uint8, dirIn bool, buf []byte) (int, error) {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		return len(buf), nil
	})

	eng := New(b, testConfig(), nil)
	completions := 0
	err := eng.Submit(context.Background(), SubmitRequest{
		SessionID: 1, Seqnum: 9, DeviceKey: "1-1", Handle: h,
		Endpoint: 2, TransferType: backend.TransferBulk, OutData: []byte{1}, BufferLen: 1,
	}, func(c Completion) { completions++ })
	require.NoError(t, err)

	require.True(t, eng.Cancel(1, 9))
	eng.FailDevice(context.Background(), "1-1")

	require.Eventually(t, func() bool { return eng.TableSize() == 0 }, time.Second, time.Millisecond)
	require.Equal(t, 0, completions, "a URB already answered by RET_UNLINK must not also get a forced RET_SUBMIT")
	close(block)
}

func TestIsochronousReportsErrorCount(t *testing.T) {
	b := mockbackend.New()
	b.AddDevice(sampleDevice("1-1"))
	h := mustClaim(t, b, "1-1")
	b.SetIsoFunc(func(ctx context.Context, ep uint8, packets []backend.IsoPacket) (backend.IsoResult, error) {
		out := make([]backend.IsoPacket, len(packets))
		copy(out, packets)
		out[0].Status = -32
		out[0].ActualLength = 0
		return backend.IsoResult{Packets: out}, nil
	})
	eng := New(b, testConfig(), nil)

	done := make(chan Completion, 1)
	err := eng.Submit(context.Background(), SubmitRequest{
		SessionID:    1,
		Seqnum:       1,
		DeviceKey:    "1-1",
		Handle:       h,
		Endpoint:     3,
		DirIn:        true,
		TransferType: backend.TransferIsochronous,
		IsoPackets: []backend.IsoPacket{
			{Length: 16}, {Length: 16},
		},
	}, func(c Completion) { done <- c })
	require.NoError(t, err)

	c := <-done
	require.Equal(t, uint32(2), c.NumPackets)
	require.Equal(t, uint32(1), c.ErrorCount)
}
