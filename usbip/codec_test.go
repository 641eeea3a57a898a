package usbip

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleDevice() ExportedDevice {
	var meta ExportMeta
	meta.SetBusID("1-1")
	meta.BusNum = 1
	meta.DevNum = 1
	return ExportedDevice{
		ExportMeta:          meta,
		Speed:               3,
		IDVendor:            0x1d6b,
		IDProduct:           0x0002,
		BcdDevice:           0x0100,
		BDeviceClass:        9,
		BDeviceSubClass:     0,
		BDeviceProtocol:     1,
		BConfigurationValue: 1,
		BNumConfigurations:  1,
		BNumInterfaces:      1,
		Interfaces:          []InterfaceDesc{{Class: 9, SubClass: 0, Protocol: 0}},
	}
}

func TestRoundTripOpRepDevlist(t *testing.T) {
	msg := OpRepDevlistMsg{Status: 0, Devices: []ExportedDevice{sampleDevice()}}
	var buf bytes.Buffer
	require.NoError(t, msg.Encode(&buf))

	var hdr MgmtHeader
	require.NoError(t, hdr.Read(&buf))
	require.Equal(t, uint16(Version), hdr.Version)
	require.Equal(t, uint16(OpRepDevlist), hdr.Command)

	decoded, err := DecodeOpRepDevlist(&buf, hdr.Status)
	require.NoError(t, err)
	require.Equal(t, msg.Devices, decoded.Devices)
	require.Equal(t, 0, buf.Len())
}

func TestRoundTripOpRepDevlistEmpty(t *testing.T) {
	msg := OpRepDevlistMsg{Status: 0}
	var buf bytes.Buffer
	require.NoError(t, msg.Encode(&buf))

	var hdr MgmtHeader
	require.NoError(t, hdr.Read(&buf))
	decoded, err := DecodeOpRepDevlist(&buf, hdr.Status)
	require.NoError(t, err)
	require.Empty(t, decoded.Devices)
}

func TestRoundTripOpReqImport(t *testing.T) {
	msg := OpReqImportMsg{BusID: "1-1"}
	var buf bytes.Buffer
	require.NoError(t, msg.Encode(&buf))

	var hdr MgmtHeader
	require.NoError(t, hdr.Read(&buf))
	require.Equal(t, uint16(OpReqImport), hdr.Command)

	busID, err := DecodeOpReqImportBody(&buf)
	require.NoError(t, err)
	require.Equal(t, "1-1", busID)
}

func TestRoundTripOpRepImportSuccess(t *testing.T) {
	msg := OpRepImportMsg{Status: 0, Device: sampleDevice()}
	var buf bytes.Buffer
	require.NoError(t, msg.Encode(&buf))

	var hdr MgmtHeader
	require.NoError(t, hdr.Read(&buf))
	dev, err := DecodeOpRepImportBody(&buf, hdr.Status)
	require.NoError(t, err)
	require.Equal(t, msg.Device.ExportMeta, dev.ExportMeta)
	require.Equal(t, msg.Device.IDVendor, dev.IDVendor)
	require.Empty(t, dev.Interfaces)
}

func TestRoundTripOpRepImportFailure(t *testing.T) {
	msg := OpRepImportMsg{Status: 1}
	var buf bytes.Buffer
	require.NoError(t, msg.Encode(&buf))
	require.Equal(t, MgmtHeaderLen, buf.Len())
}

func TestRoundTripCmdSubmitControlOut(t *testing.T) {
	msg := &CmdSubmitMsg{
		CmdSubmit: CmdSubmit{
			Basic:             HeaderBasic{Command: CmdSubmitCode, Seqnum: 1, Devid: PackDevID(1, 1), Dir: DirOut, Ep: 0},
			TransferBufferLen: 4,
			NumberOfPackets:   0xffffffff,
			Setup:             [8]byte{0x00, 0x09, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
		},
		OutData: []byte{1, 2, 3, 4},
	}
	var buf bytes.Buffer
	require.NoError(t, msg.Encode(&buf))

	var hdr CmdSubmit
	require.NoError(t, hdr.Read(&buf))
	require.Equal(t, msg.CmdSubmit, hdr)

	bodyLen, err := hdr.BodyLen()
	require.NoError(t, err)
	require.Equal(t, 4, bodyLen)

	body := make([]byte, bodyLen)
	require.NoError(t, ReadExactly(&buf, body))
	out, iso, err := hdr.DecodeCmdSubmitBody(body)
	require.NoError(t, err)
	require.Equal(t, msg.OutData, out)
	require.Empty(t, iso)
}

func TestRoundTripCmdSubmitIsochronous(t *testing.T) {
	packets := []IsoPacketDesc{
		{Offset: 0, Length: 64, ActualLength: 0, Status: 0},
		{Offset: 64, Length: 64, ActualLength: 0, Status: 0},
	}
	msg := &CmdSubmitMsg{
		CmdSubmit: CmdSubmit{
			Basic:           HeaderBasic{Command: CmdSubmitCode, Seqnum: 9, Devid: PackDevID(1, 1), Dir: DirOut, Ep: 2},
			NumberOfPackets: 2,
		},
		IsoPackets: packets,
	}
	var buf bytes.Buffer
	require.NoError(t, msg.Encode(&buf))

	var hdr CmdSubmit
	require.NoError(t, hdr.Read(&buf))
	bodyLen, err := hdr.BodyLen()
	require.NoError(t, err)
	require.Equal(t, 2*IsoPacketLen, bodyLen)

	body := make([]byte, bodyLen)
	require.NoError(t, ReadExactly(&buf, body))
	_, iso, err := hdr.DecodeCmdSubmitBody(body)
	require.NoError(t, err)
	require.Equal(t, packets, iso)
}

func TestDecodeCmdSubmitRejectsOversizedIsoCount(t *testing.T) {
	hdr := CmdSubmit{NumberOfPackets: maxIsoPackets + 1}
	_, err := hdr.BodyLen()
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
}

func TestRoundTripRetSubmit(t *testing.T) {
	msg := &RetSubmitMsg{
		RetSubmit: RetSubmit{
			Basic:        HeaderBasic{Command: RetSubmitCode, Seqnum: 1, Devid: PackDevID(1, 1)},
			Status:       0,
			ActualLength: 18,
		},
		InData: make([]byte, 18),
	}
	var buf bytes.Buffer
	require.NoError(t, msg.Encode(&buf))

	var hdr RetSubmit
	require.NoError(t, hdr.Read(&buf))
	require.Equal(t, msg.RetSubmit, hdr)
	require.Equal(t, 18, buf.Len())
}

func TestRoundTripUnlink(t *testing.T) {
	cmd := &CmdUnlinkMsg{CmdUnlink{Basic: HeaderBasic{Command: CmdUnlinkCode, Seqnum: 2}, UnlinkSeqnum: 1}}
	var buf bytes.Buffer
	require.NoError(t, cmd.Encode(&buf))
	var decodedCmd CmdUnlink
	require.NoError(t, decodedCmd.Read(&buf))
	require.Equal(t, cmd.CmdUnlink, decodedCmd)

	ret := &RetUnlinkMsg{RetUnlink{Basic: HeaderBasic{Command: RetUnlinkCode, Seqnum: 2}, Status: -104}}
	buf.Reset()
	require.NoError(t, ret.Encode(&buf))
	var decodedRet RetUnlink
	require.NoError(t, decodedRet.Read(&buf))
	require.Equal(t, ret.RetUnlink, decodedRet)
}

func TestPackUnpackDevID(t *testing.T) {
	id := PackDevID(1, 2)
	bus, dev := UnpackDevID(id)
	require.Equal(t, uint32(1), bus)
	require.Equal(t, uint32(2), dev)
}
