package usbip

import (
	"bytes"
	"fmt"
	"io"
)

// DecodeError is returned by the codec whenever a frame cannot be decoded
// because its structure is inconsistent with the protocol: an unknown
// command, a truncated fixed field, a length that disagrees with itself
// (e.g. TransferBufferLen implying more OUT bytes than the frame carries),
// or an isochronous packet count beyond any plausible device.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "usbip: malformed frame: " + e.Reason }

func malformed(format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// PackDevID packs (bus_num, dev_num) into the 32-bit devid field used on the
// URB channel.
func PackDevID(busNum, devNum uint32) uint32 {
	return (busNum << 16) | (devNum & 0xffff)
}

// UnpackDevID splits a devid back into (bus_num, dev_num).
func UnpackDevID(devID uint32) (busNum, devNum uint32) {
	return devID >> 16, devID & 0xffff
}

// Message is implemented by every decodable/encodable USB/IP wire message.
type Message interface {
	// Encode writes the wire representation of the message to w.
	Encode(w io.Writer) error
}

// OpReqDevlistMsg is the (bodyless) OP_REQ_DEVLIST management message.
type OpReqDevlistMsg struct{}

func (OpReqDevlistMsg) Encode(w io.Writer) error {
	h := MgmtHeader{Version: Version, Command: OpReqDevlist, Status: 0}
	return h.Write(w)
}

// OpRepDevlistMsg is the OP_REP_DEVLIST reply: a count plus N device records.
type OpRepDevlistMsg struct {
	Status  uint32
	Devices []ExportedDevice
}

func (m OpRepDevlistMsg) Encode(w io.Writer) error {
	h := MgmtHeader{Version: Version, Command: OpRepDevlist, Status: m.Status}
	if err := h.Write(w); err != nil {
		return err
	}
	dlh := DevListReplyHeader{NDevices: uint32(len(m.Devices))}
	if err := dlh.Write(w); err != nil {
		return err
	}
	for i := range m.Devices {
		if err := m.Devices[i].WriteDevlist(w); err != nil {
			return err
		}
	}
	return nil
}

// DecodeOpRepDevlist decodes a full OP_REP_DEVLIST frame (header already
// consumed by the caller via MgmtHeader.Read, matching status/command).
func DecodeOpRepDevlist(r io.Reader, status uint32) (OpRepDevlistMsg, error) {
	var dlh DevListReplyHeader
	if err := dlh.Read(r); err != nil {
		return OpRepDevlistMsg{}, err
	}
	out := OpRepDevlistMsg{Status: status, Devices: make([]ExportedDevice, 0, dlh.NDevices)}
	for i := uint32(0); i < dlh.NDevices; i++ {
		var d ExportedDevice
		if err := d.ReadDevlistEntry(r); err != nil {
			return OpRepDevlistMsg{}, err
		}
		out.Devices = append(out.Devices, d)
	}
	return out, nil
}

// OpReqImportMsg is the OP_REQ_IMPORT management message: a NUL-padded bus_id.
type OpReqImportMsg struct {
	BusID string
}

func (m OpReqImportMsg) Encode(w io.Writer) error {
	h := MgmtHeader{Version: Version, Command: OpReqImport, Status: 0}
	if err := h.Write(w); err != nil {
		return err
	}
	var buf [BusIDSize]byte
	putFixedString(buf[:], m.BusID)
	_, err := w.Write(buf[:])
	return err
}

// DecodeOpReqImportBody reads the 32-byte bus_id body that follows the
// already-consumed MgmtHeader.
func DecodeOpReqImportBody(r io.Reader) (string, error) {
	var buf [BusIDSize]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return "", err
	}
	return fixedStringValue(buf[:]), nil
}

// OpRepImportMsg is the OP_REP_IMPORT reply. On failure (Status != 0) Device
// is the zero value and no body is written, per spec.
type OpRepImportMsg struct {
	Status uint32
	Device ExportedDevice
}

func (m OpRepImportMsg) Encode(w io.Writer) error {
	h := MgmtHeader{Version: Version, Command: OpRepImport, Status: m.Status}
	if err := h.Write(w); err != nil {
		return err
	}
	if m.Status != 0 {
		return nil
	}
	return m.Device.WriteImport(w)
}

// DecodeOpRepImportBody decodes the device record when status == 0; returns
// the zero device otherwise (caller checks status first).
func DecodeOpRepImportBody(r io.Reader, status uint32) (ExportedDevice, error) {
	var d ExportedDevice
	if status != 0 {
		return d, nil
	}
	if err := d.ReadImportEntry(r); err != nil {
		return ExportedDevice{}, err
	}
	return d, nil
}

// CmdSubmitMsg pairs the fixed CmdSubmit header with its variable body:
// OUT payload (if Basic.Dir == DirOut) and/or iso packet descriptors.
type CmdSubmitMsg struct {
	CmdSubmit
	OutData    []byte
	IsoPackets []IsoPacketDesc
}

func (m *CmdSubmitMsg) Encode(w io.Writer) error {
	if err := m.CmdSubmit.Write(w); err != nil {
		return err
	}
	if m.Basic.Dir == DirOut && len(m.OutData) > 0 {
		if _, err := w.Write(m.OutData); err != nil {
			return err
		}
	}
	for i := range m.IsoPackets {
		if err := m.IsoPackets[i].Write(w); err != nil {
			return err
		}
	}
	return nil
}

// IsIsochronous reports whether NumberOfPackets indicates an isochronous
// transfer (the kernel uses a negative/absent value of -1, here represented
// as the all-ones bit pattern, to mean "not isochronous"; 0 or more means
// isochronous with that many packets).
func (c *CmdSubmit) IsIsochronous() bool {
	return int32(c.NumberOfPackets) >= 0 && c.NumberOfPackets != 0xffffffff
}

// DecodeCmdSubmitBody decodes the variable body following an already-read
// CmdSubmit header. body must contain exactly the bytes belonging to this
// message (OUT payload plus iso descriptors, in that order) - the caller is
// responsible for reading TransferBufferLen (+ iso descriptor) bytes off the
// wire first, per the framing contract in the protocol engine design.
func (c *CmdSubmit) DecodeCmdSubmitBody(body []byte) (outData []byte, isoPackets []IsoPacketDesc, err error) {
	nPackets := 0
	if c.IsIsochronous() {
		nPackets = int(c.NumberOfPackets)
		if nPackets < 0 || nPackets > maxIsoPackets {
			return nil, nil, malformed("iso packet count %d exceeds bound %d", nPackets, maxIsoPackets)
		}
	}
	isoBytes := nPackets * IsoPacketLen

	if c.Basic.Dir == DirOut {
		wantLen := int(c.TransferBufferLen)
		if wantLen < 0 {
			return nil, nil, malformed("negative transfer_buffer_length on OUT transfer")
		}
		if len(body) < wantLen+isoBytes {
			return nil, nil, malformed("body too short: want %d+%d got %d", wantLen, isoBytes, len(body))
		}
		outData = append([]byte(nil), body[:wantLen]...)
		body = body[wantLen:]
	}

	if len(body) < isoBytes {
		return nil, nil, malformed("body too short for %d iso descriptors", nPackets)
	}
	if nPackets > 0 {
		isoPackets = make([]IsoPacketDesc, 0, nPackets)
		r := bytes.NewReader(body[:isoBytes])
		for i := 0; i < nPackets; i++ {
			var p IsoPacketDesc
			if err := p.Read(r); err != nil {
				return nil, nil, malformed("iso descriptor %d: %v", i, err)
			}
			isoPackets = append(isoPackets, p)
		}
	}
	return outData, isoPackets, nil
}

// BodyLen computes how many additional bytes must be read off the wire
// after the fixed 48-byte CMD_SUBMIT header, given the header fields already
// decoded. This is what makes the framing "read header, then a
// deterministically computable body" per the protocol engine contract.
func (c *CmdSubmit) BodyLen() (int, error) {
	nPackets := 0
	if c.IsIsochronous() {
		nPackets = int(c.NumberOfPackets)
		if nPackets < 0 || nPackets > maxIsoPackets {
			return 0, malformed("iso packet count %d exceeds bound %d", nPackets, maxIsoPackets)
		}
	}
	n := nPackets * IsoPacketLen
	if c.Basic.Dir == DirOut {
		if int32(c.TransferBufferLen) < 0 {
			return 0, malformed("negative transfer_buffer_length on OUT transfer")
		}
		n += int(c.TransferBufferLen)
	}
	return n, nil
}

// RetSubmitMsg pairs the fixed RetSubmit header with its variable body: IN
// payload (if the originating request's direction was IN) and/or iso
// packet descriptors.
type RetSubmitMsg struct {
	RetSubmit
	InData     []byte
	IsoPackets []IsoPacketDesc
}

func (m *RetSubmitMsg) Encode(w io.Writer) error {
	if err := m.RetSubmit.Write(w); err != nil {
		return err
	}
	if len(m.InData) > 0 {
		if _, err := w.Write(m.InData); err != nil {
			return err
		}
	}
	for i := range m.IsoPackets {
		if err := m.IsoPackets[i].Write(w); err != nil {
			return err
		}
	}
	return nil
}

type CmdUnlinkMsg struct{ CmdUnlink }

func (m *CmdUnlinkMsg) Encode(w io.Writer) error { return m.CmdUnlink.Write(w) }

type RetUnlinkMsg struct{ RetUnlink }

func (m *RetUnlinkMsg) Encode(w io.Writer) error { return m.RetUnlink.Write(w) }
