// Package usbip implements the USB/IP 1.1.1 wire protocol: fixed-layout,
// strictly big-endian framing for the management channel (device list,
// import) and the URB channel (submit, unlink).
package usbip

import (
	"encoding/binary"
	"io"
)

// Wire constants (network byte order / big-endian).
const (
	Version = 0x0111

	// Management commands.
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// URB transfer commands.
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction.
	DirOut = 0x00000000
	DirIn  = 0x00000001
)

// Sizes contractual per the wire format.
const (
	BusIDSize       = 32
	DeviceRecordLen = 312
	URBHeaderLen    = 0x30 // 48 bytes, common to CMD_SUBMIT/RET_SUBMIT/CMD_UNLINK/RET_UNLINK
	IsoPacketLen    = 16
	MgmtHeaderLen   = 8
)

const maxIsoPackets = 1024 // plausible upper bound; guards against a corrupt NumberOfPackets

// MgmtHeader is the 8-byte header for management ops (devlist/import).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	var buf [MgmtHeaderLen]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

func (h *MgmtHeader) Read(r io.Reader) error {
	var buf [MgmtHeaderLen]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return err
	}
	h.Version = binary.BigEndian.Uint16(buf[0:2])
	h.Command = binary.BigEndian.Uint16(buf[2:4])
	h.Status = binary.BigEndian.Uint32(buf[4:8])
	return nil
}

// DevListReplyHeader is the header after MgmtHeader for OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[0:4], d.NDevices)
	_, err := w.Write(buf[:])
	return err
}

func (d *DevListReplyHeader) Read(r io.Reader) error {
	var buf [4]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return err
	}
	d.NDevices = binary.BigEndian.Uint32(buf[:])
	return nil
}

// ExportMeta carries USB-IP bus identity for an exported device.
// Uses fixed-size arrays matching the wire protocol format.
type ExportMeta struct {
	Path     [256]byte
	USBBusId [32]byte
	BusNum   uint32
	DevNum   uint32
}

// ExportedDevice describes one exported device in devlist/import replies.
// Layout matches the kernel doc: fixed-size strings, remaining numbers are BE.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	// Interfaces is only populated/serialized for OP_REP_DEVLIST; OP_REP_IMPORT
	// stops at BNumInterfaces.
	Interfaces []InterfaceDesc
}

type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func putFixedString(dst []byte, s string) {
	n := copy(dst, []byte(s))
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func fixedStringValue(src []byte) string {
	n := 0
	for n < len(src) && src[n] != 0 {
		n++
	}
	return string(src[:n])
}

// SetBusID writes a NUL-padded bus_id into the wire identity fields.
func (m *ExportMeta) SetBusID(busID string) {
	putFixedString(m.USBBusId[:], busID)
}

// BusID reads the NUL-terminated bus_id back out.
func (m *ExportMeta) BusID() string {
	return fixedStringValue(m.USBBusId[:])
}

func (d *ExportedDevice) writeRecord(w io.Writer, includeInterfaceCount bool) error {
	if _, err := w.Write(d.Path[:]); err != nil {
		return err
	}
	if _, err := w.Write(d.USBBusId[:]); err != nil {
		return err
	}
	for _, v := range []uint32{d.BusNum, d.DevNum, d.Speed} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	for _, v := range []uint16{d.IDVendor, d.IDProduct, d.BcdDevice} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte{
		d.BDeviceClass,
		d.BDeviceSubClass,
		d.BDeviceProtocol,
		d.BConfigurationValue,
		d.BNumConfigurations,
		d.BNumInterfaces,
	})
	if err != nil {
		return err
	}
	if !includeInterfaceCount {
		return nil
	}
	for _, iface := range d.Interfaces {
		if _, err := w.Write([]byte{iface.Class, iface.SubClass, iface.Protocol, 0}); err != nil {
			return err
		}
	}
	return nil
}

// WriteDevlist writes the device entry for OP_REP_DEVLIST (includes interface triplets).
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	return d.writeRecord(w, true)
}

// WriteImport writes the device entry for OP_REP_IMPORT (ends at bNumInterfaces).
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	return d.writeRecord(w, false)
}

// readRecord decodes the fixed 312-byte device record common to both replies.
func (d *ExportedDevice) readRecord(r io.Reader) error {
	if err := ReadExactly(r, d.Path[:]); err != nil {
		return err
	}
	if err := ReadExactly(r, d.USBBusId[:]); err != nil {
		return err
	}
	var buf12 [12]byte
	if err := ReadExactly(r, buf12[:]); err != nil {
		return err
	}
	d.BusNum = binary.BigEndian.Uint32(buf12[0:4])
	d.DevNum = binary.BigEndian.Uint32(buf12[4:8])
	d.Speed = binary.BigEndian.Uint32(buf12[8:12])

	var buf6 [6]byte
	if err := ReadExactly(r, buf6[:]); err != nil {
		return err
	}
	d.IDVendor = binary.BigEndian.Uint16(buf6[0:2])
	d.IDProduct = binary.BigEndian.Uint16(buf6[2:4])
	d.BcdDevice = binary.BigEndian.Uint16(buf6[4:6])

	var tail [6]byte
	if err := ReadExactly(r, tail[:]); err != nil {
		return err
	}
	d.BDeviceClass = tail[0]
	d.BDeviceSubClass = tail[1]
	d.BDeviceProtocol = tail[2]
	d.BConfigurationValue = tail[3]
	d.BNumConfigurations = tail[4]
	d.BNumInterfaces = tail[5]
	return nil
}

// ReadDevlistEntry decodes one OP_REP_DEVLIST record, including its
// trailing interface triplets.
func (d *ExportedDevice) ReadDevlistEntry(r io.Reader) error {
	if err := d.readRecord(r); err != nil {
		return err
	}
	d.Interfaces = make([]InterfaceDesc, 0, d.BNumInterfaces)
	for i := uint8(0); i < d.BNumInterfaces; i++ {
		var tuple [4]byte
		if err := ReadExactly(r, tuple[:]); err != nil {
			return err
		}
		d.Interfaces = append(d.Interfaces, InterfaceDesc{Class: tuple[0], SubClass: tuple[1], Protocol: tuple[2]})
	}
	return nil
}

// ReadImportEntry decodes the OP_REP_IMPORT device record (no interface list).
func (d *ExportedDevice) ReadImportEntry(r io.Reader) error {
	return d.readRecord(r)
}

// HeaderBasic is common to all URB cmds and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

func (h *HeaderBasic) write(w io.Writer) error {
	for _, v := range []uint32{h.Command, h.Seqnum, h.Devid, h.Dir, h.Ep} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func (h *HeaderBasic) read(r io.Reader) error {
	var buf [20]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return err
	}
	h.Command = binary.BigEndian.Uint32(buf[0:4])
	h.Seqnum = binary.BigEndian.Uint32(buf[4:8])
	h.Devid = binary.BigEndian.Uint32(buf[8:12])
	h.Dir = binary.BigEndian.Uint32(buf[12:16])
	h.Ep = binary.BigEndian.Uint32(buf[16:20])
	return nil
}

// ReadHeaderBasic decodes the 20-byte header shared by every URB-channel
// command, so a caller can dispatch on Command before decoding the
// command-specific tail (CmdSubmit vs CmdUnlink share nothing past this
// point on the wire).
func ReadHeaderBasic(r io.Reader) (HeaderBasic, error) {
	var h HeaderBasic
	err := h.read(r)
	return h, err
}

// CmdSubmit header (before payload) length is 0x30.
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

func (c *CmdSubmit) Write(w io.Writer) error {
	if err := c.Basic.write(w); err != nil {
		return err
	}
	for _, v := range []uint32{c.TransferFlags, c.TransferBufferLen, c.StartFrame, c.NumberOfPackets, c.Interval} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	_, err := w.Write(c.Setup[:])
	return err
}

// ReadBody decodes the CMD_SUBMIT fields that follow HeaderBasic, which the
// caller has already consumed via Read.
func (c *CmdSubmit) readBody(r io.Reader) error {
	var buf [20]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return err
	}
	c.TransferFlags = binary.BigEndian.Uint32(buf[0:4])
	c.TransferBufferLen = binary.BigEndian.Uint32(buf[4:8])
	c.StartFrame = binary.BigEndian.Uint32(buf[8:12])
	c.NumberOfPackets = binary.BigEndian.Uint32(buf[12:16])
	c.Interval = binary.BigEndian.Uint32(buf[16:20])
	if err := ReadExactly(r, c.Setup[:]); err != nil {
		return err
	}
	return nil
}

// Read decodes the full 48-byte CMD_SUBMIT header (HeaderBasic + body).
func (c *CmdSubmit) Read(r io.Reader) error {
	if err := c.Basic.read(r); err != nil {
		return err
	}
	return c.readBody(r)
}

// ReadBody decodes the fields following HeaderBasic when the caller already
// consumed it via ReadHeaderBasic.
func (c *CmdSubmit) ReadBody(r io.Reader) error { return c.readBody(r) }

// RetSubmit header (before payload) length is 0x30.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         [8]byte
}

func (r *RetSubmit) Write(w io.Writer) error {
	if err := r.Basic.write(w); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, r.Status); err != nil {
		return err
	}
	for _, v := range []uint32{r.ActualLength, r.StartFrame, r.NumberOfPackets, r.ErrorCount} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	_, err := w.Write(r.Padding[:])
	return err
}

func (r *RetSubmit) Read(rd io.Reader) error {
	if err := r.Basic.read(rd); err != nil {
		return err
	}
	var buf [20]byte
	if err := ReadExactly(rd, buf[:]); err != nil {
		return err
	}
	r.Status = int32(binary.BigEndian.Uint32(buf[0:4]))
	r.ActualLength = binary.BigEndian.Uint32(buf[4:8])
	r.StartFrame = binary.BigEndian.Uint32(buf[8:12])
	r.NumberOfPackets = binary.BigEndian.Uint32(buf[12:16])
	r.ErrorCount = binary.BigEndian.Uint32(buf[16:20])
	return ReadExactly(rd, r.Padding[:])
}

// CmdUnlink and RetUnlink.
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
	Padding      [24]byte
}

type RetUnlink struct {
	Basic   HeaderBasic
	Status  int32
	Padding [24]byte
}

func (c *CmdUnlink) Write(w io.Writer) error {
	if err := c.Basic.write(w); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, c.UnlinkSeqnum); err != nil {
		return err
	}
	_, err := w.Write(c.Padding[:])
	return err
}

func (c *CmdUnlink) Read(r io.Reader) error {
	if err := c.Basic.read(r); err != nil {
		return err
	}
	return c.ReadTail(r)
}

// ReadTail decodes the fields following HeaderBasic when the caller already
// consumed it via ReadHeaderBasic.
func (c *CmdUnlink) ReadTail(r io.Reader) error {
	var buf [4]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return err
	}
	c.UnlinkSeqnum = binary.BigEndian.Uint32(buf[:])
	return ReadExactly(r, c.Padding[:])
}

func (r *RetUnlink) Write(w io.Writer) error {
	if err := r.Basic.write(w); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, r.Status); err != nil {
		return err
	}
	_, err := w.Write(r.Padding[:])
	return err
}

func (r *RetUnlink) Read(rd io.Reader) error {
	if err := r.Basic.read(rd); err != nil {
		return err
	}
	var buf [4]byte
	if err := ReadExactly(rd, buf[:]); err != nil {
		return err
	}
	r.Status = int32(binary.BigEndian.Uint32(buf[:]))
	return ReadExactly(rd, r.Padding[:])
}

// IsoPacketDesc is one isochronous per-packet descriptor: 16 bytes on the wire.
type IsoPacketDesc struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       int32
}

func (p *IsoPacketDesc) Write(w io.Writer) error {
	for _, v := range []uint32{p.Offset, p.Length, p.ActualLength} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	return binary.Write(w, binary.BigEndian, p.Status)
}

func (p *IsoPacketDesc) Read(r io.Reader) error {
	var buf [IsoPacketLen]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return err
	}
	p.Offset = binary.BigEndian.Uint32(buf[0:4])
	p.Length = binary.BigEndian.Uint32(buf[4:8])
	p.ActualLength = binary.BigEndian.Uint32(buf[8:12])
	p.Status = int32(binary.BigEndian.Uint32(buf[12:16]))
	return nil
}

func ReadExactly(r io.Reader, buf []byte) error {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}
