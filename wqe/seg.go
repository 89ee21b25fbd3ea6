package wqe

import "encoding/binary"

// A send WQE is built from three 16-byte segments, each occupying one send
// ring slot: a control segment, an Ethernet segment and a data segment.
// Receive WQEs are a single data segment.

// DataSeg is a view of a data segment: a buffer reference.
type DataSeg []byte

// ByteCount returns the buffer length.
func (d DataSeg) ByteCount() uint32 { return binary.BigEndian.Uint32(d[0:]) }

// LKey returns the memory key the buffer is registered under.
func (d DataSeg) LKey() uint32 { return binary.BigEndian.Uint32(d[4:]) }

// Addr returns the buffer address.
func (d DataSeg) Addr() uint64 { return binary.BigEndian.Uint64(d[8:]) }

// PutDataSeg writes a data segment.
func PutDataSeg(b []byte, byteCount, lkey uint32, addr uint64) {
	binary.BigEndian.PutUint32(b[0:], byteCount)
	binary.BigEndian.PutUint32(b[4:], lkey)
	binary.BigEndian.PutUint64(b[8:], addr)
}

// CtrlSeg is a view of a send control segment.
type CtrlSeg []byte

// Opcode returns the send opcode.
func (c CtrlSeg) Opcode() uint8 { return c[3] }

// WQEIndex returns the send ring position the WQE starts at.
func (c CtrlSeg) WQEIndex() uint16 {
	return uint16(binary.BigEndian.Uint32(c[0:]) >> 8)
}

// QueueNumber returns the send queue number.
func (c CtrlSeg) QueueNumber() uint32 {
	return binary.BigEndian.Uint32(c[4:]) >> 8
}

// DSCount returns the number of segments in the WQE.
func (c CtrlSeg) DSCount() uint8 { return c[7] & 0x3f }

// Flags returns the completion flags.
func (c CtrlSeg) Flags() uint8 { return c[11] }

// PutCtrlSeg writes a send control segment for the WQE starting at position pi of queue qpn.
func PutCtrlSeg(b []byte, pi uint32, qpn uint32) {
	binary.BigEndian.PutUint32(b[0:], (pi&0xffff)<<8|uint32(OpcodeSend))
	binary.BigEndian.PutUint32(b[4:], qpn<<8|SendDSCount)
	b[8], b[9], b[10] = 0, 0, 0
	b[11] = FlagCQEAlways
	binary.BigEndian.PutUint32(b[12:], 0)
}

// PutEthSeg writes an Ethernet segment with no checksum offload and no inline headers.
func PutEthSeg(b []byte) {
	clear(b[:SegSize])
}
