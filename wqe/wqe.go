// Package wqe defines the binary layouts of ring entries: completion and event
// entries written by hardware, and the work queue segments written by software.
//
// All multi-byte fields are big-endian, as the device reads them.
// Entries that carry an ownership indicator keep it in bit 0 of their last byte;
// the Put functions for those entries publish the final word atomically so the
// indicator never becomes visible before the rest of the entry.
package wqe

import (
	"encoding/binary"

	"github.com/romshark/nicring/hostmem"
)

// Entry sizes in bytes.
const (
	CQESize = 64
	EQESize = 64
	SegSize = 16
)

// Completion opcodes (upper nibble of the last CQE byte).
const (
	OpReq      uint8 = 0x0
	OpRespSend uint8 = 0x2
	OpReqErr   uint8 = 0xd
	OpRespErr  uint8 = 0xe
	OpInvalid  uint8 = 0xf
)

// Send opcodes.
const (
	OpcodeSend uint8 = 0x0a
)

// Control segment flags.
const (
	// FlagCQEAlways requests a completion for every WQE.
	FlagCQEAlways uint8 = 0x08
)

// SendDSCount is the number of 16-byte segments in one send WQE: control, eth, data.
const SendDSCount = 3

// EventCompletion is the event type of a completion event.
const EventCompletion uint8 = 0x00

const (
	cqeByteCnt    = 44
	cqeQPN        = 56
	cqeWQECounter = 60
	cqeSignature  = 62
	cqeOpOwn      = 63

	eqeType  = 1
	eqeCQN   = 0x38
	eqeOwner = 63
)

// CQE is a view of one completion entry.
type CQE []byte

// QueueNumber returns the number of the work queue that produced the completion.
func (c CQE) QueueNumber() uint32 {
	return binary.BigEndian.Uint32(c[cqeQPN:]) & 0xffffff
}

// WQECounter returns the counter of the WQE the completion refers to.
func (c CQE) WQECounter() uint16 {
	return binary.BigEndian.Uint16(c[cqeWQECounter:])
}

// ByteCount returns the number of bytes received.
func (c CQE) ByteCount() uint32 {
	return binary.BigEndian.Uint32(c[cqeByteCnt:])
}

// Opcode returns the completion opcode.
func (c CQE) Opcode() uint8 {
	return c[cqeOpOwn] >> 4
}

// Owner returns the ownership indicator.
func (c CQE) Owner() uint8 {
	return hostmem.LoadByte(c, cqeOpOwn) & 1
}

// IsError reports whether the completion signals an error.
func (c CQE) IsError() bool {
	op := c.Opcode()
	return op == OpReqErr || op == OpRespErr
}

// CQEFields holds the fields hardware fills in a completion.
type CQEFields struct {
	Opcode      uint8
	QueueNumber uint32
	WQECounter  uint16
	ByteCount   uint32
}

// PutCQE writes a completion and publishes it with the given ownership indicator.
func PutCQE(b []byte, f CQEFields, owner uint8) {
	clear(b[:cqeWQECounter])
	binary.BigEndian.PutUint32(b[cqeByteCnt:], f.ByteCount)
	binary.BigEndian.PutUint32(b[cqeQPN:], f.QueueNumber&0xffffff)

	var last [4]byte
	binary.BigEndian.PutUint16(last[0:], f.WQECounter)
	last[cqeSignature-cqeWQECounter] = 0
	last[cqeOpOwn-cqeWQECounter] = f.Opcode<<4 | owner&1
	hostmem.StoreWord(b, cqeWQECounter, last)
}

// InitCQEs marks every completion in mem invalid and owned by hardware for the first pass.
func InitCQEs(mem []byte) {
	for off := 0; off+CQESize <= len(mem); off += CQESize {
		mem[off+cqeOpOwn] = OpInvalid<<4 | 1
	}
}

// EQE is a view of one event entry.
type EQE []byte

// EventType returns the event type.
func (e EQE) EventType() uint8 {
	return e[eqeType]
}

// CQNumber returns the completion ring a completion event refers to.
func (e EQE) CQNumber() uint32 {
	return binary.BigEndian.Uint32(e[eqeCQN:]) & 0xffffff
}

// PutEQE writes a completion event for ring cqn and publishes it.
func PutEQE(b []byte, cqn uint32, owner uint8) {
	clear(b[:eqeCQN])
	b[eqeType] = EventCompletion
	binary.BigEndian.PutUint32(b[eqeCQN:], cqn&0xffffff)

	var last [4]byte
	last[eqeOwner-60] = owner & 1
	hostmem.StoreWord(b, 60, last)
}

// InitEQEs marks every event entry in mem as owned by hardware for the first pass.
func InitEQEs(mem []byte) {
	for off := 0; off+EQESize <= len(mem); off += EQESize {
		mem[off+eqeOwner] = 1
	}
}
