// Package handoff encodes and decodes the record the controlling process leaves
// in shared memory to hand ring geometry to the engine.
//
// The record is packed and host-endian:
//
//	lkey u32 | magic u32
//	4 × (ring number u32, ring base u64, doorbell record u64)
//	data base u64
//
// Triples appear in the order receive completion, receive, send completion, send.
package handoff

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic marks a record as written by a compatible controlling process.
const Magic uint32 = 0x12345678

// Size is the encoded record length in bytes.
const Size = 8 + 4*tripleSize + 8

const tripleSize = 4 + 8 + 8

var (
	ErrBadMagic = errors.New("handoff record has wrong magic")
	ErrShort    = errors.New("handoff record truncated")
)

var order = binary.NativeEndian

// Ring locates one ring in shared memory.
type Ring struct {
	Number uint32
	Base   uint64
	Record uint64
}

// Record is the decoded handoff record.
type Record struct {
	LKey              uint32
	Magic             uint32
	ReceiveCompletion Ring
	Receive           Ring
	SendCompletion    Ring
	Send              Ring
	DataBase          uint64
}

func (r *Record) rings() [4]*Ring {
	return [4]*Ring{&r.ReceiveCompletion, &r.Receive, &r.SendCompletion, &r.Send}
}

// Decode parses b and verifies the magic value.
// The returned record is valid even when the magic check fails, for diagnostics.
func Decode(b []byte) (r Record, e error) {
	if len(b) < Size {
		return r, fmt.Errorf("%w: %d bytes", ErrShort, len(b))
	}
	r.LKey = order.Uint32(b[0:])
	r.Magic = order.Uint32(b[4:])
	off := 8
	for _, ring := range r.rings() {
		ring.Number = order.Uint32(b[off:])
		ring.Base = order.Uint64(b[off+4:])
		ring.Record = order.Uint64(b[off+12:])
		off += tripleSize
	}
	r.DataBase = order.Uint64(b[off:])

	if r.Magic != Magic {
		return r, fmt.Errorf("%w: %#08x", ErrBadMagic, r.Magic)
	}
	return r, nil
}

// Encode writes r into b, which must hold at least Size bytes.
// A zero Magic field is written as Magic.
func (r Record) Encode(b []byte) error {
	if len(b) < Size {
		return fmt.Errorf("%w: %d bytes", ErrShort, len(b))
	}
	magic := r.Magic
	if magic == 0 {
		magic = Magic
	}
	order.PutUint32(b[0:], r.LKey)
	order.PutUint32(b[4:], magic)
	off := 8
	for _, ring := range r.rings() {
		order.PutUint32(b[off:], ring.Number)
		order.PutUint64(b[off+4:], ring.Base)
		order.PutUint64(b[off+12:], ring.Record)
		off += tripleSize
	}
	order.PutUint64(b[off:], r.DataBase)
	return nil
}
