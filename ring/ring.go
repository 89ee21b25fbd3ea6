// Package ring implements the software side of descriptor rings shared with a NIC.
//
// A Context tracks one ring: a wrapping cursor, the position mask and, for rings
// whose entries are produced by hardware, the ownership bit that tells new entries
// from stale ones. Hardware is notified through a doorbell record in shared memory
// followed by a doorbell register write.
//
// Terminology:
//
//   - Receive ring: buffers hardware fills with inbound frames.
//   - Send ring: descriptor segments software hands to hardware for transmission.
//   - Completion ring: entries hardware writes when receive or send work is done.
//   - Event ring: entries hardware writes when a completion ring needs attention.
//
// Nothing in this package is safe for concurrent use; a ring has exactly one
// software owner.
package ring

import (
	"errors"
	"fmt"

	binutils "github.com/jfoster/binary-utilities"

	"github.com/romshark/nicring/hostmem"
)

var (
	ErrCapacity       = errors.New("ring capacity must be a power of two")
	ErrRegionTooSmall = errors.New("memory region too small for ring")
	ErrRecordSize     = errors.New("doorbell record must be 4 bytes")
)

// Kind identifies a ring flavor.
type Kind uint8

const (
	KindReceive Kind = iota
	KindSend
	KindCompletion
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindReceive:
		return "receive"
	case KindSend:
		return "send"
	case KindCompletion:
		return "completion"
	case KindEvent:
		return "event"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// HasOwnership reports whether entries of this kind carry a hardware ownership indicator.
func (k Kind) HasOwnership() bool {
	return k == KindCompletion || k == KindEvent
}

const (
	// Completion doorbell records hold a 24-bit consumer counter.
	completionCounterMask = 0xffffff
	// Work queue doorbell records hold a 16-bit counter.
	workCounterMask = 0xffff
)

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && binutils.NextPowerOfTwo(int64(n)) == int64(n)
}

// Region is an indexable view of ring slots over memory the ring does not own.
// Positions are reduced by the capacity mask, so every position is in range.
type Region struct {
	mem    []byte
	stride int
	mask   uint32
}

// NewRegion creates a view of capacity slots of stride bytes each.
func NewRegion(mem []byte, capacity, stride int) (Region, error) {
	if !IsPowerOfTwo(capacity) {
		return Region{}, fmt.Errorf("%w: %d", ErrCapacity, capacity)
	}
	size := capacity * stride
	if stride <= 0 || len(mem) < size {
		return Region{}, fmt.Errorf("%w: have %d bytes, need %d×%d",
			ErrRegionTooSmall, len(mem), capacity, stride)
	}
	return Region{
		mem:    mem[:size:size],
		stride: stride,
		mask:   uint32(capacity - 1),
	}, nil
}

// Slot returns the slot at position pos & mask.
func (r Region) Slot(pos uint32) []byte {
	off := int(pos&r.mask) * r.stride
	return r.mem[off : off+r.stride : off+r.stride]
}

// Capacity returns the number of slots.
func (r Region) Capacity() int { return int(r.mask) + 1 }

// Mask returns capacity minus one.
func (r Region) Mask() uint32 { return r.mask }

// Stride returns the slot size in bytes.
func (r Region) Stride() int { return r.stride }

// Record is a 32-bit big-endian doorbell record in shared memory.
// The zero Record discards stores and loads as zero.
type Record struct {
	mem []byte
}

// NewRecord wraps the 4 bytes of shared memory a doorbell record occupies.
func NewRecord(mem []byte) (Record, error) {
	if len(mem) != 4 {
		return Record{}, fmt.Errorf("%w: got %d", ErrRecordSize, len(mem))
	}
	return Record{mem: mem}, nil
}

// Store publishes v. The store is sequentially consistent, so it is globally
// visible before any later doorbell register write.
func (r Record) Store(v uint32) {
	if r.mem != nil {
		hostmem.StoreBE32(r.mem, 0, v)
	}
}

// Load reads the record.
func (r Record) Load() uint32 {
	if r.mem == nil {
		return 0
	}
	return hostmem.LoadBE32(r.mem, 0)
}

// Doorbell is the write-only hardware register that makes the device act on a ring.
// Writes are fire-and-forget.
type Doorbell interface {
	Ring(kind Kind, number uint32, value uint32)
}

// DoorbellFunc adapts a function to Doorbell.
type DoorbellFunc func(kind Kind, number uint32, value uint32)

// Ring implements Doorbell.
func (f DoorbellFunc) Ring(kind Kind, number uint32, value uint32) { f(kind, number, value) }

// Context is the software state of one ring.
type Context struct {
	kind   Kind
	number uint32
	slots  Region
	record Record
	bell   Doorbell

	cursor uint32
	// hwOwner is the ownership indicator value hardware leaves in slots it has
	// not produced during the current pass.
	hwOwner uint8
}

// Init stores the ring geometry and resets the cursor.
// Hardware owns slot 0 initially. Addresses are trusted; nothing is validated.
// record may be the zero Record and bell may be nil when the ring has no such target.
func (c *Context) Init(kind Kind, number uint32, slots Region, record Record, bell Doorbell) {
	*c = Context{
		kind:    kind,
		number:  number,
		slots:   slots,
		record:  record,
		bell:    bell,
		hwOwner: 1,
	}
}

// Kind returns the ring flavor.
func (c *Context) Kind() Kind { return c.kind }

// Number returns the hardware ring number.
func (c *Context) Number() uint32 { return c.number }

// Cursor returns the number of slots consumed or produced, modulo 2^32.
func (c *Context) Cursor() uint32 { return c.cursor }

// Position returns the ring position of the cursor.
func (c *Context) Position() uint32 { return c.cursor & c.slots.mask }

// OwnerBit returns the current hardware ownership bit.
func (c *Context) OwnerBit() uint8 { return c.hwOwner }

// Capacity returns the number of slots.
func (c *Context) Capacity() int { return c.slots.Capacity() }

// Slot returns the slot at the cursor.
func (c *Context) Slot() []byte { return c.slots.Slot(c.cursor) }

// SlotAt returns the slot at an arbitrary counter value, such as a WQE counter
// reported by a completion.
func (c *Context) SlotAt(counter uint32) []byte { return c.slots.Slot(counter) }

// Ready reports whether the slot at the cursor holds an entry hardware produced
// during the current pass. The indicator lives in bit 0 of the slot's last byte
// and is loaded atomically, so the rest of the slot may be read afterwards.
func (c *Context) Ready() bool {
	slot := c.Slot()
	return hostmem.LoadByte(slot, len(slot)-1)&1 != c.hwOwner
}

// Advance moves the cursor to the next slot, flipping the ownership bit when the
// position wraps to zero.
func (c *Context) Advance() {
	c.cursor++
	if c.cursor&c.slots.mask == 0 {
		c.hwOwner ^= 1
	}
}

// Notify tells hardware about the ring's progress: the doorbell record is written
// first, then the doorbell register receives value.
//
// Completion rings record value as the consumer counter.
// Send rings record the producer cursor, while value names the first slot of the
// unit being submitted. Event rings have no record.
func (c *Context) Notify(value uint32) {
	switch c.kind {
	case KindCompletion:
		c.record.Store(value & completionCounterMask)
	case KindSend:
		c.record.Store(c.cursor & workCounterMask)
	}
	if c.bell != nil {
		c.bell.Ring(c.kind, c.number, value)
	}
}

// Ack returns one receive slot to hardware by incrementing the receive doorbell
// record. No register write is involved.
func (c *Context) Ack() {
	c.cursor++
	c.record.Store((c.record.Load() + 1) & workCounterMask)
}
