package ring

import "fmt"

// DataRing hands out equally sized buffers from a circular pool in order.
//
// The caller must not hold more buffers than the pool's capacity at once; a
// buffer is silently reused after capacity further claims.
type DataRing struct {
	base         uint64
	mem          []byte
	mask         uint32
	logEntrySize uint8
	cursor       uint32
}

// Init sets up the pool over mem, whose device address is base.
func (d *DataRing) Init(base uint64, mem []byte, capacity, entrySize int) error {
	if !IsPowerOfTwo(capacity) {
		return fmt.Errorf("%w: %d", ErrCapacity, capacity)
	}
	if !IsPowerOfTwo(entrySize) {
		return fmt.Errorf("data entry size must be a power of two: %d", entrySize)
	}
	size := capacity * entrySize
	if len(mem) < size {
		return fmt.Errorf("%w: have %d bytes, need %d×%d",
			ErrRegionTooSmall, len(mem), capacity, entrySize)
	}

	var log uint8
	for 1<<log < entrySize {
		log++
	}
	*d = DataRing{
		base:         base,
		mem:          mem[:size:size],
		mask:         uint32(capacity - 1),
		logEntrySize: log,
	}
	return nil
}

// Next claims the next buffer and returns its device address and memory.
func (d *DataRing) Next() (addr uint64, buf []byte) {
	off := uint64(d.cursor&d.mask) << d.logEntrySize
	d.cursor++
	size := uint64(1) << d.logEntrySize
	return d.base + off, d.mem[off : off+size : off+size]
}

// Cursor returns the number of buffers claimed so far, modulo 2^32.
func (d *DataRing) Cursor() uint32 { return d.cursor }

// Capacity returns the number of buffers in the pool.
func (d *DataRing) Capacity() int { return int(d.mask) + 1 }

// EntrySize returns the buffer size in bytes.
func (d *DataRing) EntrySize() int { return 1 << d.logEntrySize }
