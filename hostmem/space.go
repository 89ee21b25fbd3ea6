package hostmem

import (
	"errors"
	"fmt"
)

var ErrUnmapped = errors.New("address range is not mapped")

// Space resolves device-visible addresses to memory.
// Returned slices alias the underlying memory; Space never copies.
type Space interface {
	Bytes(addr uint64, n int) ([]byte, error)
}

// Region is a contiguous block of a Space.
type Region struct {
	Addr uint64
	Mem  []byte
}

// Contains reports whether [addr, addr+n) lies within the region.
func (r Region) Contains(addr uint64, n int) bool {
	if n < 0 || addr < r.Addr {
		return false
	}
	off, size := addr-r.Addr, uint64(len(r.Mem))
	return off <= size && uint64(n) <= size-off
}

// Regions is a Space over a fixed list of regions.
type Regions []Region

var _ Space = Regions(nil)

// Bytes implements Space.
func (rs Regions) Bytes(addr uint64, n int) ([]byte, error) {
	for _, r := range rs {
		if r.Contains(addr, n) {
			off := addr - r.Addr
			return r.Mem[off : off+uint64(n) : off+uint64(n)], nil
		}
	}
	return nil, fmt.Errorf("%w: %#x+%d", ErrUnmapped, addr, n)
}
