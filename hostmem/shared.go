// Package hostmem provides the memory shared between the ring engine and the device:
// an address space that resolves device-visible addresses to byte slices, and
// word-sized atomic accessors for the locations both sides poll.
//
// Every accessor requires a 4-byte aligned offset into memory that is itself
// 4-byte aligned. Mapped regions and heap allocations of at least 8 bytes satisfy this.
package hostmem

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

func word(b []byte, off int) *uint32 {
	w := b[off : off+4 : off+4]
	if uintptr(unsafe.Pointer(&w[0]))&3 != 0 {
		panic("hostmem: unaligned shared word")
	}
	return (*uint32)(unsafe.Pointer(&w[0]))
}

// LoadWord atomically loads the 4 bytes at off, in memory order.
func LoadWord(b []byte, off int) (v [4]byte) {
	binary.NativeEndian.PutUint32(v[:], atomic.LoadUint32(word(b, off)))
	return v
}

// StoreWord atomically stores 4 bytes at off, in memory order.
// Plain writes made before StoreWord are visible to a reader that observes the word.
func StoreWord(b []byte, off int, v [4]byte) {
	atomic.StoreUint32(word(b, off), binary.NativeEndian.Uint32(v[:]))
}

// LoadByte atomically loads one byte through its enclosing word.
func LoadByte(b []byte, off int) byte {
	w := LoadWord(b, off&^3)
	return w[off&3]
}

// LoadBE32 atomically loads a big-endian 32-bit value.
func LoadBE32(b []byte, off int) uint32 {
	w := LoadWord(b, off)
	return binary.BigEndian.Uint32(w[:])
}

// StoreBE32 atomically stores a big-endian 32-bit value.
func StoreBE32(b []byte, off int, v uint32) {
	var w [4]byte
	binary.BigEndian.PutUint32(w[:], v)
	StoreWord(b, off, w)
}
