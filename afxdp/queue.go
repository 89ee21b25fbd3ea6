//go:build linux

package afxdp

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// xskRing is a view of one AF_XDP ring mapped from the kernel.
// The same type serves both directions: software consumes RX and completion
// rings and produces into fill and TX rings.
type xskRing[T any] struct {
	prod  *uint32
	cons  *uint32
	flags *uint32
	descs []T
	mask  uint32

	// local is software's own index: the consumer index on rings software
	// consumes, the producer index on rings it fills.
	local uint32
	// peer caches the other side's index.
	peer uint32
}

func newXskRing[T any](region []byte, off unix.XDPRingOffset, size uint32) *xskRing[T] {
	base := unsafe.Pointer(&region[0])
	r := &xskRing[T]{
		prod:  (*uint32)(unsafe.Add(base, off.Producer)),
		cons:  (*uint32)(unsafe.Add(base, off.Consumer)),
		flags: (*uint32)(unsafe.Add(base, off.Flags)),
		descs: unsafe.Slice((*T)(unsafe.Add(base, off.Desc)), size),
		mask:  size - 1,
	}
	return r
}

// initConsumer starts consuming from the kernel's current position.
func (r *xskRing[T]) initConsumer() {
	r.local = atomic.LoadUint32(r.cons)
	r.peer = atomic.LoadUint32(r.prod)
}

// initProducer starts producing at the kernel's current position.
func (r *xskRing[T]) initProducer() {
	r.local = atomic.LoadUint32(r.prod)
	r.peer = atomic.LoadUint32(r.cons) + uint32(len(r.descs))
}

// available returns how many entries the kernel has produced and software has not taken.
func (r *xskRing[T]) available() uint32 {
	if r.peer == r.local {
		r.peer = atomic.LoadUint32(r.prod)
	}
	return r.peer - r.local
}

func (r *xskRing[T]) take() T {
	e := r.descs[r.local&r.mask]
	r.local++
	return e
}

// release hands taken entries back to the kernel.
func (r *xskRing[T]) release() {
	atomic.StoreUint32(r.cons, r.local)
}

// free returns how many entries software may produce.
func (r *xskRing[T]) free() uint32 {
	if r.peer == r.local {
		r.peer = atomic.LoadUint32(r.cons) + uint32(len(r.descs))
	}
	return r.peer - r.local
}

func (r *xskRing[T]) put(e T) {
	r.descs[r.local&r.mask] = e
	r.local++
}

// publish makes produced entries visible to the kernel.
func (r *xskRing[T]) publish() {
	atomic.StoreUint32(r.prod, r.local)
}

func (r *xskRing[T]) needWakeup() bool {
	return atomic.LoadUint32(r.flags)&unix.XDP_RING_NEED_WAKEUP != 0
}
