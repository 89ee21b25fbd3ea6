//go:build linux

package hostmem

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

var ErrArenaClosed = errors.New("arena is closed")

// Arena allocates page-backed regions whose device address is
// their virtual address, so addresses handed to the engine can be resolved
// back to the same memory.
//
// Arena is safe for concurrent use.
type Arena struct {
	mu      sync.RWMutex
	regions Regions
	closed  bool
}

var _ Space = (*Arena)(nil)

// NewArena returns an empty Arena.
func NewArena() *Arena {
	return &Arena{}
}

// Alloc maps n bytes of zeroed anonymous memory, rounded up to whole pages.
func (a *Arena) Alloc(n int) (Region, error) {
	if n <= 0 {
		return Region{}, fmt.Errorf("invalid allocation size %d", n)
	}
	page := os.Getpagesize()
	size := (n + page - 1) / page * page

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return Region{}, ErrArenaClosed
	}

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
	)
	if err != nil {
		return Region{}, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	r := Region{
		Addr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
		Mem:  mem[:n:n],
	}
	a.regions = append(a.regions, Region{Addr: r.Addr, Mem: mem})
	return r, nil
}

// Bytes implements Space.
func (a *Arena) Bytes(addr uint64, n int) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil, ErrArenaClosed
	}
	return a.regions.Bytes(addr, n)
}

// Close unmaps every region. Slices previously returned by the Arena must not be used afterwards.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	for _, r := range a.regions {
		if err := unix.Munmap(r.Mem); err != nil {
			errs = append(errs, fmt.Errorf("munmap %#x: %w", r.Addr, err))
		}
	}
	a.regions = nil
	return errors.Join(errs...)
}
