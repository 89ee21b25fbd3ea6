//go:build linux

// Package afxdp connects a NIC queue to the simulated device through an AF_XDP socket.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: frames delivered from the NIC to userspace.
//   - Fill ring: UMEM frames userspace lends the kernel for reception.
//   - TX ring: frames userspace hands the NIC for transmission.
//   - Completion ring: transmitted UMEM frames the kernel returns.
package afxdp

import (
	"errors"
	"fmt"
	"net"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/romshark/nicring/hostmem"
	"github.com/romshark/nicring/logging"
)

var logger = logging.New("AFXDP")

var ErrTxFull = errors.New("no free TX frame")

// Socket is an AF_XDP socket bound to one queue, with the XDP program that
// feeds it.
//
// Receive and Wait form the reception side and Transmit the transmission side.
// Each side must be used by one goroutine at a time; the two sides may run concurrently.
type Socket struct {
	conf     Config
	fd       int
	zerocopy bool
	logger   *zap.Logger

	prog    *redirector
	arena   *hostmem.Arena
	umem    []byte
	regions [][]byte

	rx   *xskRing[unix.XDPDesc]
	fill *xskRing[uint64]
	tx   *xskRing[unix.XDPDesc]
	comp *xskRing[uint64]

	txFrames []uint64
}

// Open attaches the redirect program to the interface and binds a socket to the configured queue.
func Open(conf Config) (_ *Socket, e error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	netif, err := net.InterfaceByName(conf.Interface)
	if err != nil {
		return nil, fmt.Errorf("getting interface: %w", err)
	}

	s := &Socket{
		conf:   conf,
		fd:     -1,
		arena:  hostmem.NewArena(),
		logger: logger.With(zap.String("iface", conf.Interface), zap.Uint32("queue", conf.Queue)),
	}
	defer func() {
		if e != nil {
			e = multierr.Append(e, s.Close())
		}
	}()

	if s.prog, err = attachRedirector(netif.Index, conf.Queue+1, conf.Zerocopy); err != nil {
		return nil, err
	}
	if s.fd, err = unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0); err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}

	umem, err := s.arena.Alloc(int(conf.NumFrames * conf.FrameSize))
	if err != nil {
		return nil, fmt.Errorf("allocating UMEM: %w", err)
	}
	s.umem = umem.Mem
	reg := unix.XDPUmemReg{
		Addr: umem.Addr,
		Len:  uint64(len(s.umem)),
		Size: conf.FrameSize,
	}
	if err := sockopt(unix.SYS_SETSOCKOPT, s.fd, unix.XDP_UMEM_REG, unsafe.Pointer(&reg), unsafe.Sizeof(reg)); err != nil {
		return nil, fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}
	for _, opt := range []int{unix.XDP_UMEM_FILL_RING, unix.XDP_UMEM_COMPLETION_RING, unix.XDP_RX_RING, unix.XDP_TX_RING} {
		if err := unix.SetsockoptInt(s.fd, unix.SOL_XDP, opt, int(conf.RingSize)); err != nil {
			return nil, fmt.Errorf("setsockopt ring size %d: %w", opt, err)
		}
	}

	var offs unix.XDPMmapOffsets
	if err := sockopt(unix.SYS_GETSOCKOPT, s.fd, unix.XDP_MMAP_OFFSETS, unsafe.Pointer(&offs), unsafe.Sizeof(offs)); err != nil {
		return nil, fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}
	descSize, addrSize := uint64(unsafe.Sizeof(unix.XDPDesc{})), uint64(8)
	mapRing := func(pgoff int64, off unix.XDPRingOffset, entrySize uint64) ([]byte, error) {
		region, err := unix.Mmap(s.fd, pgoff, int(off.Desc+uint64(conf.RingSize)*entrySize),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			return nil, fmt.Errorf("mmap ring at %#x: %w", pgoff, err)
		}
		s.regions = append(s.regions, region)
		return region, nil
	}
	rxRegion, err := mapRing(unix.XDP_PGOFF_RX_RING, offs.Rx, descSize)
	if err != nil {
		return nil, err
	}
	txRegion, err := mapRing(unix.XDP_PGOFF_TX_RING, offs.Tx, descSize)
	if err != nil {
		return nil, err
	}
	fillRegion, err := mapRing(unix.XDP_UMEM_PGOFF_FILL_RING, offs.Fr, addrSize)
	if err != nil {
		return nil, err
	}
	compRegion, err := mapRing(unix.XDP_UMEM_PGOFF_COMPLETION_RING, offs.Cr, addrSize)
	if err != nil {
		return nil, err
	}
	s.rx = newXskRing[unix.XDPDesc](rxRegion, offs.Rx, conf.RingSize)
	s.tx = newXskRing[unix.XDPDesc](txRegion, offs.Tx, conf.RingSize)
	s.fill = newXskRing[uint64](fillRegion, offs.Fr, conf.RingSize)
	s.comp = newXskRing[uint64](compRegion, offs.Cr, conf.RingSize)
	s.rx.initConsumer()
	s.comp.initConsumer()
	s.tx.initProducer()
	s.fill.initProducer()

	// the first half of UMEM is lent to the kernel for reception
	rxFrames := conf.NumFrames / 2
	for i := uint32(0); i < rxFrames && s.fill.free() > 0; i++ {
		s.fill.put(uint64(i * conf.FrameSize))
	}
	s.fill.publish()
	for i := rxFrames; i < conf.NumFrames; i++ {
		s.txFrames = append(s.txFrames, uint64(i*conf.FrameSize))
	}

	if err := s.bind(netif.Index); err != nil {
		return nil, err
	}
	if err := s.prog.register(conf.Queue, s.fd); err != nil {
		return nil, fmt.Errorf("registering socket in XSK map: %w", err)
	}

	s.logger.Info("AF_XDP socket open", zap.Bool("zerocopy", s.zerocopy))
	return s, nil
}

func (s *Socket) bind(ifindex int) error {
	sa := &unix.SockaddrXDP{
		Flags:   unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP,
		Ifindex: uint32(ifindex),
		QueueID: s.conf.Queue,
	}
	if s.conf.Zerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
		err := unix.Bind(s.fd, sa)
		if err == nil {
			s.zerocopy = true
			return nil
		}
		if !errors.Is(err, unix.EPROTONOSUPPORT) && !errors.Is(err, unix.EOPNOTSUPP) {
			return fmt.Errorf("binding socket: %w", err)
		}
		s.logger.Warn("zerocopy unsupported on queue, using copy mode")
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		return fmt.Errorf("binding socket: %w", err)
	}
	return nil
}

// sockopt issues a get/setsockopt on SOL_XDP with a struct argument,
// which x/sys/unix has no typed helper for.
func sockopt(trap uintptr, fd, name int, val unsafe.Pointer, size uintptr) error {
	var errno unix.Errno
	if trap == unix.SYS_GETSOCKOPT {
		l := uint32(size)
		_, _, errno = unix.Syscall6(trap, uintptr(fd), unix.SOL_XDP, uintptr(name),
			uintptr(val), uintptr(unsafe.Pointer(&l)), 0)
	} else {
		_, _, errno = unix.Syscall6(trap, uintptr(fd), unix.SOL_XDP, uintptr(name),
			uintptr(val), size, 0)
	}
	if errno != 0 {
		return errno
	}
	return nil
}

// IsZerocopy reports whether the socket was bound in zero-copy mode.
func (s *Socket) IsZerocopy() bool { return s.zerocopy }

// Receive passes up to BatchSize received frames to fn and returns how many there were.
// A frame is only valid during the call; its buffer goes back to the fill ring afterwards.
func (s *Socket) Receive(fn func(frame []byte)) int {
	n := min(s.rx.available(), s.conf.BatchSize)
	if n == 0 {
		return 0
	}
	for i := uint32(0); i < n; i++ {
		d := s.rx.take()
		fn(s.umem[d.Addr : d.Addr+uint64(d.Len)])
		s.fill.put(d.Addr - d.Addr%uint64(s.conf.FrameSize))
	}
	s.rx.release()
	s.fill.publish()
	return int(n)
}

// Wait blocks until frames are ready to receive or timeoutMS expires.
func (s *Socket) Wait(timeoutMS int) error {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, timeoutMS)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Transmit copies frame into a free UMEM frame and queues it for transmission.
// It returns ErrTxFull when no frame or TX slot is available, in which case the frame is dropped.
func (s *Socket) Transmit(frame []byte) error {
	s.reclaim()
	if len(s.txFrames) == 0 || s.tx.free() == 0 {
		if err := s.kick(); err != nil {
			return err
		}
		s.reclaim()
		if len(s.txFrames) == 0 || s.tx.free() == 0 {
			return ErrTxFull
		}
	}

	addr := s.txFrames[len(s.txFrames)-1]
	s.txFrames = s.txFrames[:len(s.txFrames)-1]
	n := copy(s.umem[addr:addr+uint64(s.conf.FrameSize)], frame)
	s.tx.put(unix.XDPDesc{Addr: addr, Len: uint32(n)})
	s.tx.publish()
	if s.tx.needWakeup() {
		return s.kick()
	}
	return nil
}

// reclaim returns transmitted frames to the TX pool.
func (s *Socket) reclaim() {
	n := s.comp.available()
	for i := uint32(0); i < n; i++ {
		s.txFrames = append(s.txFrames, s.comp.take())
	}
	if n > 0 {
		s.comp.release()
	}
}

// kick asks the kernel to process the TX ring.
func (s *Socket) kick() error {
	err := unix.Sendto(s.fd, nil, unix.MSG_DONTWAIT, nil)
	switch err {
	case nil, unix.EAGAIN, unix.EBUSY, unix.ENOBUFS:
		return nil
	}
	return fmt.Errorf("TX wakeup: %w", err)
}

// Close releases the socket, its rings and UMEM, and detaches the XDP program.
func (s *Socket) Close() (e error) {
	if s.prog != nil {
		e = multierr.Append(e, s.prog.Close())
		s.prog = nil
	}
	if s.fd >= 0 {
		e = multierr.Append(e, unix.Close(s.fd))
		s.fd = -1
	}
	for _, r := range s.regions {
		e = multierr.Append(e, unix.Munmap(r))
	}
	s.regions = nil
	return multierr.Append(e, s.arena.Close())
}
