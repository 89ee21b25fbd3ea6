//go:build linux

// Package hwsim simulates a NIC and the controlling process that prepares it.
//
// A NIC allocates every ring in host memory, posts receive buffers, and leaves a
// handoff record for the engine. It then acts as hardware: frames passed to
// Receive are written to posted buffers and announced through completion and
// event entries, and send WQEs are executed when the engine rings the send doorbell.
//
// Each completion ring generates at most one outstanding event. The ring is
// re-armed when software releases that event through the event doorbell.
package hwsim

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/romshark/nicring/handoff"
	"github.com/romshark/nicring/hostmem"
	"github.com/romshark/nicring/logging"
	"github.com/romshark/nicring/ring"
	"github.com/romshark/nicring/wqe"
)

var logger = logging.New("HWSim")

// Ring numbers assigned by the device.
const (
	ReceiveCompletionRing uint32 = 0x0c1
	SendCompletionRing    uint32 = 0x0c2
	ReceiveRing           uint32 = 0x0a1
	SendRing              uint32 = 0x0b1
	EventRing             uint32 = 0x0e1
)

var (
	ErrClosed             = errors.New("device closed")
	ErrNoReceiveBuffer    = errors.New("no receive buffer posted")
	ErrCompletionOverflow = errors.New("completion ring full")
	ErrFrameTooLong       = errors.New("frame longer than receive buffer")
)

// TransmitFunc receives every frame the device sends.
// frame is only valid during the call. It must not call back into the NIC.
type TransmitFunc func(frame []byte)

// Counters is a snapshot of device statistics.
type Counters struct {
	RxFrames uint64 `json:"rxFrames"`
	RxDrops  uint64 `json:"rxDrops"`
	TxFrames uint64 `json:"txFrames"`
	TxErrors uint64 `json:"txErrors"`
	Events   uint64 `json:"events"`
}

// completionRing is the hardware side of a completion ring.
type completionRing struct {
	number   uint32
	slots    ring.Region
	log      uint
	record   []byte
	producer uint32
	armed    bool
}

func (c *completionRing) consumer() uint32 {
	return hostmem.LoadBE32(c.record, 0)
}

func (c *completionRing) full() bool {
	return (c.producer-c.consumer())&0xffffff >= uint32(c.slots.Capacity())
}

func (c *completionRing) pending() bool {
	return c.producer&0xffffff != c.consumer()
}

func (c *completionRing) put(f wqe.CQEFields) {
	owner := uint8(c.producer>>c.log) & 1
	wqe.PutCQE(c.slots.Slot(c.producer), f, owner)
	c.producer++
}

// NIC is a simulated device. Methods are safe for concurrent use.
type NIC struct {
	cfg    Config
	arena  *hostmem.Arena
	logger *zap.Logger
	record uint64
	events chan struct{}

	mu       sync.Mutex
	closed   bool
	transmit TransmitFunc
	cnt      Counters

	rqCQ, sqCQ completionRing

	rq       ring.Region
	rqRecord []byte
	rqNext   uint32

	sq       ring.Region
	sqRecord []byte
	sqNext   uint32

	eq       ring.Region
	eqLog    uint
	eqNext   uint32
	eqFree   uint32
	eqOwners map[uint32]*completionRing
}

var _ ring.Doorbell = (*NIC)(nil)

// New allocates rings and buffers, posts every receive buffer and writes the handoff record.
func New(cfg Config) (n *NIC, e error) {
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("hwsim config: %w", err)
	}

	arena := hostmem.NewArena()
	defer func() {
		if e != nil {
			e = errors.Join(e, arena.Close())
		}
	}()
	n = &NIC{
		cfg:    cfg,
		arena:  arena,
		logger: logger,
		events: make(chan struct{}, 1),
	}

	rc := cfg.Rings
	alloc := func(what string, size int) (r hostmem.Region) {
		if e != nil {
			return r
		}
		if r, e = n.arena.Alloc(size); e != nil {
			e = fmt.Errorf("allocating %s: %w", what, e)
		}
		return r
	}
	rec := alloc("handoff record", handoff.Size)
	dbr := alloc("doorbell records", 64)
	rqCQ := alloc("receive completion ring", rc.CQBytes())
	sqCQ := alloc("send completion ring", rc.CQBytes())
	rq := alloc("receive ring", rc.RQBytes())
	sq := alloc("send ring", rc.SQBytes())
	eq := alloc("event ring", cfg.EQSize*wqe.EQESize)
	data := alloc("data ring", rc.DataBytes())
	rx := alloc("receive buffers", rc.RQSize*cfg.RxBufferSize)
	if e != nil {
		return nil, e
	}

	const (
		dbrRQCQ = 0
		dbrRQ   = 8
		dbrSQ   = 16
		dbrSQCQ = 24
	)
	n.rqCQ = newCompletionRing(ReceiveCompletionRing, rqCQ.Mem, rc.CQSize, dbr.Mem[dbrRQCQ:dbrRQCQ+4])
	n.sqCQ = newCompletionRing(SendCompletionRing, sqCQ.Mem, rc.CQSize, dbr.Mem[dbrSQCQ:dbrSQCQ+4])
	n.rq = mustRegion(rq.Mem, rc.RQSize, wqe.SegSize)
	n.rqRecord = dbr.Mem[dbrRQ : dbrRQ+4]
	n.sq = mustRegion(sq.Mem, rc.SQSize, wqe.SegSize)
	off := dbrSQ + handoff.SendRecordOffset
	n.sqRecord = dbr.Mem[off : off+4]
	n.eq = mustRegion(eq.Mem, cfg.EQSize, wqe.EQESize)
	n.eqLog = log2(cfg.EQSize)
	n.eqOwners = map[uint32]*completionRing{
		ReceiveCompletionRing: &n.rqCQ,
		SendCompletionRing:    &n.sqCQ,
	}
	wqe.InitEQEs(eq.Mem)

	for i := 0; i < rc.RQSize; i++ {
		addr := rx.Addr + uint64(i*cfg.RxBufferSize)
		wqe.PutDataSeg(n.rq.Slot(uint32(i)), uint32(cfg.RxBufferSize), cfg.LKey, addr)
	}
	hostmem.StoreBE32(n.rqRecord, 0, uint32(rc.RQSize))

	hr := handoff.Record{
		LKey:              cfg.LKey,
		ReceiveCompletion: handoff.Ring{Number: ReceiveCompletionRing, Base: rqCQ.Addr, Record: dbr.Addr + dbrRQCQ},
		Receive:           handoff.Ring{Number: ReceiveRing, Base: rq.Addr, Record: dbr.Addr + dbrRQ},
		SendCompletion:    handoff.Ring{Number: SendCompletionRing, Base: sqCQ.Addr, Record: dbr.Addr + dbrSQCQ},
		Send:              handoff.Ring{Number: SendRing, Base: sq.Addr, Record: dbr.Addr + dbrSQ},
		DataBase:          data.Addr,
	}
	if e = hr.Encode(rec.Mem); e != nil {
		return nil, e
	}
	n.record = rec.Addr

	n.logger.Info("device ready",
		zap.Uint64("handoff", rec.Addr),
		zap.Int("cq-size", rc.CQSize),
		zap.Int("rq-size", rc.RQSize),
		zap.Int("sq-size", rc.SQSize),
		zap.Int("eq-size", cfg.EQSize),
	)
	return n, nil
}

func newCompletionRing(number uint32, mem []byte, capacity int, record []byte) completionRing {
	wqe.InitCQEs(mem)
	return completionRing{
		number: number,
		slots:  mustRegion(mem, capacity, wqe.CQESize),
		log:    log2(capacity),
		record: record,
		armed:  true,
	}
}

// mustRegion is used on geometry ValidateAndSetDefaults already checked.
func mustRegion(mem []byte, capacity, stride int) ring.Region {
	r, err := ring.NewRegion(mem, capacity, stride)
	if err != nil {
		panic(err)
	}
	return r
}

func log2(n int) (l uint) {
	for 1<<l < n {
		l++
	}
	return l
}

// Memory returns the device address space. The engine resolves handoff addresses through it.
func (n *NIC) Memory() hostmem.Space { return n.arena }

// HandoffRecord returns the address of the handoff record.
func (n *NIC) HandoffRecord() uint64 { return n.record }

// Config returns the validated configuration.
func (n *NIC) Config() Config { return n.cfg }

// Events returns a channel that receives a value after the device writes event entries.
// Signals coalesce: one value may stand for several entries.
func (n *NIC) Events() <-chan struct{} { return n.events }

// EventRing returns the event ring slots and number, for the event consumer.
func (n *NIC) EventRing() (ring.Region, uint32) { return n.eq, EventRing }

// SetTransmit installs the function receiving sent frames. nil discards them.
func (n *NIC) SetTransmit(fn TransmitFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transmit = fn
}

// Counters returns device statistics.
func (n *NIC) Counters() Counters {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cnt
}

// Close releases device memory. The engine and event consumer must be stopped first.
func (n *NIC) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	return n.arena.Close()
}

func (n *NIC) signal() {
	select {
	case n.events <- struct{}{}:
	default:
	}
}
