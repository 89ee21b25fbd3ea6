// Package engine implements the completion-driven reflector that runs against
// the rings described by a handoff record.
//
// An Engine is created once from the handoff record, then HandleEvent is invoked
// whenever hardware signals activity on the receive completion ring. Each ready
// completion is turned into one three-segment send WQE: the frame is copied into
// the data ring, its MAC addresses are swapped and the copy is handed to the send
// ring. The receive slot is returned to hardware afterwards.
//
// Engine is not safe for concurrent use, except for Counters.
package engine

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/romshark/nicring/handoff"
	"github.com/romshark/nicring/hostmem"
	"github.com/romshark/nicring/logging"
	"github.com/romshark/nicring/ring"
	"github.com/romshark/nicring/wqe"
)

var logger = logging.New("Engine")

// Checkword is stored by New as its last step. HandleEvent refuses to run without it.
const Checkword uint32 = 0xCACA0B0B

var (
	ErrNotReady          = errors.New("engine used before initialization")
	ErrCorruptCompletion = errors.New("corrupt completion")
)

// Engine is the state shared by every event handler invocation.
type Engine struct {
	mem    hostmem.Space
	cfg    Config
	logger *zap.Logger

	lkey      uint32
	checkword uint32

	rqCQ ring.Context
	rq   ring.Context
	sq   ring.Context
	sqCQ ring.Context
	data ring.DataRing
	// sqDone is the send ring cursor up to which hardware reported completions.
	sqDone uint32

	cnt struct {
		packets, bytes, marked    atomic.Uint64
		sendCompletions, sendErrs atomic.Uint64
	}
}

// New reads the handoff record at recordAddr and sets up the ring contexts.
// A record with the wrong magic yields handoff.ErrBadMagic; the caller must not continue.
func New(mem hostmem.Space, recordAddr uint64, bell ring.Doorbell, cfg Config) (*Engine, error) {
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}

	b, err := mem.Bytes(recordAddr, handoff.Size)
	if err != nil {
		return nil, fmt.Errorf("reading handoff record: %w", err)
	}
	rec, err := handoff.Decode(b)
	if err != nil {
		logger.Error("wrong data from controlling process",
			zap.Uint64("record", recordAddr),
			zap.Uint32("magic", rec.Magic),
			zap.Error(err),
		)
		return nil, err
	}

	e := &Engine{
		mem:  mem,
		cfg:  cfg,
		lkey: rec.LKey,
		logger: logger.With(
			zap.Uint32("rq", rec.Receive.Number),
			zap.Uint32("sq", rec.Send.Number),
		),
	}

	type ringSetup struct {
		ctx       *ring.Context
		kind      ring.Kind
		loc       handoff.Ring
		capacity  int
		stride    int
		recordOff uint64
	}
	for _, s := range []ringSetup{
		{&e.rqCQ, ring.KindCompletion, rec.ReceiveCompletion, cfg.CQSize, wqe.CQESize, 0},
		{&e.rq, ring.KindReceive, rec.Receive, cfg.RQSize, wqe.SegSize, 0},
		{&e.sq, ring.KindSend, rec.Send, cfg.SQSize, wqe.SegSize, handoff.SendRecordOffset},
		{&e.sqCQ, ring.KindCompletion, rec.SendCompletion, cfg.CQSize, wqe.CQESize, 0},
	} {
		if err := e.setupRing(s.ctx, s.kind, s.loc, s.capacity, s.stride, s.recordOff, bell); err != nil {
			return nil, err
		}
	}

	dataMem, err := mem.Bytes(rec.DataBase, cfg.DataBytes())
	if err != nil {
		return nil, fmt.Errorf("data ring: %w", err)
	}
	if err := e.data.Init(rec.DataBase, dataMem, cfg.SQSize, cfg.DataEntrySize); err != nil {
		return nil, fmt.Errorf("data ring: %w", err)
	}

	e.logger.Info("engine initialized",
		zap.Uint32("lkey", e.lkey),
		zap.Uint32("rq-cq", rec.ReceiveCompletion.Number),
		zap.Uint32("sq-cq", rec.SendCompletion.Number),
		zap.Int("data-entries", e.data.Capacity()),
		zap.Int("data-entry-size", e.data.EntrySize()),
	)
	e.checkword = Checkword
	return e, nil
}

func (e *Engine) setupRing(c *ring.Context, kind ring.Kind, loc handoff.Ring,
	capacity, stride int, recordOff uint64, bell ring.Doorbell) error {
	slotMem, err := e.mem.Bytes(loc.Base, capacity*stride)
	if err != nil {
		return fmt.Errorf("%s ring %#x: %w", kind, loc.Number, err)
	}
	slots, err := ring.NewRegion(slotMem, capacity, stride)
	if err != nil {
		return fmt.Errorf("%s ring %#x: %w", kind, loc.Number, err)
	}
	recMem, err := e.mem.Bytes(loc.Record+recordOff, 4)
	if err != nil {
		return fmt.Errorf("%s ring %#x doorbell record: %w", kind, loc.Number, err)
	}
	record, err := ring.NewRecord(recMem)
	if err != nil {
		return err
	}
	c.Init(kind, loc.Number, slots, record, bell)
	return nil
}

// ReceiveCompletionRing returns the number of the completion ring HandleEvent drains.
func (e *Engine) ReceiveCompletionRing() uint32 { return e.rqCQ.Number() }

// SendCompletionRing returns the number of the completion ring ReapSendCompletions drains.
func (e *Engine) SendCompletionRing() uint32 { return e.sqCQ.Number() }

// HandleEvent drains every ready receive completion, reflecting one frame per
// completion, and returns how many were processed. Invoking it with nothing
// ready is a no-op.
//
// Errors are fatal: ErrNotReady when the Engine was not built by New, and
// ErrCorruptCompletion when a completion points outside mapped memory. The
// offending completion is left in place, since skipping it would break ring order.
func (e *Engine) HandleEvent() (n int, err error) {
	if e == nil || e.checkword != Checkword {
		return 0, ErrNotReady
	}

	for e.rqCQ.Ready() {
		if err := e.processPacket(wqe.CQE(e.rqCQ.Slot())); err != nil {
			e.logger.Error("cannot process completion",
				zap.Uint32("cq-index", e.rqCQ.Cursor()),
				zap.Error(err),
			)
			return n, err
		}
		e.rqCQ.Advance()
		e.rqCQ.Notify(e.rqCQ.Cursor())
		n++
	}

	if ce := e.logger.Check(zap.DebugLevel, "nothing to do, wait for next event"); ce != nil {
		ce.Write(zap.Int("processed", n), zap.Uint32("cq-index", e.rqCQ.Cursor()))
	}
	return n, nil
}

// processPacket reflects the frame described by one receive completion.
func (e *Engine) processPacket(cqe wqe.CQE) error {
	counter := uint32(cqe.WQECounter())
	length := cqe.ByteCount()

	rwqe := wqe.DataSeg(e.rq.SlotAt(counter))
	src, err := e.mem.Bytes(rwqe.Addr(), int(length))
	if err != nil {
		return fmt.Errorf("%w: receive WQE %d of ring %#x: %w",
			ErrCorruptCompletion, counter, cqe.QueueNumber(), err)
	}

	addr, buf := e.data.Next()
	copy(buf, src)
	SwapMACs(buf)

	marked := length == MarkerLength && !e.cfg.NoMarker
	if marked {
		stampMarker(buf, e.data.Cursor())
	}

	if !e.sendRoom() {
		e.reapSends()
		if !e.sendRoom() {
			e.logger.Warn("send ring full, overwriting uncompleted WQE", zap.Uint32("sq-pi", e.sq.Cursor()))
		}
	}

	pi := e.sq.Cursor()
	wqe.PutCtrlSeg(e.sq.Slot(), pi, e.sq.Number())
	e.sq.Advance()
	wqe.PutEthSeg(e.sq.Slot())
	e.sq.Advance()
	wqe.PutDataSeg(e.sq.Slot(), length, e.lkey, addr)
	e.sq.Advance()
	e.sq.Notify(pi)

	e.rq.Ack()

	if ce := e.logger.Check(zap.DebugLevel, "packet reflected"); ce != nil {
		ce.Write(
			zap.Uint32("qpn", cqe.QueueNumber()),
			zap.Uint32("rq-wqe", counter),
			zap.Uint32("length", length),
			zap.Uint32("sq-pi", pi),
		)
	}

	e.cnt.packets.Add(1)
	e.cnt.bytes.Add(uint64(length))
	if marked {
		e.cnt.marked.Add(1)
	}
	return nil
}

// ReapSendCompletions drains the send completion ring so hardware never finds it
// full, and returns how many completions were consumed. Error completions are
// counted and logged; they do not stop the drain.
//
// The pipeline also reaps on its own when the send ring has no room for another WQE.
func (e *Engine) ReapSendCompletions() (n int, err error) {
	if e == nil || e.checkword != Checkword {
		return 0, ErrNotReady
	}
	return e.reapSends(), nil
}

// sendRoom reports whether the send ring has room for one more WQE.
func (e *Engine) sendRoom() bool {
	return e.sq.Cursor()-e.sqDone+wqe.SendDSCount <= uint32(e.sq.Capacity())
}

func (e *Engine) reapSends() (n int) {
	for e.sqCQ.Ready() {
		cqe := wqe.CQE(e.sqCQ.Slot())
		if cqe.IsError() {
			e.cnt.sendErrs.Add(1)
			e.logger.Warn("send completion with error",
				zap.Uint8("opcode", cqe.Opcode()),
				zap.Uint16("wqe-counter", cqe.WQECounter()),
			)
		} else {
			e.cnt.sendCompletions.Add(1)
		}
		e.sqDone += wqe.SendDSCount
		e.sqCQ.Advance()
		e.sqCQ.Notify(e.sqCQ.Cursor())
		n++
	}
	return n
}

// SwapMACs exchanges the destination and source MAC addresses of an Ethernet frame in place.
// frame must be at least 12 bytes long.
func SwapMACs(frame []byte) {
	for i := 0; i < 6; i++ {
		frame[i], frame[i+6] = frame[i+6], frame[i]
	}
}
