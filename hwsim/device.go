//go:build linux

package hwsim

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/romshark/nicring/hostmem"
	"github.com/romshark/nicring/ring"
	"github.com/romshark/nicring/wqe"
)

// Receive delivers an inbound frame: it is written into the next posted receive
// buffer and announced with a completion. A frame that cannot be delivered is
// dropped and the reason returned.
func (n *NIC) Receive(frame []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}

	if err := n.receive(frame); err != nil {
		n.cnt.RxDrops++
		return err
	}
	n.cnt.RxFrames++
	n.raiseEvent(&n.rqCQ)
	return nil
}

func (n *NIC) receive(frame []byte) error {
	posted := (hostmem.LoadBE32(n.rqRecord, 0) - n.rqNext) & 0xffff
	if posted == 0 {
		return ErrNoReceiveBuffer
	}
	if n.rqCQ.full() {
		return fmt.Errorf("%w: ring %#x", ErrCompletionOverflow, n.rqCQ.number)
	}

	seg := wqe.DataSeg(n.rq.Slot(n.rqNext))
	if len(frame) > int(seg.ByteCount()) {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLong, len(frame), seg.ByteCount())
	}
	buf, err := n.arena.Bytes(seg.Addr(), len(frame))
	if err != nil {
		return fmt.Errorf("receive WQE %d: %w", n.rqNext, err)
	}
	copy(buf, frame)

	n.rqCQ.put(wqe.CQEFields{
		Opcode:      wqe.OpRespSend,
		QueueNumber: ReceiveRing,
		WQECounter:  uint16(n.rqNext),
		ByteCount:   uint32(len(frame)),
	})
	n.rqNext++
	return nil
}

// Ring implements ring.Doorbell.
func (n *NIC) Ring(kind ring.Kind, number uint32, value uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	switch {
	case kind == ring.KindSend && number == SendRing:
		n.executeSends()
	case kind == ring.KindCompletion && number == SendCompletionRing:
		// space in the send completion ring lets stalled sends proceed
		n.executeSends()
	case kind == ring.KindCompletion && number == ReceiveCompletionRing:
	case kind == ring.KindEvent && number == EventRing:
		n.releaseEvents(value)
	default:
		n.logger.Warn("doorbell for unknown ring",
			zap.Stringer("kind", kind),
			zap.Uint32("number", number),
		)
	}
}

// executeSends runs send WQEs up to the send doorbell record. It stops early
// when the send completion ring is full.
func (n *NIC) executeSends() {
	producer := hostmem.LoadBE32(n.sqRecord, 0) & 0xffff
	executed := 0
	for n.sqNext&0xffff != producer {
		if n.sqCQ.full() {
			n.logger.Debug("send stalled on full completion ring", zap.Uint32("sq-index", n.sqNext))
			break
		}

		ctrl := wqe.CtrlSeg(n.sq.Slot(n.sqNext))
		ds := uint32(ctrl.DSCount())
		op := wqe.OpReq
		if err := n.transmitWQE(ctrl, ds); err != nil {
			n.logger.Warn("send WQE failed", zap.Uint32("sq-index", n.sqNext), zap.Error(err))
			n.cnt.TxErrors++
			op = wqe.OpReqErr
		} else {
			n.cnt.TxFrames++
		}
		if ds == 0 {
			ds = 1
		}

		n.sqCQ.put(wqe.CQEFields{
			Opcode:      op,
			QueueNumber: SendRing,
			WQECounter:  ctrl.WQEIndex(),
		})
		n.sqNext += ds
		executed++
	}
	if executed > 0 {
		n.raiseEvent(&n.sqCQ)
	}
}

func (n *NIC) transmitWQE(ctrl wqe.CtrlSeg, ds uint32) error {
	if ctrl.Opcode() != wqe.OpcodeSend {
		return fmt.Errorf("unsupported opcode %#x", ctrl.Opcode())
	}
	if ctrl.QueueNumber() != SendRing {
		return fmt.Errorf("WQE names send ring %#x", ctrl.QueueNumber())
	}
	if ds != wqe.SendDSCount {
		return fmt.Errorf("WQE has %d segments", ds)
	}
	if idx := ctrl.WQEIndex(); uint32(idx) != n.sqNext&0xffff {
		return fmt.Errorf("WQE index %d at send position %d", idx, n.sqNext&0xffff)
	}

	data := wqe.DataSeg(n.sq.Slot(n.sqNext + 2))
	if data.LKey() != n.cfg.LKey {
		return fmt.Errorf("lkey %#x not registered", data.LKey())
	}
	frame, err := n.arena.Bytes(data.Addr(), int(data.ByteCount()))
	if err != nil {
		return err
	}
	if n.transmit != nil {
		n.transmit(frame)
	}
	return nil
}

// raiseEvent writes an event entry for cq if it is armed and has completions
// software has not consumed.
func (n *NIC) raiseEvent(cq *completionRing) {
	if !cq.armed || !cq.pending() {
		return
	}
	if n.eqNext-n.eqFree >= uint32(n.eq.Capacity()) {
		n.logger.Error("event ring overflow", zap.Uint32("cq", cq.number))
		return
	}
	owner := uint8(n.eqNext>>n.eqLog) & 1
	wqe.PutEQE(n.eq.Slot(n.eqNext), cq.number, owner)
	n.eqNext++
	cq.armed = false
	n.cnt.Events++
	n.signal()
}

// releaseEvents frees event entries up to and including ci, re-arming the
// completion rings they referred to.
func (n *NIC) releaseEvents(ci uint32) {
	for n.eqFree != ci+1 && n.eqFree != n.eqNext {
		eqe := wqe.EQE(n.eq.Slot(n.eqFree))
		n.eqFree++
		if cq := n.eqOwners[eqe.CQNumber()]; cq != nil {
			cq.armed = true
			n.raiseEvent(cq)
		}
	}
}
