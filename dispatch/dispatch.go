// Package dispatch delivers hardware events to the engine.
//
// A Dispatcher owns the event ring. For every event entry it invokes the handler
// of the completion ring the entry names, then releases the entry through the
// event doorbell. It is the only goroutine that touches the engine.
package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/romshark/nicring/logging"
	"github.com/romshark/nicring/ring"
	"github.com/romshark/nicring/wqe"
)

var logger = logging.New("Dispatch")

// Handler processes completion rings. *engine.Engine implements it.
type Handler interface {
	HandleEvent() (n int, err error)
	ReapSendCompletions() (n int, err error)
	ReceiveCompletionRing() uint32
	SendCompletionRing() uint32
}

// Dispatcher consumes an event ring.
type Dispatcher struct {
	eq     ring.Context
	signal <-chan struct{}
	h      Handler
	logger *zap.Logger

	rxCQ, txCQ uint32
}

// New creates a Dispatcher over the event ring slots. bell receives the event
// doorbell. signal is where hardware announces new event entries.
func New(slots ring.Region, number uint32, bell ring.Doorbell, signal <-chan struct{}, h Handler) *Dispatcher {
	d := &Dispatcher{
		signal: signal,
		h:      h,
		logger: logger.With(zap.Uint32("eq", number)),
		rxCQ:   h.ReceiveCompletionRing(),
		txCQ:   h.SendCompletionRing(),
	}
	d.eq.Init(ring.KindEvent, number, slots, ring.Record{}, bell)
	return d
}

// Poll handles every ready event entry and returns how many were handled.
// A handler error is fatal; the entry that caused it is not released.
func (d *Dispatcher) Poll() (n int, err error) {
	for d.eq.Ready() {
		eqe := wqe.EQE(d.eq.Slot())
		switch cqn := eqe.CQNumber(); cqn {
		case d.rxCQ:
			_, err = d.h.HandleEvent()
		case d.txCQ:
			_, err = d.h.ReapSendCompletions()
		default:
			d.logger.Warn("event for unknown completion ring",
				zap.Uint32("cq", cqn),
				zap.Uint8("type", eqe.EventType()),
			)
		}
		if err != nil {
			return n, fmt.Errorf("event %d: %w", d.eq.Cursor(), err)
		}

		ci := d.eq.Cursor()
		d.eq.Advance()
		d.eq.Notify(ci)
		n++
	}
	return n, nil
}

// Run polls the event ring each time hardware signals, until ctx is canceled
// or a handler fails.
// Returns context.Canceled when ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Debug("dispatcher started")
	for {
		if _, err := d.Poll(); err != nil {
			d.logger.Error("dispatcher stopped", zap.Error(err))
			return err
		}
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-d.signal:
		}
	}
}
