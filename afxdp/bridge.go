//go:build linux

package afxdp

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/romshark/nicring/hwsim"
)

// waitTimeoutMS bounds how long the RX loop sleeps, so cancellation is noticed.
const waitTimeoutMS = 10

// port is the part of a Socket the bridge uses.
type port interface {
	Receive(fn func(frame []byte)) int
	Transmit(frame []byte) error
	Wait(timeoutMS int) error
}

var _ port = (*Socket)(nil)

// Device is the simulated NIC side of a bridge. *hwsim.NIC implements it.
type Device interface {
	Receive(frame []byte) error
	SetTransmit(fn hwsim.TransmitFunc)
}

// BridgeCounters is a snapshot of bridge statistics.
type BridgeCounters struct {
	RxFrames uint64 `json:"rxFrames"`
	RxDrops  uint64 `json:"rxDrops"`
	TxFrames uint64 `json:"txFrames"`
	TxDrops  uint64 `json:"txDrops"`
}

func (c BridgeCounters) String() string {
	return fmt.Sprintf("rx %d (%d dropped), tx %d (%d dropped)",
		c.RxFrames, c.RxDrops, c.TxFrames, c.TxDrops)
}

// Bridge moves frames between a socket and a device: frames received on the
// socket are delivered to the device, frames the device sends leave through the socket.
type Bridge struct {
	port   port
	dev    Device
	logger *zap.Logger

	rxFrames, rxDrops atomic.Uint64
	txFrames, txDrops atomic.Uint64
}

// NewBridge connects s and dev. It installs the device's transmit function.
func NewBridge(s *Socket, dev Device) *Bridge {
	return newBridge(s, dev)
}

func newBridge(p port, dev Device) *Bridge {
	b := &Bridge{
		port:   p,
		dev:    dev,
		logger: logger.Named("Bridge"),
	}
	dev.SetTransmit(b.transmit)
	return b
}

// Run delivers received frames to the device until ctx is canceled.
// Returns context.Canceled when ctx is canceled.
func (b *Bridge) Run(ctx context.Context) error {
	deliver := func(frame []byte) {
		if err := b.dev.Receive(frame); err != nil {
			b.rxDrops.Add(1)
			b.logger.Debug("frame dropped", zap.Int("len", len(frame)), zap.Error(err))
			return
		}
		b.rxFrames.Add(1)
	}

	for {
		if ctx.Err() != nil {
			return context.Canceled
		}
		if b.port.Receive(deliver) > 0 {
			continue
		}
		if err := b.port.Wait(waitTimeoutMS); err != nil {
			return fmt.Errorf("RX wait: %w", err)
		}
	}
}

// transmit runs under the device lock and must not block.
func (b *Bridge) transmit(frame []byte) {
	switch err := b.port.Transmit(frame); {
	case err == nil:
		b.txFrames.Add(1)
	case errors.Is(err, ErrTxFull):
		b.txDrops.Add(1)
	default:
		b.txDrops.Add(1)
		b.logger.Warn("transmit failed", zap.Error(err))
	}
}

// Counters returns bridge statistics.
func (b *Bridge) Counters() BridgeCounters {
	return BridgeCounters{
		RxFrames: b.rxFrames.Load(),
		RxDrops:  b.rxDrops.Load(),
		TxFrames: b.txFrames.Load(),
		TxDrops:  b.txDrops.Load(),
	}
}
