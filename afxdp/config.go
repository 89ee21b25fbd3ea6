package afxdp

import (
	"errors"
	"fmt"

	"github.com/romshark/nicring/ring"
)

const (
	DefaultNumFrames = 4096
	DefaultFrameSize = 2048
	DefaultRingSize  = 1024
	DefaultBatchSize = 64
)

var ErrNumFramesTooSmall = errors.New("num-frames must cover the fill and TX rings")

// Config describes one AF_XDP port: a socket bound to a single queue of an interface.
type Config struct {
	Interface string `yaml:"interface"`
	// Queue is the NIC queue to bind to.
	Queue uint32 `yaml:"queue"`
	// Zerocopy requests driver mode and zero-copy binding, falling back to copy
	// mode when the queue does not support it.
	Zerocopy bool `yaml:"zerocopy"`

	// NumFrames is the number of UMEM frames. Half serve reception, half transmission.
	NumFrames uint32 `yaml:"num-frames"`
	// FrameSize is the UMEM frame size.
	FrameSize uint32 `yaml:"frame-size"`
	// RingSize is the capacity of the RX, TX, fill and completion rings.
	RingSize uint32 `yaml:"ring-size"`
	// BatchSize caps how many frames one Receive call handles.
	BatchSize uint32 `yaml:"batch-size"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Interface == "" {
		return errors.New("interface must be set")
	}
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RingSize == 0 {
		c.RingSize = DefaultRingSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if !ring.IsPowerOfTwo(int(c.RingSize)) {
		return fmt.Errorf("ring-size %d: %w", c.RingSize, ring.ErrCapacity)
	}
	if !ring.IsPowerOfTwo(int(c.FrameSize)) {
		return fmt.Errorf("frame-size %d: %w", c.FrameSize, ring.ErrCapacity)
	}
	if c.NumFrames < 2*c.RingSize {
		return fmt.Errorf("%w: %d < 2×%d", ErrNumFramesTooSmall, c.NumFrames, c.RingSize)
	}
	return nil
}
