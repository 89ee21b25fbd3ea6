package hwsim

import (
	"fmt"

	"github.com/romshark/nicring/handoff"
	"github.com/romshark/nicring/ring"
)

// Config describes the simulated device.
type Config struct {
	// Rings is the geometry shared with the engine.
	Rings handoff.Geometry `yaml:"rings"`
	// LKey is the memory key of every buffer the device owns.
	LKey uint32 `yaml:"lkey"`
	// RxBufferSize is the size of each posted receive buffer.
	// It defaults to, and must not exceed, Rings.DataEntrySize.
	RxBufferSize int `yaml:"rx-buffer-size"`
	// EQSize is the capacity of the event ring.
	EQSize int `yaml:"eq-size"`
}

const (
	DefaultLKey   = 0x1a2b
	DefaultEQSize = 16
)

// ValidateAndSetDefaults applies defaults to zero fields and checks the device geometry.
func (c *Config) ValidateAndSetDefaults() error {
	if err := c.Rings.ValidateAndSetDefaults(); err != nil {
		return err
	}
	if c.LKey == 0 {
		c.LKey = DefaultLKey
	}
	if c.RxBufferSize == 0 {
		c.RxBufferSize = c.Rings.DataEntrySize
	}
	if c.RxBufferSize > c.Rings.DataEntrySize {
		return fmt.Errorf("rx-buffer-size %d exceeds data-entry-size %d", c.RxBufferSize, c.Rings.DataEntrySize)
	}
	if c.EQSize == 0 {
		c.EQSize = DefaultEQSize
	}
	// one outstanding event per completion ring
	if !ring.IsPowerOfTwo(c.EQSize) || c.EQSize < 2 {
		return fmt.Errorf("eq-size %d: %w", c.EQSize, ring.ErrCapacity)
	}
	return nil
}
