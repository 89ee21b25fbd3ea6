package engine

import (
	"errors"
	"fmt"

	"github.com/romshark/nicring/handoff"
)

// Config is the ring geometry shared with the controlling process plus the
// engine's own switches.
type Config struct {
	handoff.Geometry `yaml:",inline"`

	// NoMarker disables the diagnostic marker written into MarkerLength-byte frames.
	NoMarker bool `yaml:"no-marker"`
}

// ValidateAndSetDefaults applies defaults to zero fields and checks the geometry.
func (c *Config) ValidateAndSetDefaults() error {
	err := c.Geometry.ValidateAndSetDefaults()
	if c.DataEntrySize < MarkerLength {
		err = errors.Join(err, fmt.Errorf("data-entry-size %d is shorter than a minimal frame", c.DataEntrySize))
	}
	return err
}
