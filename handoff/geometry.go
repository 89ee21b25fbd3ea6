package handoff

import (
	"errors"
	"fmt"

	"github.com/romshark/nicring/ring"
	"github.com/romshark/nicring/wqe"
)

// Defaults match the geometry the controlling process allocates unless told otherwise.
const (
	DefaultRingSize      = 128
	DefaultDataEntrySize = 2048
)

// SendRecordOffset is the offset of the send counter within the send queue's
// doorbell record area; the receive counter occupies offset 0.
const SendRecordOffset = 4

// Geometry describes ring sizes. Ring memory and numbers travel in the Record;
// sizes are agreed upon out of band, so the controlling process and the engine
// load the same Geometry.
type Geometry struct {
	// CQSize is the capacity of each completion ring.
	CQSize int `yaml:"cq-size"`
	// RQSize is the capacity of the receive ring, in data segments.
	RQSize int `yaml:"rq-size"`
	// SQSize is the capacity of the send ring, in 16-byte segments.
	// It is also the number of buffers in the data ring.
	SQSize int `yaml:"sq-size"`
	// DataEntrySize is the size of one data ring buffer. Frames longer than this
	// must not be received.
	DataEntrySize int `yaml:"data-entry-size"`
}

// ValidateAndSetDefaults applies defaults to zero fields and checks the geometry.
func (g *Geometry) ValidateAndSetDefaults() error {
	for _, f := range []*int{&g.CQSize, &g.RQSize, &g.SQSize} {
		if *f == 0 {
			*f = DefaultRingSize
		}
	}
	if g.DataEntrySize == 0 {
		g.DataEntrySize = DefaultDataEntrySize
	}

	var errs []error
	check := func(name string, v int) {
		if !ring.IsPowerOfTwo(v) {
			errs = append(errs, fmt.Errorf("%s %d: %w", name, v, ring.ErrCapacity))
		}
	}
	check("cq-size", g.CQSize)
	check("rq-size", g.RQSize)
	check("sq-size", g.SQSize)
	check("data-entry-size", g.DataEntrySize)
	if g.SQSize < wqe.SendDSCount {
		errs = append(errs, fmt.Errorf("sq-size %d cannot hold one send WQE", g.SQSize))
	}
	return errors.Join(errs...)
}

// CQBytes returns the memory size of one completion ring.
func (g Geometry) CQBytes() int { return g.CQSize * wqe.CQESize }

// RQBytes returns the memory size of the receive ring.
func (g Geometry) RQBytes() int { return g.RQSize * wqe.SegSize }

// SQBytes returns the memory size of the send ring.
func (g Geometry) SQBytes() int { return g.SQSize * wqe.SegSize }

// DataBytes returns the memory size of the data ring.
func (g Geometry) DataBytes() int { return g.SQSize * g.DataEntrySize }
