// Package testenv provides general test utilities.
package testenv

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MakeAR creates testify assert and require objects.
func MakeAR(t require.TestingT) (*assert.Assertions, *require.Assertions) {
	return assert.New(t), require.New(t)
}

// RecordedBell is one doorbell register write captured by BellRecorder.
type RecordedBell struct {
	Kind   uint8
	Number uint32
	Value  uint32
}

// BellRecorder captures doorbell register writes.
// Kind is stored as its numeric value so this package stays free of ring imports.
type BellRecorder struct {
	Bells []RecordedBell
}

// Add appends a doorbell write.
func (r *BellRecorder) Add(kind uint8, number, value uint32) {
	r.Bells = append(r.Bells, RecordedBell{Kind: kind, Number: number, Value: value})
}

// Filter returns the writes of one kind.
func (r *BellRecorder) Filter(kind uint8) (list []RecordedBell) {
	for _, b := range r.Bells {
		if b.Kind == kind {
			list = append(list, b)
		}
	}
	return list
}

// Reset drops all captured writes.
func (r *BellRecorder) Reset() {
	r.Bells = r.Bells[:0]
}
