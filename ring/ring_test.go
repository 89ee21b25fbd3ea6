package ring_test

import (
	"math/rand"
	"testing"

	"github.com/romshark/nicring/hostmem"
	"github.com/romshark/nicring/internal/testenv"
	"github.com/romshark/nicring/ring"
)

var makeAR = testenv.MakeAR

const entrySize = 64

type bells struct{ testenv.BellRecorder }

func (b *bells) Ring(kind ring.Kind, number uint32, value uint32) {
	b.Add(uint8(kind), number, value)
}

func makeCompletionRing(t *testing.T, capacity int) (*ring.Context, []byte, []byte, *bells) {
	_, require := makeAR(t)
	mem := make([]byte, capacity*entrySize)
	for i := 0; i < capacity; i++ {
		mem[(i+1)*entrySize-1] = 0xF1 // invalid opcode, owner 1
	}
	region, err := ring.NewRegion(mem, capacity, entrySize)
	require.NoError(err)

	dbr := make([]byte, 8)
	rec, err := ring.NewRecord(dbr[:4])
	require.NoError(err)

	b := &bells{}
	var c ring.Context
	c.Init(ring.KindCompletion, 0x44, region, rec, b)
	return &c, mem, dbr, b
}

// produce writes entry p the way hardware does: owner = (p / capacity) & 1.
func produce(mem []byte, capacity int, p uint32) {
	pos := int(p) & (capacity - 1)
	owner := byte(p/uint32(capacity)) & 1
	w := hostmem.LoadWord(mem, (pos+1)*entrySize-4)
	w[3] = owner
	hostmem.StoreWord(mem, (pos+1)*entrySize-4, w)
}

func TestRegion(t *testing.T) {
	assert, require := makeAR(t)

	_, err := ring.NewRegion(make([]byte, 1024), 12, 16)
	assert.ErrorIs(err, ring.ErrCapacity)
	_, err = ring.NewRegion(make([]byte, 100), 8, 16)
	assert.ErrorIs(err, ring.ErrRegionTooSmall)

	mem := make([]byte, 8*16)
	r, err := ring.NewRegion(mem, 8, 16)
	require.NoError(err)
	assert.Equal(8, r.Capacity())
	assert.EqualValues(7, r.Mask())
	assert.Equal(16, r.Stride())

	r.Slot(3)[0] = 0xAA
	assert.EqualValues(0xAA, mem[48])
	assert.EqualValues(0xAA, r.Slot(11)[0])
	assert.EqualValues(0xAA, r.Slot(3+8*1000)[0])
	assert.Len(r.Slot(0xffffffff), 16)
}

func TestRecord(t *testing.T) {
	assert, require := makeAR(t)

	_, err := ring.NewRecord(make([]byte, 3))
	assert.ErrorIs(err, ring.ErrRecordSize)

	mem := make([]byte, 4)
	rec, err := ring.NewRecord(mem)
	require.NoError(err)
	rec.Store(0x00ABCDEF)
	assert.Equal([]byte{0x00, 0xAB, 0xCD, 0xEF}, mem)
	assert.EqualValues(0x00ABCDEF, rec.Load())

	var zero ring.Record
	zero.Store(1)
	assert.Zero(zero.Load())
}

func TestIndexInvariant(t *testing.T) {
	assert, _ := makeAR(t)

	const capacity = 16
	c, _, _, _ := makeCompletionRing(t, capacity)
	assert.EqualValues(1, c.OwnerBit())

	flips := 0
	last := c.OwnerBit()
	for n := 1; n <= capacity*5+3; n++ {
		c.Advance()
		assert.EqualValues(n, c.Cursor())
		assert.EqualValues(n%capacity, c.Position())
		if c.OwnerBit() != last {
			flips++
			last = c.OwnerBit()
			assert.Zero(n % capacity)
		}
	}
	assert.Equal(5, flips)
	assert.EqualValues(0, c.OwnerBit())
}

func TestOwnerBitTwoWraps(t *testing.T) {
	assert, _ := makeAR(t)
	c, _, _, _ := makeCompletionRing(t, 4)

	for i := 0; i < 8; i++ {
		c.Advance()
	}
	assert.EqualValues(0, c.Position())
	assert.EqualValues(1, c.OwnerBit())
}

func TestOwnershipExclusivity(t *testing.T) {
	assert, _ := makeAR(t)

	const capacity = 8
	c, mem, _, _ := makeCompletionRing(t, capacity)
	rng := rand.New(rand.NewSource(1))

	var produced, consumed uint32
	for step := 0; step < 2000; step++ {
		// hardware never overwrites entries software has not consumed
		if rng.Intn(2) == 0 && produced-consumed < capacity {
			produce(mem, capacity, produced)
			produced++
		}

		for n := rng.Intn(4); n > 0; n-- {
			ready := c.Ready()
			assert.Equal(consumed < produced, ready, "step %d consumed %d produced %d", step, consumed, produced)
			if !ready {
				break
			}
			c.Advance()
			consumed++
		}
	}
	assert.Greater(consumed, uint32(capacity*10))
}

func TestNotifyCompletion(t *testing.T) {
	assert, _ := makeAR(t)
	c, _, dbr, b := makeCompletionRing(t, 8)

	c.Advance()
	c.Notify(c.Cursor())
	c.Notify(0x01234567)

	assert.Equal([]byte{0x00, 0x23, 0x45, 0x67}, dbr[:4])
	if assert.Len(b.Bells, 2) {
		assert.Equal(testenv.RecordedBell{Kind: uint8(ring.KindCompletion), Number: 0x44, Value: 1}, b.Bells[0])
		assert.EqualValues(0x01234567, b.Bells[1].Value)
	}
}

func TestNotifySend(t *testing.T) {
	assert, require := makeAR(t)

	region, err := ring.NewRegion(make([]byte, 8*16), 8, 16)
	require.NoError(err)
	dbr := make([]byte, 8)
	rec, err := ring.NewRecord(dbr[4:8])
	require.NoError(err)
	b := &bells{}
	var c ring.Context
	c.Init(ring.KindSend, 0x21, region, rec, b)

	pi := c.Cursor()
	for i := 0; i < 3; i++ {
		c.Advance()
	}
	c.Notify(pi)

	assert.Equal([]byte{0, 0, 0, 3}, dbr[4:8])
	assert.Equal([]testenv.RecordedBell{{Kind: uint8(ring.KindSend), Number: 0x21, Value: 0}}, b.Bells)
}

func TestNotifyEvent(t *testing.T) {
	assert, require := makeAR(t)

	region, err := ring.NewRegion(make([]byte, 4*64), 4, 64)
	require.NoError(err)
	b := &bells{}
	var c ring.Context
	c.Init(ring.KindEvent, 3, region, ring.Record{}, b)

	ci := c.Cursor()
	c.Advance()
	c.Notify(ci)
	assert.Equal([]testenv.RecordedBell{{Kind: uint8(ring.KindEvent), Number: 3, Value: 0}}, b.Bells)
}

func TestAck(t *testing.T) {
	assert, require := makeAR(t)

	region, err := ring.NewRegion(make([]byte, 4*16), 4, 16)
	require.NoError(err)
	dbr := make([]byte, 4)
	rec, err := ring.NewRecord(dbr)
	require.NoError(err)
	rec.Store(0xfffe)

	var c ring.Context
	c.Init(ring.KindReceive, 9, region, rec, nil)
	c.Ack()
	assert.EqualValues(0xffff, rec.Load())
	c.Ack()
	assert.EqualValues(0, rec.Load())
	assert.EqualValues(2, c.Cursor())

	// receive rings have no register and Notify leaves their record alone
	c.Notify(5)
	assert.EqualValues(0, rec.Load())
}

func TestKind(t *testing.T) {
	assert, _ := makeAR(t)
	assert.Equal("completion", ring.KindCompletion.String())
	assert.Equal("Kind(9)", ring.Kind(9).String())
	assert.True(ring.KindEvent.HasOwnership())
	assert.False(ring.KindSend.HasOwnership())
	assert.True(ring.IsPowerOfTwo(128))
	assert.False(ring.IsPowerOfTwo(0))
	assert.False(ring.IsPowerOfTwo(96))
}
