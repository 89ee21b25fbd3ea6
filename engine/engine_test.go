package engine_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/romshark/nicring/engine"
	"github.com/romshark/nicring/handoff"
	"github.com/romshark/nicring/hostmem"
	"github.com/romshark/nicring/internal/testenv"
	"github.com/romshark/nicring/ring"
	"github.com/romshark/nicring/wqe"
)

var makeAR = testenv.MakeAR

const (
	addrRecord  = 0x1000
	addrRQCQ    = 0x10000
	addrRQ      = 0x20000
	addrSQCQ    = 0x30000
	addrSQ      = 0x40000
	addrDbr     = 0x50000
	addrData    = 0x60000
	addrRx      = 0x100000
	rxEntrySize = 2048

	numRQCQ = 0x11
	numRQ   = 0x22
	numSQCQ = 0x33
	numSQ   = 0x44
	lkey    = 0x5a5a
)

type bells struct{ testenv.BellRecorder }

func (b *bells) Ring(kind ring.Kind, number uint32, value uint32) {
	b.Add(uint8(kind), number, value)
}

// fixture plays the controlling process and the hardware around one Engine.
type fixture struct {
	cfg   engine.Config
	space hostmem.Regions
	bells *bells

	rqCQ, rq, sqCQ, sq []byte
	dbr, data, rx      []byte
	record             []byte

	received, sendDone uint32
}

func newFixture(t testing.TB, cfg engine.Config) *fixture {
	_, require := makeAR(t)
	require.NoError(cfg.ValidateAndSetDefaults())

	f := &fixture{
		cfg:    cfg,
		rqCQ:   make([]byte, cfg.CQBytes()),
		rq:     make([]byte, cfg.RQBytes()),
		sqCQ:   make([]byte, cfg.CQBytes()),
		sq:     make([]byte, cfg.SQBytes()),
		dbr:    make([]byte, 64),
		data:   make([]byte, cfg.DataBytes()),
		rx:     make([]byte, cfg.RQSize*rxEntrySize),
		record: make([]byte, handoff.Size),
		bells:  &bells{},
	}
	f.space = hostmem.Regions{
		{Addr: addrRecord, Mem: f.record},
		{Addr: addrRQCQ, Mem: f.rqCQ},
		{Addr: addrRQ, Mem: f.rq},
		{Addr: addrSQCQ, Mem: f.sqCQ},
		{Addr: addrSQ, Mem: f.sq},
		{Addr: addrDbr, Mem: f.dbr},
		{Addr: addrData, Mem: f.data},
		{Addr: addrRx, Mem: f.rx},
	}

	wqe.InitCQEs(f.rqCQ)
	wqe.InitCQEs(f.sqCQ)
	for i := 0; i < cfg.RQSize; i++ {
		wqe.PutDataSeg(f.rq[i*wqe.SegSize:], rxEntrySize, lkey, uint64(addrRx+i*rxEntrySize))
	}
	hostmem.StoreBE32(f.dbr, 8, uint32(cfg.RQSize))

	rec := handoff.Record{
		LKey:              lkey,
		ReceiveCompletion: handoff.Ring{Number: numRQCQ, Base: addrRQCQ, Record: addrDbr},
		Receive:           handoff.Ring{Number: numRQ, Base: addrRQ, Record: addrDbr + 8},
		SendCompletion:    handoff.Ring{Number: numSQCQ, Base: addrSQCQ, Record: addrDbr + 24},
		Send:              handoff.Ring{Number: numSQ, Base: addrSQ, Record: addrDbr + 16},
		DataBase:          addrData,
	}
	require.NoError(rec.Encode(f.record))
	return f
}

func (f *fixture) newEngine(t testing.TB) *engine.Engine {
	_, require := makeAR(t)
	e, err := engine.New(f.space, addrRecord, f.bells, f.cfg)
	require.NoError(err)
	return e
}

func logSize(n int) (log uint) {
	for 1<<log < n {
		log++
	}
	return log
}

// receive delivers frame into the next receive buffer and produces its completion.
func (f *fixture) receive(frame []byte) {
	f.receiveAs(frame, uint16(f.received))
}

// receiveAs produces a completion that names receive WQE counter.
func (f *fixture) receiveAs(frame []byte, counter uint16) {
	pos := int(counter) & (f.cfg.RQSize - 1)
	copy(f.rx[pos*rxEntrySize:], frame)
	f.putCQE(f.rqCQ, f.received, wqe.CQEFields{
		Opcode:      wqe.OpRespSend,
		QueueNumber: numRQ,
		WQECounter:  counter,
		ByteCount:   uint32(len(frame)),
	})
	f.received++
}

func (f *fixture) sendCompletion(op uint8) {
	f.putCQE(f.sqCQ, f.sendDone, wqe.CQEFields{Opcode: op, QueueNumber: numSQ, WQECounter: uint16(f.sendDone * 3)})
	f.sendDone++
}

func (f *fixture) putCQE(cq []byte, p uint32, fields wqe.CQEFields) {
	pos := int(p) & (f.cfg.CQSize - 1)
	owner := uint8(p>>logSize(f.cfg.CQSize)) & 1
	wqe.PutCQE(cq[pos*wqe.CQESize:(pos+1)*wqe.CQESize], fields, owner)
}

func (f *fixture) sendSeg(i uint32) []byte {
	pos := int(i) & (f.cfg.SQSize - 1)
	return f.sq[pos*wqe.SegSize : (pos+1)*wqe.SegSize]
}

// transmitted returns the frame referenced by send WQE k.
func (f *fixture) transmitted(k uint32) []byte {
	d := wqe.DataSeg(f.sendSeg(3*k + 2))
	off := d.Addr() - addrData
	return f.data[off : off+uint64(d.ByteCount())]
}

func (f *fixture) rqCQRecord() uint32 { return hostmem.LoadBE32(f.dbr, 0) }
func (f *fixture) rqRecord() uint32   { return hostmem.LoadBE32(f.dbr, 8) }
func (f *fixture) sqRecord() uint32   { return hostmem.LoadBE32(f.dbr, 16+handoff.SendRecordOffset) }
func (f *fixture) sqCQRecord() uint32 { return hostmem.LoadBE32(f.dbr, 24) }

func makeFrame(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func smallConfig() engine.Config {
	return engine.Config{Geometry: handoff.Geometry{CQSize: 8, RQSize: 8, SQSize: 16, DataEntrySize: 128}}
}

func TestConfigDefaults(t *testing.T) {
	assert, _ := makeAR(t)

	var cfg engine.Config
	assert.NoError(cfg.ValidateAndSetDefaults())
	assert.Equal(handoff.Geometry{CQSize: 128, RQSize: 128, SQSize: 128, DataEntrySize: 2048}, cfg.Geometry)
	assert.False(cfg.NoMarker)
	assert.Equal(128*64, cfg.CQBytes())
	assert.Equal(128*2048, cfg.DataBytes())

	cfg = engine.Config{Geometry: handoff.Geometry{CQSize: 100, SQSize: 2, DataEntrySize: 32}}
	err := cfg.ValidateAndSetDefaults()
	assert.ErrorIs(err, ring.ErrCapacity)
	assert.ErrorContains(err, "cq-size 100")
	assert.ErrorContains(err, "cannot hold one send WQE")
	assert.ErrorContains(err, "data-entry-size 32")
}

func TestNewBadMagic(t *testing.T) {
	assert, _ := makeAR(t)
	f := newFixture(t, smallConfig())
	binary.NativeEndian.PutUint32(f.record[4:], 0x87654321)

	e, err := engine.New(f.space, addrRecord, f.bells, f.cfg)
	assert.ErrorIs(err, handoff.ErrBadMagic)
	assert.Nil(e)

	_, err = engine.New(f.space, 0xdead0000, f.bells, f.cfg)
	assert.ErrorIs(err, hostmem.ErrUnmapped)
}

func TestNotReady(t *testing.T) {
	assert, _ := makeAR(t)

	var nilEngine *engine.Engine
	_, err := nilEngine.HandleEvent()
	assert.ErrorIs(err, engine.ErrNotReady)

	_, err = (&engine.Engine{}).HandleEvent()
	assert.ErrorIs(err, engine.ErrNotReady)
	_, err = (&engine.Engine{}).ReapSendCompletions()
	assert.ErrorIs(err, engine.ErrNotReady)
}

func TestIdleIsNoop(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, smallConfig())
	e := f.newEngine(t)

	for i := 0; i < 3; i++ {
		n, err := e.HandleEvent()
		require.NoError(err)
		assert.Zero(n)
	}
	assert.Empty(f.bells.Bells)
	assert.Zero(f.rqCQRecord())
	assert.EqualValues(8, f.rqRecord())
	assert.EqualValues(numRQCQ, e.ReceiveCompletionRing())
	assert.EqualValues(numSQCQ, e.SendCompletionRing())
}

func TestReflect(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, smallConfig())
	e := f.newEngine(t)

	frames := [][]byte{makeFrame(60, 0x10), makeFrame(1500%128, 0x40)}
	for _, fr := range frames {
		f.receive(fr)
	}
	n, err := e.HandleEvent()
	require.NoError(err)
	assert.Equal(2, n)

	for k, fr := range frames {
		want := bytes.Clone(fr)
		copy(want[0:6], fr[6:12])
		copy(want[6:12], fr[0:6])
		assert.Equal(want, f.transmitted(uint32(k)), "frame %d", k)

		d := wqe.DataSeg(f.sendSeg(uint32(3*k + 2)))
		assert.EqualValues(lkey, d.LKey())
		assert.EqualValues(addrData+k*f.cfg.DataEntrySize, d.Addr())
	}

	assert.EqualValues(2, f.rqCQRecord())
	assert.EqualValues(10, f.rqRecord())
	assert.EqualValues(6, f.sqRecord())

	assert.Equal([]testenv.RecordedBell{
		{Kind: uint8(ring.KindSend), Number: numSQ, Value: 0},
		{Kind: uint8(ring.KindCompletion), Number: numRQCQ, Value: 1},
		{Kind: uint8(ring.KindSend), Number: numSQ, Value: 3},
		{Kind: uint8(ring.KindCompletion), Number: numRQCQ, Value: 2},
	}, f.bells.Bells)

	cnt := e.Counters()
	assert.EqualValues(2, cnt.Packets)
	assert.EqualValues(60+1500%128, cnt.Bytes)
	assert.Zero(cnt.Marked)
	assert.Contains(cnt.String(), "2pkts")
}

func TestReceiveAckFollowsSendNotify(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, smallConfig())

	// the receive slot must not return to hardware before its send WQE is submitted
	var atSend []uint32
	bell := ring.DoorbellFunc(func(kind ring.Kind, number uint32, value uint32) {
		if kind == ring.KindSend {
			atSend = append(atSend, f.rqRecord())
		}
	})
	e, err := engine.New(f.space, addrRecord, bell, f.cfg)
	require.NoError(err)

	for i := 0; i < 3; i++ {
		f.receive(makeFrame(60, byte(i)))
	}
	n, err := e.HandleEvent()
	require.NoError(err)
	assert.Equal(3, n)

	assert.Equal([]uint32{8, 9, 10}, atSend)
	assert.EqualValues(11, f.rqRecord())
}

func TestThreeSegments(t *testing.T) {
	assert, require := makeAR(t)
	cfg := smallConfig()
	f := newFixture(t, cfg)
	e := f.newEngine(t)

	// several wraps of every ring, one completion per event
	for k := uint32(0); k < 50; k++ {
		f.bells.Reset()
		f.receive(makeFrame(64, byte(k)))
		n, err := e.HandleEvent()
		require.NoError(err)
		require.Equal(1, n)

		sends := f.bells.Filter(uint8(ring.KindSend))
		require.Len(sends, 1)
		assert.Equal(3*k, sends[0].Value)
		assert.Equal((3*k+3)&0xffff, f.sqRecord())
		assert.Equal(k+1, f.rqCQRecord())

		ctrl := wqe.CtrlSeg(f.sendSeg(3 * k))
		assert.Equal(wqe.OpcodeSend, ctrl.Opcode())
		assert.EqualValues(uint16(3*k), ctrl.WQEIndex())
		assert.EqualValues(numSQ, ctrl.QueueNumber())
		assert.EqualValues(3, ctrl.DSCount())
		assert.Equal(make([]byte, wqe.SegSize), f.sendSeg(3*k+1))
		assert.EqualValues(64, wqe.DataSeg(f.sendSeg(3*k+2)).ByteCount())
	}
	assert.EqualValues((8+50)&0xffff, f.rqRecord())
}

func TestReplayAdvancesSendPosition(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, smallConfig())
	e := f.newEngine(t)

	frame := makeFrame(80, 7)
	last := -1
	for i := 0; i < 4; i++ {
		f.receiveAs(frame, 5)
		_, err := e.HandleEvent()
		require.NoError(err)

		idx := int(wqe.CtrlSeg(f.sendSeg(uint32(3 * i))).WQEIndex())
		assert.Greater(idx, last)
		last = idx
		assert.Equal(f.transmitted(0), f.transmitted(uint32(i)))
	}
}

func TestMarker(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, smallConfig())
	e := f.newEngine(t)

	frame := makeFrame(engine.MarkerLength, 0x30)
	var digits []byte
	for k := uint32(0); k < 20; k++ {
		f.receive(frame)
		_, err := e.HandleEvent()
		require.NoError(err)

		out := f.transmitted(k)
		require.Len(out, engine.MarkerLength)
		assert.Equal(frame[12:engine.MarkerOffset], out[12:engine.MarkerOffset])
		assert.Equal(engine.MarkerTag[1:], string(out[engine.MarkerOffset+1:engine.MarkerOffset+len(engine.MarkerTag)]))
		assert.Equal(make([]byte, engine.MarkerLength-engine.MarkerOffset-len(engine.MarkerTag)),
			out[engine.MarkerOffset+len(engine.MarkerTag):])
		digits = append(digits, out[engine.MarkerOffset])
	}
	assert.Equal("123456789abcdef01234", string(digits))
	assert.EqualValues(20, e.Counters().Marked)
}

func TestMarkerDisabled(t *testing.T) {
	assert, require := makeAR(t)
	cfg := smallConfig()
	cfg.NoMarker = true
	f := newFixture(t, cfg)
	e := f.newEngine(t)

	frame := makeFrame(engine.MarkerLength, 0x30)
	f.receive(frame)
	_, err := e.HandleEvent()
	require.NoError(err)
	assert.Equal(frame[12:], f.transmitted(0)[12:])
	assert.Zero(e.Counters().Marked)
}

func TestNonMarkerLengths(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, smallConfig())
	e := f.newEngine(t)

	for k, n := range []int{64, 66, 12, 128} {
		frame := makeFrame(n, byte(k))
		f.receive(frame)
		_, err := e.HandleEvent()
		require.NoError(err)
		assert.Equal(frame[12:], f.transmitted(uint32(k))[12:], "length %d", n)
	}
}

func TestZeroLength(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, smallConfig())
	e := f.newEngine(t)

	f.receive(nil)
	n, err := e.HandleEvent()
	require.NoError(err)
	assert.Equal(1, n)
	d := wqe.DataSeg(f.sendSeg(2))
	assert.Zero(d.ByteCount())
	assert.EqualValues(addrData, d.Addr())
	assert.EqualValues(3, f.sqRecord())
}

func TestCorruptCompletion(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, smallConfig())
	e := f.newEngine(t)

	f.receive(makeFrame(60, 1))
	wqe.PutDataSeg(f.rq[1*wqe.SegSize:], rxEntrySize, lkey, 0xbad00000)
	f.receive(makeFrame(60, 2))

	n, err := e.HandleEvent()
	assert.ErrorIs(err, engine.ErrCorruptCompletion)
	assert.ErrorIs(err, hostmem.ErrUnmapped)
	assert.Equal(1, n)

	// the bad completion stays at the head of the ring
	n, err = e.HandleEvent()
	assert.ErrorIs(err, engine.ErrCorruptCompletion)
	assert.Zero(n)
	assert.EqualValues(1, f.rqCQRecord())
	require.EqualValues(3, f.sqRecord())
}

func TestReapSendCompletions(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, smallConfig())
	e := f.newEngine(t)

	n, err := e.ReapSendCompletions()
	require.NoError(err)
	assert.Zero(n)

	for i := 0; i < 7; i++ {
		op := wqe.OpReq
		if i == 4 {
			op = wqe.OpReqErr
		}
		f.sendCompletion(op)
	}
	n, err = e.ReapSendCompletions()
	require.NoError(err)
	assert.Equal(7, n)
	assert.EqualValues(7, f.sqCQRecord())

	cnt := e.Counters()
	assert.EqualValues(6, cnt.SendCompletions)
	assert.EqualValues(1, cnt.SendErrors)

	cqBells := f.bells.Filter(uint8(ring.KindCompletion))
	require.Len(cqBells, 7)
	assert.Equal(testenv.RecordedBell{Kind: uint8(ring.KindCompletion), Number: numSQCQ, Value: 7}, cqBells[6])
}

func TestSwapMACs(t *testing.T) {
	assert, _ := makeAR(t)

	orig := makeFrame(14, 0xA0)
	b := bytes.Clone(orig)
	engine.SwapMACs(b)
	assert.Equal(orig[6:12], b[0:6])
	assert.Equal(orig[0:6], b[6:12])
	assert.Equal(orig[12:], b[12:])
	engine.SwapMACs(b)
	assert.Equal(orig, b)
}

func TestMarkerDigit(t *testing.T) {
	assert, _ := makeAR(t)
	assert.EqualValues('0', engine.MarkerDigit(0))
	assert.EqualValues('f', engine.MarkerDigit(15))
	assert.EqualValues('1', engine.MarkerDigit(0x101))
}

func TestSendRingFullReapsInline(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, smallConfig())
	e := f.newEngine(t)

	// 16 send slots hold five WQEs
	for k := 0; k < 5; k++ {
		f.receive(makeFrame(60, byte(k)))
		f.sendCompletion(wqe.OpReq)
	}
	_, err := e.HandleEvent()
	require.NoError(err)
	assert.Zero(f.sqCQRecord())

	f.receive(makeFrame(60, 9))
	_, err = e.HandleEvent()
	require.NoError(err)
	assert.EqualValues(5, f.sqCQRecord())
	assert.EqualValues(5, e.Counters().SendCompletions)
	assert.EqualValues(18, f.sqRecord())
}
