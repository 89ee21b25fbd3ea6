package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/romshark/nicring/dispatch"
	"github.com/romshark/nicring/internal/testenv"
	"github.com/romshark/nicring/ring"
	"github.com/romshark/nicring/wqe"
)

var makeAR = testenv.MakeAR

const (
	eqSize = 4
	eqNum  = 7
	rxCQ   = 0x21
	txCQ   = 0x22
)

type handler struct {
	calls []string
	fail  error
}

func (h *handler) HandleEvent() (int, error) {
	h.calls = append(h.calls, "rx")
	return 1, h.fail
}

func (h *handler) ReapSendCompletions() (int, error) {
	h.calls = append(h.calls, "tx")
	return 1, nil
}

func (h *handler) ReceiveCompletionRing() uint32 { return rxCQ }
func (h *handler) SendCompletionRing() uint32    { return txCQ }

type bells struct{ testenv.BellRecorder }

func (b *bells) Ring(kind ring.Kind, number uint32, value uint32) {
	b.Add(uint8(kind), number, value)
}

type fixture struct {
	mem      []byte
	produced uint32
	bells    *bells
	h        *handler
	signal   chan struct{}
	d        *dispatch.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	_, require := makeAR(t)
	f := &fixture{
		mem:    make([]byte, eqSize*wqe.EQESize),
		bells:  &bells{},
		h:      &handler{},
		signal: make(chan struct{}, 1),
	}
	wqe.InitEQEs(f.mem)
	slots, err := ring.NewRegion(f.mem, eqSize, wqe.EQESize)
	require.NoError(err)
	f.d = dispatch.New(slots, eqNum, f.bells, f.signal, f.h)
	return f
}

func (f *fixture) event(cqn uint32) {
	pos := f.produced % eqSize
	owner := uint8(f.produced/eqSize) & 1
	wqe.PutEQE(f.mem[pos*wqe.EQESize:(pos+1)*wqe.EQESize], cqn, owner)
	f.produced++
}

func TestPoll(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t)

	n, err := f.d.Poll()
	require.NoError(err)
	assert.Zero(n)
	assert.Empty(f.bells.Bells)

	f.event(rxCQ)
	f.event(txCQ)
	f.event(0x99)
	n, err = f.d.Poll()
	require.NoError(err)
	assert.Equal(3, n)
	assert.Equal([]string{"rx", "tx"}, f.h.calls)
	assert.Equal([]testenv.RecordedBell{
		{Kind: uint8(ring.KindEvent), Number: eqNum, Value: 0},
		{Kind: uint8(ring.KindEvent), Number: eqNum, Value: 1},
		{Kind: uint8(ring.KindEvent), Number: eqNum, Value: 2},
	}, f.bells.Bells)

	// wrap the event ring twice
	for i := 0; i < 2*eqSize; i++ {
		f.event(rxCQ)
		n, err = f.d.Poll()
		require.NoError(err)
		require.Equal(1, n)
	}
	assert.Len(f.h.calls, 2+2*eqSize)
	assert.EqualValues(3+2*eqSize-1, f.bells.Bells[len(f.bells.Bells)-1].Value)
}

func TestPollFatal(t *testing.T) {
	assert, _ := makeAR(t)
	f := newFixture(t)

	errFatal := errors.New("fatal")
	f.h.fail = errFatal
	f.event(rxCQ)
	n, err := f.d.Poll()
	assert.ErrorIs(err, errFatal)
	assert.Zero(n)
	assert.Empty(f.bells.Bells)

	// the entry stays at the head
	_, err = f.d.Poll()
	assert.ErrorIs(err, errFatal)
	assert.Len(f.h.calls, 2)
}

func TestRun(t *testing.T) {
	assert, _ := makeAR(t)
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunFatal(t *testing.T) {
	assert, _ := makeAR(t)
	f := newFixture(t)

	errFatal := errors.New("fatal")
	f.h.fail = errFatal
	f.event(rxCQ)
	err := f.d.Run(context.Background())
	assert.ErrorIs(err, errFatal)
}
