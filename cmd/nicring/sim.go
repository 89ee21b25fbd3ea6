//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/romshark/nicring/dispatch"
	"github.com/romshark/nicring/engine"
	"github.com/romshark/nicring/hwsim"
	"github.com/romshark/nicring/pktgen"
	"github.com/romshark/nicring/ratelimit"
)

// stack is a simulated NIC with the engine and dispatcher attached to it.
type stack struct {
	nic  *hwsim.NIC
	eng  *engine.Engine
	disp *dispatch.Dispatcher
}

func openStack(conf hwsim.Config, noMarker bool) (*stack, error) {
	nic, err := hwsim.New(conf)
	if err != nil {
		return nil, fmt.Errorf("creating device: %w", err)
	}
	eng, err := engine.New(nic.Memory(), nic.HandoffRecord(), nic, engine.Config{
		Geometry: nic.Config().Rings,
		NoMarker: noMarker,
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("starting engine: %w", err), nic.Close())
	}
	slots, number := nic.EventRing()
	return &stack{
		nic:  nic,
		eng:  eng,
		disp: dispatch.New(slots, number, nic, nic.Events(), eng),
	}, nil
}

// checker compares every transmitted frame with what the engine should make of
// the frame injected at the same position.
type checker struct {
	gen    *pktgen.Generator
	marker bool

	n          uint32
	mismatches atomic.Uint64
	first      error
}

func (ck *checker) transmit(frame []byte) {
	seq := ck.n
	ck.n++
	sent, err := ck.gen.Frame(seq)
	if err == nil {
		var digit byte
		if ck.marker {
			digit = engine.MarkerDigit(seq + 1)
		}
		err = pktgen.Check(pktgen.Expect(sent, digit), frame)
	}
	if err != nil {
		if ck.mismatches.Add(1) == 1 {
			ck.first = fmt.Errorf("frame %d: %w", seq, err)
		}
		logger.Debug("reflected frame mismatch", zap.Uint32("seq", seq), zap.Error(err))
	}
}

func init() {
	var count, rate uint64
	var length int
	var noMarker, selfTest bool
	defineCommand(&cli.Command{
		Name:  "sim",
		Usage: "Inject generated frames into the simulated device and report what the engine reflected.",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:        "count",
				Aliases:     []string{"n"},
				Usage:       "Number of frames to inject.",
				Destination: &count,
			},
			&cli.Uint64Flag{
				Name:        "rate",
				Usage:       "Injection rate in frames per second, 0 for unlimited.",
				Destination: &rate,
			},
			&cli.IntFlag{
				Name:        "length",
				Aliases:     []string{"l"},
				Usage:       "Frame length in bytes.",
				Destination: &length,
			},
			&cli.BoolFlag{
				Name:        "no-marker",
				Usage:       "Do not stamp the diagnostic marker.",
				Destination: &noMarker,
			},
			&cli.BoolFlag{
				Name:        "test",
				Usage:       "Verify every reflected frame and fail on mismatch.",
				Destination: &selfTest,
			},
		},
		Action: func(c *cli.Context) (e error) {
			conf, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("count") {
				conf.Count = count
			}
			if c.IsSet("rate") {
				conf.Rate = rate
			}
			if c.IsSet("length") {
				conf.Traffic.Length = length
			}
			if noMarker {
				conf.NoMarker = true
			}
			if err := conf.validate(); err != nil {
				return err
			}
			if c.Bool("print-config") {
				if err := conf.print(os.Stderr); err != nil {
					return err
				}
			}

			gen, err := pktgen.New(conf.Traffic)
			if err != nil {
				return err
			}
			st, err := openStack(conf.Device, conf.NoMarker)
			if err != nil {
				return err
			}
			defer func() { e = multierr.Append(e, st.nic.Close()) }()

			var ck *checker
			if selfTest {
				check, err := pktgen.New(conf.Traffic)
				if err != nil {
					return err
				}
				ck = &checker{gen: check, marker: !conf.NoMarker}
				st.nic.SetTransmit(ck.transmit)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSim(ctx, st, gen, conf, ck)
		},
	})
}

func runSim(ctx context.Context, st *stack, gen *pktgen.Generator, conf *Config, ck *checker) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var dispErr error
	wg.Go(func() {
		if err := st.disp.Run(ctx); !errors.Is(err, context.Canceled) {
			dispErr = err
			cancel()
		}
	})
	wg.Go(func() { printProgress(ctx, st.eng) })

	start := time.Now()
	injected, retries, injErr := inject(ctx, st.nic, gen, conf.Count, ratelimit.New(conf.Rate))
	if injErr == nil {
		// let the engine drain what the device already accepted
		deadline := time.Now().Add(2 * time.Second)
		for st.eng.Counters().SendCompletions+st.eng.Counters().SendErrors < injected &&
			time.Now().Before(deadline) && ctx.Err() == nil {
			time.Sleep(time.Millisecond)
		}
	}
	elapsed := time.Since(start)
	cancel()
	wg.Wait()

	printReport(os.Stdout, report{
		Elapsed:  elapsed,
		Injected: injected,
		Retries:  retries,
		Engine:   st.eng.Counters(),
		Device:   st.nic.Counters(),
		Checked:  ck != nil,
		Mismatch: ck.count(),
	})

	switch {
	case dispErr != nil:
		return dispErr
	case injErr != nil && !errors.Is(injErr, context.Canceled):
		return injErr
	case ck != nil && ck.count() > 0:
		return fmt.Errorf("%d reflected frames differ, first: %w", ck.count(), ck.first)
	}
	return nil
}

func (ck *checker) count() uint64 {
	if ck == nil {
		return 0
	}
	return ck.mismatches.Load()
}

// inject delivers count frames to the device. A frame the device has no room for
// is retried until the engine frees a receive buffer.
func inject(ctx context.Context, nic *hwsim.NIC, gen *pktgen.Generator, count uint64, rl *ratelimit.Throttle) (sent, retries uint64, err error) {
	for seq := uint64(0); seq < count; seq++ {
		if err := rl.Wait(ctx, 1); err != nil {
			return sent, retries, err
		}
		frame, err := gen.Frame(uint32(seq))
		if err != nil {
			return sent, retries, err
		}
		for {
			err := nic.Receive(frame)
			if err == nil {
				break
			}
			if !errors.Is(err, hwsim.ErrNoReceiveBuffer) && !errors.Is(err, hwsim.ErrCompletionOverflow) {
				return sent, retries, fmt.Errorf("injecting frame %d: %w", seq, err)
			}
			if ctx.Err() != nil {
				return sent, retries, ctx.Err()
			}
			retries++
			time.Sleep(10 * time.Microsecond)
		}
		sent++
	}
	return sent, retries, nil
}
