//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/romshark/nicring/afxdp"
	"github.com/romshark/nicring/ifacestat"
)

func init() {
	var iface string
	var queue uint
	var zerocopy bool
	var duration time.Duration
	defineCommand(&cli.Command{
		Name:  "xdp",
		Usage: "Reflect the traffic of one interface queue through the engine over AF_XDP.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "iface",
				Aliases:     []string{"i"},
				Usage:       "Network `interface`.",
				Destination: &iface,
			},
			&cli.UintFlag{
				Name:        "queue",
				Aliases:     []string{"q"},
				Usage:       "Queue `id`.",
				Destination: &queue,
			},
			&cli.BoolFlag{
				Name:        "zerocopy",
				Aliases:     []string{"z"},
				Usage:       "Prefer zero-copy mode.",
				Destination: &zerocopy,
			},
			&cli.DurationFlag{
				Name:        "duration",
				Usage:       "Stop after `duration`, 0 runs until interrupted.",
				Destination: &duration,
			},
		},
		Action: func(c *cli.Context) (e error) {
			conf, err := loadConfig(c)
			if err != nil {
				return err
			}
			if iface != "" {
				conf.Port.Interface = iface
			}
			if c.IsSet("queue") {
				conf.Port.Queue = uint32(queue)
			}
			if zerocopy {
				conf.Port.Zerocopy = true
			}
			if err := errors.Join(conf.validate(), conf.Port.ValidateAndSetDefaults()); err != nil {
				return err
			}
			if c.Bool("print-config") {
				if err := conf.print(os.Stderr); err != nil {
					return err
				}
			}

			stats, err := ifacestat.NewReader()
			if err != nil {
				return err
			}
			defer stats.Close()
			if n, err := stats.Queues(conf.Port.Interface); err != nil {
				logger.Warn("cannot read queue count", zap.Error(err))
			} else if conf.Port.Queue >= n {
				return fmt.Errorf("queue %d out of range, %s has %d queues", conf.Port.Queue, conf.Port.Interface, n)
			}

			counters := []ifacestat.Counter{ifacestat.RxPackets, ifacestat.RxBytes, ifacestat.TxPackets, ifacestat.TxBytes}
			ifaces := []string{conf.Port.Interface}
			before, err := stats.Snapshot(ifaces, counters...)
			if err != nil {
				return err
			}

			st, err := openStack(conf.Device, conf.NoMarker)
			if err != nil {
				return err
			}
			defer func() { e = multierr.Append(e, st.nic.Close()) }()

			sock, err := afxdp.Open(conf.Port)
			if err != nil {
				return err
			}
			defer func() { e = multierr.Append(e, sock.Close()) }()
			logger.Info("reflecting",
				zap.String("iface", conf.Port.Interface),
				zap.Uint32("queue", conf.Port.Queue),
				zap.Bool("zerocopy", sock.IsZerocopy()),
			)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			bridge := afxdp.NewBridge(sock, st.nic)
			if err := runBridge(ctx, st, bridge); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "bridge: %s\nengine: %s\n", bridge.Counters(), st.eng.Counters())

			after, err := stats.Snapshot(ifaces, counters...)
			if err != nil {
				return err
			}
			return ifacestat.Print(os.Stdout, after.Since(before), nil)
		},
	})
}

// runBridge runs the dispatcher and the bridge until ctx is done or one of them fails.
func runBridge(ctx context.Context, st *stack, bridge *afxdp.Bridge) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs error
	run := func(name string, fn func(context.Context) error) {
		wg.Go(func() {
			if err := fn(ctx); !errors.Is(err, context.Canceled) {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				cancel()
			}
		})
	}
	run("dispatcher", st.disp.Run)
	run("bridge", bridge.Run)
	wg.Go(func() { printProgress(ctx, st.eng) })
	wg.Wait()
	return errs
}
