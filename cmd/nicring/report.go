//go:build linux

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/nicring/engine"
	"github.com/romshark/nicring/hwsim"
)

// printProgress prints engine throughput once a second until ctx is done.
func printProgress(ctx context.Context, eng *engine.Engine) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	var last engine.Counters
	lastTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			dt := now.Sub(lastTime).Seconds()
			lastTime = now

			cnt := eng.Counters()
			pps := uint64(float64(cnt.Packets-last.Packets) / dt)
			mbps := float64((cnt.Bytes-last.Bytes)*8) / 1e6 / dt
			last = cnt

			fmt.Fprintf(os.Stderr, "RX=%d TX=%d PPS=%d Mbps=%.1f\n",
				cnt.Packets, cnt.SendCompletions, pps, mbps)
		}
	}
}

type report struct {
	Elapsed  time.Duration
	Injected uint64
	Retries  uint64
	Engine   engine.Counters
	Device   hwsim.Counters
	Checked  bool
	Mismatch uint64
}

func printReport(w io.Writer, r report) {
	elapsed := r.Elapsed.Seconds()
	avgPPS := uint64(float64(r.Engine.Packets) / elapsed)
	avgMbps := float64(r.Engine.Bytes*8) / 1e6 / elapsed

	p := message.NewPrinter(language.English)
	p.Fprint(w, "\nFINAL REPORT\n")
	p.Fprintf(w, " Elapsed:           %.3f s\n", elapsed)
	p.Fprintf(w, " Injected:          %d frames (%d retries)\n", r.Injected, r.Retries)
	p.Fprintf(w, " Reflected:         %d frames ≈ %s\n", r.Engine.Packets, humanize.Bytes(r.Engine.Bytes))
	p.Fprintf(w, " Marked:            %d\n", r.Engine.Marked)
	p.Fprintf(w, " Sent:              %d ok, %d errors\n", r.Engine.SendCompletions, r.Engine.SendErrors)
	p.Fprintf(w, " Device:            rx %d, drops %d, tx %d, tx errors %d, events %d\n",
		r.Device.RxFrames, r.Device.RxDrops, r.Device.TxFrames, r.Device.TxErrors, r.Device.Events)
	p.Fprintf(w, " Avg PPS:           %d\n", avgPPS)
	p.Fprintf(w, " Avg rate:          %.1f Mbps\n", avgMbps)
	if r.Checked {
		p.Fprintf(w, " Mismatches:        %d\n", r.Mismatch)
	}
}
