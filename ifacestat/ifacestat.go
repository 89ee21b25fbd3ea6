//go:build linux

// Package ifacestat samples NIC hardware counters through the ethtool ioctl interface.
package ifacestat

import (
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/safchain/ethtool"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	RxPackets
	RxBytes
)

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets_phy"
	case TxBytes:
		return "tx_bytes_phy"
	case RxPackets:
		return "rx_packets_phy"
	case RxBytes:
		return "rx_bytes_phy"
	}
	return ""
}

// fallback is the generic counter name for drivers without port counters.
func (c Counter) fallback() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	}
	return ""
}

// Per-interface values.
type IfaceStats map[Counter]uint64

// Multi-interface stats.
type Stats map[string]IfaceStats

// statsSource is the part of *ethtool.Ethtool the Reader uses.
type statsSource interface {
	Stats(intf string) (map[string]uint64, error)
	GetChannels(intf string) (ethtool.Channels, error)
	Close()
}

// Reader queries interface counters.
type Reader struct {
	src statsSource
}

// NewReader opens an ethtool control socket.
func NewReader() (*Reader, error) {
	e, err := ethtool.NewEthtool()
	if err != nil {
		return nil, fmt.Errorf("ethtool.NewEthtool: %w", err)
	}
	return &Reader{src: e}, nil
}

// Close releases the control socket.
func (r *Reader) Close() {
	r.src.Close()
}

// Snapshot reads counters of every interface in ifaces.
// A counter the driver does not report reads as zero.
func (r *Reader) Snapshot(ifaces []string, counters ...Counter) (Stats, error) {
	s := make(Stats)
	for _, iface := range ifaces {
		all, err := r.src.Stats(iface)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, err)
		}
		vals := make(IfaceStats, len(counters))
		for _, c := range counters {
			v, ok := all[c.String()]
			if !ok {
				v = all[c.fallback()]
			}
			vals[c] = v
		}
		s[iface] = vals
	}
	return s, nil
}

// Queues returns the number of combined queues of iface.
func (r *Reader) Queues(iface string) (uint32, error) {
	ch, err := r.src.GetChannels(iface)
	if err != nil {
		return 0, fmt.Errorf("ethtool.GetChannels(%s): %w", iface, err)
	}
	return max(ch.CombinedCount, ch.RxCount), nil
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

// Print writes one TX and one RX line per interface, sorted by name.
func Print(w io.Writer, s Stats, aliases map[string]string) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]

		if alias, ok := aliases[iface]; ok {
			fmt.Fprintf(w, "%s (%s):\n", iface, alias)
		} else {
			fmt.Fprintf(w, "%s :\n", iface)
		}
		if err := printLine(w, "TX", stats[TxPackets], stats[TxBytes]); err != nil {
			return err
		}
		if err := printLine(w, "RX", stats[RxPackets], stats[RxBytes]); err != nil {
			return err
		}
	}
	return nil
}

func printLine(w io.Writer, dir string, pkts, bytes uint64) error {
	_, err := fmt.Fprintf(w, "  %s   %-12d  ≈ %-8s (%s)\n",
		dir, pkts, humanize.Bytes(bytes), humanize.Comma(int64(bytes)),
	)
	return err
}
