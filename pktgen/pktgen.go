// Package pktgen builds the UDP test frames the reflector is exercised with and
// checks what comes back.
package pktgen

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/romshark/nicring/engine"
)

// HeaderLength is the Ethernet, IPv4 and UDP header length of generated frames.
const HeaderLength = 14 + 20 + 8

// MinLength is the shortest frame Ethernet allows without FCS.
const MinLength = 60

var ErrMismatch = errors.New("reflected frame mismatch")

// Config describes the generated flow.
type Config struct {
	SrcMAC  string `yaml:"src-mac"`
	DstMAC  string `yaml:"dst-mac"`
	SrcIP   string `yaml:"src-ip"`
	DstIP   string `yaml:"dst-ip"`
	SrcPort uint16 `yaml:"src-port"`
	DstPort uint16 `yaml:"dst-port"`
	// Length is the frame length. MarkerLength-byte frames are tagged by the engine.
	Length int `yaml:"length"`
}

// ValidateAndSetDefaults fills unset fields with a 65-byte flow between two
// locally administered addresses.
func (c *Config) ValidateAndSetDefaults() error {
	def := func(s *string, v string) {
		if *s == "" {
			*s = v
		}
	}
	def(&c.SrcMAC, "02:00:00:00:00:01")
	def(&c.DstMAC, "02:00:00:00:00:02")
	def(&c.SrcIP, "192.168.55.1")
	def(&c.DstIP, "192.168.55.2")
	if c.SrcPort == 0 {
		c.SrcPort = 4791
	}
	if c.DstPort == 0 {
		c.DstPort = 4791
	}
	if c.Length == 0 {
		c.Length = engine.MarkerLength
	}
	if c.Length < MinLength {
		return fmt.Errorf("frame length %d below minimum %d", c.Length, MinLength)
	}
	return nil
}

// Generator builds frames of one flow. Not safe for concurrent use.
type Generator struct {
	eth     layers.Ethernet
	ip      layers.IPv4
	udp     layers.UDP
	payload []byte
	buf     gopacket.SerializeBuffer
}

// New validates cfg and prepares the flow's headers.
func New(cfg Config) (*Generator, error) {
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	src, err := net.ParseMAC(cfg.SrcMAC)
	if err != nil {
		return nil, fmt.Errorf("invalid src-mac %q: %w", cfg.SrcMAC, err)
	}
	dst, err := net.ParseMAC(cfg.DstMAC)
	if err != nil {
		return nil, fmt.Errorf("invalid dst-mac %q: %w", cfg.DstMAC, err)
	}
	srcIP, dstIP := net.ParseIP(cfg.SrcIP).To4(), net.ParseIP(cfg.DstIP).To4()
	if srcIP == nil || dstIP == nil {
		return nil, fmt.Errorf("invalid IPv4 address pair %q %q", cfg.SrcIP, cfg.DstIP)
	}

	g := &Generator{
		eth: layers.Ethernet{
			SrcMAC:       src,
			DstMAC:       dst,
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip: layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    srcIP,
			DstIP:    dstIP,
		},
		udp: layers.UDP{
			SrcPort: layers.UDPPort(cfg.SrcPort),
			DstPort: layers.UDPPort(cfg.DstPort),
		},
		payload: make([]byte, cfg.Length-HeaderLength),
		buf:     gopacket.NewSerializeBuffer(),
	}
	if err := g.udp.SetNetworkLayerForChecksum(&g.ip); err != nil {
		return nil, err
	}
	return g, nil
}

// Frame returns a new frame carrying seq in the first payload bytes.
func (g *Generator) Frame(seq uint32) ([]byte, error) {
	for i := range g.payload {
		g.payload[i] = byte(i)
	}
	if len(g.payload) >= 4 {
		binary.BigEndian.PutUint32(g.payload, seq)
	}
	g.ip.Id = uint16(seq)

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(g.buf, opts, &g.eth, &g.ip, &g.udp, gopacket.Payload(g.payload)); err != nil {
		return nil, fmt.Errorf("serializing frame %d: %w", seq, err)
	}
	return bytes.Clone(g.buf.Bytes()), nil
}

// Expect returns the frame the engine transmits for sent: addresses swapped and,
// when digit is not zero, the diagnostic marker stamped with that digit.
func Expect(sent []byte, digit byte) []byte {
	want := bytes.Clone(sent)
	engine.SwapMACs(want)
	if digit != 0 && len(want) == engine.MarkerLength {
		tail := want[engine.MarkerOffset:]
		clear(tail)
		copy(tail, engine.MarkerTag)
		tail[0] = digit
	}
	return want
}

// Check compares a reflected frame with the expected one and describes the first
// difference it finds, layer by layer.
func Check(want, got []byte) error {
	if bytes.Equal(want, got) {
		return nil
	}
	if len(want) != len(got) {
		return fmt.Errorf("%w: length %d, want %d", ErrMismatch, len(got), len(want))
	}

	pw := gopacket.NewPacket(want, layers.LayerTypeEthernet, gopacket.NoCopy)
	pg := gopacket.NewPacket(got, layers.LayerTypeEthernet, gopacket.NoCopy)
	ew, _ := pw.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	eg, _ := pg.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if ew == nil || eg == nil {
		return fmt.Errorf("%w: not an Ethernet frame", ErrMismatch)
	}
	if !bytes.Equal(ew.DstMAC, eg.DstMAC) || !bytes.Equal(ew.SrcMAC, eg.SrcMAC) {
		return fmt.Errorf("%w: addresses %s>%s, want %s>%s", ErrMismatch, eg.SrcMAC, eg.DstMAC, ew.SrcMAC, ew.DstMAC)
	}

	if iw, ig := pw.Layer(layers.LayerTypeIPv4), pg.Layer(layers.LayerTypeIPv4); iw != nil && ig != nil &&
		!bytes.Equal(iw.LayerContents(), ig.LayerContents()) {
		return fmt.Errorf("%w: IPv4 header differs", ErrMismatch)
	}
	if uw, ug := pw.Layer(layers.LayerTypeUDP), pg.Layer(layers.LayerTypeUDP); uw != nil && ug != nil {
		if !bytes.Equal(uw.LayerContents(), ug.LayerContents()) {
			return fmt.Errorf("%w: UDP header differs", ErrMismatch)
		}
		return fmt.Errorf("%w: UDP payload %q, want %q", ErrMismatch, ug.LayerPayload(), uw.LayerPayload())
	}
	return fmt.Errorf("%w: frame bytes differ", ErrMismatch)
}
