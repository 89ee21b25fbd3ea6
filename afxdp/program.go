//go:build linux

package afxdp

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"go.uber.org/multierr"
)

// xdpPass is the action taken for frames arriving on queues without a socket.
const xdpPass = 2

// rxQueueIndexOffset is the offset of rx_queue_index in struct xdp_md.
const rxQueueIndexOffset = 16

// redirector is an XDP program attached to an interface that redirects every
// frame to the AF_XDP socket registered for its receive queue.
type redirector struct {
	xsks *ebpf.Map
	prog *ebpf.Program
	link link.Link
}

func redirectInstructions(xsks *ebpf.Map) asm.Instructions {
	return asm.Instructions{
		// r2 = ctx->rx_queue_index
		asm.LoadMem(asm.R2, asm.R1, rxQueueIndexOffset, asm.Word),
		asm.LoadMapPtr(asm.R1, xsks.FD()),
		// fallback action when no socket is registered for the queue
		asm.Mov.Imm(asm.R3, xdpPass),
		asm.FnRedirectMap.Call(),
		asm.Return(),
	}
}

// attachRedirector loads the program and attaches it to the interface.
// Driver mode is requested when zerocopy is wanted.
func attachRedirector(ifindex int, maxQueues uint32, zerocopy bool) (*redirector, error) {
	r := &redirector{}
	fail := func(format string, err error) (*redirector, error) {
		return nil, multierr.Append(fmt.Errorf(format, err), r.Close())
	}

	var err error
	if r.xsks, err = ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: maxQueues,
	}); err != nil {
		return fail("creating XSK map: %w", err)
	}

	if r.prog, err = ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "xdp_sock_prog",
		Type:         ebpf.XDP,
		License:      "GPL",
		Instructions: redirectInstructions(r.xsks),
	}); err != nil {
		return fail("loading XDP program: %w", err)
	}

	opts := link.XDPOptions{Program: r.prog, Interface: ifindex}
	if zerocopy {
		opts.Flags = link.XDPDriverMode
	}
	if r.link, err = link.AttachXDP(opts); err != nil {
		return fail("attaching XDP: %w", err)
	}
	return r, nil
}

// register routes frames of queue to the socket fd.
func (r *redirector) register(queue uint32, fd int) error {
	return r.xsks.Update(queue, uint32(fd), ebpf.UpdateAny)
}

// Close detaches the program and releases the eBPF objects.
func (r *redirector) Close() (e error) {
	if r.link != nil {
		e = multierr.Append(e, r.link.Close())
		r.link = nil
	}
	if r.prog != nil {
		e = multierr.Append(e, r.prog.Close())
		r.prog = nil
	}
	if r.xsks != nil {
		e = multierr.Append(e, r.xsks.Close())
		r.xsks = nil
	}
	return e
}
