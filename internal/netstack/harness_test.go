package netstack

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

var (
	localIP = [4]byte{10, 42, 0, 2}
	peerIP  = [4]byte{10, 42, 0, 1}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sysClock() int64 {
	return time.Now().UnixMilli()
}

// fakeClock is advanced explicitly, usually from a Yield hook.
type fakeClock struct {
	ms atomic.Int64
}

func (c *fakeClock) now() int64 {
	return c.ms.Load()
}

func (c *fakeClock) advance(ms int64) {
	c.ms.Add(ms)
}

// pipeDriver is an in-memory link: transmitted frames go to an inject hook,
// received frames come from a queue the harness fills.
type pipeDriver struct {
	mac    [6]byte
	inject func(frame []byte)

	mu sync.Mutex
	rx [][]byte
}

func newPipeDriver() *pipeDriver {
	return &pipeDriver{mac: [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}}
}

func (d *pipeDriver) Send(frame []byte) error {
	out := append([]byte(nil), frame...)
	if d.inject != nil {
		d.inject(out)
	}
	return nil
}

func (d *pipeDriver) Receive() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.rx) == 0 {
		return nil, nil
	}
	frame := d.rx[0]
	d.rx = d.rx[1:]
	return frame, nil
}

func (d *pipeDriver) enqueue(frame []byte) {
	d.mu.Lock()
	d.rx = append(d.rx, append([]byte(nil), frame...))
	d.mu.Unlock()
}

func (d *pipeDriver) MAC() [6]byte   { return d.mac }
func (d *pipeDriver) IsLinkUp() bool { return true }
func (d *pipeDriver) Poll() error    { return nil }

// peerHarness wires a Stack through a pipeDriver to an independent peer
// stack built on a channel endpoint, so tests can run real servers on the
// far side of the link.
type peerHarness struct {
	ns   *Stack
	peer *stack.Stack
	drv  *pipeDriver
}

func newPeerHarness(t *testing.T) *peerHarness {
	t.Helper()

	drv := newPipeDriver()
	ns, err := New(drv, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	peerMAC := tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")
	ch := channel.New(4096, 1500+header.EthernetMinimumSize, peerMAC)
	peer := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := peer.CreateNIC(1, ethernet.New(ch)); err != nil {
		t.Fatalf("peer CreateNIC: %v", err)
	}
	if err := peer.AddProtocolAddress(1, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFrom4(peerIP),
			PrefixLen: 24,
		},
	}, stack.AddressProperties{}); err != nil {
		t.Fatalf("peer AddProtocolAddress: %v", err)
	}
	peer.SetRouteTable([]tcpip.Route{{
		Destination: header.IPv4EmptySubnet,
		NIC:         1,
	}})

	// Stack -> peer.
	drv.inject = func(frame []byte) {
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(frame),
		})
		ch.InjectInbound(0, pkt)
	}

	// Peer -> stack.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			pkt := ch.ReadContext(ctx)
			if pkt == nil {
				return
			}
			frame := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()
			drv.enqueue(frame)
		}
	}()

	t.Cleanup(func() {
		cancel()
		ch.Close()
		peer.Close()
		ns.Close()
	})

	return &peerHarness{ns: ns, peer: peer, drv: drv}
}

// configureLocal gives the near side its static address.
func (h *peerHarness) configureLocal(t *testing.T, dns ...[4]byte) {
	t.Helper()
	if err := h.ns.ConfigureStatic(IPConfig{
		Address:   localIP,
		PrefixLen: 24,
		DNS:       dns,
	}); err != nil {
		t.Fatalf("ConfigureStatic: %v", err)
	}
}
