// Package netstack layers the IP/TCP library on top of a link driver and
// exposes the polled, single-threaded network API the rest of the OS uses:
// address acquisition, name resolution, and TCP sessions.
//
// There are no threads and no blocking calls anywhere below this package.
// One Poll(now) pumps the driver and the library; every apparently blocking
// operation is a loop around Poll with an injected clock for its timeout and
// an optional yield hint between iterations.
package netstack

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/emberos/netcore/internal/pcap"
)

const nicID tcpip.NICID = 1

// IPConfig is the address configuration of the single interface, whether it
// came from DHCP or a static assignment. Address and PrefixLen are always
// set together; the DNS list may be empty.
type IPConfig struct {
	Address    [4]byte
	PrefixLen  int
	Gateway    [4]byte
	HasGateway bool
	DNS        [][4]byte
}

func (c IPConfig) String() string {
	gw := "none"
	if c.HasGateway {
		gw = ipString(c.Gateway)
	}
	return fmt.Sprintf("%s/%d gw %s dns %d", ipString(c.Address), c.PrefixLen, gw, len(c.DNS))
}

func ipString(ip [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

// Stack owns the library's interface object and socket collection plus the
// link driver. Exactly one live instance exists behind the package lock.
type Stack struct {
	log  *slog.Logger
	link *linkEndpoint

	mu     sync.Mutex // guards poll and config mutation, never held across a wait
	s      *stack.Stack
	config *IPConfig
	dhcp   *dhcpClient
}

// New builds a stack over the driver: ipv4 and arp network protocols, tcp
// and udp transports, one interface wrapping the driver in the library's
// link endpoint contract.
func New(driver Driver, logger *slog.Logger) (*Stack, error) {
	if logger == nil {
		logger = slog.Default()
	}
	link := newLinkEndpoint(driver, logger)

	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := s.CreateNIC(nicID, ethernet.New(link)); err != nil {
		s.Close()
		return nil, wrapTCPIP("create nic", err)
	}

	return &Stack{
		log:  logger,
		link: link,
		s:    s,
	}, nil
}

// Poll is the single synchronization point: it reclaims driver transmit
// completions, dispatches queued inbound frames into the library, and runs
// any due DHCP lease maintenance. now is the caller's monotonic millisecond
// timestamp.
func (ns *Stack) Poll(now int64) error {
	ns.mu.Lock()
	err := ns.link.poll()
	dhcp := ns.dhcp
	ns.mu.Unlock()
	if err != nil {
		return fmt.Errorf("netstack: poll: %w", err)
	}
	if dhcp != nil {
		dhcp.maintain(now)
	}
	return nil
}

// EnableCapture streams every frame in both directions to out as a pcap
// capture.
func (ns *Stack) EnableCapture(out io.Writer) error {
	w, err := pcap.NewWriter(out, 0)
	if err != nil {
		return err
	}
	ns.link.setCapture(w)
	return nil
}

// Config returns a copy of the current interface configuration, or nil
// before one is set.
func (ns *Stack) Config() *IPConfig {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.config == nil {
		return nil
	}
	cfg := *ns.config
	return &cfg
}

// ConfigureStatic programs the address, on-link route, and optional default
// gateway. It replaces any previous configuration.
func (ns *Stack) ConfigureStatic(cfg IPConfig) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.applyConfigLocked(cfg)
}

func (ns *Stack) applyConfigLocked(cfg IPConfig) error {
	if cfg.PrefixLen <= 0 || cfg.PrefixLen > 32 {
		return fmt.Errorf("%w: prefix length %d", ErrInvalidAddress, cfg.PrefixLen)
	}
	if ns.config != nil {
		if err := ns.s.RemoveAddress(nicID, tcpip.AddrFrom4(ns.config.Address)); err != nil {
			ns.log.Warn("netstack: remove old address", "err", err.String())
		}
	}

	protoAddr := tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFrom4(cfg.Address),
			PrefixLen: cfg.PrefixLen,
		},
	}
	if err := ns.s.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		return wrapTCPIP("add address", err)
	}

	routes := []tcpip.Route{
		{
			Destination: protoAddr.AddressWithPrefix.Subnet(),
			NIC:         nicID,
		},
	}
	if cfg.HasGateway {
		routes = append(routes, tcpip.Route{
			Destination: header.IPv4EmptySubnet,
			Gateway:     tcpip.AddrFrom4(cfg.Gateway),
			NIC:         nicID,
		})
	}
	ns.s.SetRouteTable(routes)

	ns.config = &cfg
	ns.log.Info("netstack: interface configured", "config", cfg.String())
	return nil
}

func (ns *Stack) dropConfigLocked() {
	if ns.config == nil {
		return
	}
	if err := ns.s.RemoveAddress(nicID, tcpip.AddrFrom4(ns.config.Address)); err != nil {
		ns.log.Warn("netstack: remove address", "err", err.String())
	}
	ns.s.SetRouteTable(nil)
	ns.config = nil
}

// newEndpoint creates one transport endpoint with its waiter queue.
func (ns *Stack) newEndpoint(transport tcpip.TransportProtocolNumber) (tcpip.Endpoint, *waiter.Queue, error) {
	wq := new(waiter.Queue)
	ep, err := ns.s.NewEndpoint(transport, ipv4.ProtocolNumber, wq)
	if err != nil {
		return nil, nil, wrapTCPIP("new endpoint", err)
	}
	return ep, wq, nil
}

// Close tears the stack down. The driver is left to its owner.
func (ns *Stack) Close() {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.s.Close()
}

var (
	globalMu sync.Mutex
	global   *Stack
)

// Init creates the process-wide stack instance over the driver. A second
// Init without an intervening Shutdown fails with ErrAlreadyInitialized.
func Init(driver Driver, logger *slog.Logger) (*Stack, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return nil, ErrAlreadyInitialized
	}
	ns, err := New(driver, logger)
	if err != nil {
		return nil, err
	}
	global = ns
	return ns, nil
}

// Get returns the process-wide stack.
func Get() (*Stack, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		return nil, ErrNotInitialized
	}
	return global, nil
}

// PollGlobal drives the process-wide stack; interrupt handlers and the idle
// loop both funnel through here.
func PollGlobal(now int64) error {
	ns, err := Get()
	if err != nil {
		return err
	}
	return ns.Poll(now)
}

// Shutdown closes and releases the process-wide stack.
func Shutdown() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		global.Close()
		global = nil
	}
}
