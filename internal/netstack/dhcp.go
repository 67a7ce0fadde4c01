package netstack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// DHCP wire constants. The packet layout is fixed BOOTP plus the option
// region behind the magic cookie.
const (
	dhcpServerPort = 67
	dhcpClientPort = 68

	dhcpOpRequest = 1
	dhcpOpReply   = 2

	dhcpTypeDiscover = 1
	dhcpTypeOffer    = 2
	dhcpTypeRequest  = 3
	dhcpTypeAck      = 5
	dhcpTypeNak      = 6

	optSubnetMask    = 1
	optRouter        = 3
	optDNSServer     = 6
	optHostname      = 12
	optRequestedIP   = 50
	optLeaseTime     = 51
	optMessageType   = 53
	optServerID      = 54
	optParamRequest  = 55
	optRenewalTime   = 58
	optRebindingTime = 59
	optEnd           = 255

	dhcpFixedLen        = 240 // through the magic cookie
	dhcpFlagBroadcast   = 0x8000
	dhcpRetryIntervalMS = 2000
)

var dhcpMagicCookie = [4]byte{99, 130, 83, 99}

// DHCPState is the client's position in the lease lifecycle.
type DHCPState int

const (
	DHCPInit DHCPState = iota
	DHCPDiscovering
	DHCPRequesting
	DHCPConfigured
	DHCPRenewing
	DHCPRebinding
	DHCPFailed
)

func (s DHCPState) String() string {
	switch s {
	case DHCPInit:
		return "init"
	case DHCPDiscovering:
		return "discovering"
	case DHCPRequesting:
		return "requesting"
	case DHCPConfigured:
		return "configured"
	case DHCPRenewing:
		return "renewing"
	case DHCPRebinding:
		return "rebinding"
	case DHCPFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// dhcpClient runs one lease over the stack's interface. Acquisition is a
// polled wait; after that, lease maintenance rides on Stack.Poll.
type dhcpClient struct {
	ns    *Stack
	log   *slog.Logger
	clock Clock
	mac   [6]byte

	mu       sync.Mutex
	state    DHCPState
	ep       tcpip.Endpoint
	xid      uint32
	serverID [4]byte
	lease    IPConfig

	leaseStart int64
	t1MS       int64
	t2MS       int64
	leaseMS    int64
	lastSend   int64
}

// DHCPState reports the lease lifecycle position of the stack's DHCP
// client, DHCPInit when none has run.
func (ns *Stack) DHCPState() DHCPState {
	ns.mu.Lock()
	c := ns.dhcp
	ns.mu.Unlock()
	if c == nil {
		return DHCPInit
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AcquireDHCP obtains an address lease and programs it into the interface.
// It polls the stack until the DISCOVER/OFFER/REQUEST/ACK exchange finishes
// or the clock passes timeoutMS. The returned config is also retrievable via
// Config, and the lease is kept alive by subsequent Poll calls.
func (ns *Stack) AcquireDHCP(timeoutMS int64, clock Clock, yield Yield) (*IPConfig, error) {
	c := &dhcpClient{
		ns:    ns,
		log:   ns.log,
		clock: clock,
		mac:   ns.link.driver.MAC(),
		state: DHCPInit,
	}

	ns.mu.Lock()
	ns.dhcp = c
	ns.mu.Unlock()

	cfg, err := c.acquire(timeoutMS, yield)
	if err != nil {
		ns.mu.Lock()
		ns.dhcp = nil
		ns.mu.Unlock()
		return nil, err
	}
	return cfg, nil
}

func (c *dhcpClient) acquire(timeoutMS int64, yield Yield) (*IPConfig, error) {
	ns := c.ns

	// The interface has no address yet, so the stack must accept frames for
	// the yiaddr the server picked and let us send from 0.0.0.0.
	if err := wrapTCPIP("set promiscuous", ns.s.SetPromiscuousMode(nicID, true)); err != nil {
		return nil, err
	}
	if err := wrapTCPIP("set spoofing", ns.s.SetSpoofing(nicID, true)); err != nil {
		return nil, err
	}
	defer func() {
		if err := ns.s.SetPromiscuousMode(nicID, false); err != nil {
			c.log.Warn("dhcp: clear promiscuous", "err", err.String())
		}
		if err := ns.s.SetSpoofing(nicID, false); err != nil {
			c.log.Warn("dhcp: clear spoofing", "err", err.String())
		}
	}()

	// Broadcast needs a route before any address exists.
	ns.mu.Lock()
	if ns.config == nil {
		ns.s.SetRouteTable([]tcpip.Route{{Destination: header.IPv4EmptySubnet, NIC: nicID}})
	}
	ns.mu.Unlock()

	ep, _, err := ns.newEndpoint(udp.ProtocolNumber)
	if err != nil {
		return nil, err
	}
	ep.SocketOptions().SetBroadcast(true)
	if err := wrapTCPIP("dhcp bind", ep.Bind(tcpip.FullAddress{NIC: nicID, Port: dhcpClientPort})); err != nil {
		ep.Close()
		return nil, err
	}

	c.mu.Lock()
	c.ep = ep
	c.xid = uint32(c.clock())<<16 | uint32(binary.BigEndian.Uint16(c.mac[4:6]))
	c.state = DHCPDiscovering
	c.mu.Unlock()

	dl := newDeadline(c.clock, timeoutMS)
	c.broadcastDiscover()

	for {
		if dl.expired() {
			c.fail()
			return nil, fmt.Errorf("dhcp acquire: %w", ErrTimeout)
		}
		if err := ns.Poll(c.clock()); err != nil {
			c.fail()
			return nil, err
		}

		for {
			msg, ok, err := c.readReply()
			if err != nil {
				c.fail()
				return nil, err
			}
			if !ok {
				break
			}
			done, err := c.handleReply(msg)
			if err != nil {
				c.log.Warn("dhcp: dropping reply", "err", err)
				continue
			}
			if done {
				cfg := c.lease
				if err := c.commitLease(); err != nil {
					c.fail()
					return nil, err
				}
				return &cfg, nil
			}
		}

		c.retransmitIfDue()
		yield.call()
	}
}

// handleReply advances the state machine on one server message. It returns
// true once an ACK has been accepted.
func (c *dhcpClient) handleReply(raw []byte) (bool, error) {
	msg, err := parseDHCP(raw, c.xid)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case DHCPDiscovering:
		if msg.msgType != dhcpTypeOffer {
			return false, nil
		}
		c.lease = msg.config()
		c.serverID = msg.serverID
		c.state = DHCPRequesting
		c.log.Info("dhcp: offer received",
			"addr", ipString(msg.yiaddr), "server", ipString(msg.serverID))
		c.sendRequestLocked(true)
		return false, nil

	case DHCPRequesting, DHCPRenewing, DHCPRebinding:
		switch msg.msgType {
		case dhcpTypeAck:
			c.lease = msg.config()
			c.serverID = msg.serverID
			c.recordTimersLocked(msg)
			return true, nil
		case dhcpTypeNak:
			c.log.Warn("dhcp: request refused, restarting discovery")
			c.state = DHCPDiscovering
			c.broadcastDiscoverLocked()
			return false, nil
		}
		return false, nil

	default:
		return false, nil
	}
}

func (c *dhcpClient) recordTimersLocked(msg *dhcpMessage) {
	c.leaseStart = c.clock()
	c.leaseMS = int64(msg.leaseSec) * 1000
	if c.leaseMS == 0 {
		c.leaseMS = 24 * 3600 * 1000
	}
	c.t1MS = int64(msg.t1Sec) * 1000
	if c.t1MS == 0 {
		c.t1MS = c.leaseMS / 2
	}
	c.t2MS = int64(msg.t2Sec) * 1000
	if c.t2MS == 0 {
		c.t2MS = c.leaseMS * 7 / 8
	}
}

// commitLease programs the ACKed configuration into the interface and moves
// to the configured state. The endpoint stays open for renewals.
func (c *dhcpClient) commitLease() error {
	c.mu.Lock()
	cfg := c.lease
	c.mu.Unlock()

	c.ns.mu.Lock()
	err := c.ns.applyConfigLocked(cfg)
	c.ns.mu.Unlock()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.state = DHCPConfigured
	c.mu.Unlock()
	return nil
}

func (c *dhcpClient) fail() {
	c.mu.Lock()
	c.state = DHCPFailed
	if c.ep != nil {
		c.ep.Close()
		c.ep = nil
	}
	c.mu.Unlock()
}

// maintain runs lease timers from Stack.Poll. Renewals are fire-and-forget:
// the reply, when it arrives, is picked up by a later maintain call through
// the still-open endpoint.
func (c *dhcpClient) maintain(now int64) {
	c.mu.Lock()
	state := c.state
	elapsed := now - c.leaseStart
	c.mu.Unlock()

	switch state {
	case DHCPConfigured, DHCPRenewing, DHCPRebinding:
	default:
		return
	}

	if elapsed >= c.leaseMS {
		c.log.Error("dhcp: lease expired, interface deconfigured")
		c.ns.mu.Lock()
		c.ns.dropConfigLocked()
		c.ns.mu.Unlock()
		c.fail()
		return
	}

	c.mu.Lock()
	switch {
	case elapsed >= c.t2MS && c.state != DHCPRebinding:
		c.state = DHCPRebinding
		c.log.Info("dhcp: rebinding lease")
		c.sendRequestLocked(true)
	case elapsed >= c.t1MS && c.state == DHCPConfigured:
		c.state = DHCPRenewing
		c.log.Info("dhcp: renewing lease")
		c.sendRequestLocked(false)
	case c.state == DHCPRenewing && now-c.lastSend >= dhcpRetryIntervalMS:
		c.sendRequestLocked(false)
	case c.state == DHCPRebinding && now-c.lastSend >= dhcpRetryIntervalMS:
		c.sendRequestLocked(true)
	}
	c.mu.Unlock()

	// Drain any renewal replies.
	for {
		msg, ok, err := c.readReply()
		if err != nil || !ok {
			return
		}
		done, err := c.handleReply(msg)
		if err != nil {
			continue
		}
		if done {
			if err := c.commitLease(); err != nil {
				c.log.Error("dhcp: applying renewed lease", "err", err)
			} else {
				c.log.Info("dhcp: lease renewed")
			}
		}
	}
}

func (c *dhcpClient) broadcastDiscover() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcastDiscoverLocked()
}

func (c *dhcpClient) broadcastDiscoverLocked() {
	pkt := c.buildMessageLocked(dhcpTypeDiscover, false)
	c.sendLocked(pkt, true)
}

// sendRequestLocked emits a REQUEST: broadcast with requested-IP and
// server-ID options while selecting or rebinding, unicast with ciaddr set
// while renewing.
func (c *dhcpClient) sendRequestLocked(broadcast bool) {
	pkt := c.buildMessageLocked(dhcpTypeRequest, !broadcast)
	c.sendLocked(pkt, broadcast)
}

func (c *dhcpClient) retransmitIfDue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clock()-c.lastSend < dhcpRetryIntervalMS {
		return
	}
	switch c.state {
	case DHCPDiscovering:
		c.broadcastDiscoverLocked()
	case DHCPRequesting:
		c.sendRequestLocked(true)
	}
}

func (c *dhcpClient) sendLocked(pkt []byte, broadcast bool) {
	if c.ep == nil {
		return
	}
	to := tcpip.FullAddress{NIC: nicID, Port: dhcpServerPort}
	if broadcast {
		to.Addr = tcpip.AddrFrom4([4]byte{255, 255, 255, 255})
	} else {
		to.Addr = tcpip.AddrFrom4(c.serverID)
	}
	var r bytes.Reader
	r.Reset(pkt)
	if _, err := c.ep.Write(&r, tcpip.WriteOptions{To: &to}); err != nil {
		c.log.Warn("dhcp: send failed", "err", err.String())
		return
	}
	c.lastSend = c.clock()
}

func (c *dhcpClient) readReply() ([]byte, bool, error) {
	c.mu.Lock()
	ep := c.ep
	c.mu.Unlock()
	if ep == nil {
		return nil, false, nil
	}
	var buf bytes.Buffer
	if _, err := ep.Read(&buf, tcpip.ReadOptions{}); err != nil {
		if isWouldBlock(err) {
			return nil, false, nil
		}
		return nil, false, wrapTCPIP("dhcp read", err)
	}
	return buf.Bytes(), true, nil
}

// buildMessageLocked assembles a client message. unicastRenew selects the
// renewal shape: ciaddr filled in, no broadcast flag, no address options.
func (c *dhcpClient) buildMessageLocked(msgType byte, unicastRenew bool) []byte {
	pkt := make([]byte, dhcpFixedLen, dhcpFixedLen+64)
	pkt[0] = dhcpOpRequest
	pkt[1] = 1 // ethernet
	pkt[2] = 6 // hardware address length
	binary.BigEndian.PutUint32(pkt[4:8], c.xid)
	if unicastRenew {
		copy(pkt[12:16], c.lease.Address[:]) // ciaddr
	} else {
		binary.BigEndian.PutUint16(pkt[10:12], dhcpFlagBroadcast)
	}
	copy(pkt[28:34], c.mac[:]) // chaddr
	copy(pkt[236:240], dhcpMagicCookie[:])

	pkt = append(pkt, optMessageType, 1, msgType)
	if msgType == dhcpTypeRequest && !unicastRenew {
		pkt = append(pkt, optRequestedIP, 4)
		pkt = append(pkt, c.lease.Address[:]...)
		if c.serverID != ([4]byte{}) {
			pkt = append(pkt, optServerID, 4)
			pkt = append(pkt, c.serverID[:]...)
		}
	}
	pkt = append(pkt, optParamRequest, 4,
		optSubnetMask, optRouter, optDNSServer, optLeaseTime)
	pkt = append(pkt, optHostname, 7)
	pkt = append(pkt, "emberos"...)
	pkt = append(pkt, optEnd)
	return pkt
}

// dhcpMessage is one parsed server reply.
type dhcpMessage struct {
	msgType   byte
	yiaddr    [4]byte
	serverID  [4]byte
	mask      [4]byte
	hasMask   bool
	router    [4]byte
	hasRouter bool
	dns       [][4]byte
	leaseSec  uint32
	t1Sec     uint32
	t2Sec     uint32
}

// config converts the reply into an interface configuration. A missing mask
// falls back to /24.
func (m *dhcpMessage) config() IPConfig {
	cfg := IPConfig{
		Address:   m.yiaddr,
		PrefixLen: 24,
		DNS:       m.dns,
	}
	if m.hasMask {
		cfg.PrefixLen = maskToPrefix(m.mask)
	}
	if m.hasRouter {
		cfg.Gateway = m.router
		cfg.HasGateway = true
	}
	return cfg
}

func maskToPrefix(mask [4]byte) int {
	n := 0
	for _, b := range mask {
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<bit) == 0 {
				return n
			}
			n++
		}
	}
	return n
}

// parseDHCP validates and decodes a reply. Replies for other transactions
// and non-reply ops are rejected with ErrDHCPFormat.
func parseDHCP(raw []byte, wantXID uint32) (*dhcpMessage, error) {
	if len(raw) < dhcpFixedLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrDHCPFormat, len(raw))
	}
	if raw[0] != dhcpOpReply {
		return nil, fmt.Errorf("%w: op %d", ErrDHCPFormat, raw[0])
	}
	if xid := binary.BigEndian.Uint32(raw[4:8]); xid != wantXID {
		return nil, fmt.Errorf("%w: xid %08x, want %08x", ErrDHCPFormat, xid, wantXID)
	}
	if !bytes.Equal(raw[236:240], dhcpMagicCookie[:]) {
		return nil, fmt.Errorf("%w: bad magic cookie", ErrDHCPFormat)
	}

	msg := new(dhcpMessage)
	copy(msg.yiaddr[:], raw[16:20])

	opts := raw[dhcpFixedLen:]
	for len(opts) > 0 {
		code := opts[0]
		if code == optEnd {
			break
		}
		if code == 0 { // pad
			opts = opts[1:]
			continue
		}
		if len(opts) < 2 {
			return nil, fmt.Errorf("%w: truncated option %d", ErrDHCPFormat, code)
		}
		length := int(opts[1])
		if len(opts) < 2+length {
			return nil, fmt.Errorf("%w: option %d runs past end", ErrDHCPFormat, code)
		}
		val := opts[2 : 2+length]
		opts = opts[2+length:]

		switch code {
		case optMessageType:
			if length != 1 {
				return nil, fmt.Errorf("%w: message type length %d", ErrDHCPFormat, length)
			}
			msg.msgType = val[0]
		case optSubnetMask:
			if length == 4 {
				copy(msg.mask[:], val)
				msg.hasMask = true
			}
		case optRouter:
			if length >= 4 {
				copy(msg.router[:], val[:4])
				msg.hasRouter = true
			}
		case optDNSServer:
			for ; len(val) >= 4; val = val[4:] {
				var ip [4]byte
				copy(ip[:], val[:4])
				msg.dns = append(msg.dns, ip)
			}
		case optServerID:
			if length == 4 {
				copy(msg.serverID[:], val)
			}
		case optLeaseTime:
			if length == 4 {
				msg.leaseSec = binary.BigEndian.Uint32(val)
			}
		case optRenewalTime:
			if length == 4 {
				msg.t1Sec = binary.BigEndian.Uint32(val)
			}
		case optRebindingTime:
			if length == 4 {
				msg.t2Sec = binary.BigEndian.Uint32(val)
			}
		}
	}

	if msg.msgType == 0 {
		return nil, fmt.Errorf("%w: missing message type", ErrDHCPFormat)
	}
	return msg, nil
}
