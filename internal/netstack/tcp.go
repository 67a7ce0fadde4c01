package netstack

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// Conn is one TCP connection. Reads and writes are polled waits bounded by
// the connection's clock; the zero timeout means "do not wait".
type Conn struct {
	ns    *Stack
	ep    tcpip.Endpoint
	wq    *waiter.Queue
	clock Clock
	yield Yield

	mu     sync.Mutex
	closed bool
}

// DialTCP opens a connection to addr:port, polling the stack through the
// three-way handshake. The clock and yield are retained for the connection's
// later reads and writes.
func (ns *Stack) DialTCP(addr [4]byte, port uint16, timeoutMS int64, clock Clock, yield Yield) (*Conn, error) {
	ep, wq, err := ns.newEndpoint(tcp.ProtocolNumber)
	if err != nil {
		return nil, err
	}

	remote := tcpip.FullAddress{NIC: nicID, Addr: tcpip.AddrFrom4(addr), Port: port}

	entry, notify := waiter.NewChannelEntry(waiter.WritableEvents | waiter.EventErr | waiter.EventHUp)
	wq.EventRegister(&entry)
	defer wq.EventUnregister(&entry)

	switch cerr := ep.Connect(remote); cerr.(type) {
	case nil:
	case *tcpip.ErrConnectStarted:
		dl := newDeadline(clock, timeoutMS)
		for connecting := true; connecting; {
			if dl.expired() {
				ep.Close()
				return nil, fmt.Errorf("dial %s:%d: %w", ipString(addr), port, ErrTimeout)
			}
			if err := ns.Poll(clock()); err != nil {
				ep.Close()
				return nil, err
			}
			select {
			case <-notify:
				connecting = false
			default:
				yield.call()
			}
		}
		if lerr := ep.LastError(); lerr != nil {
			ep.Close()
			return nil, fmt.Errorf("dial %s:%d: %w: %s", ipString(addr), port, ErrConnectionFailed, lerr.String())
		}
	default:
		ep.Close()
		return nil, fmt.Errorf("dial %s:%d: %w: %s", ipString(addr), port, ErrConnectionFailed, cerr.String())
	}

	ns.log.Debug("tcp: connected", "addr", ipString(addr), "port", port)
	return &Conn{ns: ns, ep: ep, wq: wq, clock: clock, yield: yield}, nil
}

// Read fills b with available data, polling until at least one byte arrives,
// the peer closes, or the deadline passes. A cleanly closed peer yields
// io.EOF.
func (c *Conn) Read(b []byte, timeoutMS int64) (int, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}
	dl := newDeadline(c.clock, timeoutMS)
	for {
		w := tcpip.SliceWriter(b)
		res, err := c.ep.Read(&w, tcpip.ReadOptions{})
		switch err.(type) {
		case nil:
			return res.Count, nil
		case *tcpip.ErrWouldBlock:
		case *tcpip.ErrClosedForReceive:
			return 0, io.EOF
		default:
			return 0, wrapTCPIP("tcp read", err)
		}

		if dl.expired() {
			return 0, fmt.Errorf("tcp read: %w", ErrTimeout)
		}
		if perr := c.ns.Poll(c.clock()); perr != nil {
			return 0, perr
		}
		c.yield.call()
	}
}

// Write sends all of b, polling while the send buffer drains. It returns
// the byte count written before any error.
func (c *Conn) Write(b []byte, timeoutMS int64) (int, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}
	dl := newDeadline(c.clock, timeoutMS)
	var r bytes.Reader
	total := 0
	for total < len(b) {
		r.Reset(b[total:])
		n, err := c.ep.Write(&r, tcpip.WriteOptions{})
		total += int(n)
		switch err.(type) {
		case nil:
			continue
		case *tcpip.ErrWouldBlock:
		case *tcpip.ErrClosedForSend:
			return total, ErrClosed
		default:
			return total, wrapTCPIP("tcp write", err)
		}

		if dl.expired() {
			return total, fmt.Errorf("tcp write: %w", ErrTimeout)
		}
		if perr := c.ns.Poll(c.clock()); perr != nil {
			return total, perr
		}
		c.yield.call()
	}
	return total, nil
}

// Close initiates an orderly shutdown. The endpoint keeps retransmitting the
// FIN across later Poll calls; Close itself does not wait for the peer.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.ep.Close()
	// One pump so the FIN leaves with the caller still on the CPU.
	return c.ns.Poll(c.clock())
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// RemoteAddr reports the connected peer.
func (c *Conn) RemoteAddr() (addr [4]byte, port uint16, err error) {
	full, gerr := c.ep.GetRemoteAddress()
	if gerr != nil {
		return addr, 0, wrapTCPIP("remote address", gerr)
	}
	return full.Addr.As4(), full.Port, nil
}

// LocalAddr reports the connection's local binding.
func (c *Conn) LocalAddr() (addr [4]byte, port uint16, err error) {
	full, gerr := c.ep.GetLocalAddress()
	if gerr != nil {
		return addr, 0, wrapTCPIP("local address", gerr)
	}
	return full.Addr.As4(), full.Port, nil
}
