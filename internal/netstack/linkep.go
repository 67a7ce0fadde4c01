package netstack

import (
	"log/slog"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/emberos/netcore/internal/pcap"
)

// Driver is the contract a link device must satisfy. The virtio-net driver
// is the real implementation; development targets use a TAP-backed one and
// tests use in-memory pipes.
type Driver interface {
	Send(frame []byte) error
	Receive() ([]byte, error)
	MAC() [6]byte
	IsLinkUp() bool
	Poll() error
}

const defaultMTU = 1500

// linkEndpoint adapts a Driver to the IP/TCP library's link endpoint
// contract: outbound packets are forwarded to the driver once the library
// has finished assembling the frame, and inbound frames are handed to the
// library's dispatcher during Poll. Nothing moves unless Poll is called.
type linkEndpoint struct {
	driver Driver
	log    *slog.Logger

	// driverMu serializes driver access: the library writes packets from its
	// own goroutines while poll runs on the caller's. Never held while
	// dispatching inbound packets, which can synchronously write replies.
	driverMu sync.Mutex

	mu         sync.Mutex
	mtu        uint32
	linkAddr   tcpip.LinkAddress
	dispatcher stack.NetworkDispatcher
	onClose    func()
	capture    *pcap.Writer
}

var _ stack.LinkEndpoint = (*linkEndpoint)(nil)

func newLinkEndpoint(driver Driver, logger *slog.Logger) *linkEndpoint {
	mac := driver.MAC()
	return &linkEndpoint{
		driver:   driver,
		log:      logger,
		mtu:      defaultMTU,
		linkAddr: tcpip.LinkAddress(mac[:]),
	}
}

func (e *linkEndpoint) MTU() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mtu
}

func (e *linkEndpoint) SetMTU(mtu uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mtu = mtu
}

func (e *linkEndpoint) MaxHeaderLength() uint16 {
	return header.EthernetMinimumSize
}

func (e *linkEndpoint) LinkAddress() tcpip.LinkAddress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.linkAddr
}

func (e *linkEndpoint) SetLinkAddress(addr tcpip.LinkAddress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.linkAddr = addr
}

func (e *linkEndpoint) Capabilities() stack.LinkEndpointCapabilities {
	return stack.CapabilityResolutionRequired
}

func (e *linkEndpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = dispatcher
}

func (e *linkEndpoint) IsAttached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatcher != nil
}

func (e *linkEndpoint) Wait() {}

func (e *linkEndpoint) ARPHardwareType() header.ARPHardwareType {
	return header.ARPHardwareEther
}

func (e *linkEndpoint) AddHeader(*stack.PacketBuffer) {}

func (e *linkEndpoint) ParseHeader(*stack.PacketBuffer) bool { return true }

func (e *linkEndpoint) Close() {
	e.mu.Lock()
	onClose := e.onClose
	e.dispatcher = nil
	e.mu.Unlock()
	if onClose != nil {
		onClose()
	}
}

func (e *linkEndpoint) SetOnCloseAction(action func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClose = action
}

// WritePackets forwards fully assembled frames to the driver. The library
// decides each frame's length; the driver copies the bytes into its own
// transmit buffer, so the packet memory is released back immediately.
func (e *linkEndpoint) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	e.driverMu.Lock()
	defer e.driverMu.Unlock()

	sent := 0
	for _, pkt := range pkts.AsSlice() {
		view := pkt.ToView()
		frame := view.AsSlice()
		err := e.driver.Send(frame)
		e.writeCapture(frame)
		view.Release()
		if err != nil {
			e.log.Warn("netstack: frame transmit failed", "len", len(frame), "err", err)
			if sent == 0 {
				return 0, &tcpip.ErrAborted{}
			}
			return sent, nil
		}
		sent++
	}
	return sent, nil
}

// poll reclaims driver transmit completions and dispatches every queued
// inbound frame into the library, preserving arrival order. The driver lock
// is dropped before dispatch so that replies written inline do not deadlock
// against WritePackets.
func (e *linkEndpoint) poll() error {
	frames, err := e.drain()
	if err != nil {
		return err
	}

	e.mu.Lock()
	dispatcher := e.dispatcher
	e.mu.Unlock()
	if dispatcher == nil {
		return nil
	}

	for _, frame := range frames {
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(frame),
		})
		dispatcher.DeliverNetworkPacket(0, pkt)
		pkt.DecRef()
	}
	return nil
}

func (e *linkEndpoint) drain() ([][]byte, error) {
	e.driverMu.Lock()
	defer e.driverMu.Unlock()

	if err := e.driver.Poll(); err != nil {
		return nil, err
	}
	var frames [][]byte
	for {
		frame, err := e.driver.Receive()
		if err != nil {
			return frames, err
		}
		if frame == nil {
			return frames, nil
		}
		e.writeCapture(frame)
		frames = append(frames, frame)
	}
}

// setCapture enables pcap streaming of every frame in both directions.
func (e *linkEndpoint) setCapture(w *pcap.Writer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.capture = w
}

func (e *linkEndpoint) writeCapture(frame []byte) {
	e.mu.Lock()
	w := e.capture
	e.mu.Unlock()
	if w == nil {
		return
	}
	if err := w.WriteFrame(time.Now(), frame); err != nil {
		e.log.Warn("netstack: pcap write failed", "err", err)
	}
}
