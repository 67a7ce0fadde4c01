// Package virtio implements the guest-side virtio-net transport driver: the
// legacy register handshake, the split descriptor rings, a fixed pool of
// receive buffers, and the send/receive/poll contract the network stack is
// built on.
package virtio

import (
	"fmt"
	"log/slog"
)

const (
	// PCI identity of a transitional virtio network device.
	VendorID     = 0x1af4
	NetDeviceID  = 0x1000
	queueReceive = 0
	queueTransmit = 1

	// Feature bits the driver understands.
	featureMAC        = 1 << 5  // device exposes its MAC in config space
	featureLinkStatus = 1 << 16 // device reports link state in config space

	// Legacy virtio-net header prepended to every frame on the wire between
	// driver and device (no mergeable RX buffers negotiated).
	netHeaderSize = 10

	// Device config space layout.
	configMACOffset    = 0
	configStatusOffset = 6
	netStatusLinkUp    = 1

	// One receive buffer holds a maximum ethernet frame plus the virtio-net
	// header.
	maxFrameSize   = 1514
	bufferSize     = netHeaderSize + maxFrameSize + 2
	DefaultRXCount = 32
)

type bufferSlot struct {
	offset int // into the buffer arena
	inUse  bool
}

// NetDevice is the virtio-net driver. One instance owns both rings, the
// receive buffer pool, and the transmit slot pool for the life of the
// process.
type NetDevice struct {
	log       *slog.Logger
	transport *Transport
	alloc     AllocFunc

	mac        [6]byte
	features   uint32
	rx, tx     *DescriptorRing
	rxArena    *Arena
	txArena    *Arena
	rxSlots    []bufferSlot
	txSlots    []bufferSlot
	rxByDesc   map[uint16]int
	txByDesc   map[uint16]int
	txFree     []int
	rxPoolSize int

	initialized bool
}

// NewNetDevice wires a driver to the device's register window. alloc is the
// kernel's DMA allocation capability. Call Init before any other method.
func NewNetDevice(regs IOWindow, alloc AllocFunc, rxPoolSize int, logger *slog.Logger) *NetDevice {
	if rxPoolSize <= 0 {
		rxPoolSize = DefaultRXCount
	}
	return &NetDevice{
		log:        logger,
		transport:  NewTransport(regs),
		alloc:      alloc,
		rxByDesc:   make(map[uint16]int),
		txByDesc:   make(map[uint16]int),
		rxPoolSize: rxPoolSize,
	}
}

// Init runs the ordered initialization protocol: reset, acknowledge, driver,
// feature negotiation, features-ok verification, MAC read, ring setup, and
// finally driver-ok. A device that refuses the negotiated features leaves
// the handshake unrecoverable and Init fails with ErrVirtioFailure.
func (d *NetDevice) Init() error {
	t := d.transport

	t.Reset()
	t.AddStatus(statusAcknowledge)
	t.AddStatus(statusDriver)

	offered := t.DeviceFeatures()
	d.features = offered & (featureMAC | featureLinkStatus)
	t.SetGuestFeatures(d.features)

	t.AddStatus(statusFeaturesOK)
	if t.ReadStatus()&statusFeaturesOK == 0 {
		t.Fail()
		return fmt.Errorf("%w: device rejected features 0x%x", ErrVirtioFailure, d.features)
	}

	if d.features&featureMAC == 0 {
		t.Fail()
		return fmt.Errorf("%w: device offers no MAC address", ErrNotSupported)
	}
	for i := range d.mac {
		d.mac[i] = t.ConfigRead8(uint16(configMACOffset + i))
	}

	if err := d.setupQueues(); err != nil {
		t.Fail()
		return err
	}

	t.AddStatus(statusDriverOK)
	d.initialized = true

	d.log.Debug("virtio-net: initialized",
		"mac", fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
			d.mac[0], d.mac[1], d.mac[2], d.mac[3], d.mac[4], d.mac[5]),
		"features", fmt.Sprintf("0x%x", d.features),
		"rxQueue", d.rx.Size(),
		"txQueue", d.tx.Size())
	return nil
}

func (d *NetDevice) setupQueues() error {
	for _, q := range []struct {
		index uint16
		ring  **DescriptorRing
	}{
		{queueReceive, &d.rx},
		{queueTransmit, &d.tx},
	} {
		size := d.transport.QueueSize(q.index)
		if size == 0 {
			return fmt.Errorf("%w: queue %d has no descriptors", ErrVirtioFailure, q.index)
		}
		ring, err := NewDescriptorRing(size, d.alloc)
		if err != nil {
			return err
		}
		d.transport.RegisterQueue(q.index, ring)
		*q.ring = ring
	}

	if err := d.fillReceivePool(); err != nil {
		return err
	}
	return d.setupTransmitSlots()
}

// fillReceivePool allocates the fixed receive pool once and loans every
// buffer to the RX ring. The pool never grows or shrinks afterwards.
func (d *NetDevice) fillReceivePool() error {
	count := d.rxPoolSize
	if count > int(d.rx.Size()) {
		count = int(d.rx.Size())
	}
	arena, err := d.alloc(count*bufferSize, pageSize)
	if err != nil {
		return fmt.Errorf("virtio: allocate rx pool: %w", err)
	}
	d.rxArena = arena
	d.rxSlots = make([]bufferSlot, count)

	for i := 0; i < count; i++ {
		d.rxSlots[i] = bufferSlot{offset: i * bufferSize}
		id, err := d.loanReceiveSlot(i)
		if err != nil {
			return err
		}
		d.rx.Publish(id)
	}
	d.transport.NotifyQueue(queueReceive)
	return nil
}

func (d *NetDevice) loanReceiveSlot(slot int) (uint16, error) {
	id, err := d.rx.AddBuffer(d.rxArena.Phys(d.rxSlots[slot].offset), bufferSize, true)
	if err != nil {
		return 0, err
	}
	d.rxSlots[slot].inUse = true
	d.rxByDesc[id] = slot
	return id, nil
}

func (d *NetDevice) setupTransmitSlots() error {
	count := int(d.tx.Size())
	arena, err := d.alloc(count*bufferSize, pageSize)
	if err != nil {
		return fmt.Errorf("virtio: allocate tx pool: %w", err)
	}
	d.txArena = arena
	d.txSlots = make([]bufferSlot, count)
	d.txFree = d.txFree[:0]
	for i := 0; i < count; i++ {
		d.txSlots[i] = bufferSlot{offset: i * bufferSize}
		d.txFree = append(d.txFree, i)
	}
	return nil
}

// MAC returns the device's hardware address.
func (d *NetDevice) MAC() [6]byte { return d.mac }

// IsLinkUp reports the link state from device config space, or true when the
// device does not negotiate link status reporting.
func (d *NetDevice) IsLinkUp() bool {
	if !d.initialized {
		return false
	}
	if d.features&featureLinkStatus == 0 {
		return true
	}
	return d.transport.ConfigRead16(configStatusOffset)&netStatusLinkUp != 0
}

// Send copies the frame into a transmit slot, loans it to the TX ring and
// rings the doorbell. The slot stays loaned until Poll sees its completion;
// freeing it earlier would let the device read reused memory.
func (d *NetDevice) Send(frame []byte) error {
	if !d.initialized {
		return ErrDeviceNotInitialized
	}
	if len(frame) == 0 {
		return ErrEmptyPacket
	}
	if len(frame) > maxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(frame), maxFrameSize)
	}

	// Reclaim completions eagerly so a full ring recovers without an
	// explicit Poll in between sends.
	d.reclaimTransmits()

	if len(d.txFree) == 0 {
		return fmt.Errorf("%w: no free transmit slots", ErrQueueFull)
	}
	slot := d.txFree[len(d.txFree)-1]

	buf := d.txArena.Bytes()[d.txSlots[slot].offset:]
	for i := 0; i < netHeaderSize; i++ {
		buf[i] = 0
	}
	copy(buf[netHeaderSize:], frame)

	total := uint32(netHeaderSize + len(frame))
	id, err := d.tx.AddBuffer(d.txArena.Phys(d.txSlots[slot].offset), total, false)
	if err != nil {
		return err
	}
	d.txFree = d.txFree[:len(d.txFree)-1]
	d.txSlots[slot].inUse = true
	d.txByDesc[id] = slot

	d.tx.Publish(id)
	d.transport.NotifyQueue(queueTransmit)
	return nil
}

// Receive returns the next completed frame, or nil when the device has not
// delivered one. The frame bytes are copied out and the same physical buffer
// is immediately re-loaned under a fresh descriptor id, so the pool count
// stays fixed.
func (d *NetDevice) Receive() ([]byte, error) {
	if !d.initialized {
		return nil, ErrDeviceNotInitialized
	}

	id, length, ok := d.rx.PopUsed()
	if !ok {
		return nil, nil
	}
	slot, tracked := d.rxByDesc[id]
	if !tracked {
		panic(fmt.Sprintf("virtio: rx completion for untracked descriptor %d", id))
	}
	delete(d.rxByDesc, id)
	d.rxSlots[slot].inUse = false

	var frame []byte
	var frameErr error
	if length > bufferSize {
		frameErr = fmt.Errorf("%w: completion length %d exceeds buffer %d", ErrInvalidPacket, length, bufferSize)
	} else if length <= netHeaderSize {
		// Header-only completions carry no frame and must never reach the
		// stack as empty ethernet frames.
		frameErr = fmt.Errorf("%w: completion length %d carries no frame data", ErrInvalidPacket, length)
	} else {
		data := d.rxArena.Bytes()[d.rxSlots[slot].offset:]
		frame = append([]byte(nil), data[netHeaderSize:length]...)
	}

	// Re-loan regardless of the frame's validity so the pool never shrinks.
	newID, err := d.loanReceiveSlot(slot)
	if err != nil {
		return nil, err
	}
	d.rx.Publish(newID)
	d.transport.NotifyQueue(queueReceive)

	if frameErr != nil {
		return nil, frameErr
	}
	return frame, nil
}

func (d *NetDevice) reclaimTransmits() {
	for {
		id, _, ok := d.tx.PopUsed()
		if !ok {
			return
		}
		slot, tracked := d.txByDesc[id]
		if !tracked {
			panic(fmt.Sprintf("virtio: tx completion for untracked descriptor %d", id))
		}
		delete(d.txByDesc, id)
		d.txSlots[slot].inUse = false
		d.txFree = append(d.txFree, slot)
	}
}

// Poll reclaims completed transmit buffers and acknowledges any pending
// interrupt. It must run at least as often as the stack's poll loop.
func (d *NetDevice) Poll() error {
	if !d.initialized {
		return ErrDeviceNotInitialized
	}
	d.transport.ReadISR()
	d.reclaimTransmits()
	return nil
}

// HandleInterrupt is the optional interrupt entry point; it performs the
// same completion processing as Poll.
func (d *NetDevice) HandleInterrupt() error {
	return d.Poll()
}
