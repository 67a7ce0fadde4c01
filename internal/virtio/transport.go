package virtio

// IOWindow is the driver's view of the device's register window, derived
// from a PCI BAR. The kernel backs it with port or memory-mapped access
// depending on the BAR type; tests back it with a device model.
type IOWindow interface {
	Read8(offset uint16) uint8
	Write8(offset uint16, value uint8)
	Read16(offset uint16) uint16
	Write16(offset uint16, value uint16)
	Read32(offset uint16) uint32
	Write32(offset uint16, value uint32)
}

// Legacy virtio-pci register offsets.
const (
	regDeviceFeatures = 0x00 // RO: features the device offers
	regGuestFeatures  = 0x04 // RW: features the driver accepted
	regQueuePFN       = 0x08 // RW: page frame number of the selected queue
	regQueueSize      = 0x0c // RO: descriptor count of the selected queue
	regQueueSelect    = 0x0e // RW
	regQueueNotify    = 0x10 // WO: doorbell
	regDeviceStatus   = 0x12 // RW
	regISRStatus      = 0x13 // RO, read clears
	regDeviceConfig   = 0x14 // device-specific configuration window
)

// Device status bits, written in strict order during initialization.
const (
	statusReset       = 0x00
	statusAcknowledge = 0x01
	statusDriver      = 0x02
	statusDriverOK    = 0x04
	statusFeaturesOK  = 0x08
	statusFailed      = 0x80
)

// ISR bits.
const (
	isrQueue  = 0x1
	isrConfig = 0x2
)

// Transport wraps the register window with the handshake and queue-setup
// protocol shared by all virtio device types.
type Transport struct {
	regs   IOWindow
	status uint8
}

func NewTransport(regs IOWindow) *Transport {
	return &Transport{regs: regs}
}

// Reset returns the device to its pre-initialization state.
func (t *Transport) Reset() {
	t.status = statusReset
	t.regs.Write8(regDeviceStatus, statusReset)
}

// AddStatus sets additional status bits on top of those already written.
func (t *Transport) AddStatus(bits uint8) {
	t.status |= bits
	t.regs.Write8(regDeviceStatus, t.status)
}

// ReadStatus returns the device's view of the status register.
func (t *Transport) ReadStatus() uint8 {
	return t.regs.Read8(regDeviceStatus)
}

// Fail tells the device the driver has given up on it.
func (t *Transport) Fail() {
	t.AddStatus(statusFailed)
}

// DeviceFeatures reads the feature bits the device offers.
func (t *Transport) DeviceFeatures() uint32 {
	return t.regs.Read32(regDeviceFeatures)
}

// SetGuestFeatures writes the accepted feature subset.
func (t *Transport) SetGuestFeatures(features uint32) {
	t.regs.Write32(regGuestFeatures, features)
}

// QueueSize selects queue index and returns its descriptor count, zero when
// the queue does not exist.
func (t *Transport) QueueSize(index uint16) uint16 {
	t.regs.Write16(regQueueSelect, index)
	return t.regs.Read16(regQueueSize)
}

// RegisterQueue hands the ring region to the device by page frame number.
func (t *Transport) RegisterQueue(index uint16, ring *DescriptorRing) {
	t.regs.Write16(regQueueSelect, index)
	t.regs.Write32(regQueuePFN, ring.PFN())
}

// NotifyQueue rings the doorbell for the given queue. The barrier keeps all
// prior ring writes visible to the device before the register write that
// makes it look.
func (t *Transport) NotifyQueue(index uint16) {
	barrier()
	t.regs.Write16(regQueueNotify, index)
}

// ReadISR reads and thereby acknowledges the interrupt status register.
func (t *Transport) ReadISR() uint8 {
	return t.regs.Read8(regISRStatus)
}

// ConfigRead8 reads one byte of the device-specific configuration window.
func (t *Transport) ConfigRead8(offset uint16) uint8 {
	return t.regs.Read8(regDeviceConfig + offset)
}

// ConfigRead16 reads a 16-bit field of the device-specific configuration
// window.
func (t *Transport) ConfigRead16(offset uint16) uint16 {
	return t.regs.Read16(regDeviceConfig + offset)
}
