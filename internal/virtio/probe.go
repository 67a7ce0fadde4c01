package virtio

import (
	"fmt"

	"github.com/emberos/netcore/internal/pci"
)

const (
	pciCommandOffset    = 0x04
	pciCommandIOSpace   = 0x0001
	pciCommandBusMaster = 0x0004
)

// PortIO is the architecture capability for sized access to the legacy I/O
// port space. The kernel backs it with in/out instructions on amd64.
type PortIO interface {
	In8(port uint16) uint8
	Out8(port uint16, value uint8)
	In16(port uint16) uint16
	Out16(port uint16, value uint16)
	In32(port uint16) uint32
	Out32(port uint16, value uint32)
}

// portWindow maps IOWindow accesses onto the port range BAR0 decodes.
type portWindow struct {
	base  uint16
	ports PortIO
}

func (w *portWindow) Read8(off uint16) uint8       { return w.ports.In8(w.base + off) }
func (w *portWindow) Write8(off uint16, v uint8)   { w.ports.Out8(w.base+off, v) }
func (w *portWindow) Read16(off uint16) uint16     { return w.ports.In16(w.base + off) }
func (w *portWindow) Write16(off uint16, v uint16) { w.ports.Out16(w.base+off, v) }
func (w *portWindow) Read32(off uint16) uint32     { return w.ports.In32(w.base + off) }
func (w *portWindow) Write32(off uint16, v uint32) { w.ports.Out32(w.base+off, v) }

// FindNet locates the legacy virtio-net function, enables I/O decoding and
// bus mastering on it, and returns its BAR0 register window. The window is
// what NewNetDevice runs the handshake against.
func FindNet(cs pci.ConfigSpace, ports PortIO) (IOWindow, pci.Device, error) {
	dev, err := pci.Find(cs, VendorID, NetDeviceID)
	if err != nil {
		return nil, pci.Device{}, err
	}

	bar0 := dev.BARs[0]
	if !bar0.IsIO {
		return nil, dev, fmt.Errorf("%w: %s BAR0 is not an I/O window", ErrNotSupported, dev)
	}
	if bar0.Addr == 0 || bar0.Addr > 0xffff {
		return nil, dev, fmt.Errorf("%w: %s BAR0 address 0x%x", ErrNotSupported, dev, bar0.Addr)
	}

	cmd, err := cs.ReadConfig32(dev.Bus, dev.Slot, dev.Function, pciCommandOffset)
	if err != nil {
		return nil, dev, fmt.Errorf("virtio: read command register: %w", err)
	}
	// Upper half of this dword is the status register; its bits clear on
	// writing one, so always write them back as zero.
	cmd = (cmd & 0xffff) | pciCommandIOSpace | pciCommandBusMaster
	if err := cs.WriteConfig32(dev.Bus, dev.Slot, dev.Function, pciCommandOffset, cmd); err != nil {
		return nil, dev, fmt.Errorf("virtio: enable device: %w", err)
	}

	return &portWindow{base: uint16(bar0.Addr), ports: ports}, dev, nil
}
