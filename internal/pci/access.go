package pci

import (
	"fmt"
	"io"
)

// PortIO is the architecture capability for legacy I/O port access. On amd64
// the kernel backs this with in/out instructions; other targets have no
// legacy port space and use ECAM instead.
type PortIO interface {
	In32(port uint16) uint32
	Out32(port uint16, value uint32)
}

const (
	configAddressPort = 0xcf8
	configDataPort    = 0xcfc
	configEnableBit   = 1 << 31
)

// LegacyConfig implements ConfigSpace through the x86 0xCF8/0xCFC
// configuration mechanism.
type LegacyConfig struct {
	Ports PortIO
}

func legacyAddress(bus, device, function uint8, offset uint16) uint32 {
	return configEnableBit |
		uint32(bus)<<16 |
		uint32(device&0x1f)<<11 |
		uint32(function&0x7)<<8 |
		uint32(offset&0xfc)
}

func (c *LegacyConfig) ReadConfig32(bus, device, function uint8, offset uint16) (uint32, error) {
	if offset&0x3 != 0 {
		return 0, fmt.Errorf("%w: unaligned offset 0x%x", ErrBadAddress, offset)
	}
	c.Ports.Out32(configAddressPort, legacyAddress(bus, device, function, offset))
	return c.Ports.In32(configDataPort), nil
}

func (c *LegacyConfig) WriteConfig32(bus, device, function uint8, offset uint16, value uint32) error {
	if offset&0x3 != 0 {
		return fmt.Errorf("%w: unaligned offset 0x%x", ErrBadAddress, offset)
	}
	c.Ports.Out32(configAddressPort, legacyAddress(bus, device, function, offset))
	c.Ports.Out32(configDataPort, value)
	return nil
}

// ECAMConfig implements ConfigSpace over a memory-mapped enhanced
// configuration region. Offset layout follows the PCIe spec: bus<<20 |
// device<<15 | function<<12 | register.
type ECAMConfig struct {
	Window interface {
		io.ReaderAt
		io.WriterAt
	}
}

func ecamOffset(bus, device, function uint8, offset uint16) int64 {
	return int64(bus)<<20 | int64(device&0x1f)<<15 | int64(function&0x7)<<12 | int64(offset&0xfff)
}

func (c *ECAMConfig) ReadConfig32(bus, device, function uint8, offset uint16) (uint32, error) {
	if offset&0x3 != 0 {
		return 0, fmt.Errorf("%w: unaligned offset 0x%x", ErrBadAddress, offset)
	}
	var buf [4]byte
	if _, err := c.Window.ReadAt(buf[:], ecamOffset(bus, device, function, offset)); err != nil {
		return 0, fmt.Errorf("pci: ecam read: %w", err)
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

func (c *ECAMConfig) WriteConfig32(bus, device, function uint8, offset uint16, value uint32) error {
	if offset&0x3 != 0 {
		return fmt.Errorf("%w: unaligned offset 0x%x", ErrBadAddress, offset)
	}
	buf := [4]byte{byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24)}
	if _, err := c.Window.WriteAt(buf[:], ecamOffset(bus, device, function, offset)); err != nil {
		return fmt.Errorf("pci: ecam write: %w", err)
	}
	return nil
}
