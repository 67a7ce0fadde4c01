// Package pci implements PCI configuration-space discovery for the network
// subsystem. It scans every bus/device/function triple through a ConfigSpace
// capability and reports matching endpoints with their BAR windows and
// interrupt line. The scan only reads configuration registers; no state is
// kept beyond the returned Device values.
package pci

import (
	"errors"
	"fmt"
)

const (
	vendorIDOffset   = 0x00
	classCodeOffset  = 0x08
	headerTypeOffset = 0x0c // dword whose bits 16-23 hold the header type
	barBaseOffset    = 0x10
	barCount         = 6
	interruptOffset  = 0x3c

	// Header type bit 7: the device decodes function numbers above zero.
	headerTypeMultiFn = 0x80

	// An all-ones vendor ID means no function is present at the slot.
	invalidVendorID = 0xffff

	maxBuses     = 256
	maxDevices   = 32
	maxFunctions = 8
)

var (
	ErrDeviceNotFound = errors.New("pci: device not found")
	ErrBadAddress     = errors.New("pci: address out of range")
)

// ConfigSpace is the platform capability for PCI configuration access. The
// kernel selects one implementation per target at build time (legacy x86
// port mechanism or memory-mapped ECAM); tests supply a fake.
type ConfigSpace interface {
	ReadConfig32(bus, device, function uint8, offset uint16) (uint32, error)
	WriteConfig32(bus, device, function uint8, offset uint16, value uint32) error
}

// BAR is one decoded base address register.
type BAR struct {
	Raw  uint32
	Addr uint64
	IsIO bool
}

// Device describes one discovered PCI function. Identity fields are fixed at
// discovery time.
type Device struct {
	Bus      uint8
	Slot     uint8
	Function uint8

	VendorID  uint16
	DeviceID  uint16
	ClassCode uint32

	BARs          [barCount]BAR
	InterruptLine uint8
}

func (d Device) String() string {
	return fmt.Sprintf("%02x:%02x.%d %04x:%04x", d.Bus, d.Slot, d.Function, d.VendorID, d.DeviceID)
}

func decodeBAR(raw uint32) BAR {
	bar := BAR{Raw: raw}
	if raw&0x1 != 0 {
		bar.IsIO = true
		bar.Addr = uint64(raw &^ 0x3)
	} else {
		bar.Addr = uint64(raw &^ 0xf)
	}
	return bar
}

func readDevice(cs ConfigSpace, bus, slot, fn uint8) (Device, bool, error) {
	ident, err := cs.ReadConfig32(bus, slot, fn, vendorIDOffset)
	if err != nil {
		return Device{}, false, err
	}
	vendor := uint16(ident & 0xffff)
	if vendor == invalidVendorID {
		return Device{}, false, nil
	}

	dev := Device{
		Bus:      bus,
		Slot:     slot,
		Function: fn,
		VendorID: vendor,
		DeviceID: uint16(ident >> 16),
	}

	class, err := cs.ReadConfig32(bus, slot, fn, classCodeOffset)
	if err != nil {
		return Device{}, false, err
	}
	dev.ClassCode = class >> 8

	for i := 0; i < barCount; i++ {
		raw, err := cs.ReadConfig32(bus, slot, fn, uint16(barBaseOffset+i*4))
		if err != nil {
			return Device{}, false, err
		}
		dev.BARs[i] = decodeBAR(raw)
	}

	intr, err := cs.ReadConfig32(bus, slot, fn, interruptOffset)
	if err != nil {
		return Device{}, false, err
	}
	dev.InterruptLine = uint8(intr & 0xff)

	return dev, true, nil
}

func isMultiFunction(cs ConfigSpace, bus, slot uint8) (bool, error) {
	word, err := cs.ReadConfig32(bus, slot, 0, headerTypeOffset)
	if err != nil {
		return false, err
	}
	return (word>>16)&headerTypeMultiFn != 0, nil
}

// Scan enumerates every present PCI function. Functions above zero are
// probed only when function 0 advertises a multi-function header type, since
// single-function devices may alias function 0 across the whole slot.
func Scan(cs ConfigSpace) ([]Device, error) {
	var found []Device
	for bus := 0; bus < maxBuses; bus++ {
		for slot := 0; slot < maxDevices; slot++ {
			for fn := 0; fn < maxFunctions; fn++ {
				dev, ok, err := readDevice(cs, uint8(bus), uint8(slot), uint8(fn))
				if err != nil {
					return found, fmt.Errorf("pci: scan %02x:%02x.%d: %w", bus, slot, fn, err)
				}
				if !ok {
					if fn == 0 {
						// No function 0 means the whole slot is empty.
						break
					}
					continue
				}
				found = append(found, dev)
				if fn == 0 {
					multi, err := isMultiFunction(cs, uint8(bus), uint8(slot))
					if err != nil {
						return found, fmt.Errorf("pci: scan %02x:%02x.%d: %w", bus, slot, fn, err)
					}
					if !multi {
						break
					}
				}
			}
		}
	}
	return found, nil
}

// Find returns the first function matching vendor/device identity.
func Find(cs ConfigSpace, vendor, device uint16) (Device, error) {
	devices, err := Scan(cs)
	if err != nil {
		return Device{}, err
	}
	for _, dev := range devices {
		if dev.VendorID == vendor && dev.DeviceID == device {
			return dev, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %04x:%04x", ErrDeviceNotFound, vendor, device)
}
