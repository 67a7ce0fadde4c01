package virtio

import (
	"encoding/binary"
	"fmt"
)

// Descriptor flag bits (virtio spec, split virtqueue).
const (
	descFlagNext  = 1 // descriptor continues via the Next field
	descFlagWrite = 2 // buffer is device-writable (an RX buffer)
)

const (
	descEntrySize = 16
	usedEntrySize = 8
	pageSize      = 4096
)

// legacyQueueLayout returns the offsets of the three ring structures inside
// one contiguous region, following the legacy virtio-pci layout: descriptor
// table and available ring first, used ring on the next page boundary.
func legacyQueueLayout(size uint16) (availOff, usedOff, total int) {
	availOff = int(size) * descEntrySize
	availEnd := availOff + 4 + int(size)*2 + 2
	usedOff = (availEnd + pageSize - 1) &^ (pageSize - 1)
	total = usedOff + 4 + int(size)*usedEntrySize + 2
	return availOff, usedOff, total
}

// DescriptorRing is the driver side of one split virtqueue. A descriptor is
// "loaned" to the device from AddBuffer until its id comes back through the
// used ring, then reclaimed by PopUsed. The pending set tracks loans
// explicitly; completing a descriptor that was never loaned is a descriptor
// accounting bug and panics.
type DescriptorRing struct {
	arena *Arena
	size  uint16

	availOff int
	usedOff  int

	free      []uint16
	pending   []bool
	availIdx  uint16 // next avail index to publish (driver shadow)
	lastUsed  uint16 // last consumed used-ring index
	loanCount int
}

// NewDescriptorRing lays out a virtqueue of the given size inside a fresh
// arena from alloc. Size must be a non-zero power of two.
func NewDescriptorRing(size uint16, alloc AllocFunc) (*DescriptorRing, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("virtio: queue size %d is not a power of two", size)
	}
	_, _, total := legacyQueueLayout(size)
	arena, err := alloc(total, pageSize)
	if err != nil {
		return nil, fmt.Errorf("virtio: allocate queue memory: %w", err)
	}
	if arena.Len() < total {
		return nil, fmt.Errorf("virtio: queue arena too small: %d < %d", arena.Len(), total)
	}
	availOff, usedOff, _ := legacyQueueLayout(size)

	ring := &DescriptorRing{
		arena:    arena,
		size:     size,
		availOff: availOff,
		usedOff:  usedOff,
		pending:  make([]bool, size),
	}
	for i := int(size) - 1; i >= 0; i-- {
		ring.free = append(ring.free, uint16(i))
	}
	return ring, nil
}

// Size returns the number of descriptors in the ring.
func (r *DescriptorRing) Size() uint16 { return r.size }

// PFN returns the page frame number of the ring region, as registered with
// the device's queue address register.
func (r *DescriptorRing) PFN() uint32 {
	return uint32(r.arena.Phys(0) / pageSize)
}

// Loaned reports how many descriptors are currently held by the device.
func (r *DescriptorRing) Loaned() int { return r.loanCount }

// AddBuffer claims the next free descriptor for the buffer at phys/length
// and returns its id. deviceWritable marks receive buffers. The descriptor
// is not visible to the device until Publish.
func (r *DescriptorRing) AddBuffer(phys uint64, length uint32, deviceWritable bool) (uint16, error) {
	if len(r.free) == 0 {
		return 0, fmt.Errorf("%w: all %d descriptors loaned", ErrQueueFull, r.size)
	}
	id := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]

	var flags uint16
	if deviceWritable {
		flags = descFlagWrite
	}
	desc := r.arena.Bytes()[int(id)*descEntrySize:]
	binary.LittleEndian.PutUint64(desc[0:8], phys)
	binary.LittleEndian.PutUint32(desc[8:12], length)
	binary.LittleEndian.PutUint16(desc[12:14], flags)
	binary.LittleEndian.PutUint16(desc[14:16], 0)

	r.pending[id] = true
	r.loanCount++
	return id, nil
}

// Publish appends the descriptor id to the available ring and advances the
// producer index. The barrier before the index store keeps the entry write
// ordered ahead of its publication; the device may consume the buffer the
// moment the index is visible.
func (r *DescriptorRing) Publish(id uint16) {
	buf := r.arena.Bytes()
	slot := r.availOff + 4 + int(r.availIdx%r.size)*2
	binary.LittleEndian.PutUint16(buf[slot:], id)

	barrier()
	r.availIdx++
	binary.LittleEndian.PutUint16(buf[r.availOff+2:], r.availIdx)
}

// PopUsed returns the next completed descriptor id and the number of bytes
// the device transferred, or ok=false when the device has not advanced the
// used ring. The descriptor returns to the free list.
func (r *DescriptorRing) PopUsed() (id uint16, length uint32, ok bool) {
	buf := r.arena.Bytes()
	deviceIdx := binary.LittleEndian.Uint16(buf[r.usedOff+2:])
	if deviceIdx == r.lastUsed {
		return 0, 0, false
	}

	// The device wrote the element before bumping its index; order our
	// element read after the index read.
	barrier()

	slot := r.usedOff + 4 + int(r.lastUsed%r.size)*usedEntrySize
	id32 := binary.LittleEndian.Uint32(buf[slot:])
	length = binary.LittleEndian.Uint32(buf[slot+4:])
	r.lastUsed++

	if id32 >= uint32(r.size) {
		panic(fmt.Sprintf("virtio: used ring reports descriptor %d outside ring of %d", id32, r.size))
	}
	id = uint16(id32)
	if !r.pending[id] {
		panic(fmt.Sprintf("virtio: used ring completed descriptor %d that was never loaned", id))
	}
	r.pending[id] = false
	r.loanCount--
	r.free = append(r.free, id)
	return id, length, true
}
