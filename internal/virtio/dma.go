package virtio

import (
	"fmt"
	"sync/atomic"
)

// Arena is a fixed region of DMA-capable memory shared with the device. The
// kernel hands the driver identity-mapped memory, so the physical address of
// a byte is the arena base plus its offset; a target with real paging
// constructs arenas with a genuine physical base instead.
type Arena struct {
	buf  []byte
	phys uint64
}

// NewArena wraps buf as a DMA region whose first byte lives at physical
// address physBase.
func NewArena(buf []byte, physBase uint64) *Arena {
	return &Arena{buf: buf, phys: physBase}
}

// Bytes returns the backing storage.
func (a *Arena) Bytes() []byte { return a.buf }

// Len returns the region size in bytes.
func (a *Arena) Len() int { return len(a.buf) }

// Phys translates an offset into the region to a device-visible physical
// address.
func (a *Arena) Phys(off int) uint64 {
	if off < 0 || off > len(a.buf) {
		panic(fmt.Sprintf("virtio: arena offset %d out of range [0, %d]", off, len(a.buf)))
	}
	return a.phys + uint64(off)
}

// AllocFunc is the kernel's DMA allocation capability: it returns a fresh
// arena of at least size bytes aligned to align.
type AllocFunc func(size, align int) (*Arena, error)

var fenceWord atomic.Uint32

// barrier orders prior writes to ring memory against the index publication
// that follows. The rings are shared, unsynchronized memory between driver
// and device; Go atomics are sequentially consistent, so one atomic RMW
// serves as a full fence.
func barrier() {
	fenceWord.Add(0)
}
