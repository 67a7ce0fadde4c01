package virtio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"
)

// fakeNetModel is a scripted virtio-net device: it exposes the legacy
// register window and consumes the driver's rings through the shared test
// memory, the mirror image of the driver under test.
type fakeNetModel struct {
	mem *testMemory

	mac            [6]byte
	offered        uint32
	guestFeatures  uint32
	status         uint8
	rejectFeatures bool
	linkStatus     uint16

	queueSel   uint16
	queueSizes [2]uint16
	queuePFN   [2]uint32
	lastAvail  [2]uint16
	usedIdx    [2]uint16

	waitingRX []uint16 // rx descriptor ids handed to the device, FIFO
	sent      [][]byte // frames the driver transmitted, headers stripped

	statusWrites []uint8
	notifies     []uint16
}

func newFakeNetModel(mem *testMemory) *fakeNetModel {
	return &fakeNetModel{
		mem:        mem,
		mac:        [6]byte{0x52, 0x54, 0x00, 0xab, 0xcd, 0xef},
		offered:    featureMAC | featureLinkStatus,
		linkStatus: netStatusLinkUp,
		queueSizes: [2]uint16{8, 8},
	}
}

func (f *fakeNetModel) Read8(offset uint16) uint8 {
	switch {
	case offset == regDeviceStatus:
		return f.status
	case offset == regISRStatus:
		return 0
	case offset >= regDeviceConfig && offset < regDeviceConfig+6:
		return f.mac[offset-regDeviceConfig]
	}
	return 0
}

func (f *fakeNetModel) Write8(offset uint16, value uint8) {
	if offset == regDeviceStatus {
		f.statusWrites = append(f.statusWrites, value)
		if f.rejectFeatures {
			value &^= statusFeaturesOK
		}
		f.status = value
	}
}

func (f *fakeNetModel) Read16(offset uint16) uint16 {
	switch offset {
	case regQueueSize:
		if int(f.queueSel) < len(f.queueSizes) {
			return f.queueSizes[f.queueSel]
		}
		return 0
	case regDeviceConfig + configStatusOffset:
		return f.linkStatus
	}
	return 0
}

func (f *fakeNetModel) Write16(offset uint16, value uint16) {
	switch offset {
	case regQueueSelect:
		f.queueSel = value
	case regQueueNotify:
		f.notifies = append(f.notifies, value)
		f.processQueue(int(value))
	}
}

func (f *fakeNetModel) Read32(offset uint16) uint32 {
	if offset == regDeviceFeatures {
		return f.offered
	}
	return 0
}

func (f *fakeNetModel) Write32(offset uint16, value uint32) {
	switch offset {
	case regGuestFeatures:
		f.guestFeatures = value
	case regQueuePFN:
		if int(f.queueSel) < len(f.queuePFN) {
			f.queuePFN[f.queueSel] = value
		}
	}
}

func (f *fakeNetModel) ringBase(q int) []byte {
	return f.mem.at(uint64(f.queuePFN[q]) * pageSize)
}

func (f *fakeNetModel) readDesc(q int, id uint16) (addr uint64, length uint32, flags uint16) {
	desc := f.ringBase(q)[int(id)*descEntrySize:]
	return binary.LittleEndian.Uint64(desc[0:8]),
		binary.LittleEndian.Uint32(desc[8:12]),
		binary.LittleEndian.Uint16(desc[12:14])
}

func (f *fakeNetModel) pushUsed(q int, id uint16, length uint32) {
	size := f.queueSizes[q]
	_, usedOff, _ := legacyQueueLayout(size)
	base := f.ringBase(q)
	slot := usedOff + 4 + int(f.usedIdx[q]%size)*usedEntrySize
	binary.LittleEndian.PutUint32(base[slot:], uint32(id))
	binary.LittleEndian.PutUint32(base[slot+4:], length)
	f.usedIdx[q]++
	binary.LittleEndian.PutUint16(base[usedOff+2:], f.usedIdx[q])
}

// processQueue consumes newly published avail entries. Transmit buffers are
// read out and completed immediately; receive buffers are parked until a
// test injects a frame.
func (f *fakeNetModel) processQueue(q int) {
	if q < 0 || q >= len(f.queueSizes) || f.queuePFN[q] == 0 {
		return
	}
	size := f.queueSizes[q]
	availOff, _, _ := legacyQueueLayout(size)
	base := f.ringBase(q)
	availIdx := binary.LittleEndian.Uint16(base[availOff+2:])

	for f.lastAvail[q] != availIdx {
		slot := availOff + 4 + int(f.lastAvail[q]%size)*2
		id := binary.LittleEndian.Uint16(base[slot:])
		f.lastAvail[q]++

		switch q {
		case queueTransmit:
			addr, length, _ := f.readDesc(q, id)
			data := f.mem.at(addr)[:length]
			if len(data) > netHeaderSize {
				f.sent = append(f.sent, append([]byte(nil), data[netHeaderSize:]...))
			}
			f.pushUsed(q, id, 0)
		case queueReceive:
			f.waitingRX = append(f.waitingRX, id)
		}
	}
}

// inject delivers one frame into the next parked receive buffer.
func (f *fakeNetModel) inject(frame []byte) bool {
	if len(f.waitingRX) == 0 {
		return false
	}
	id := f.waitingRX[0]
	f.waitingRX = f.waitingRX[1:]

	addr, buflen, _ := f.readDesc(queueReceive, id)
	total := uint32(netHeaderSize + len(frame))
	if total > buflen {
		return false
	}
	data := f.mem.at(addr)
	for i := 0; i < netHeaderSize; i++ {
		data[i] = 0
	}
	copy(data[netHeaderSize:], frame)
	f.pushUsed(queueReceive, id, total)
	return true
}

// injectRaw completes the next receive buffer with an arbitrary reported
// length, without bounds checks.
func (f *fakeNetModel) injectRaw(length uint32) {
	id := f.waitingRX[0]
	f.waitingRX = f.waitingRX[1:]
	f.pushUsed(queueReceive, id, length)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDriver(t *testing.T) (*NetDevice, *fakeNetModel) {
	t.Helper()
	mem := newTestMemory(1 << 20)
	model := newFakeNetModel(mem)
	dev := NewNetDevice(model, mem.alloc, 4, discardLogger())
	if err := dev.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return dev, model
}

func TestInitHandshake(t *testing.T) {
	dev, model := newTestDriver(t)

	want := uint8(statusAcknowledge | statusDriver | statusFeaturesOK | statusDriverOK)
	if model.status != want {
		t.Errorf("final status 0x%02x, want 0x%02x", model.status, want)
	}
	// Reset must come first, driver-ok last.
	if len(model.statusWrites) == 0 || model.statusWrites[0] != statusReset {
		t.Errorf("first status write was not reset: %v", model.statusWrites)
	}
	last := model.statusWrites[len(model.statusWrites)-1]
	if last&statusDriverOK == 0 {
		t.Errorf("last status write missing driver-ok: 0x%02x", last)
	}
	if model.guestFeatures != (featureMAC | featureLinkStatus) {
		t.Errorf("guest features 0x%x", model.guestFeatures)
	}
	if mac := dev.MAC(); mac != model.mac {
		t.Errorf("MAC: got %x, want %x", mac, model.mac)
	}
	// The whole RX pool is loaned up front.
	if len(model.waitingRX) != 4 {
		t.Errorf("expected 4 parked rx buffers, got %d", len(model.waitingRX))
	}
}

func TestInitFeatureRejectionIsFatal(t *testing.T) {
	mem := newTestMemory(1 << 20)
	model := newFakeNetModel(mem)
	model.rejectFeatures = true
	dev := NewNetDevice(model, mem.alloc, 4, discardLogger())

	if err := dev.Init(); !errors.Is(err, ErrVirtioFailure) {
		t.Fatalf("expected ErrVirtioFailure, got %v", err)
	}
	if model.status&statusFailed == 0 {
		t.Errorf("driver did not mark the device failed: 0x%02x", model.status)
	}
	if err := dev.Send([]byte{1}); !errors.Is(err, ErrDeviceNotInitialized) {
		t.Errorf("Send after failed init: %v", err)
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	dev, model := newTestDriver(t)

	frame := bytes.Repeat([]byte{0xaa}, 60)
	if err := dev.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(model.sent) != 1 || !bytes.Equal(model.sent[0], frame) {
		t.Fatalf("device saw %d frames", len(model.sent))
	}

	in := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	if !model.inject(in) {
		t.Fatal("inject failed")
	}
	got, err := dev.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(got, in) {
		t.Fatalf("Receive: got %x, want %x", got, in)
	}

	// No more frames queued.
	got, err = dev.Receive()
	if err != nil || got != nil {
		t.Fatalf("idle Receive: got (%v, %v)", got, err)
	}
}

func TestSendRejectsBadFrames(t *testing.T) {
	dev, _ := newTestDriver(t)

	if err := dev.Send(nil); !errors.Is(err, ErrEmptyPacket) {
		t.Errorf("empty frame: %v", err)
	}
	if err := dev.Send(make([]byte, maxFrameSize+1)); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("oversized frame: %v", err)
	}
}

func TestReceivePoolNeverShrinks(t *testing.T) {
	dev, model := newTestDriver(t)

	for i := 0; i < 20; i++ {
		if !model.inject([]byte{byte(i), 0xff}) {
			t.Fatalf("round %d: no parked rx buffer", i)
		}
		frame, err := dev.Receive()
		if err != nil {
			t.Fatalf("round %d: Receive: %v", i, err)
		}
		if frame[0] != byte(i) {
			t.Fatalf("round %d: got frame %x", i, frame)
		}
	}
	if len(model.waitingRX) != 4 {
		t.Fatalf("pool drifted: %d parked buffers, want 4", len(model.waitingRX))
	}
}

func TestReceiveOversizedCompletion(t *testing.T) {
	dev, model := newTestDriver(t)

	model.injectRaw(bufferSize + 100)
	if _, err := dev.Receive(); !errors.Is(err, ErrInvalidPacket) {
		t.Fatalf("expected ErrInvalidPacket, got %v", err)
	}
	// The buffer must have been re-loaned despite the bad completion.
	if len(model.waitingRX) != 4 {
		t.Fatalf("pool shrank after invalid completion: %d", len(model.waitingRX))
	}
}

func TestReceiveHeaderOnlyCompletion(t *testing.T) {
	dev, model := newTestDriver(t)

	// A completion covering just the virtio-net header holds no frame; it
	// must surface as an invalid packet, not a zero-length frame.
	model.injectRaw(netHeaderSize)
	if _, err := dev.Receive(); !errors.Is(err, ErrInvalidPacket) {
		t.Fatalf("expected ErrInvalidPacket, got %v", err)
	}
	if len(model.waitingRX) != 4 {
		t.Fatalf("pool shrank after invalid completion: %d", len(model.waitingRX))
	}
}

func TestPollReclaimsTransmits(t *testing.T) {
	dev, model := newTestDriver(t)

	for i := 0; i < int(model.queueSizes[queueTransmit])*3; i++ {
		if err := dev.Send([]byte{byte(i), 1, 2, 3}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		if err := dev.Poll(); err != nil {
			t.Fatalf("Poll %d: %v", i, err)
		}
	}
	if dev.tx.Loaned() != 0 {
		t.Fatalf("tx descriptors still loaned after poll: %d", dev.tx.Loaned())
	}
}

func TestLinkStatus(t *testing.T) {
	dev, model := newTestDriver(t)

	if !dev.IsLinkUp() {
		t.Error("link should be up")
	}
	model.linkStatus = 0
	if dev.IsLinkUp() {
		t.Error("link should be down")
	}
}
