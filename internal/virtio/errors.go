package virtio

import "errors"

var (
	// ErrDeviceNotInitialized is returned when the driver is used before
	// Init completed successfully.
	ErrDeviceNotInitialized = errors.New("virtio: device not initialized")

	// ErrVirtioFailure means the device rejected a step of the status
	// handshake. The handshake cannot be retried from a partial state.
	ErrVirtioFailure = errors.New("virtio: device handshake failed")

	// ErrQueueFull is returned when every descriptor of a ring is loaned to
	// the device and none has been reclaimed yet.
	ErrQueueFull = errors.New("virtio: queue full")

	// ErrInvalidPacket is returned when the device reports a completion that
	// does not fit the buffer it was given.
	ErrInvalidPacket = errors.New("virtio: invalid packet")

	// ErrBufferTooSmall is returned when a caller buffer cannot hold a frame.
	ErrBufferTooSmall = errors.New("virtio: buffer too small")

	// ErrNotSupported is returned for operations the negotiated feature set
	// does not cover.
	ErrNotSupported = errors.New("virtio: not supported")

	// ErrPacketTooLarge is returned by Send for frames above the MTU plus
	// ethernet framing.
	ErrPacketTooLarge = errors.New("virtio: packet exceeds maximum frame size")

	// ErrEmptyPacket is returned by Send for zero-length frames.
	ErrEmptyPacket = errors.New("virtio: empty packet")
)
