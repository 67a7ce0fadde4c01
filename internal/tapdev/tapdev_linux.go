//go:build linux

// Package tapdev is a development link driver backed by a Linux TAP device,
// used to run the network stack against a real kernel bridge instead of
// virtio hardware.
package tapdev

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/emberos/netcore/internal/netstack"
)

const frameBufferSize = 2048

// Device is a TAP-backed netstack.Driver.
type Device struct {
	fd   int
	name string
	mac  [6]byte
	log  *slog.Logger
}

var _ netstack.Driver = (*Device)(nil)

// Open attaches to the named TAP interface in non-blocking mode. The device
// identifies itself on the segment with a random locally administered MAC.
func Open(name string, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("tapdev: open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tapdev: interface name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tapdev: TUNSETIFF %q: %w", name, err)
	}

	var mac [6]byte
	if _, err := rand.Read(mac[:]); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tapdev: generate mac: %w", err)
	}
	mac[0] = (mac[0] | 0x02) &^ 0x01 // locally administered, unicast

	d := &Device{fd: fd, name: name, mac: mac, log: logger}
	logger.Info("tapdev: attached", "device", name, "mac", fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5]))
	return d, nil
}

func (d *Device) Send(frame []byte) error {
	if _, err := unix.Write(d.fd, frame); err != nil {
		return fmt.Errorf("tapdev: write: %w", err)
	}
	return nil
}

// Receive returns the next queued frame, or nil when the kernel has none.
func (d *Device) Receive() ([]byte, error) {
	buf := make([]byte, frameBufferSize)
	n, err := unix.Read(d.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil, nil
		}
		return nil, fmt.Errorf("tapdev: read: %w", err)
	}
	return buf[:n], nil
}

func (d *Device) MAC() [6]byte { return d.mac }

// IsLinkUp is always true once the TAP is open; the kernel has no notion of
// carrier for it.
func (d *Device) IsLinkUp() bool { return true }

// Poll is a no-op: the kernel queues frames without our help.
func (d *Device) Poll() error { return nil }

func (d *Device) Close() error {
	return unix.Close(d.fd)
}
