// Package pcap writes classic libpcap capture streams. The network stack
// uses it to tap every ethernet frame crossing the link driver, which is the
// only practical way to debug a protocol exchange on a machine with no
// tcpdump.
package pcap

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

// linkTypeEthernet is the DLT identifier for ethernet captures, matching the
// libpcap definition.
const linkTypeEthernet uint32 = 1

// DefaultSnapLen comfortably holds a maximum ethernet frame.
const DefaultSnapLen = 2048

// Writer emits one libpcap-formatted ethernet capture stream.
type Writer struct {
	w       io.Writer
	snapLen uint32
}

// NewWriter writes the 24-byte global pcap header for an ethernet capture
// and returns a Writer for its frames. snapLen of 0 uses DefaultSnapLen.
func NewWriter(out io.Writer, snapLen uint32) (*Writer, error) {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}

	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2) // major version
	binary.LittleEndian.PutUint16(hdr[6:8], 4) // minor version
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkTypeEthernet)

	if _, err := out.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}
	return &Writer{w: out, snapLen: snapLen}, nil
}

// WriteFrame appends one captured frame, truncated to the snap length.
// Timestamps are serialized at microsecond resolution.
func (w *Writer) WriteFrame(ts time.Time, frame []byte) error {
	captured := len(frame)
	if uint32(captured) > w.snapLen {
		captured = int(w.snapLen)
	}

	var tsSec, tsUsec uint32
	if !ts.IsZero() {
		sec := ts.Unix()
		if sec < 0 || sec > math.MaxUint32 {
			return fmt.Errorf("pcap: timestamp seconds %d out of range", sec)
		}
		tsSec = uint32(sec)
		tsUsec = uint32(ts.Nanosecond() / 1_000)
	}

	var rec [16]byte
	binary.LittleEndian.PutUint32(rec[0:4], tsSec)
	binary.LittleEndian.PutUint32(rec[4:8], tsUsec)
	binary.LittleEndian.PutUint32(rec[8:12], uint32(captured))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))

	if _, err := w.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if captured == 0 {
		return nil
	}
	if _, err := w.w.Write(frame[:captured]); err != nil {
		return fmt.Errorf("pcap: write frame data: %w", err)
	}
	return nil
}
