package netstack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const (
	dnsPort            = 53
	dnsTypeA           = 1
	dnsTypeCNAME       = 5
	dnsClassIN         = 1
	dnsFlagResponse    = 0x8000
	dnsFlagRecursion   = 0x0100
	dnsRetryIntervalMS = 1500

	// maxCompressionJumps bounds pointer chains while decoding a name, so a
	// malicious response cannot loop the parser.
	maxCompressionJumps = 10

	maxLabelLen       = 63
	maxEncodedNameLen = 255
)

var dnsQueryCounter atomic.Uint32

// Resolve looks the hostname up over UDP against the first configured DNS
// server, polling the stack until an answer arrives or the clock passes
// timeoutMS. Dotted-quad input is returned directly without touching the
// network.
func (ns *Stack) Resolve(name string, timeoutMS int64, clock Clock, yield Yield) ([4]byte, error) {
	if ip, ok := parseIPv4(name); ok {
		return ip, nil
	}

	cfg := ns.Config()
	if cfg == nil || len(cfg.DNS) == 0 {
		return [4]byte{}, fmt.Errorf("resolve %q: %w: no dns server configured", name, ErrInvalidAddress)
	}
	server := cfg.DNS[0]

	id := uint16(dnsQueryCounter.Add(1)) ^ uint16(clock())
	query, err := buildQuery(id, name)
	if err != nil {
		return [4]byte{}, fmt.Errorf("resolve %q: %w", name, err)
	}

	ep, _, err := ns.newEndpoint(udp.ProtocolNumber)
	if err != nil {
		return [4]byte{}, err
	}
	defer ep.Close()

	remote := tcpip.FullAddress{NIC: nicID, Addr: tcpip.AddrFrom4(server), Port: dnsPort}
	if err := wrapTCPIP("dns connect", ep.Connect(remote)); err != nil {
		return [4]byte{}, err
	}

	send := func() error {
		var r bytes.Reader
		r.Reset(query)
		_, werr := ep.Write(&r, tcpip.WriteOptions{})
		return wrapTCPIP("dns send", werr)
	}
	if err := send(); err != nil {
		return [4]byte{}, err
	}

	dl := newDeadline(clock, timeoutMS)
	lastSend := clock()
	for {
		if dl.expired() {
			return [4]byte{}, fmt.Errorf("resolve %q: %w", name, ErrTimeout)
		}
		if err := ns.Poll(clock()); err != nil {
			return [4]byte{}, err
		}

	readLoop:
		for {
			var buf bytes.Buffer
			_, rerr := ep.Read(&buf, tcpip.ReadOptions{})
			switch rerr.(type) {
			case nil:
			case *tcpip.ErrWouldBlock:
				break readLoop
			case *tcpip.ErrConnectionRefused:
				// Port unreachable; the server may still come up before the
				// deadline, so keep retransmitting.
				break readLoop
			default:
				return [4]byte{}, wrapTCPIP("dns read", rerr)
			}
			ip, err := parseResponse(buf.Bytes(), id)
			if err != nil {
				// A stale or forged reply; keep waiting for ours.
				ns.log.Debug("dns: ignoring response", "err", err)
				continue
			}
			return ip, nil
		}

		if now := clock(); now-lastSend >= dnsRetryIntervalMS {
			if err := send(); err != nil {
				return [4]byte{}, err
			}
			lastSend = now
		}
		yield.call()
	}
}

// parseIPv4 accepts strict dotted-quad literals: four decimal octets in
// 0..255 with no extra characters.
func parseIPv4(s string) ([4]byte, bool) {
	var ip [4]byte
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return ip, false
	}
	for i, p := range parts {
		if p == "" || len(p) > 3 {
			return ip, false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return ip, false
		}
		ip[i] = byte(n)
	}
	return ip, true
}

// encodeName converts a dotted hostname into wire-format labels. A single
// trailing dot is accepted; empty labels and oversized names are not.
func encodeName(name string) ([]byte, error) {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrDNSFormat)
	}

	out := make([]byte, 0, len(name)+2)
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			return nil, fmt.Errorf("%w: empty label in %q", ErrDNSFormat, name)
		}
		if len(label) > maxLabelLen {
			return nil, fmt.Errorf("%w: label %q exceeds %d bytes", ErrDNSFormat, label, maxLabelLen)
		}
		out = append(out, byte(len(label)))
		out = append(out, label...)
	}
	out = append(out, 0)
	if len(out) > maxEncodedNameLen {
		return nil, fmt.Errorf("%w: name %q exceeds %d bytes", ErrDNSFormat, name, maxEncodedNameLen)
	}
	return out, nil
}

// decodeName reads one possibly-compressed name starting at off. It returns
// the dotted name and the offset just past the name in the original byte
// stream, regardless of where pointers led.
func decodeName(msg []byte, off int) (string, int, error) {
	var sb strings.Builder
	next := -1 // resume offset in the original stream, set at the first jump
	jumps := 0

	for {
		if off >= len(msg) {
			return "", 0, fmt.Errorf("%w: name runs past end", ErrDNSFormat)
		}
		b := msg[off]
		switch {
		case b == 0:
			if next < 0 {
				next = off + 1
			}
			return sb.String(), next, nil

		case b&0xc0 == 0xc0:
			if off+1 >= len(msg) {
				return "", 0, fmt.Errorf("%w: truncated pointer", ErrDNSFormat)
			}
			jumps++
			if jumps > maxCompressionJumps {
				return "", 0, fmt.Errorf("%w: pointer chain exceeds %d jumps", ErrDNSFormat, maxCompressionJumps)
			}
			if next < 0 {
				next = off + 2
			}
			off = int(b&0x3f)<<8 | int(msg[off+1])

		case b&0xc0 != 0:
			return "", 0, fmt.Errorf("%w: reserved label type %02x", ErrDNSFormat, b&0xc0)

		default:
			end := off + 1 + int(b)
			if end > len(msg) {
				return "", 0, fmt.Errorf("%w: label runs past end", ErrDNSFormat)
			}
			if sb.Len() > 0 {
				sb.WriteByte('.')
			}
			sb.Write(msg[off+1 : end])
			if sb.Len() > maxEncodedNameLen {
				return "", 0, fmt.Errorf("%w: decoded name too long", ErrDNSFormat)
			}
			off = end
		}
	}
}

// buildQuery assembles one recursion-desired A query.
func buildQuery(id uint16, name string) ([]byte, error) {
	encoded, err := encodeName(name)
	if err != nil {
		return nil, err
	}

	msg := make([]byte, 12, 12+len(encoded)+4)
	binary.BigEndian.PutUint16(msg[0:2], id)
	binary.BigEndian.PutUint16(msg[2:4], dnsFlagRecursion)
	binary.BigEndian.PutUint16(msg[4:6], 1) // one question
	msg = append(msg, encoded...)
	msg = binary.BigEndian.AppendUint16(msg, dnsTypeA)
	msg = binary.BigEndian.AppendUint16(msg, dnsClassIN)
	return msg, nil
}

// parseResponse validates a reply against the query ID and extracts the
// first A record from the answer section. CNAME records are skipped; the
// resolver relies on the server including the target's address alongside.
func parseResponse(msg []byte, wantID uint16) ([4]byte, error) {
	var ip [4]byte
	if len(msg) < 12 {
		return ip, fmt.Errorf("%w: %d byte response", ErrDNSFormat, len(msg))
	}
	if id := binary.BigEndian.Uint16(msg[0:2]); id != wantID {
		return ip, fmt.Errorf("%w: id %04x, want %04x", ErrDNSFormat, id, wantID)
	}
	flags := binary.BigEndian.Uint16(msg[2:4])
	if flags&dnsFlagResponse == 0 {
		return ip, fmt.Errorf("%w: not a response", ErrDNSFormat)
	}
	if rcode := flags & 0xf; rcode != 0 {
		return ip, fmt.Errorf("%w: rcode %d", ErrDNSNoAnswer, rcode)
	}

	qdCount := int(binary.BigEndian.Uint16(msg[4:6]))
	anCount := int(binary.BigEndian.Uint16(msg[6:8]))

	off := 12
	for i := 0; i < qdCount; i++ {
		_, next, err := decodeName(msg, off)
		if err != nil {
			return ip, err
		}
		off = next + 4 // qtype and qclass
		if off > len(msg) {
			return ip, fmt.Errorf("%w: truncated question", ErrDNSFormat)
		}
	}

	for i := 0; i < anCount; i++ {
		_, next, err := decodeName(msg, off)
		if err != nil {
			return ip, err
		}
		off = next
		if off+10 > len(msg) {
			return ip, fmt.Errorf("%w: truncated answer", ErrDNSFormat)
		}
		rrType := binary.BigEndian.Uint16(msg[off : off+2])
		rrClass := binary.BigEndian.Uint16(msg[off+2 : off+4])
		rdLen := int(binary.BigEndian.Uint16(msg[off+8 : off+10]))
		off += 10
		if off+rdLen > len(msg) {
			return ip, fmt.Errorf("%w: rdata runs past end", ErrDNSFormat)
		}

		// Only an A record with exactly 4 bytes of rdata resolves; anything
		// else (CNAMEs, malformed A records) is skipped and later answers
		// still count.
		if rrType == dnsTypeA && rrClass == dnsClassIN && rdLen == 4 {
			copy(ip[:], msg[off:off+4])
			return ip, nil
		}
		off += rdLen
	}

	return ip, ErrDNSNoAnswer
}
