package httpclient

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/emberos/netcore/internal/netstack"
	"github.com/emberos/netcore/internal/tlsconn"
)

var (
	clientIP = [4]byte{10, 42, 0, 2}
	serverIP = [4]byte{10, 42, 0, 1}
)

func sysClock() int64 { return time.Now().UnixMilli() }

// memDriver is an in-memory link driver wired to a peer stack.
type memDriver struct {
	mac    [6]byte
	inject func([]byte)

	mu sync.Mutex
	rx [][]byte
}

func (d *memDriver) Send(frame []byte) error {
	out := append([]byte(nil), frame...)
	d.inject(out)
	return nil
}

func (d *memDriver) Receive() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.rx) == 0 {
		return nil, nil
	}
	frame := d.rx[0]
	d.rx = d.rx[1:]
	return frame, nil
}

func (d *memDriver) MAC() [6]byte   { return d.mac }
func (d *memDriver) IsLinkUp() bool { return true }
func (d *memDriver) Poll() error    { return nil }

// newServerHarness builds a configured stack whose link leads to a peer
// stack, and returns the peer for servers to listen on.
func newServerHarness(t *testing.T) (*netstack.Stack, *stack.Stack) {
	t.Helper()

	drv := &memDriver{mac: [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ns, err := netstack.New(drv, logger)
	if err != nil {
		t.Fatalf("netstack.New: %v", err)
	}

	ch := channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01"))
	peer := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := peer.CreateNIC(1, ethernet.New(ch)); err != nil {
		t.Fatalf("peer CreateNIC: %v", err)
	}
	if err := peer.AddProtocolAddress(1, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFrom4(serverIP),
			PrefixLen: 24,
		},
	}, stack.AddressProperties{}); err != nil {
		t.Fatalf("peer AddProtocolAddress: %v", err)
	}
	peer.SetRouteTable([]tcpip.Route{{Destination: header.IPv4EmptySubnet, NIC: 1}})

	drv.inject = func(frame []byte) {
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(frame),
		})
		ch.InjectInbound(0, pkt)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			pkt := ch.ReadContext(ctx)
			if pkt == nil {
				return
			}
			frame := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()
			drv.mu.Lock()
			drv.rx = append(drv.rx, frame)
			drv.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		cancel()
		ch.Close()
		peer.Close()
		ns.Close()
	})

	if err := ns.ConfigureStatic(netstack.IPConfig{Address: clientIP, PrefixLen: 24}); err != nil {
		t.Fatalf("ConfigureStatic: %v", err)
	}
	return ns, peer
}

func peerListener(t *testing.T, peer *stack.Stack, port uint16) net.Listener {
	t.Helper()
	l, err := gonet.ListenTCP(peer, tcpip.FullAddress{
		NIC:  1,
		Addr: tcpip.AddrFrom4(serverIP),
		Port: port,
	}, ipv4.ProtocolNumber)
	if err != nil {
		t.Fatalf("peer listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func testMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Flavor", "plain")
		fmt.Fprint(w, "hello from the far side")
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		f := w.(http.Flusher)
		fmt.Fprint(w, "first ")
		f.Flush()
		fmt.Fprint(w, "second")
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
		w.Write(body)
	})
	return mux
}

func TestClientGet(t *testing.T) {
	ns, peer := newServerHarness(t)
	go http.Serve(peerListener(t, peer, 8080), testMux())

	c := New(ns, sysClock, nil, nil, Options{})
	resp, err := c.Get("http://10.42.0.1:8080/hello")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status %d", resp.StatusCode)
	}
	if string(resp.Body) != "hello from the far side" {
		t.Errorf("body %q", resp.Body)
	}
	if v, ok := resp.Header("x-flavor"); !ok || v != "plain" {
		t.Errorf("header %q %v", v, ok)
	}
}

func TestClientGetChunked(t *testing.T) {
	ns, peer := newServerHarness(t)
	go http.Serve(peerListener(t, peer, 8080), testMux())

	c := New(ns, sysClock, nil, nil, Options{})
	resp, err := c.Get("http://10.42.0.1:8080/stream")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(resp.Body) != "first second" {
		t.Errorf("body %q", resp.Body)
	}
}

func TestClientPostJSON(t *testing.T) {
	ns, peer := newServerHarness(t)
	go http.Serve(peerListener(t, peer, 8080), testMux())

	c := New(ns, sysClock, nil, nil, Options{})
	resp, err := c.PostJSON("http://10.42.0.1:8080/echo", map[string]string{"model": "small"})
	if err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if string(resp.Body) != `{"model":"small"}` {
		t.Errorf("body %q", resp.Body)
	}
	if v, _ := resp.Header("Content-Type"); v != "application/json" {
		t.Errorf("content type %q", v)
	}
}

func TestClientConnectionRefused(t *testing.T) {
	ns, _ := newServerHarness(t)
	c := New(ns, sysClock, nil, nil, Options{ConnectTimeoutMS: 2000})
	if _, err := c.Get("http://10.42.0.1:9999/"); !errors.Is(err, netstack.ErrConnectionFailed) {
		t.Fatalf("err = %v, want ErrConnectionFailed", err)
	}
}

func TestClientHTTPS(t *testing.T) {
	ns, peer := newServerHarness(t)

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "harness root"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "10.42.0.1"},
		IPAddresses:  []net.IP{net.IPv4(10, 42, 0, 1)},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}

	tlsListener := tls.NewListener(peerListener(t, peer, 8443), &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{leafDER}, PrivateKey: leafKey}},
		MinVersion:   tls.VersionTLS13,
	})
	go http.Serve(tlsListener, testMux())

	c := New(ns, sysClock, nil, nil, Options{
		TLS: &tlsconn.Config{Roots: pool},
	})
	resp, err := c.Get("https://10.42.0.1:8443/hello")
	if err != nil {
		t.Fatalf("Get over TLS: %v", err)
	}
	if string(resp.Body) != "hello from the far side" {
		t.Errorf("body %q", resp.Body)
	}
}
