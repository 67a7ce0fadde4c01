// Package tlsconn secures a single TCP connection with TLS 1.3. The
// handshake, record layer, and chain verification come from crypto/tls and
// crypto/x509 against an embedded root store; this package contributes the
// adapter between the polled TCP connection and the library's blocking
// net.Conn contract, and exactly one session per connection.
package tlsconn

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	_ "embed"

	"github.com/emberos/netcore/internal/netstack"
)

var (
	// ErrHandshake is returned when the handshake fails for any reason other
	// than certificate verification.
	ErrHandshake = errors.New("tlsconn: handshake failed")

	// ErrInvalidCertificate is returned when the server's chain does not
	// verify against the trust store, is outside its validity window, or
	// does not cover the requested hostname. There is no way to skip
	// verification.
	ErrInvalidCertificate = errors.New("tlsconn: invalid certificate")

	// ErrNoRoots is returned when no usable root certificates are available.
	ErrNoRoots = errors.New("tlsconn: no root certificates")
)

//go:embed roots.pem
var embeddedRootsPEM []byte

var (
	embeddedOnce  sync.Once
	embeddedPool  *x509.CertPool
	embeddedError error
)

func embeddedRoots() (*x509.CertPool, error) {
	embeddedOnce.Do(func() {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(embeddedRootsPEM) {
			embeddedError = ErrNoRoots
			return
		}
		embeddedPool = pool
	})
	return embeddedPool, embeddedError
}

const defaultHandshakeTimeoutMS = 10_000

// Config selects the session's verification inputs.
type Config struct {
	// ServerName is sent as SNI and checked against the certificate.
	ServerName string

	// Roots overrides the embedded trust store; nil uses it.
	Roots *x509.CertPool

	// Now supplies unix milliseconds for the certificate validity check.
	// Nil falls back to the system wall clock.
	Now func() int64

	HandshakeTimeoutMS int64
}

// Transport is the polled connection under the session. *netstack.Conn is
// the real implementation.
type Transport interface {
	Read(p []byte, timeoutMS int64) (int, error)
	Write(p []byte, timeoutMS int64) (int, error)
	Close() error
	LocalAddr() (addr [4]byte, port uint16, err error)
	RemoteAddr() (addr [4]byte, port uint16, err error)
}

var _ Transport = (*netstack.Conn)(nil)

// connAdapter presents the polled connection as a blocking net.Conn. The
// record layer sets the timeout before each operation; a poll-loop timeout
// inside Read/Write surfaces as an ordinary error.
type connAdapter struct {
	c         Transport
	timeoutMS atomic.Int64
}

func (a *connAdapter) Read(p []byte) (int, error)  { return a.c.Read(p, a.timeoutMS.Load()) }
func (a *connAdapter) Write(p []byte) (int, error) { return a.c.Write(p, a.timeoutMS.Load()) }
func (a *connAdapter) Close() error                { return a.c.Close() }

func (a *connAdapter) LocalAddr() net.Addr {
	ip, port, err := a.c.LocalAddr()
	if err != nil {
		return &net.TCPAddr{}
	}
	return &net.TCPAddr{IP: net.IPv4(ip[0], ip[1], ip[2], ip[3]), Port: int(port)}
}

func (a *connAdapter) RemoteAddr() net.Addr {
	ip, port, err := a.c.RemoteAddr()
	if err != nil {
		return &net.TCPAddr{}
	}
	return &net.TCPAddr{IP: net.IPv4(ip[0], ip[1], ip[2], ip[3]), Port: int(port)}
}

// Deadlines are handled by the per-operation timeouts above.
func (a *connAdapter) SetDeadline(time.Time) error      { return nil }
func (a *connAdapter) SetReadDeadline(time.Time) error  { return nil }
func (a *connAdapter) SetWriteDeadline(time.Time) error { return nil }

// Session is one secured connection. It lives exactly as long as the
// underlying TCP connection; key material is negotiated once and reused for
// every read and write.
type Session struct {
	tls     *tls.Conn
	adapter *connAdapter
}

// Client runs the TLS 1.3 handshake over conn and returns the established
// session. The connection is left to the caller on failure.
func Client(conn Transport, cfg Config) (*Session, error) {
	roots := cfg.Roots
	if roots == nil {
		var err error
		if roots, err = embeddedRoots(); err != nil {
			return nil, err
		}
	}

	now := cfg.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	timeoutMS := cfg.HandshakeTimeoutMS
	if timeoutMS == 0 {
		timeoutMS = defaultHandshakeTimeoutMS
	}

	adapter := &connAdapter{c: conn}
	adapter.timeoutMS.Store(timeoutMS)

	t := tls.Client(adapter, &tls.Config{
		ServerName: cfg.ServerName,
		RootCAs:    roots,
		MinVersion: tls.VersionTLS13,
		Time:       func() time.Time { return time.UnixMilli(now()) },
	})
	if err := t.Handshake(); err != nil {
		if isCertificateError(err) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return &Session{tls: t, adapter: adapter}, nil
}

func isCertificateError(err error) bool {
	var (
		verifyErr  *tls.CertificateVerificationError
		authErr    x509.UnknownAuthorityError
		invalidErr x509.CertificateInvalidError
		hostErr    x509.HostnameError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &authErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &hostErr)
}

// Read decrypts into p, polling the TCP layer under the given timeout.
func (s *Session) Read(p []byte, timeoutMS int64) (int, error) {
	s.adapter.timeoutMS.Store(timeoutMS)
	return s.tls.Read(p)
}

// Write encrypts p, polling the TCP layer under the given timeout.
func (s *Session) Write(p []byte, timeoutMS int64) (int, error) {
	s.adapter.timeoutMS.Store(timeoutMS)
	return s.tls.Write(p)
}

// Close sends the close alert and closes the TCP connection.
func (s *Session) Close() error {
	return s.tls.Close()
}
