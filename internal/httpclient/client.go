// Package httpclient is a minimal HTTP/1.1 client over the polled network
// stack. Every request opens one connection, sends Connection: close, and
// reads the reply to completion with bounded header and body sizes.
package httpclient

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emberos/netcore/internal/netstack"
	"github.com/emberos/netcore/internal/tlsconn"
)

const (
	defaultUserAgent        = "emberos-netcore/1.0"
	defaultMaxHeaderBytes   = 8 << 10
	defaultMaxBodyBytes     = 2 << 20
	defaultConnectTimeoutMS = 10_000
	defaultRequestTimeoutMS = 30_000
)

// Options tunes one client. Zero values select the defaults above.
type Options struct {
	UserAgent        string
	MaxHeaderBytes   int
	MaxBodyBytes     int
	ConnectTimeoutMS int64
	RequestTimeoutMS int64

	// WallClock supplies unix milliseconds for certificate validity checks.
	// It is distinct from the stack's monotonic clock on purpose: lease and
	// socket timeouts must not jump with wall-time corrections, certificate
	// windows must.
	WallClock func() int64

	// TLS overrides the certificate roots, mainly for tests. Nil uses the
	// embedded trust store.
	TLS *tlsconn.Config
}

func (o Options) withDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.MaxHeaderBytes == 0 {
		o.MaxHeaderBytes = defaultMaxHeaderBytes
	}
	if o.MaxBodyBytes == 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}
	if o.ConnectTimeoutMS == 0 {
		o.ConnectTimeoutMS = defaultConnectTimeoutMS
	}
	if o.RequestTimeoutMS == 0 {
		o.RequestTimeoutMS = defaultRequestTimeoutMS
	}
	if o.WallClock == nil {
		o.WallClock = func() int64 { return time.Now().UnixMilli() }
	}
	return o
}

// Client issues requests over a network stack. It holds no connection state
// between requests.
type Client struct {
	stack *netstack.Stack
	clock netstack.Clock
	yield netstack.Yield
	log   *slog.Logger
	opts  Options
}

func New(stack *netstack.Stack, clock netstack.Clock, yield netstack.Yield, logger *slog.Logger, opts Options) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		stack: stack,
		clock: clock,
		yield: yield,
		log:   logger,
		opts:  opts.withDefaults(),
	}
}

// Get fetches rawURL.
func (c *Client) Get(rawURL string) (*Response, error) {
	return c.Do("GET", rawURL, nil, nil)
}

// PostJSON marshals payload and posts it as application/json.
func (c *Client) PostJSON(rawURL string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("httpclient: marshal body: %w", err)
	}
	return c.Do("POST", rawURL, []Header{{Name: "Content-Type", Value: "application/json"}}, body)
}

// Do runs one complete request/response exchange: resolve, connect, optional
// TLS handshake, serialize, read to completion, close.
func (c *Client) Do(method, rawURL string, headers []Header, body []byte) (*Response, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	ip, err := c.stack.Resolve(u.Host, c.opts.ConnectTimeoutMS, c.clock, c.yield)
	if err != nil {
		return nil, fmt.Errorf("httpclient: resolve %s: %w", u.Host, err)
	}

	conn, err := c.stack.DialTCP(ip, u.Port, c.opts.ConnectTimeoutMS, c.clock, c.yield)
	if err != nil {
		return nil, fmt.Errorf("httpclient: connect: %w", err)
	}

	var stream Stream = conn
	if u.Scheme == SchemeHTTPS {
		cfg := tlsconn.Config{
			ServerName:         u.Host,
			Now:                c.opts.WallClock,
			HandshakeTimeoutMS: c.opts.ConnectTimeoutMS,
		}
		if c.opts.TLS != nil {
			cfg.Roots = c.opts.TLS.Roots
		}
		session, err := tlsconn.Client(conn, cfg)
		if err != nil {
			conn.Close()
			return nil, err
		}
		stream = session
	}
	defer stream.Close()

	req := buildRequest(method, u, c.opts.UserAgent, headers, body)
	if _, err := stream.Write(req, c.opts.RequestTimeoutMS); err != nil {
		return nil, fmt.Errorf("httpclient: send request: %w", err)
	}

	resp, err := readResponse(stream, c.opts.RequestTimeoutMS, c.opts.MaxHeaderBytes, c.opts.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	c.log.Debug("httpclient: request complete",
		"method", method, "host", u.Host, "status", resp.StatusCode, "body", len(resp.Body))
	return resp, nil
}

// buildRequest serializes the request line and the required header set, with
// caller headers appended after them.
func buildRequest(method string, u URL, userAgent string, headers []Header, body []byte) []byte {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(u.Path)
	b.WriteString(" HTTP/1.1\r\n")
	b.WriteString("Host: ")
	b.WriteString(u.hostHeader())
	b.WriteString("\r\n")
	b.WriteString("User-Agent: ")
	b.WriteString(userAgent)
	b.WriteString("\r\n")
	b.WriteString("Connection: close\r\n")
	if len(body) > 0 {
		b.WriteString("Content-Length: ")
		b.WriteString(strconv.Itoa(len(body)))
		b.WriteString("\r\n")
	}
	for _, h := range headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	out := make([]byte, 0, b.Len()+len(body))
	out = append(out, b.String()...)
	out = append(out, body...)
	return out
}
