package httpclient

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emberos/netcore/internal/netstack"
)

// Stream is the byte transport a response is read from: a plain TCP
// connection or a TLS session layered over one.
type Stream interface {
	Read(p []byte, timeoutMS int64) (int, error)
	Write(p []byte, timeoutMS int64) (int, error)
	Close() error
}

// Header is one response header. Order is preserved; lookup is
// case-insensitive.
type Header struct {
	Name  string
	Value string
}

// Response is a fully read reply. The body is always complete: the reader
// never hands back a response whose framing was not satisfied.
type Response struct {
	StatusCode int
	Status     string
	Headers    []Header
	Body       []byte
}

// Header returns the first header matching name, ASCII case-insensitively.
func (r *Response) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// responseReader runs the shared response state machine over a Stream: one
// buffered accumulation phase for the header section, then one of the three
// body framings.
type responseReader struct {
	s         Stream
	timeoutMS int64
	maxHeader int
	maxBody   int

	buf []byte // received but not yet consumed
	eof bool
}

func (rd *responseReader) fill() error {
	if rd.eof {
		return io.EOF
	}
	chunk := make([]byte, 4096)
	n, err := rd.s.Read(chunk, rd.timeoutMS)
	rd.buf = append(rd.buf, chunk[:n]...)
	if err == io.EOF {
		rd.eof = true
		return io.EOF
	}
	if errors.Is(err, netstack.ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrReadTimeout, err)
	}
	return err
}

// readResponse drives the full state machine and returns a complete reply.
func readResponse(s Stream, timeoutMS int64, maxHeader, maxBody int) (*Response, error) {
	rd := &responseReader{s: s, timeoutMS: timeoutMS, maxHeader: maxHeader, maxBody: maxBody}

	resp, err := rd.readHeaderSection()
	if err != nil {
		return nil, err
	}

	if te, ok := resp.Header("Transfer-Encoding"); ok && strings.EqualFold(strings.TrimSpace(te), "chunked") {
		resp.Body, err = rd.readChunkedBody()
	} else if cl, ok := resp.Header("Content-Length"); ok {
		length, perr := strconv.Atoi(strings.TrimSpace(cl))
		if perr != nil || length < 0 {
			return nil, fmt.Errorf("%w: content-length %q", ErrInvalidResponse, cl)
		}
		resp.Body, err = rd.readFixedBody(length)
	} else {
		resp.Body, err = rd.readUntilClose()
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (rd *responseReader) readHeaderSection() (*Response, error) {
	var headerEnd int
	for {
		if i := bytes.Index(rd.buf, []byte("\r\n\r\n")); i >= 0 {
			headerEnd = i
			break
		}
		if len(rd.buf) > rd.maxHeader {
			return nil, fmt.Errorf("%w: %d bytes without terminator", ErrHeaderTooLarge, len(rd.buf))
		}
		if err := rd.fill(); err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("%w: connection closed in headers", ErrInvalidResponse)
			}
			return nil, err
		}
	}
	if headerEnd > rd.maxHeader {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, headerEnd)
	}

	section := string(rd.buf[:headerEnd])
	rd.buf = rd.buf[headerEnd+4:]

	lines := strings.Split(section, "\r\n")
	resp, err := parseStatusLine(lines[0])
	if err != nil {
		return nil, err
	}
	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ":")
		if !found || name == "" {
			return nil, fmt.Errorf("%w: header line %q", ErrInvalidResponse, line)
		}
		resp.Headers = append(resp.Headers, Header{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}
	return resp, nil
}

func parseStatusLine(line string) (*Response, error) {
	if !strings.HasPrefix(line, "HTTP/1.") {
		return nil, fmt.Errorf("%w: status line %q", ErrInvalidResponse, line)
	}
	rest, found := strings.CutPrefix(line, "HTTP/1.")
	if !found || len(rest) < 2 {
		return nil, fmt.Errorf("%w: status line %q", ErrInvalidResponse, line)
	}
	fields := strings.SplitN(rest[1:], " ", 3)
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: status line %q", ErrInvalidResponse, line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 599 {
		return nil, fmt.Errorf("%w: status code %q", ErrInvalidResponse, fields[1])
	}
	resp := &Response{StatusCode: code}
	if len(fields) == 3 {
		resp.Status = fields[2]
	}
	return resp, nil
}

// consume returns exactly n bytes, filling from the stream as needed.
func (rd *responseReader) consume(n int) ([]byte, error) {
	for len(rd.buf) < n {
		if err := rd.fill(); err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("%w: connection closed mid-body", ErrInvalidResponse)
			}
			return nil, err
		}
	}
	out := rd.buf[:n]
	rd.buf = rd.buf[n:]
	return out, nil
}

// consumeLine returns one CRLF-terminated line without its terminator.
func (rd *responseReader) consumeLine(maxLen int) (string, error) {
	for {
		if i := bytes.Index(rd.buf, []byte("\r\n")); i >= 0 {
			line := string(rd.buf[:i])
			rd.buf = rd.buf[i+2:]
			return line, nil
		}
		if len(rd.buf) > maxLen {
			return "", fmt.Errorf("%w: %d byte line", ErrInvalidResponse, len(rd.buf))
		}
		if err := rd.fill(); err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("%w: connection closed mid-line", ErrInvalidResponse)
			}
			return "", err
		}
	}
}

// parseChunkSize decodes one hex chunk-size line, ignoring any ;-delimited
// extension.
func parseChunkSize(line string) (int, error) {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, fmt.Errorf("%w: empty chunk size", ErrInvalidResponse)
	}
	size, err := strconv.ParseUint(line, 16, 31)
	if err != nil {
		return 0, fmt.Errorf("%w: chunk size %q", ErrInvalidResponse, line)
	}
	return int(size), nil
}

func (rd *responseReader) readChunkedBody() ([]byte, error) {
	var body []byte
	for {
		line, err := rd.consumeLine(256)
		if err != nil {
			return nil, err
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			break
		}
		if len(body)+size > rd.maxBody {
			return nil, fmt.Errorf("%w: chunked body exceeds %d bytes", ErrBodyTooLarge, rd.maxBody)
		}
		data, err := rd.consume(size + 2)
		if err != nil {
			return nil, err
		}
		if data[size] != '\r' || data[size+1] != '\n' {
			return nil, fmt.Errorf("%w: chunk missing trailing CRLF", ErrInvalidResponse)
		}
		body = append(body, data[:size]...)
	}

	// Trailer headers up to a blank line.
	for {
		line, err := rd.consumeLine(rd.maxHeader)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
	}
	return body, nil
}

func (rd *responseReader) readFixedBody(length int) ([]byte, error) {
	if length > rd.maxBody {
		return nil, fmt.Errorf("%w: declared length %d", ErrBodyTooLarge, length)
	}
	data, err := rd.consume(length)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

func (rd *responseReader) readUntilClose() ([]byte, error) {
	for !rd.eof {
		if len(rd.buf) > rd.maxBody {
			return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrBodyTooLarge, rd.maxBody)
		}
		if err := rd.fill(); err != nil && err != io.EOF {
			return nil, err
		}
	}
	if len(rd.buf) > rd.maxBody {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrBodyTooLarge, rd.maxBody)
	}
	return rd.buf, nil
}
