package httpclient

import "errors"

var (
	// ErrInvalidURL is returned for URLs the parser cannot take apart.
	ErrInvalidURL = errors.New("httpclient: invalid url")

	// ErrUnsupportedScheme is returned for schemes other than http and https.
	ErrUnsupportedScheme = errors.New("httpclient: unsupported scheme")

	// ErrInvalidResponse is returned for replies that violate the HTTP/1.1
	// wire format: a bad status line, a header without a colon, a chunk size
	// that is not hex, or a connection cut mid-body.
	ErrInvalidResponse = errors.New("httpclient: invalid response")

	// ErrHeaderTooLarge is returned when the header section exceeds the
	// configured cap before its terminator arrives.
	ErrHeaderTooLarge = errors.New("httpclient: response headers too large")

	// ErrBodyTooLarge is returned when the accumulated body exceeds the
	// configured cap.
	ErrBodyTooLarge = errors.New("httpclient: response body too large")

	// ErrReadTimeout is returned when the transport times out mid-response.
	ErrReadTimeout = errors.New("httpclient: read timed out")
)
