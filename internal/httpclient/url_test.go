package httpclient

import (
	"errors"
	"testing"
)

func TestParseURL(t *testing.T) {
	cases := []struct {
		raw  string
		want URL
	}{
		{"https://example.com", URL{Scheme: SchemeHTTPS, Host: "example.com", Port: 443, Path: "/"}},
		{"http://example.com:8080/path?q=1", URL{Scheme: SchemeHTTP, Host: "example.com", Port: 8080, Path: "/path?q=1"}},
		{"http://example.com", URL{Scheme: SchemeHTTP, Host: "example.com", Port: 80, Path: "/"}},
		{"https://api.example.com/v1/chat/completions", URL{Scheme: SchemeHTTPS, Host: "api.example.com", Port: 443, Path: "/v1/chat/completions"}},
		{"HTTP://example.com", URL{Scheme: SchemeHTTP, Host: "example.com", Port: 80, Path: "/"}},
		{"http://10.0.0.1:81/x", URL{Scheme: SchemeHTTP, Host: "10.0.0.1", Port: 81, Path: "/x"}},
	}
	for _, tc := range cases {
		got, err := ParseURL(tc.raw)
		if err != nil {
			t.Errorf("ParseURL(%q): %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseURL(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestParseURLErrors(t *testing.T) {
	for _, raw := range []string{"example.com", "", "http://", "http://:80/x", "http://host:0/", "http://host:99999/", "http://host:abc/"} {
		if _, err := ParseURL(raw); !errors.Is(err, ErrInvalidURL) {
			t.Errorf("ParseURL(%q) err = %v, want ErrInvalidURL", raw, err)
		}
	}
	for _, raw := range []string{"ftp://example.com", "ws://example.com/socket"} {
		if _, err := ParseURL(raw); !errors.Is(err, ErrUnsupportedScheme) {
			t.Errorf("ParseURL(%q) err = %v, want ErrUnsupportedScheme", raw, err)
		}
	}
}

func TestHostHeader(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"http://example.com", "example.com"},
		{"https://example.com", "example.com"},
		{"http://example.com:8080", "example.com:8080"},
		{"https://example.com:80", "example.com:80"},
	}
	for _, tc := range cases {
		u, err := ParseURL(tc.raw)
		if err != nil {
			t.Fatalf("ParseURL(%q): %v", tc.raw, err)
		}
		if got := u.hostHeader(); got != tc.want {
			t.Errorf("hostHeader(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}
