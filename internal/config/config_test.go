package config

import (
	"errors"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Interface.Mode != "dhcp" || cfg.TAPDevice != "tap0" || cfg.DHCPTimeoutMS != 30_000 {
		t.Errorf("defaults %+v", cfg)
	}
}

func TestParseStatic(t *testing.T) {
	cfg, err := Parse([]byte(`
interface:
  mode: static
  address: 10.0.0.2/24
  gateway: 10.0.0.1
  dns:
    - 10.0.0.1
    - 8.8.8.8
http:
  user_agent: test
  max_body_bytes: 1024
tap_device: tap7
capture_path: /tmp/out.pcap
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	ipc, err := cfg.Interface.StaticIPConfig()
	if err != nil {
		t.Fatalf("StaticIPConfig: %v", err)
	}
	if ipc.Address != ([4]byte{10, 0, 0, 2}) || ipc.PrefixLen != 24 {
		t.Errorf("address %v/%d", ipc.Address, ipc.PrefixLen)
	}
	if !ipc.HasGateway || ipc.Gateway != ([4]byte{10, 0, 0, 1}) {
		t.Errorf("gateway %v", ipc.Gateway)
	}
	if len(ipc.DNS) != 2 || ipc.DNS[1] != ([4]byte{8, 8, 8, 8}) {
		t.Errorf("dns %v", ipc.DNS)
	}
	if cfg.HTTP.UserAgent != "test" || cfg.HTTP.MaxBodyBytes != 1024 {
		t.Errorf("http %+v", cfg.HTTP)
	}
	if cfg.TAPDevice != "tap7" || cfg.CapturePath != "/tmp/out.pcap" {
		t.Errorf("config %+v", cfg)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"bad mode":      "interface:\n  mode: bootp\n",
		"missing cidr":  "interface:\n  mode: static\n",
		"bad cidr":      "interface:\n  mode: static\n  address: 10.0.0.2\n",
		"bad gateway":   "interface:\n  mode: static\n  address: 10.0.0.2/24\n  gateway: nope\n",
		"bad dns":       "interface:\n  mode: static\n  address: 10.0.0.2/24\n  dns: [bad]\n",
		"empty tap":     "tap_device: \"\"\n",
		"not yaml":      ":\n  - [",
		"ipv6 static":   "interface:\n  mode: static\n  address: 2001:db8::1/64\n",
		"zero timeout":  "dhcp_timeout_ms: -5\n",
	}
	for name, in := range cases {
		_, err := Parse([]byte(in))
		if err == nil {
			t.Errorf("%s: accepted", name)
			continue
		}
		if name != "not yaml" && !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: err = %v, want ErrInvalid", name, err)
		}
	}
}
