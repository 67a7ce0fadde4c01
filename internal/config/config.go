// Package config loads the network subsystem's YAML configuration: how the
// interface gets its address, HTTP client limits, and optional capture
// output.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/emberos/netcore/internal/netstack"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Interface selects address acquisition for the single NIC.
type Interface struct {
	// Mode is "dhcp" or "static".
	Mode string `yaml:"mode"`

	// Address is the CIDR assignment for static mode, e.g. "10.0.0.2/24".
	Address string `yaml:"address"`

	// Gateway is the optional default router for static mode.
	Gateway string `yaml:"gateway"`

	// DNS lists resolver addresses for static mode; DHCP-provided servers
	// are used otherwise.
	DNS []string `yaml:"dns"`
}

// HTTP bounds the client.
type HTTP struct {
	UserAgent        string `yaml:"user_agent"`
	MaxHeaderBytes   int    `yaml:"max_header_bytes"`
	MaxBodyBytes     int    `yaml:"max_body_bytes"`
	ConnectTimeoutMS int64  `yaml:"connect_timeout_ms"`
	RequestTimeoutMS int64  `yaml:"request_timeout_ms"`
}

type Config struct {
	Interface Interface `yaml:"interface"`
	HTTP      HTTP      `yaml:"http"`

	// TAPDevice names the host TAP interface for the development driver.
	TAPDevice string `yaml:"tap_device"`

	// CapturePath, when set, streams a pcap of all link traffic there.
	CapturePath string `yaml:"capture_path"`

	// DHCPTimeoutMS bounds address acquisition.
	DHCPTimeoutMS int64 `yaml:"dhcp_timeout_ms"`
}

// Default is the configuration used when no file is given: DHCP on tap0.
func Default() Config {
	return Config{
		Interface:     Interface{Mode: "dhcp"},
		TAPDevice:     "tap0",
		DHCPTimeoutMS: 30_000,
	}
}

// Load reads and validates a YAML file, filling unset fields from Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML bytes.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Interface.Mode {
	case "dhcp":
	case "static":
		if _, err := c.Interface.StaticIPConfig(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: interface mode %q", ErrInvalid, c.Interface.Mode)
	}
	if c.TAPDevice == "" {
		return fmt.Errorf("%w: empty tap device", ErrInvalid)
	}
	if c.DHCPTimeoutMS <= 0 {
		return fmt.Errorf("%w: dhcp timeout %d", ErrInvalid, c.DHCPTimeoutMS)
	}
	return nil
}

// StaticIPConfig converts the interface section into a stack configuration.
// It is only meaningful in static mode.
func (i Interface) StaticIPConfig() (netstack.IPConfig, error) {
	var cfg netstack.IPConfig

	ip, ipnet, err := net.ParseCIDR(i.Address)
	if err != nil {
		return cfg, fmt.Errorf("%w: address %q", ErrInvalid, i.Address)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return cfg, fmt.Errorf("%w: address %q is not ipv4", ErrInvalid, i.Address)
	}
	copy(cfg.Address[:], ip4)
	cfg.PrefixLen, _ = ipnet.Mask.Size()

	if i.Gateway != "" {
		gw := net.ParseIP(i.Gateway)
		if gw == nil || gw.To4() == nil {
			return cfg, fmt.Errorf("%w: gateway %q", ErrInvalid, i.Gateway)
		}
		copy(cfg.Gateway[:], gw.To4())
		cfg.HasGateway = true
	}

	for _, s := range i.DNS {
		ip := net.ParseIP(s)
		if ip == nil || ip.To4() == nil {
			return cfg, fmt.Errorf("%w: dns server %q", ErrInvalid, s)
		}
		var v4 [4]byte
		copy(v4[:], ip.To4())
		cfg.DNS = append(cfg.DNS, v4)
	}
	return cfg, nil
}
