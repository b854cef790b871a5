// Package config loads this daemon's settings: the local tunnel address
// (MY_IP) plus the handful of tunable knobs (tunnel device name, MTU,
// outbound high-water mark, ephemeral port range) that the teacher's
// zero-config stack never needed. Follows the shape of cppla-moto's
// config package (env-overridable file path, package-level global,
// fail-soft on a missing file) but loads TOML instead of JSON, since
// github.com/BurntSushi/toml is already present in the corpus and suits
// the flat scalar settings here better than a nested document.
package config

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable this daemon reads at startup.
type Config struct {
	Tunnel struct {
		Device string `toml:"device"`
		MTU    int    `toml:"mtu"`
	} `toml:"tunnel"`
	Send struct {
		HighWaterMark int `toml:"high_water_mark"`
	} `toml:"send"`
	Ports struct {
		EphemeralLow  uint16 `toml:"ephemeral_low"`
		EphemeralHigh uint16 `toml:"ephemeral_high"`
	} `toml:"ports"`
	Log struct {
		Level string `toml:"level"`
		Path  string `toml:"path"`
	} `toml:"log"`
}

// defaults fills in the values a zero Config should have when no file (or
// an incomplete one) is loaded.
func defaults() Config {
	var c Config
	c.Tunnel.Device = "tun0"
	c.Tunnel.MTU = 1500
	c.Send.HighWaterMark = 1_500_000
	c.Ports.EphemeralLow = 49152
	c.Ports.EphemeralHigh = 65535
	c.Log.Level = "info"
	c.Log.Path = "tuntcp.log"
	return c
}

// Global is the process-wide configuration, populated by Load at startup.
// Mirrors the teacher pack's GlobalCfg pattern (cppla-moto/config).
var Global = defaults()

// Load reads TOML config from the path named by the TUNTCP_CONFIG
// environment variable (or "tuntcp.toml" if unset), merging it over the
// defaults. A missing file is not an error: the defaults stand. A file
// that exists but cannot be decoded is returned as an error.
func Load() error {
	path := os.Getenv("TUNTCP_CONFIG")
	if path == "" {
		path = "tuntcp.toml"
	}
	cfg := defaults()
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			Global = cfg
			return nil
		}
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	Global = cfg
	return nil
}

// LocalAddr reads the MY_IP environment variable spec.md requires and
// parses it into the four-tuple address form the tcp/manager packages use.
func LocalAddr() ([4]byte, error) {
	raw := os.Getenv("MY_IP")
	if raw == "" {
		return [4]byte{}, fmt.Errorf("config: MY_IP not set")
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil || !addr.Is4() {
		return [4]byte{}, fmt.Errorf("config: MY_IP %q is not a dotted IPv4 address", raw)
	}
	return addr.As4(), nil
}
