//go:build !linux || tinygo

package tunnel

import (
	"errors"
	"net/netip"
	"time"
)

// Device is a stub for platforms without a /dev/net/tun-style TUN
// interface; the TUN device is Linux-specific.
type Device struct{}

func Open(name string, addr netip.Prefix) (*Device, error) {
	return nil, errors.ErrUnsupported
}

func (d *Device) Name() string { return "" }

func (d *Device) ReadTimeout(b []byte, timeout time.Duration) (int, error) {
	return 0, errors.ErrUnsupported
}

func (d *Device) Write(b []byte) (int, error) {
	return 0, errors.ErrUnsupported
}

func (d *Device) Close() error {
	return errors.ErrUnsupported
}
