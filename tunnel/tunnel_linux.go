//go:build linux && !tinygo

package tunnel

import (
	"fmt"
	"net/netip"
	"os/exec"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Device is a layer-3 TUN device (IFF_TUN|IFF_NO_PI): it carries raw IPv4
// frames with no Ethernet header and no packet-info prefix, matching the
// "down interface" contract of §6.
type Device struct {
	fd   int
	name string
}

// Open creates (or attaches to) the TUN device named name. If addr is a
// valid prefix, the device is assigned that address and brought up.
func Open(name string, addr netip.Prefix) (*Device, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, fmt.Errorf("tunnel: device name %q too long", name)
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tunnel: open /dev/net/tun: %w", err)
	}
	var ifr ifReq
	copy(ifr.name[:], name)
	ifr.setFlags(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := ioctl(fd, unix.TUNSETIFF, unsafe.Pointer(&ifr)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tunnel: TUNSETIFF %q: %w", name, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tunnel: set nonblocking: %w", err)
	}
	name = unix.ByteSliceToString(ifr.name[:]) // the kernel fills in the name it picked
	dev := &Device{fd: fd, name: name}
	if addr.IsValid() {
		if err := dev.configureAddress(addr); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	return dev, nil
}

func (d *Device) configureAddress(addr netip.Prefix) error {
	if err := exec.Command("ip", "addr", "add", addr.String(), "dev", d.name).Run(); err != nil {
		return fmt.Errorf("tunnel: assign address %s to %s: %w", addr, d.name, err)
	}
	if err := exec.Command("ip", "link", "set", "dev", d.name, "up").Run(); err != nil {
		return fmt.Errorf("tunnel: bring up %s: %w", d.name, err)
	}
	return nil
}

// Name returns the interface name the device was opened with.
func (d *Device) Name() string { return d.name }

// ReadTimeout reads one frame from the tunnel, blocking at most timeout
// before returning ErrTimeout. Used by the packet-processing thread to poll
// the manager's terminate flag without spinning.
func (d *Device) ReadTimeout(b []byte, timeout time.Duration) (int, error) {
	pfd := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return 0, ErrTimeout
		}
		return 0, fmt.Errorf("tunnel: poll: %w", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	nr, err := unix.Read(d.fd, b)
	if err != nil {
		return 0, fmt.Errorf("tunnel: read: %w", err)
	}
	return nr, nil
}

// Write hands a whole IPv4 frame to the tunnel.
func (d *Device) Write(b []byte) (int, error) {
	n, err := unix.Write(d.fd, b)
	if err != nil {
		return n, fmt.Errorf("tunnel: write: %w", err)
	}
	return n, nil
}

// Close releases the underlying file descriptor.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}

func ioctl(fd int, request uintptr, argp unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, uintptr(argp))
	if errno != 0 {
		return errno
	}
	return nil
}

// ifReq mirrors struct ifreq from <linux/if.h>: a fixed-size name field
// followed by a union big enough for ifr_flags (used here) or any of the
// other ifreq payloads this package does not need.
type ifReq struct {
	name [unix.IFNAMSIZ]byte
	data [64]byte
}

func (r *ifReq) setFlags(flags uint16) {
	*(*uint16)(unsafe.Pointer(&r.data[0])) = flags
}
