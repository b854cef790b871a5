// Package stack wires a tunnel.Device to a manager.Manager: it owns the
// packet-processing goroutine that reads raw IPv4 frames off the TUN
// device, parses and validates the IPv4+TCP headers, and hands accepted
// segments to the manager. It plays the role the teacher's top-level
// Stack.RecvEth/HandleEth dispatch loop played for Ethernet+ARP+IPv4+ICMP,
// narrowed to the single IPv4-over-TUN, TCP-only path this module serves.
package stack

import (
	"crypto/rand"
	"errors"
	"net/netip"
	"time"

	"github.com/usertcp/tuntcp/internal/config"
	"github.com/usertcp/tuntcp/internal/logging"
	"github.com/usertcp/tuntcp/internal/metrics"
	"github.com/usertcp/tuntcp/internal/portalloc"
	"github.com/usertcp/tuntcp/manager"
	"github.com/usertcp/tuntcp/tcp"
	"github.com/usertcp/tuntcp/tunnel"
	"github.com/usertcp/tuntcp/wire"
	"github.com/usertcp/tuntcp/wire/ipv4"

	"go.uber.org/zap"
)

// Stack owns the tunnel device, the connection manager, the packet
// goroutine and the ambient-stack singletons (logger, metrics, port
// allocator) a running daemon needs.
type Stack struct {
	dev     *tunnel.Device
	mgr     *manager.Manager
	ports   *portalloc.Allocator
	metrics *metrics.Collector
	log     *zap.SugaredLogger

	localAddr [4]byte
	closing   chan struct{}
}

// localPrefix turns a bare local address into the /24 netip.Prefix
// tunnel.Open configures the device with; this stack only ever runs
// point-to-point over a single tunnel so the exact prefix length doesn't
// affect routing decisions, only the address assigned to the interface.
func localPrefix(addr [4]byte) netip.Prefix {
	return netip.PrefixFrom(netip.AddrFrom4(addr), 24)
}

// frameWriter adapts *tunnel.Device to manager.FrameWriter.
type frameWriter struct{ dev *tunnel.Device }

func (w frameWriter) WriteFrame(frame []byte) error {
	_, err := w.dev.Write(frame)
	return err
}

// Open creates (or attaches to) the named TUN device, configures it with
// the local address read from MY_IP, and starts the packet-processing
// goroutine. Mirrors the teacher's pattern of a single constructor that
// both builds and starts a device's background processing.
func Open(devName string) (*Stack, error) {
	localAddr, err := config.LocalAddr()
	if err != nil {
		return nil, err
	}

	dev, err := tunnel.Open(devName, localPrefix(localAddr))
	if err != nil {
		return nil, err
	}

	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		dev.Close()
		return nil, err
	}

	log := logging.New()
	mcol := metrics.NewCollector("tuntcp")
	ports := portalloc.New(config.Global.Ports.EphemeralLow, config.Global.Ports.EphemeralHigh, 2*time.Minute)

	s := &Stack{
		dev:       dev,
		mgr:       manager.New(localAddr, tcp.NewISSGenerator(seed), frameWriter{dev}),
		ports:     ports,
		metrics:   mcol,
		log:       log,
		localAddr: localAddr,
		closing:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Metrics returns the stack's prometheus.Collector, for registration with
// a prometheus.Registry by the calling binary.
func (s *Stack) Metrics() *metrics.Collector { return s.metrics }

// Bind registers a passive listener on port.
func (s *Stack) Bind(port uint16) (*manager.Listener, error) {
	return s.mgr.Bind(port)
}

// Connect performs an active open to (remoteAddr, remotePort), leasing an
// ephemeral local port from the configured range (spec.md's ephemeral port
// allocation gap).
func (s *Stack) Connect(remoteAddr [4]byte, remotePort uint16) (*manager.Stream, error) {
	localPort, err := s.ports.Lease()
	if err != nil {
		return nil, err
	}
	quad := tcp.Quad{
		LocalAddr:  s.localAddr,
		LocalPort:  localPort,
		RemoteAddr: remoteAddr,
		RemotePort: remotePort,
	}
	stream, err := s.mgr.Connect(quad)
	if err != nil {
		s.ports.Release(localPort)
		return nil, err
	}
	return stream, nil
}

// Close stops the packet-processing goroutine, tears down every
// connection (Terminate) and closes the underlying tunnel device.
func (s *Stack) Close() error {
	close(s.closing)
	s.mgr.Terminate()
	return s.dev.Close()
}

// run is the packet-processing thread: read a raw frame off the tunnel,
// parse its IPv4+TCP headers, verify checksums, and dispatch to the
// manager. Non-IPv4 and non-TCP traffic is silently dropped, matching
// spec.md's "this stack only ever routes TCP-over-IPv4".
func (s *Stack) run() {
	var buf [tunnel.MTU]byte
	var handleBuf [tcp.MTU]byte
	for {
		select {
		case <-s.closing:
			return
		default:
		}

		n, err := s.dev.ReadTimeout(buf[:], tunnel.DefaultPollInterval)
		if err != nil {
			if errors.Is(err, tunnel.ErrTimeout) {
				continue
			}
			s.log.Warnw("tunnel read failed", "error", err)
			continue
		}
		s.handleFrame(buf[:n], handleBuf[:])
	}
}

// handleFrame parses one raw IPv4 frame read from the tunnel and, if it
// carries a well-formed, checksum-valid TCP segment, hands it to the
// manager. Every rejection path increments the dropped-segment counter,
// except that frames not carrying TCP are ignored without being counted
// (SUPPLEMENTED FEATURE: checksum verification in the packet thread).
func (s *Stack) handleFrame(raw []byte, scratch []byte) {
	ifrm, err := ipv4.NewFrame(raw)
	if err != nil {
		s.metrics.Drop()
		return
	}
	var v wire.Validator
	ifrm.ValidateExceptCRC(&v)
	if err := v.Err(); err != nil {
		s.log.Debugw("dropping malformed IPv4 frame", "error", err)
		s.metrics.Drop()
		return
	}
	if ifrm.Protocol() != wire.IPProtoTCP {
		return
	}
	if ifrm.CalculateHeaderCRC() != ifrm.CRC() {
		s.log.Debugw("dropping IPv4 frame with bad header checksum")
		s.metrics.Drop()
		return
	}

	tfrm, err := tcp.NewFrame(ifrm.Payload())
	if err != nil {
		s.metrics.Drop()
		return
	}
	v.ResetErr()
	tfrm.ValidateExceptCRC(&v)
	if err := v.Err(); err != nil {
		s.log.Debugw("dropping malformed TCP segment", "error", err)
		s.metrics.Drop()
		return
	}

	// Summing the pseudo-header plus the segment as received, checksum
	// field included, folds to zero exactly when the transmitted checksum
	// matches the data, the inverse of buildFrame's zero-then-fill approach
	// on the sender side.
	var crc wire.CRC791
	ifrm.CRCWriteTCPPseudo(&crc)
	if crc.PayloadSum16(tfrm.RawData()) != 0 {
		s.log.Debugw("dropping TCP segment with bad checksum")
		s.metrics.Drop()
		return
	}

	payload := tfrm.Payload()
	seg := tfrm.Segment(len(payload))

	local := tcp.Quad{LocalAddr: *ifrm.DestinationAddr(), LocalPort: tfrm.DestinationPort()}
	remote := tcp.Quad{LocalAddr: *ifrm.SourceAddr(), LocalPort: tfrm.SourcePort()}
	s.mgr.HandleSegment(local, remote, seg, payload, scratch)
}
