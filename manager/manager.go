// Package manager implements the connection manager described in §4.3: a
// single shared structure — one mutex plus four condition variables
// (pending, receive, send, established) — holding the Quad→Connection
// table and the per-port pending-accept queues. It replaces the teacher's
// single-threaded, poll-based ControlBlock/Listener ownership model with
// blocking accept/read/write, since this stack is driven by a dedicated
// packet-processing goroutine concurrently with arbitrary user goroutines.
package manager

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/usertcp/tuntcp/tcp"
)

var (
	// ErrAddrInUse is returned by Bind when the port already has a listener.
	ErrAddrInUse = errors.New("manager: address already in use")
	// ErrConnectionAborted is returned by Stream operations whose
	// Connection entry has vanished from the table (reset, terminated, or
	// already reaped).
	ErrConnectionAborted = errors.New("manager: connection aborted")
	// ErrTerminated is returned by Bind/Connect once the manager has been
	// asked to shut down.
	ErrTerminated = errors.New("manager: manager terminated")
)

// FrameWriter hands a fully built IPv4+TCP frame to the down interface
// (the tunnel device). The manager never talks to the tunnel directly so
// it stays testable without a real TUN device.
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

// Manager owns every live Connection and the pending-accept queues. Zero
// value is not usable; construct with New.
type Manager struct {
	mu sync.Mutex

	pendingCond     *sync.Cond
	receiveCond     *sync.Cond
	sendCond        *sync.Cond
	establishedCond *sync.Cond

	conns     map[tcp.Quad]*tcp.Connection
	pending   map[uint16][]tcp.Quad
	terminate bool

	localAddr [4]byte
	out       FrameWriter
	iss       *tcp.ISSGenerator
	rst       rstQueue
}

// New constructs a Manager for the given local IPv4 address. out receives
// every frame the manager decides to emit (replies, SYNs, RSTs, FINs).
func New(localAddr [4]byte, iss *tcp.ISSGenerator, out FrameWriter) *Manager {
	m := &Manager{
		conns:     make(map[tcp.Quad]*tcp.Connection),
		pending:   make(map[uint16][]tcp.Quad),
		localAddr: localAddr,
		out:       out,
		iss:       iss,
	}
	m.pendingCond = sync.NewCond(&m.mu)
	m.receiveCond = sync.NewCond(&m.mu)
	m.sendCond = sync.NewCond(&m.mu)
	m.establishedCond = sync.NewCond(&m.mu)
	return m
}

// Bind registers a passive listener on port, failing with ErrAddrInUse if
// the port is already bound.
func (m *Manager) Bind(port uint16) (*Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminate {
		return nil, ErrTerminated
	}
	if _, ok := m.pending[port]; ok {
		return nil, ErrAddrInUse
	}
	m.pending[port] = nil
	return &Listener{mgr: m, port: port}, nil
}

// Connect performs an active open to quad, handing the initial SYN to out,
// then blocks until the connection reaches Estab, is aborted (removed from
// the table by a reset or a failed handshake), or the manager is
// terminated. quad.LocalAddr should already be m.localAddr.
func (m *Manager) Connect(quad tcp.Quad) (*Stream, error) {
	m.mu.Lock()
	if m.terminate {
		m.mu.Unlock()
		return nil, ErrTerminated
	}
	if _, exists := m.conns[quad]; exists {
		m.mu.Unlock()
		return nil, errors.New("manager: connection already exists for quad")
	}
	iss := m.iss.Generate(quad, time.Now())
	var buf [tcp.MTU]byte
	conn, frame := tcp.Establish(quad, iss, tcp.DefaultRecvWindow, buf[:])
	m.conns[quad] = conn
	m.mu.Unlock()

	if err := m.out.WriteFrame(frame); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.terminate {
			return nil, ErrTerminated
		}
		conn, exists := m.conns[quad]
		if !exists {
			return nil, ErrConnectionAborted
		}
		if conn.State() == tcp.StateEstab {
			return &Stream{mgr: m, quad: quad}, nil
		}
		m.establishedCond.Wait()
	}
}

// HandleSegment is called by the packet-processing thread for every parsed
// inbound TCP segment. local is this host's half of the Quad (destination
// of the inbound packet); remote is the peer's half. buf is scratch space
// used to build any reply frame.
func (m *Manager) HandleSegment(local, remote tcp.Quad, seg tcp.Segment, payload []byte, buf []byte) {
	quad := tcp.Quad{
		LocalAddr: local.LocalAddr, LocalPort: local.LocalPort,
		RemoteAddr: remote.LocalAddr, RemotePort: remote.LocalPort,
	}

	m.mu.Lock()
	conn, exists := m.conns[quad]
	var frame []byte
	var avail tcp.Availability
	var wasEstab, nowClosed bool
	var acceptedNew bool

	if !exists {
		queue, bound := m.pending[quad.LocalPort]
		if !bound {
			// No listener, no connection: Group 1 gap (§9.2) — a non-SYN
			// segment (or a SYN with no listener) reaching a bound-less
			// port. A RST is queued using only wire-level information,
			// since no Connection/header template exists yet.
			if !seg.Flags.HasAny(tcp.FlagRST) {
				m.rst.queue(quad, seg)
			}
			m.mu.Unlock()
			m.flushRST(buf)
			return
		}
		newConn, synFrame, ok := tcp.Accept(quad, seg, m.iss.Generate(quad, time.Now()), buf)
		if !ok {
			if !seg.Flags.HasAny(tcp.FlagRST) {
				m.rst.queue(quad, seg)
			}
			m.mu.Unlock()
			m.flushRST(buf)
			return
		}
		m.conns[quad] = newConn
		m.pending[quad.LocalPort] = append(queue, quad)
		acceptedNew = true
		frame = synFrame
		conn = newConn
	} else {
		wasEstab = conn.State() == tcp.StateSynSent || conn.State() == tcp.StateSynRcvd
		frame, avail = conn.OnPacket(buf, seg, payload)
		nowClosed = conn.State().IsClosed()
		if nowClosed {
			delete(m.conns, quad)
		}
	}
	m.mu.Unlock()

	if frame != nil {
		m.out.WriteFrame(frame)
	}
	if acceptedNew {
		m.pendingCond.Broadcast()
		return
	}
	if wasEstab && conn.State() == tcp.StateEstab {
		m.establishedCond.Broadcast()
	}
	if avail&tcp.AvailRead != 0 {
		m.receiveCond.Broadcast()
	}
	if avail&tcp.AvailWrite != 0 {
		m.sendCond.Broadcast()
	}
	if nowClosed {
		m.establishedCond.Broadcast()
		m.receiveCond.Broadcast()
		m.sendCond.Broadcast()
	}
}

// flushRST drains and emits any RST queued by HandleSegment's gap paths.
// Called without the lock held, since frame emission must never happen
// while holding the manager mutex (§5: release before any I/O or signal).
func (m *Manager) flushRST(buf []byte) {
	m.mu.Lock()
	frame, ok := m.rst.drain(buf)
	m.mu.Unlock()
	if ok {
		m.out.WriteFrame(frame)
	}
}

// Terminate requests shutdown: every synchronized connection gets a RST,
// buffers are dropped, and further Bind/Connect calls fail. Matches the
// supplemented "manager teardown on terminate" feature.
func (m *Manager) Terminate() {
	m.mu.Lock()
	m.terminate = true
	var frames [][]byte
	for quad, conn := range m.conns {
		if conn.State().IsSynchronized() {
			var buf [tcp.MTU]byte
			fr := conn.RST(buf[:])
			frames = append(frames, append([]byte(nil), fr...))
		}
		delete(m.conns, quad)
	}
	m.pending = make(map[uint16][]tcp.Quad)
	m.mu.Unlock()

	for _, f := range frames {
		m.out.WriteFrame(f)
	}
	m.pendingCond.Broadcast()
	m.receiveCond.Broadcast()
	m.sendCond.Broadcast()
	m.establishedCond.Broadcast()
}

// Listener is a bound passive-open handle: (port, shared manager
// reference). Dropping it via Close removes the port from the pending map
// and abandons any not-yet-accepted connections queued on it.
type Listener struct {
	mgr  *Manager
	port uint16
}

// Accept blocks until a connection has been queued for this port,
// returning a Stream wrapping it.
func (l *Listener) Accept() (*Stream, error) {
	l.mgr.mu.Lock()
	defer l.mgr.mu.Unlock()
	for {
		queue, ok := l.mgr.pending[l.port]
		if !ok {
			return nil, ErrConnectionAborted
		}
		if len(queue) > 0 {
			quad := queue[0]
			l.mgr.pending[l.port] = queue[1:]
			return &Stream{mgr: l.mgr, quad: quad}, nil
		}
		if l.mgr.terminate {
			return nil, ErrTerminated
		}
		l.mgr.pendingCond.Wait()
	}
}

// Close removes the port's pending-accept queue. Any Quads queued but not
// yet accepted are dropped from the connection table without a graceful
// close (spec gap: a full teardown path — draining buffers and emitting
// RSTs for these — is not implemented).
func (l *Listener) Close() error {
	l.mgr.mu.Lock()
	defer l.mgr.mu.Unlock()
	queue := l.mgr.pending[l.port]
	delete(l.mgr.pending, l.port)
	for _, quad := range queue {
		delete(l.mgr.conns, quad)
	}
	return nil
}

// Stream is a connected handle: (Quad, shared manager reference). It holds
// no connection state itself; every call re-looks up the Connection under
// the lock, so a vanished entry is reported as ErrConnectionAborted.
type Stream struct {
	mgr  *Manager
	quad tcp.Quad
}

// Quad returns the four-tuple identifying this stream's connection.
func (s *Stream) Quad() tcp.Quad { return s.quad }

// Read copies buffered inbound data into p, blocking until data is
// available, the remote has closed (returning io.EOF once inbuf drains),
// or the connection is aborted.
func (s *Stream) Read(p []byte) (int, error) {
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()
	for {
		conn, ok := s.mgr.conns[s.quad]
		if !ok {
			return 0, ErrConnectionAborted
		}
		if conn.InboundLen() > 0 {
			return conn.ReadInbound(p)
		}
		if conn.State().RecvClosed() {
			return 0, io.EOF
		}
		s.mgr.receiveCond.Wait()
	}
}

// Write appends up to len(p) bytes to outbuf, blocking if outbuf is at its
// high-water mark. It also opportunistically drains outbuf onto the wire
// immediately, rather than waiting for the next inbound ACK to trigger it.
func (s *Stream) Write(p []byte) (int, error) {
	s.mgr.mu.Lock()
	for {
		conn, ok := s.mgr.conns[s.quad]
		if !ok {
			s.mgr.mu.Unlock()
			return 0, ErrConnectionAborted
		}
		if conn.OutboundLen() < tcp.TransmissionQLenSize {
			n := conn.QueueOutbound(p)
			var buf [tcp.MTU]byte
			frame := conn.Drain(buf[:])
			s.mgr.mu.Unlock()
			if frame != nil {
				s.mgr.out.WriteFrame(frame)
			}
			return n, nil
		}
		s.mgr.sendCond.Wait()
	}
}

// Flush blocks until outbuf has fully drained onto the wire.
func (s *Stream) Flush() error {
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()
	for {
		conn, ok := s.mgr.conns[s.quad]
		if !ok {
			return ErrConnectionAborted
		}
		if conn.OutboundLen() == 0 {
			return nil
		}
		s.mgr.sendCond.Wait()
	}
}

// Shutdown queues a FIN and begins an orderly close of the send side.
// Matches dropping a Stream per §4's ownership model.
func (s *Stream) Shutdown() error {
	s.mgr.mu.Lock()
	conn, ok := s.mgr.conns[s.quad]
	if !ok {
		s.mgr.mu.Unlock()
		return ErrConnectionAborted
	}
	var buf [tcp.MTU]byte
	frame := conn.Shutdown(buf[:])
	closed := conn.State().IsClosed()
	if closed {
		delete(s.mgr.conns, s.quad)
	}
	s.mgr.mu.Unlock()
	if frame != nil {
		s.mgr.out.WriteFrame(frame)
	}
	return nil
}
