package manager

import (
	"testing"
	"time"

	"github.com/usertcp/tuntcp/tcp"
)

var (
	testLocalAddr  = [4]byte{10, 0, 0, 1}
	testRemoteAddr = [4]byte{10, 0, 0, 2}
)

// fakeWriter records every frame handed to it in order, standing in for
// the tunnel device so these tests never touch a real TUN interface. A
// channel backs the queue rather than a plain slice since Connect now
// blocks until Estab, so tests that exercise it write from a second
// goroutine.
type fakeWriter struct {
	frames chan []byte
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{frames: make(chan []byte, 16)}
}

func (f *fakeWriter) WriteFrame(frame []byte) error {
	f.frames <- append([]byte(nil), frame...)
	return nil
}

// pop returns the next queued frame, or nil if none is available yet.
func (f *fakeWriter) pop() []byte {
	select {
	case frame := <-f.frames:
		return frame
	default:
		return nil
	}
}

// waitForFrame blocks briefly for a frame a concurrently running goroutine
// (e.g. a blocked Connect) is about to write.
func waitForFrame(t *testing.T, f *fakeWriter) []byte {
	t.Helper()
	select {
	case frame := <-f.frames:
		return frame
	case <-time.After(time.Second):
		return nil
	}
}

func parseSegment(t *testing.T, frame []byte) (tcp.Segment, []byte) {
	t.Helper()
	const ipHdr = 20
	tfrm, err := tcp.NewFrame(frame[ipHdr:])
	if err != nil {
		t.Fatalf("tcp.NewFrame: %v", err)
	}
	payload := frame[ipHdr+tfrm.HeaderLength():]
	return tfrm.Segment(len(payload)), payload
}

func newTestManager(fw *fakeWriter) *Manager {
	return New(testLocalAddr, tcp.NewISSGenerator([32]byte{}), fw)
}

func TestBindAddrInUse(t *testing.T) {
	m := newTestManager(newFakeWriter())
	if _, err := m.Bind(80); err != nil {
		t.Fatalf("first Bind: %v", err)
	}
	if _, err := m.Bind(80); err != ErrAddrInUse {
		t.Fatalf("second Bind = %v, want ErrAddrInUse", err)
	}
}

func TestHandleSegmentUnboundSendsRST(t *testing.T) {
	fw := newFakeWriter()
	m := newTestManager(fw)
	local := tcp.Quad{LocalAddr: testLocalAddr, LocalPort: 9182}
	remote := tcp.Quad{LocalAddr: testRemoteAddr, LocalPort: 4000}
	seg := tcp.Segment{SEQ: 100, Flags: tcp.FlagACK}

	var buf [tcp.MTU]byte
	m.HandleSegment(local, remote, seg, nil, buf[:])

	frame := fw.pop()
	if frame == nil {
		t.Fatal("expected a RST frame for a segment to an unbound port")
	}
	rseg, _ := parseSegment(t, frame)
	if !rseg.Flags.HasAll(tcp.FlagRST) {
		t.Fatalf("flags = %v, want RST", rseg.Flags)
	}
}

func TestListenerAcceptQueuedConnection(t *testing.T) {
	fw := newFakeWriter()
	m := newTestManager(fw)

	ln, err := m.Bind(9182)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	local := tcp.Quad{LocalAddr: testLocalAddr, LocalPort: 9182}
	remote := tcp.Quad{LocalAddr: testRemoteAddr, LocalPort: 51000}
	syn := tcp.Segment{SEQ: 100, WND: tcp.DefaultRecvWindow, Flags: tcp.FlagSYN}
	var buf [tcp.MTU]byte
	m.HandleSegment(local, remote, syn, nil, buf[:])

	if frame := fw.pop(); frame == nil {
		t.Fatal("expected a SYN-ACK reply to the incoming SYN")
	}

	stream, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if stream.Quad().RemotePort != 51000 {
		t.Fatalf("accepted quad remote port = %d, want 51000", stream.Quad().RemotePort)
	}
}

// TestConnectWriteReadAndShutdown drives a full active-open, data exchange
// and shutdown through the Manager/Stream API, with the remote side played
// directly by a tcp.Connection so the test doesn't need a second manager.
// Connect now blocks until Estab (spec §4.4/§6), so it runs on its own
// goroutine while this one feeds it the SYN-ACK through HandleSegment,
// the same way a real packet-processing thread would unblock a caller
// parked in Connect.
func TestConnectWriteReadAndShutdown(t *testing.T) {
	fw := newFakeWriter()
	m := newTestManager(fw)

	quad := tcp.Quad{LocalAddr: testLocalAddr, LocalPort: 40000, RemoteAddr: testRemoteAddr, RemotePort: 80}
	type connectResult struct {
		stream *Stream
		err    error
	}
	connectDone := make(chan connectResult, 1)
	go func() {
		stream, err := m.Connect(quad)
		connectDone <- connectResult{stream, err}
	}()

	synFrame := waitForFrame(t, fw)
	if synFrame == nil {
		t.Fatal("Connect did not emit a SYN")
	}
	synSeg, _ := parseSegment(t, synFrame)
	if !synSeg.Flags.HasAll(tcp.FlagSYN) {
		t.Fatalf("flags = %v, want SYN", synSeg.Flags)
	}

	var sbuf [tcp.MTU]byte
	peerQuad := tcp.Quad{LocalAddr: testRemoteAddr, LocalPort: 80, RemoteAddr: testLocalAddr, RemotePort: 40000}
	peerConn, synAckFrame, ok := tcp.Accept(peerQuad, synSeg, 9000, sbuf[:])
	if !ok {
		t.Fatal("tcp.Accept rejected the client's SYN")
	}

	local := tcp.Quad{LocalAddr: testLocalAddr, LocalPort: 40000}
	remote := tcp.Quad{LocalAddr: testRemoteAddr, LocalPort: 80}
	var mbuf [tcp.MTU]byte

	synAckSeg, _ := parseSegment(t, synAckFrame)
	m.HandleSegment(local, remote, synAckSeg, nil, mbuf[:])

	result := <-connectDone
	if result.err != nil {
		t.Fatalf("Connect: %v", result.err)
	}
	stream := result.stream

	ackFrame := fw.pop()
	if ackFrame == nil {
		t.Fatal("manager did not ACK the SYN-ACK")
	}
	ackSeg, _ := parseSegment(t, ackFrame)
	if _, _ = peerConn.OnPacket(sbuf[:], ackSeg, nil); peerConn.State() != tcp.StateEstab {
		t.Fatalf("peer state = %v, want Estab", peerConn.State())
	}

	n, err := stream.Write([]byte("ping"))
	if err != nil || n != 4 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	dataFrame := fw.pop()
	if dataFrame == nil {
		t.Fatal("Write did not emit a data frame")
	}
	dataSeg, dataPayload := parseSegment(t, dataFrame)
	if string(dataPayload) != "ping" {
		t.Fatalf("payload = %q, want %q", dataPayload, "ping")
	}

	reply, _ := peerConn.OnPacket(sbuf[:], dataSeg, dataPayload)
	replySeg, replyPayload := parseSegment(t, reply)
	m.HandleSegment(local, remote, replySeg, replyPayload, mbuf[:])
	fw.pop() // discard the manager's ACK of the peer's reply

	if err := stream.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	finFrame := fw.pop()
	if finFrame == nil {
		t.Fatal("Shutdown did not emit a FIN")
	}
	finSeg, _ := parseSegment(t, finFrame)
	if !finSeg.Flags.HasAll(tcp.FlagFIN) {
		t.Fatalf("flags = %v, want FIN", finSeg.Flags)
	}
}

// TestConnectBlocksUntilEstabThenTerminate establishes a connection (the
// same goroutine dance TestConnectWriteReadAndShutdown uses, since Connect
// now blocks until Estab), then checks that Terminate both aborts the
// resulting Stream and fails further Bind calls.
func TestConnectBlocksUntilEstabThenTerminate(t *testing.T) {
	fw := newFakeWriter()
	m := newTestManager(fw)

	quad := tcp.Quad{LocalAddr: testLocalAddr, LocalPort: 40001, RemoteAddr: testRemoteAddr, RemotePort: 80}
	type connectResult struct {
		stream *Stream
		err    error
	}
	connectDone := make(chan connectResult, 1)
	go func() {
		stream, err := m.Connect(quad)
		connectDone <- connectResult{stream, err}
	}()

	synFrame := waitForFrame(t, fw)
	if synFrame == nil {
		t.Fatal("Connect did not emit a SYN")
	}
	synSeg, _ := parseSegment(t, synFrame)

	var sbuf [tcp.MTU]byte
	peerQuad := tcp.Quad{LocalAddr: testRemoteAddr, LocalPort: 80, RemoteAddr: testLocalAddr, RemotePort: 40001}
	_, synAckFrame, ok := tcp.Accept(peerQuad, synSeg, 9000, sbuf[:])
	if !ok {
		t.Fatal("tcp.Accept rejected the client's SYN")
	}

	local := tcp.Quad{LocalAddr: testLocalAddr, LocalPort: 40001}
	remote := tcp.Quad{LocalAddr: testRemoteAddr, LocalPort: 80}
	var mbuf [tcp.MTU]byte
	synAckSeg, _ := parseSegment(t, synAckFrame)
	m.HandleSegment(local, remote, synAckSeg, nil, mbuf[:])

	result := <-connectDone
	if result.err != nil {
		t.Fatalf("Connect: %v", result.err)
	}
	stream := result.stream
	fw.pop() // discard the final ACK of the handshake

	m.Terminate()

	if _, err := stream.Write([]byte("x")); err != ErrConnectionAborted {
		t.Fatalf("Write after Terminate = %v, want ErrConnectionAborted", err)
	}
	if _, err := m.Bind(1234); err != ErrTerminated {
		t.Fatalf("Bind after Terminate = %v, want ErrTerminated", err)
	}
}

// TestConnectAbortedByTerminateWhileBlocked checks that a Connect call
// still parked waiting for Estab is released with ErrTerminated rather
// than left blocked forever when the manager shuts down mid-handshake.
func TestConnectAbortedByTerminateWhileBlocked(t *testing.T) {
	fw := newFakeWriter()
	m := newTestManager(fw)

	quad := tcp.Quad{LocalAddr: testLocalAddr, LocalPort: 40002, RemoteAddr: testRemoteAddr, RemotePort: 80}
	connectDone := make(chan error, 1)
	go func() {
		_, err := m.Connect(quad)
		connectDone <- err
	}()

	if frame := waitForFrame(t, fw); frame == nil {
		t.Fatal("Connect did not emit a SYN")
	}

	m.Terminate()

	select {
	case err := <-connectDone:
		if err != ErrTerminated {
			t.Fatalf("Connect after Terminate = %v, want ErrTerminated", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect never returned after Terminate")
	}
}
