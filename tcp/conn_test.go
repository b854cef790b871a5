package tcp

import (
	"testing"

	"github.com/usertcp/tuntcp/seqnum"
)

var testQuad = Quad{
	LocalAddr:  [4]byte{10, 0, 0, 1},
	LocalPort:  9182,
	RemoteAddr: [4]byte{10, 0, 0, 2},
	RemotePort: 54321,
}

// parseFrame splits a built IPv4+TCP frame back into its Segment and
// payload, and fails the test if the TCP header cannot be parsed. It does
// not verify the IPv4 or TCP checksum.
func parseFrame(t *testing.T, frame []byte) (seg Segment, payload []byte) {
	t.Helper()
	tfrm, err := NewFrame(frame[ipHeaderLen:])
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	hlen := tfrm.HeaderLength()
	payload = frame[ipHeaderLen+hlen:]
	return tfrm.Segment(len(payload)), payload
}

func TestEstablishActiveOpen(t *testing.T) {
	var buf [MTU]byte
	conn, frame := Establish(testQuad, 1000, DefaultRecvWindow, buf[:])
	if conn.State() != StateSynSent {
		t.Fatalf("state = %v, want SynSent", conn.State())
	}
	seg, _ := parseFrame(t, frame)
	if !seg.Flags.HasAll(FlagSYN) || seg.Flags.HasAny(FlagACK) {
		t.Fatalf("flags = %v, want bare SYN", seg.Flags)
	}
	if seg.SEQ != 1000 {
		t.Fatalf("SEQ = %d, want 1000", seg.SEQ)
	}
}

func TestAcceptPassiveOpenRejectsNonSYN(t *testing.T) {
	var buf [MTU]byte
	_, _, ok := Accept(testQuad, Segment{Flags: FlagACK}, 5000, buf[:])
	if ok {
		t.Fatal("Accept should reject a segment without SYN")
	}
}

func TestAcceptPassiveOpen(t *testing.T) {
	var buf [MTU]byte
	clientSYN := Segment{SEQ: 2000, WND: DefaultRecvWindow, Flags: FlagSYN}
	conn, frame, ok := Accept(testQuad, clientSYN, 5000, buf[:])
	if !ok {
		t.Fatal("Accept rejected a valid SYN")
	}
	if conn.State() != StateSynRcvd {
		t.Fatalf("state = %v, want SynRcvd", conn.State())
	}
	seg, _ := parseFrame(t, frame)
	if !seg.Flags.HasAll(FlagSYN | FlagACK) {
		t.Fatalf("flags = %v, want SYN|ACK", seg.Flags)
	}
	if seg.ACK != 2001 {
		t.Fatalf("ACK = %d, want 2001 (client ISS + 1)", seg.ACK)
	}
}

// TestAcceptEchoesPeerWindow exercises spec.md §8 scenario 1: a SYN
// carrying a non-default window must produce a SYN-ACK advertising that
// same window, since RCV.WND starts out as the peer's own advertised
// window on a passive open, not this stack's default receive window.
func TestAcceptEchoesPeerWindow(t *testing.T) {
	var buf [MTU]byte
	clientSYN := Segment{SEQ: 2000, WND: 64240, Flags: FlagSYN}
	conn, frame, ok := Accept(testQuad, clientSYN, 5000, buf[:])
	if !ok {
		t.Fatal("Accept rejected a valid SYN")
	}
	seg, _ := parseFrame(t, frame)
	if seg.WND != 64240 {
		t.Fatalf("WND = %d, want 64240 (echoed from the client's SYN)", seg.WND)
	}
	if conn.rcv.WND != 64240 {
		t.Fatalf("rcv.WND = %d, want 64240", conn.rcv.WND)
	}
}

// TestFullRoundTrip drives a client Connection and a server Connection
// against each other through handshake, data sent from client to server,
// and a client-initiated close, feeding every frame one side
// builds straight into the other side's OnPacket. This is the same
// two-sided harness shape the teacher used to exercise its control block
// end-to-end before the control.go rewrite.
func TestFullRoundTrip(t *testing.T) {
	clientQuad := testQuad
	serverQuad := Quad{
		LocalAddr:  testQuad.RemoteAddr,
		LocalPort:  testQuad.RemotePort,
		RemoteAddr: testQuad.LocalAddr,
		RemotePort: testQuad.LocalPort,
	}

	var cbuf, sbuf [MTU]byte
	client, synFrame := Establish(clientQuad, 1000, DefaultRecvWindow, cbuf[:])
	clientSeg, _ := parseFrame(t, synFrame)

	server := newConnection(serverQuad)
	server.state = StateSynRcvd
	server.rcv = recvSpace{IRS: clientSeg.SEQ, NXT: seqnum.Add(clientSeg.SEQ, 1), WND: DefaultRecvWindow}
	server.snd = sendSpace{ISS: 5000, UNA: 5000, NXT: 5000, WND: clientSeg.WND}
	synAckFrame, _ := server.emit(sbuf[:], nil, FlagSYN)

	synAckSeg, _ := parseFrame(t, synAckFrame)
	ackFrame, avail := client.OnPacket(cbuf[:], synAckSeg, nil)
	if client.State() != StateEstab {
		t.Fatalf("client state after SYN-ACK = %v, want Estab", client.State())
	}
	if avail&AvailWrite == 0 {
		t.Fatal("client should be write-available once Estab")
	}

	ackSeg, _ := parseFrame(t, ackFrame)
	if _, avail = server.OnPacket(sbuf[:], ackSeg, nil); server.State() != StateEstab {
		t.Fatalf("server state after final ACK = %v, want Estab", server.State())
	}

	msg := []byte("hello over tunneled tcp")
	client.QueueOutbound(msg)
	dataFrame := client.Drain(cbuf[:])
	if dataFrame == nil {
		t.Fatal("client.Drain produced no frame for queued data")
	}
	dataSeg, dataPayload := parseFrame(t, dataFrame)
	if string(dataPayload) != string(msg) {
		t.Fatalf("payload = %q, want %q", dataPayload, msg)
	}

	serverReply, avail := server.OnPacket(sbuf[:], dataSeg, dataPayload)
	if avail&AvailRead == 0 {
		t.Fatal("server should be read-available after receiving data")
	}
	got := make([]byte, len(msg))
	n, err := server.ReadInbound(got)
	if err != nil || n != len(msg) || string(got) != string(msg) {
		t.Fatalf("ReadInbound = %q, %d, %v; want %q", got[:n], n, err, msg)
	}

	replySeg, _ := parseFrame(t, serverReply)
	if _, _ = client.OnPacket(cbuf[:], replySeg, nil); client.snd.UNA != client.snd.NXT {
		t.Fatalf("client's data not fully acknowledged: UNA=%d NXT=%d", client.snd.UNA, client.snd.NXT)
	}

	finFrame := client.Shutdown(cbuf[:])
	if client.State() != StateFinWait1 {
		t.Fatalf("client state after Shutdown = %v, want FinWait1", client.State())
	}
	finSeg, _ := parseFrame(t, finFrame)

	serverFinAck, _ := server.OnPacket(sbuf[:], finSeg, nil)
	if server.State() != StateLastAck {
		t.Fatalf("server state after client FIN = %v, want LastAck", server.State())
	}
	serverFinAckSeg, _ := parseFrame(t, serverFinAck)
	if !serverFinAckSeg.Flags.HasAll(finack) {
		t.Fatalf("server's reply flags = %v, want FIN|ACK", serverFinAckSeg.Flags)
	}

	if _, _ = client.OnPacket(cbuf[:], serverFinAckSeg, nil); client.State() != StateTimeWait {
		t.Fatalf("client state after server's FIN = %v, want TimeWait", client.State())
	}

	lastAckSeg := Segment{SEQ: client.snd.NXT, ACK: client.rcv.NXT, Flags: FlagACK}
	if _, _ = server.OnPacket(sbuf[:], lastAckSeg, nil); server.State() != StateClosed {
		t.Fatalf("server state after final ACK = %v, want Closed", server.State())
	}
}

func TestSYNOnSynchronizedConnectionResets(t *testing.T) {
	var buf [MTU]byte
	conn := newConnection(testQuad)
	conn.state = StateEstab
	conn.rcv = recvSpace{NXT: 100, WND: DefaultRecvWindow}
	conn.snd = sendSpace{ISS: 1, UNA: 1, NXT: 1, WND: 100}

	seg := Segment{SEQ: 100, ACK: 1, Flags: FlagSYN | FlagACK}
	frame, _ := conn.OnPacket(buf[:], seg, nil)
	if conn.State() != StateClosed {
		t.Fatalf("state = %v, want Closed after SYN on synchronized conn", conn.State())
	}
	replySeg, _ := parseFrame(t, frame)
	if !replySeg.Flags.HasAll(FlagRST) {
		t.Fatalf("flags = %v, want RST", replySeg.Flags)
	}
}

func TestSynRcvdBadACKResets(t *testing.T) {
	var buf [MTU]byte
	conn := newConnection(testQuad)
	conn.state = StateSynRcvd
	conn.rcv = recvSpace{IRS: 50, NXT: 51, WND: DefaultRecvWindow}
	conn.snd = sendSpace{ISS: 1000, UNA: 1000, NXT: 1001, WND: 100}

	seg := Segment{SEQ: 51, ACK: 9999, Flags: FlagACK}
	frame, _ := conn.OnPacket(buf[:], seg, nil)
	if conn.State() != StateClosed {
		t.Fatalf("state = %v, want Closed on bad ACK in SynRcvd", conn.State())
	}
	replySeg, _ := parseFrame(t, frame)
	if !replySeg.Flags.HasAll(FlagRST) || replySeg.SEQ != 9999 {
		t.Fatalf("got %v, want RST carrying SEQ=9999", replySeg)
	}
}

func TestSynSentBadACKResets(t *testing.T) {
	var buf [MTU]byte
	conn := newConnection(testQuad)
	conn.state = StateSynSent
	conn.snd = sendSpace{ISS: 1000, UNA: 1000, NXT: 1001}

	seg := Segment{SEQ: 50, ACK: 424242, Flags: FlagSYN | FlagACK}
	frame, _ := conn.OnPacket(buf[:], seg, nil)
	if conn.State() != StateClosed {
		t.Fatalf("state = %v, want Closed on bad ACK in SynSent", conn.State())
	}
	replySeg, _ := parseFrame(t, frame)
	if !replySeg.Flags.HasAll(FlagRST) || replySeg.SEQ != 424242 {
		t.Fatalf("got %v, want RST carrying SEQ=424242", replySeg)
	}
}

func TestAcceptableSegmentRejectsOutOfWindow(t *testing.T) {
	conn := newConnection(testQuad)
	conn.rcv = recvSpace{NXT: 1000, WND: 100}
	if conn.acceptableSegment(Segment{SEQ: 5000, DATALEN: 1}) {
		t.Fatal("segment far outside the receive window must be rejected")
	}
	if !conn.acceptableSegment(Segment{SEQ: 1000}) {
		t.Fatal("a bare in-window probe segment must be accepted")
	}
}
