package tcp

import (
	"github.com/usertcp/tuntcp/internal"
	"github.com/usertcp/tuntcp/seqnum"
	"github.com/usertcp/tuntcp/wire"
	"github.com/usertcp/tuntcp/wire/ipv4"
)

const (
	// MTU is the maximum frame size the tunnel ever carries.
	MTU          = 1500
	ipHeaderLen  = 20
	tcpHeaderLen = 20
	maxPayload   = MTU - ipHeaderLen - tcpHeaderLen

	// DefaultRecvWindow is the receive window this stack advertises; TCP
	// options (window scaling) are out of scope so it never exceeds uint16.
	DefaultRecvWindow = 65535
	// DefaultInboundBufSize sizes a Connection's inbuf.
	DefaultInboundBufSize = 65536
	// TransmissionQLenSize is outbuf's high-water mark: the single
	// backpressure knob for Stream writes.
	TransmissionQLenSize = 1_500_000
)

// Quad is the four-tuple (local IPv4, local port, remote IPv4, remote port)
// that identifies a TCP connection. It is value-typed and hashable so it
// can key the connection manager's map directly.
type Quad struct {
	LocalAddr  [4]byte
	LocalPort  uint16
	RemoteAddr [4]byte
	RemotePort uint16
}

// Availability is a bit-set reported by Connection methods so callers know
// which blocked condition variable to signal.
type Availability uint8

const (
	AvailRead Availability = 1 << iota
	AvailWrite
)

// sendSpace is the Send Sequence Space (SND) of RFC 9293 §3.3.1.
type sendSpace struct {
	ISS seqnum.Value // initial send sequence number
	UNA seqnum.Value // oldest unacknowledged
	NXT seqnum.Value // next to send
	WND seqnum.Size  // peer's advertised window
	WL1 seqnum.Value // SEQ of the segment that last updated WND
	WL2 seqnum.Value // ACK of the segment that last updated WND
}

// recvSpace is the Receive Sequence Space (RCV) of RFC 9293 §3.3.1.
type recvSpace struct {
	IRS seqnum.Value // initial receive sequence number
	NXT seqnum.Value // next expected
	WND seqnum.Size  // our advertised receive window
}

// Connection is the per-flow TCP state machine: sequence spaces, cached
// outgoing header templates, and the in/out byte queues. It is owned
// exclusively by the connection manager's table; every field access from
// outside this package must happen with the manager's lock held.
type Connection struct {
	Quad Quad

	state State
	snd   sendSpace
	rcv   recvSpace

	ipHdrBuf  [ipHeaderLen]byte
	tcpHdrBuf [tcpHeaderLen]byte

	inbuf  internal.Ring
	outbuf internal.Ring
}

// State returns the connection's current state.
func (c *Connection) State() State { return c.state }

// InboundLen returns the number of bytes currently queued in inbuf.
func (c *Connection) InboundLen() int { return c.inbuf.Buffered() }

// OutboundLen returns the number of bytes currently queued in outbuf.
func (c *Connection) OutboundLen() int { return c.outbuf.Buffered() }

// ReadInbound copies up to len(p) bytes out of inbuf, draining them.
func (c *Connection) ReadInbound(p []byte) (int, error) { return c.inbuf.Read(p) }

// QueueOutbound appends up to TransmissionQLenSize-OutboundLen() bytes of p
// to outbuf and returns how many were accepted.
func (c *Connection) QueueOutbound(p []byte) int {
	free := TransmissionQLenSize - c.outbuf.Buffered()
	if free <= 0 || len(p) == 0 {
		return 0
	}
	n := len(p)
	if n > free {
		n = free
	}
	c.outbuf.Write(p[:n])
	return n
}

func newConnection(quad Quad) *Connection {
	c := &Connection{Quad: quad}
	c.inbuf.Buf = make([]byte, DefaultInboundBufSize)
	c.outbuf.Buf = make([]byte, TransmissionQLenSize)
	c.prepareHeaders()
	return c
}

// prepareHeaders initializes the cached reverse IPv4/TCP header templates:
// our address as source, the peer's as destination, TTL 64, protocol TCP.
func (c *Connection) prepareHeaders() {
	ifrm, _ := ipv4.NewFrame(c.ipHdrBuf[:])
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTTL(64)
	ifrm.SetProtocol(wire.IPProtoTCP)
	*ifrm.SourceAddr() = c.Quad.LocalAddr
	*ifrm.DestinationAddr() = c.Quad.RemoteAddr

	tfrm, _ := NewFrame(c.tcpHdrBuf[:])
	tfrm.ClearHeader()
	tfrm.SetSourcePort(c.Quad.LocalPort)
	tfrm.SetDestinationPort(c.Quad.RemotePort)
}

// buildFrame writes seg and payload into buf using the cached header
// template, computing both the IPv4 header checksum and the TCP
// pseudo-header checksum. It does not touch snd/rcv state.
func (c *Connection) buildFrame(buf []byte, seg Segment, payload []byte) []byte {
	tfrm, _ := NewFrame(c.tcpHdrBuf[:])
	tfrm.SetSegment(seg, 5)

	totalLen := ipHeaderLen + tcpHeaderLen + len(payload)
	out := buf[:totalLen]
	copy(out[:ipHeaderLen], c.ipHdrBuf[:])
	copy(out[ipHeaderLen:ipHeaderLen+tcpHeaderLen], c.tcpHdrBuf[:])
	copy(out[ipHeaderLen+tcpHeaderLen:], payload)

	outIfrm, _ := ipv4.NewFrame(out)
	outIfrm.SetTotalLength(uint16(totalLen))
	outIfrm.SetCRC(0)
	outIfrm.SetCRC(outIfrm.CalculateHeaderCRC())

	outTfrm, _ := NewFrame(out[ipHeaderLen:])
	outTfrm.SetCRC(0)
	var crc wire.CRC791
	outIfrm.CRCWriteTCPPseudo(&crc)
	crc.Write(out[ipHeaderLen:])
	outTfrm.SetCRC(wire.NeverZeroChecksum(crc.Sum16()))

	return out
}

// emit implements segment emission for the common case: SEQ=SND.NXT,
// ACK=RCV.NXT, flags as given with ACK forced on (every outbound segment
// after the handshake carries ACK). Advances SND.NXT by the payload length
// plus one if SYN or FIN is set. Payload is truncated to maxPayload.
func (c *Connection) emit(buf []byte, payload []byte, flags Flags) (frame []byte, sent int) {
	n := len(payload)
	if n > maxPayload {
		n = maxPayload
	}
	payload = payload[:n]
	seg := Segment{
		SEQ:     c.snd.NXT,
		ACK:     c.rcv.NXT,
		DATALEN: seqnum.Size(n),
		WND:     c.rcv.WND,
		Flags:   flags | FlagACK,
	}
	frame = c.buildFrame(buf, seg, payload)
	adv := seqnum.Size(n)
	if flags.HasAny(FlagSYN | FlagFIN) {
		adv++
	}
	c.snd.NXT = seqnum.Add(c.snd.NXT, adv)
	return frame, n
}

// drainFrame dequeues up to maxPayload bytes from outbuf and emits them
// with flags: outbound data leaves outbuf as soon as there is room on the
// wire, not only as a side effect of inbound processing.
func (c *Connection) drainFrame(buf []byte, flags Flags) []byte {
	var payload [maxPayload]byte
	n, err := c.outbuf.Read(payload[:])
	if err != nil {
		n = 0
	}
	frame, _ := c.emit(buf, payload[:n], flags)
	return frame
}

// Drain opportunistically sends whatever is queued in outbuf right now,
// without waiting for the next inbound segment to trigger it. Returns nil
// if the send side cannot accept data or outbuf is empty.
func (c *Connection) Drain(buf []byte) []byte {
	if !c.state.SendOpen() || c.outbuf.Buffered() == 0 {
		return nil
	}
	return c.drainFrame(buf, 0)
}

// Shutdown queues a FIN and transitions the connection toward closing.
// Returns the FIN segment to emit, or nil if the connection cannot accept a
// shutdown right now (it is in SYN-SENT, already closing, or closed).
func (c *Connection) Shutdown(buf []byte) []byte {
	switch c.state {
	case StateEstab, StateSynRcvd:
		c.state = StateFinWait1
	case StateCloseWait:
		c.state = StateLastAck
	default:
		return nil
	}
	var payload [maxPayload]byte
	n, err := c.outbuf.Read(payload[:])
	if err != nil {
		n = 0
	}
	frame, _ := c.emit(buf, payload[:n], FlagFIN)
	return frame
}

// RST builds an unconditional RST segment for this connection. Used by the
// connection manager to tear down a synchronized connection forcibly (for
// example on process shutdown) without going through the normal close
// handshake.
func (c *Connection) RST(buf []byte) []byte {
	frame, _ := c.emit(buf, nil, FlagRST)
	return frame
}

func (c *Connection) reset() {
	c.state = StateClosed
	c.inbuf.Reset()
	c.outbuf.Reset()
}

// Availability reports which blocked condition the caller should signal.
func (c *Connection) Availability() Availability {
	var a Availability
	if c.inbuf.Buffered() > 0 || c.state.RecvClosed() {
		a |= AvailRead
	}
	if c.state.SendOpen() && c.outbuf.Buffered() < TransmissionQLenSize {
		a |= AvailWrite
	}
	return a
}

// Accept implements the passive-open path: given an incoming SYN addressed
// to a bound local port, constructs a new Connection in SynRcvd and the
// SYN+ACK segment to emit. ok is false if seg does not carry SYN, in which
// case the caller decides whether to send a RST instead.
func Accept(quad Quad, seg Segment, iss seqnum.Value, buf []byte) (conn *Connection, frame []byte, ok bool) {
	if !seg.Flags.HasAll(FlagSYN) {
		return nil, nil, false
	}
	c := newConnection(quad)
	c.state = StateSynRcvd
	c.rcv = recvSpace{IRS: seg.SEQ, NXT: seqnum.Add(seg.SEQ, 1), WND: seg.WND}
	c.snd = sendSpace{ISS: iss, UNA: iss, NXT: iss, WND: seg.WND}
	frame, _ = c.emit(buf, nil, FlagSYN)
	return c, frame, true
}

// Establish implements the active-open path: builds a Connection in
// SynSent and the bare SYN segment to emit. The caller must hand frame to
// the tunnel before returning control to the connecting user.
func Establish(quad Quad, iss seqnum.Value, wnd seqnum.Size, buf []byte) (conn *Connection, frame []byte) {
	c := newConnection(quad)
	c.state = StateSynSent
	c.snd = sendSpace{ISS: iss, UNA: iss, NXT: iss}
	c.rcv = recvSpace{WND: wnd}
	seg := Segment{SEQ: iss, WND: wnd, Flags: FlagSYN}
	frame = c.buildFrame(buf, seg, nil)
	c.snd.NXT = seqnum.Add(c.snd.NXT, 1)
	return c, frame
}

// acceptableSegment implements the RFC 9293 §3.10.7.4 four-case
// segment-acceptability table.
func (c *Connection) acceptableSegment(seg Segment) bool {
	length := seg.LEN()
	if length == 0 {
		return seg.SEQ.InWindow(c.rcv.NXT, c.rcv.WND)
	}
	if c.rcv.WND == 0 {
		return false
	}
	return seg.SEQ.InWindow(c.rcv.NXT, c.rcv.WND) && seg.Last().InWindow(c.rcv.NXT, c.rcv.WND)
}

// onSynSent validates the SYN/SYN-ACK that completes an active open.
func (c *Connection) onSynSent(buf []byte, seg Segment) (frame []byte, avail Availability) {
	hasAck := seg.Flags.HasAny(FlagACK)
	ackOK := seqnum.InOpenRange(c.snd.ISS, seg.ACK, seqnum.Add(c.snd.NXT, 1)) ||
		seqnum.InOpenRange(c.snd.UNA, seg.ACK, seqnum.Add(c.snd.NXT, 1))
	if hasAck && !ackOK {
		if seg.Flags.HasAny(FlagRST) {
			return nil, c.Availability()
		}
		frame = c.buildFrame(buf, Segment{SEQ: seg.ACK, Flags: FlagRST}, nil)
		c.state = StateClosed
		return frame, c.Availability()
	}
	if !seg.Flags.HasAny(FlagSYN) {
		return nil, c.Availability()
	}
	c.rcv.IRS = seg.SEQ
	c.rcv.NXT = seqnum.Add(seg.SEQ, 1)
	if hasAck {
		c.snd.UNA = seg.ACK
	}
	c.state = StateEstab
	frame, _ = c.emit(buf, nil, FlagACK)
	return frame, c.Availability()
}

// OnPacket handles every inbound segment for every state other than
// SynSent (handled separately by onSynSent). buf is a caller-owned scratch
// MTU buffer used to build any reply frame. Later steps below observe
// state mutated by earlier ones within the same call; the ordering must
// not change.
func (c *Connection) OnPacket(buf []byte, seg Segment, payload []byte) (frame []byte, avail Availability) {
	if c.state == StateSynSent {
		return c.onSynSent(buf, seg)
	}

	// (b) Segment acceptability.
	if !c.acceptableSegment(seg) {
		if seg.Flags.HasAny(FlagRST) {
			return nil, c.Availability()
		}
		frame, _ = c.emit(buf, nil, FlagACK)
		return frame, c.Availability()
	}

	// (c) SYN inside a synchronized connection: reset, flush, close.
	if c.state.IsSynchronized() && seg.Flags.HasAny(FlagSYN) {
		frame, _ = c.emit(buf, nil, FlagRST)
		c.reset()
		return frame, c.Availability()
	}

	// (d) ACK requirement.
	if !seg.Flags.HasAny(FlagACK) {
		return nil, c.Availability()
	}

	// stateAtEntry distinguishes "already in LastAck before this packet"
	// from "just transitioned into LastAck below" for step (j).
	stateAtEntry := c.state

	// (e) SynRcvd -> Estab.
	if c.state == StateSynRcvd {
		if seqnum.InOpenRange(seqnum.Sub(c.snd.UNA, 1), seg.ACK, seqnum.Add(c.snd.NXT, 1)) {
			c.state = StateEstab
		} else {
			frame = c.buildFrame(buf, Segment{SEQ: seg.ACK, Flags: FlagRST}, nil)
			c.state = StateClosed
			return frame, c.Availability()
		}
	}

	// (f) ACK processing for synchronized states.
	if c.state == StateEstab || c.state == StateFinWait1 || c.state == StateFinWait2 ||
		c.state == StateCloseWait || c.state == StateClosing {
		ackInRange := seqnum.InOpenRange(c.snd.UNA, seg.ACK, seqnum.Add(c.snd.NXT, 1))
		switch {
		case ackInRange:
			c.snd.UNA = seg.ACK
			if c.snd.WL1.LessThan(seg.SEQ) || (c.snd.WL1 == seg.SEQ && c.snd.WL2.LessThanEq(seg.ACK)) {
				c.snd.WND, c.snd.WL1, c.snd.WL2 = seg.WND, seg.SEQ, seg.ACK
			}
		case !seqnum.IsDuplicate(c.snd.UNA, seg.ACK, c.snd.NXT):
			frame, _ = c.emit(buf, nil, FlagACK)
			return frame, c.Availability()
			// duplicate ACKs fall through to the remaining steps.
		}
	}

	// (g) ACK-driven transitions that precede FIN processing: our own FIN
	// being acknowledged. These must run before the FIN switch below so a
	// FIN piggybacked on the very ACK that completes one of these (e.g. a
	// simultaneous close) is evaluated against the state it lands in, not
	// the one it started in.
	if c.state == StateFinWait1 && c.snd.UNA == c.snd.NXT {
		c.state = StateFinWait2
	}
	if c.state == StateClosing && c.snd.UNA == c.snd.NXT {
		c.state = StateTimeWait
	}

	// (h) FIN and text processing, keyed off the (possibly just-updated)
	// current state.
	finReceived := seg.Flags.HasAny(FlagFIN)
	switch c.state {
	case StateEstab:
		if finReceived {
			c.rcv.NXT = seqnum.Add(c.rcv.NXT, 1)
			c.state = StateCloseWait
		}
		if len(payload) > 0 {
			c.inbuf.Write(payload)
		}
	case StateFinWait1:
		if finReceived {
			c.rcv.NXT = seqnum.Add(c.rcv.NXT, 1)
			c.state = StateClosing
		}
	case StateFinWait2:
		if finReceived {
			c.rcv.NXT = seqnum.Add(c.rcv.NXT, 1)
			c.state = StateTimeWait
		}
	}

	// (i) CloseWait.
	var finNow bool
	if c.state == StateCloseWait && c.outbuf.Buffered() == 0 {
		c.state = StateLastAck
		finNow = true
	}

	// (j) LastAck: an ACK arriving while we were already in LastAck before
	// this packet (not one we just entered via (i) above) completes the
	// close.
	if stateAtEntry == StateLastAck {
		c.state = StateClosed
		return nil, c.Availability()
	}

	// (k) Emission: acknowledge what we received and piggyback whatever is
	// ready in outbuf, or the FIN queued by (i).
	c.rcv.NXT = seqnum.Add(c.rcv.NXT, seg.DATALEN)
	flags := Flags(0)
	if finNow {
		flags |= FlagFIN
	}
	frame = c.drainFrame(buf, flags)
	if frame == nil {
		frame, _ = c.emit(buf, nil, flags)
	}
	return frame, c.Availability()
}
