package tcp

import (
	"strconv"
	"unsafe"

	"github.com/usertcp/tuntcp/seqnum"
)

var stateNames = [...]string{"CLOSED", "SYN-SENT", "SYN-RECEIVED", "ESTABLISHED", "FIN-WAIT-1", "FIN-WAIT-2", "CLOSE-WAIT", "CLOSING", "LAST-ACK", "TIME-WAIT"}

// String returns the RFC 9293 name of the state, e.g. "SYN-SENT".
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Segment represents an incoming/outgoing TCP segment in the sequence space.
type Segment struct {
	SEQ     seqnum.Value // sequence number of first octet of segment. If SYN is set it is the initial sequence number (ISS/IRS) and the first data octet is SEQ+1.
	ACK     seqnum.Value // acknowledgment number. If ACK is set it is the sequence number of the first octet the sender of the segment is expecting to receive next.
	DATALEN seqnum.Size  // the number of octets occupied by the data (payload), not counting SYN and FIN.
	WND     seqnum.Size  // segment window.
	Flags   Flags        // TCP flags.
}

// LEN returns the length of the segment in octets including SYN and FIN flags,
// per RFC 9293's SEG.LEN definition.
func (seg *Segment) LEN() seqnum.Size {
	add := seqnum.Size(seg.Flags>>0) & 1 // FIN bit.
	add += seqnum.Size(seg.Flags>>1) & 1 // SYN bit.
	return seg.DATALEN + add
}

// Last returns the sequence number of the last octet of the segment.
func (seg *Segment) Last() seqnum.Value {
	seglen := seg.LEN()
	if seglen == 0 {
		return seg.SEQ
	}
	return seqnum.Add(seg.SEQ, seglen) - 1
}

// String renders a segment as "<SEQ=..><ACK=..>[FLAGS]", e.g. used by
// Frame.String for logging inbound/outbound segments.
func (seg Segment) String() string {
	b := make([]byte, 0, 48)
	b = append(b, '<', 'S', 'E', 'Q', '=')
	b = strconv.AppendInt(b, int64(seg.SEQ), 10)
	b = append(b, '>', '<', 'A', 'C', 'K', '=')
	b = strconv.AppendInt(b, int64(seg.ACK), 10)
	b = append(b, '>')
	if seg.DATALEN > 0 {
		b = append(b, '<', 'D', 'A', 'T', 'A', '=')
		b = strconv.AppendInt(b, int64(seg.DATALEN), 10)
		b = append(b, '>')
	}
	b = append(b, '[')
	b = seg.Flags.AppendFormat(b)
	b = append(b, ']')
	return unsafe.String(unsafe.SliceData(b), len(b))
}

func (seg Segment) isFirstSYN() bool {
	return seg.Flags == FlagSYN && seg.ACK == 0 && seg.DATALEN == 0 && seg.WND > 0
}

// ClientSynSegment builds the first segment sent over a TCP connection by an
// active opener: a bare SYN carrying the chosen initial send sequence number
// and advertised receive window.
func ClientSynSegment(clientISS seqnum.Value, clientWND seqnum.Size) Segment {
	return Segment{
		SEQ:     clientISS,
		WND:     clientWND,
		Flags:   FlagSYN,
		ACK:     0,
		DATALEN: 0,
	}
}

// StringExchange returns a string representation of a segment exchange over
// a network in RFC 9293 styled visualization. invertDir inverts the arrow
// directions, i.e:
//
//	SYN-SENT     --> <SEQ=300><ACK=91>[SYN,ACK]      --> SYN-RECEIVED
func StringExchange(seg Segment, A, B State, invertDir bool) string {
	b := make([]byte, 0, 64)
	b = appendStringExchange(b, seg, A, B, invertDir)
	return unsafe.String(unsafe.SliceData(b), len(b))
}

// appendStringExchange appends a RFC9293 styled visualization of exchange to buf.
func appendStringExchange(buf []byte, seg Segment, A, B State, invertDir bool) []byte {
	const emptySpaces = "             "
	const fill = len(emptySpaces) - 1
	appendVal := func(buf []byte, name string, i seqnum.Value) []byte {
		buf = append(buf, '<')
		buf = append(buf, name...)
		buf = append(buf, '=')
		buf = strconv.AppendInt(buf, int64(i), 10)
		buf = append(buf, '>')
		return buf
	}
	startLen := len(buf)
	dirSep := []byte(" --> ")
	if invertDir {
		dirSep = []byte(" <-- ")
	}
	astr := A.String()
	buf = append(buf, astr...)
	if len(astr) < fill {
		buf = append(buf, emptySpaces[:fill-len(astr)]...)
	}
	buf = append(buf, dirSep...)
	buf = appendVal(buf, "SEQ", seg.SEQ)
	buf = appendVal(buf, "ACK", seg.ACK)
	if seg.DATALEN > 0 {
		buf = appendVal(buf, "DATA", seqnum.Value(seg.DATALEN))
	}
	buf = append(buf, '[')
	buf = seg.Flags.AppendFormat(buf)
	buf = append(buf, ']')
	if len(buf)-startLen < 48 {
		buf = append(buf, emptySpaces[:48-len(buf)]...)
	}
	buf = append(buf, dirSep...)
	buf = append(buf, B.String()...)
	return buf
}

// State enumerates the states a Connection progresses through during its
// lifetime, per RFC 9293 §3.3.2.
type State uint8

const (
	// CLOSED represents no connection state at all. A Connection enters it
	// on a reset, a failed handshake or the final ACK in LAST-ACK, after
	// which the manager reaps it.
	StateClosed State = iota // CLOSED
	// SYN-SENT represents waiting for a matching connection request after
	// having sent a connection request (active open).
	StateSynSent // SYN-SENT
	// SYN-RECEIVED represents waiting for a confirming connection request
	// acknowledgment after having both received and sent a SYN (passive open).
	StateSynRcvd // SYN-RECEIVED
	// ESTABLISHED represents an open connection; data received can be
	// delivered to the user. The normal state for the data transfer phase.
	StateEstab // ESTABLISHED
	// FIN-WAIT-1 represents waiting for a connection termination request
	// from the remote TCP, or an acknowledgment of the termination request
	// previously sent.
	StateFinWait1 // FIN-WAIT-1
	// FIN-WAIT-2 represents waiting for a connection termination request
	// from the remote TCP.
	StateFinWait2 // FIN-WAIT-2
	// CLOSE-WAIT represents waiting for a connection termination request
	// from the local user.
	StateCloseWait // CLOSE-WAIT
	// CLOSING represents waiting for a connection termination request
	// acknowledgment from the remote TCP.
	StateClosing // CLOSING
	// LAST-ACK represents waiting for an acknowledgment of the connection
	// termination request previously sent to the remote TCP.
	StateLastAck // LAST-ACK
	// TIME-WAIT represents waiting for enough time to pass to be sure the
	// remote TCP received the acknowledgment of its termination request.
	StateTimeWait // TIME-WAIT
)

// IsPreestablished returns true if the connection is in a state preceding
// the established state. Returns false for the Closed pseudo-state.
func (s State) IsPreestablished() bool {
	return s == StateSynRcvd || s == StateSynSent
}

// IsSynchronized returns true for every state except SynSent, SynRcvd and
// Closed, per spec's synchronized-state predicate used for RST emission
// rules.
func (s State) IsSynchronized() bool {
	return s != StateClosed && s != StateSynSent && s != StateSynRcvd
}

// IsClosing returns true if the connection is in a closing state but not
// yet terminated.
func (s State) IsClosing() bool {
	return s == StateFinWait1 || s == StateFinWait2 || s == StateClosing ||
		s == StateLastAck || s == StateTimeWait
}

// RecvClosed returns true in CLOSE-WAIT, CLOSING and TIME-WAIT, the states
// in which the remote side's FIN has been received and no further data
// will be appended to inbuf. LAST-ACK is not included.
func (s State) RecvClosed() bool {
	return s == StateCloseWait || s == StateClosing || s == StateTimeWait
}

// IsClosed returns true if the connection is fully torn down.
func (s State) IsClosed() bool {
	return s == StateClosed
}

// SendOpen returns true if the local user may still queue data for sending:
// the connection has reached ESTABLISHED and has not yet committed to a FIN.
func (s State) SendOpen() bool {
	return s == StateEstab || s == StateCloseWait
}
