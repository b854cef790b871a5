package manager

import (
	"github.com/usertcp/tuntcp/seqnum"
	"github.com/usertcp/tuntcp/tcp"
	"github.com/usertcp/tuntcp/wire"
	"github.com/usertcp/tuntcp/wire/ipv4"
)

// rstQueue is a small fixed-size queue of stateless RST responses: the
// replies a bound-less or unsynchronized segment provokes per RFC 9293
// §3.5.3, built without any Connection (none exists yet, or the segment
// doesn't match one well enough to reuse its header template). Adapted
// from the teacher's RSTQueue, keyed on tcp.Quad instead of raw address
// bytes, and fed by the manager's gap paths instead of Handler.Recv.
type rstQueue struct {
	entries [4]rstEntry
	len     uint8
}

type rstEntry struct {
	quad tcp.Quad
	seq  seqnum.Value
	ack  seqnum.Value
	syn  bool // whether the incoming segment lacked ACK, so the RST carries ACK=SEG.SEQ+SEG.LEN
}

// queue enqueues a RST response to seg, received on quad. Silently drops
// if the queue is already full of unflushed entries — better to miss an
// occasional courtesy RST than block the packet thread.
func (q *rstQueue) queue(quad tcp.Quad, seg tcp.Segment) {
	if q.len >= uint8(len(q.entries)) {
		return
	}
	e := &q.entries[q.len]
	e.quad = quad
	if seg.Flags.HasAny(tcp.FlagACK) {
		e.seq = seg.ACK
		e.ack = 0
		e.syn = false
	} else {
		e.seq = 0
		e.ack = seqnum.Add(seg.SEQ, seg.LEN())
		e.syn = true
	}
	q.len++
}

// drain pops one pending RST and builds its frame into buf. ok is false
// if the queue was empty.
func (q *rstQueue) drain(buf []byte) (frame []byte, ok bool) {
	if q.len == 0 {
		return nil, false
	}
	q.len--
	e := &q.entries[q.len]

	const ipHdr, tcpHdr = 20, 20
	out := buf[:ipHdr+tcpHdr]

	ifrm, _ := ipv4.NewFrame(out)
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTTL(64)
	ifrm.SetProtocol(wire.IPProtoTCP)
	*ifrm.SourceAddr() = e.quad.LocalAddr
	*ifrm.DestinationAddr() = e.quad.RemoteAddr
	ifrm.SetTotalLength(uint16(len(out)))

	tfrm, _ := tcp.NewFrame(out[ipHdr:])
	tfrm.ClearHeader()
	tfrm.SetSourcePort(e.quad.LocalPort)
	tfrm.SetDestinationPort(e.quad.RemotePort)
	flags := tcp.FlagRST
	if e.syn {
		flags |= tcp.FlagACK
	}
	tfrm.SetSegment(tcp.Segment{SEQ: e.seq, ACK: e.ack, Flags: flags}, 5)

	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	tfrm.SetCRC(0)
	var crc wire.CRC791
	ifrm.CRCWriteTCPPseudo(&crc)
	crc.Write(out[ipHdr:])
	tfrm.SetCRC(wire.NeverZeroChecksum(crc.Sum16()))

	return out, true
}
