// Package seqnum implements the modular 32-bit sequence-space arithmetic
// required to compare TCP sequence numbers per RFC 9293 §3.4. All values
// wrap around 2**32; callers must never compare Values with plain < or >,
// since a numerically smaller Value may in fact be "later" in the sequence
// space after a wraparound.
package seqnum

// Value is a TCP sequence or acknowledgment number: a position in the
// 32-bit modular sequence space.
type Value uint32

// Size is a count of octets spanned in the sequence space, such as a
// window size or a segment length. Unlike Value it never wraps in normal
// use (it is always small relative to 2**32), but arithmetic combining it
// with a Value follows the same modular rules.
type Size uint32

// Add returns v advanced by n octets, wrapping around 2**32.
func Add(v Value, n Size) Value { return v + Value(n) }

// Sub returns v moved back by n octets, wrapping around 2**32.
func Sub(v Value, n Size) Value { return v - Value(n) }

// Sizeof returns the forward distance from start to end, i.e. the number
// of octets that separate them going forward (wrapping) from start.
func Sizeof(start, end Value) Size { return Size(end - start) }

// LessThan reports whether v precedes u in the sequence space, i.e. u is
// reachable from v by advancing forward less than half the space.
func (v Value) LessThan(u Value) bool { return int32(v-u) < 0 }

// LessThanEq reports whether v precedes or equals u in the sequence space.
func (v Value) LessThanEq(u Value) bool { return v == u || v.LessThan(u) }

// InWindow reports whether v lies strictly between start-1 and start+size,
// i.e. in [start, start+size), the test RFC 9293's segment-acceptance table
// applies to incoming sequence numbers against an advertised window. A zero
// size window accepts only v == start.
func (v Value) InWindow(start Value, size Size) bool {
	if size == 0 {
		return v == start
	}
	return InOpenRange(Sub(start, 1), v, Add(start, size))
}

// InOpenRange reports whether x lies strictly on the forward arc from
// start to end in the modular sequence space, i.e. start < x < end once
// the space is "cut open" at start. Returns false when start == end.
func InOpenRange(start, x, end Value) bool {
	if start == end {
		return false
	}
	if start < end {
		return start < x && x < end
	}
	return x > start || x < end
}

// IsDuplicate reports whether ack, a received acknowledgment number, falls
// in the region already acknowledged by una given the next-to-send nxt —
// i.e. it acknowledges nothing new.
func IsDuplicate(una, ack, nxt Value) bool {
	if una == nxt {
		return true
	}
	if una < nxt {
		return ack < una
	}
	return ack > nxt && ack < una
}
