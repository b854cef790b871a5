// Package tunnel creates and drives the layer-3 TUN device the stack reads
// raw IPv4 frames from and writes them back to. It is the "down interface"
// the rest of this module treats as an external collaborator: a bounded-wait
// bidirectional byte channel, nothing more.
package tunnel

import (
	"errors"
	"time"
)

// ErrTimeout is returned by Device.ReadTimeout when no frame arrives within
// the requested timeout. It is not a fault: the packet-processing thread
// uses it to periodically re-check the manager's terminate flag.
var ErrTimeout = errors.New("tunnel: read timeout")

// DefaultPollInterval is the bounded-wait interval the packet thread polls
// the tunnel with, so it observes a termination request within this long.
const DefaultPollInterval = 10 * time.Millisecond

// MTU is the maximum frame size this stack ever reads or writes.
const MTU = 1500
