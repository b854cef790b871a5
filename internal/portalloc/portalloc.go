// Package portalloc hands out ephemeral local ports for active opens.
// Leases are tracked in a github.com/patrickmn/go-cache TTL cache the
// same way cppla-moto uses go-cache for short-lived session state,
// instead of a plain map: a lease that's never explicitly released
// (e.g. the caller crashes before Connect completes) still expires on
// its own.
package portalloc

import (
	"fmt"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/usertcp/tuntcp/internal"
)

// ErrRangeExhausted is returned when every port in the configured
// ephemeral range is currently leased.
var ErrRangeExhausted = fmt.Errorf("portalloc: ephemeral port range exhausted")

// Allocator leases ports from [low, high] with a bounded lifetime.
type Allocator struct {
	low, high uint16
	leases    *cache.Cache
	seed      uint16
}

// New builds an Allocator over the inclusive port range [low, high].
// leaseTTL bounds how long a port stays reserved if never released.
func New(low, high uint16, leaseTTL time.Duration) *Allocator {
	return &Allocator{
		low:    low,
		high:   high,
		leases: cache.New(leaseTTL, leaseTTL/2),
		seed:   uint16(time.Now().UnixNano()),
	}
}

// Lease finds and reserves a free port in the configured range,
// starting the scan from a pseudo-random offset (internal.Prand16, an
// xorshift generator) so repeated calls don't pile up on the low end of
// the range.
func (a *Allocator) Lease() (uint16, error) {
	span := int(a.high) - int(a.low) + 1
	if span <= 0 {
		return 0, ErrRangeExhausted
	}
	a.seed = internal.Prand16(a.seed | 1)
	start := int(a.seed) % span

	for i := 0; i < span; i++ {
		port := a.low + uint16((start+i)%span)
		key := strconv.Itoa(int(port))
		if _, found := a.leases.Get(key); found {
			continue
		}
		a.leases.SetDefault(key, struct{}{})
		return port, nil
	}
	return 0, ErrRangeExhausted
}

// Release frees a previously leased port before its TTL expires.
func (a *Allocator) Release(port uint16) {
	a.leases.Delete(strconv.Itoa(int(port)))
}
