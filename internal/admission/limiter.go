// Package admission bounds concurrent connections per source address. The
// table is shared by all worker shards; when no limit is configured the
// controller is bypassed entirely and no lookups happen on the accept path.
package admission

import (
	"net/netip"
	"sync"

	"github.com/bits0rcerer/wellenbrecher/internal/svcfields"
	"pkt.systems/pslog"
)

// Config controls per-IP admission.
type Config struct {
	// ConnectionsPerIP is the maximum number of concurrent connections per
	// masked source address. 0 means unlimited.
	ConnectionsPerIP uint32
	// IPv4Mask selects the bits of an IPv4 source address that identify a
	// player. The zero value means the full address.
	IPv4Mask [4]byte
	// IPv6Mask selects the bits of an IPv6 source address that identify a
	// player. The zero value means the upper 64 bits.
	IPv6Mask [16]byte
}

// DefaultIPv4Mask matches the full IPv4 address.
var DefaultIPv4Mask = [4]byte{0xff, 0xff, 0xff, 0xff}

// DefaultIPv6Mask matches the upper 64 bits, one budget per /64.
var DefaultIPv6Mask = [16]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Limiter counts active connections per masked source address. A nil Limiter
// admits everything.
type Limiter struct {
	cfg    Config
	logger pslog.Logger

	mu     sync.Mutex
	counts map[netip.Addr]uint32
}

// NewLimiter constructs a limiter, or nil when cfg carries no limit.
func NewLimiter(cfg Config, logger pslog.Logger) *Limiter {
	if cfg.ConnectionsPerIP == 0 {
		return nil
	}
	if cfg.IPv4Mask == ([4]byte{}) {
		cfg.IPv4Mask = DefaultIPv4Mask
	}
	if cfg.IPv6Mask == ([16]byte{}) {
		cfg.IPv6Mask = DefaultIPv6Mask
	}
	return &Limiter{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(svcfields.Ensure(logger), "control.admission"),
		counts: make(map[netip.Addr]uint32),
	}
}

// Key reduces a source address to its admission identity by applying the
// configured mask. IPv4-mapped IPv6 addresses count as IPv4.
func (l *Limiter) Key(addr netip.Addr) netip.Addr {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	if addr.Is4() {
		b := addr.As4()
		for i := range b {
			b[i] &= l.cfg.IPv4Mask[i]
		}
		return netip.AddrFrom4(b)
	}
	b := addr.As16()
	for i := range b {
		b[i] &= l.cfg.IPv6Mask[i]
	}
	return netip.AddrFrom16(b)
}

// Acquire accounts one new connection for addr. It reports false, without
// accounting, when the masked address is already at the limit.
func (l *Limiter) Acquire(addr netip.Addr) (netip.Addr, bool) {
	if l == nil {
		return addr, true
	}
	key := l.Key(addr)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.counts[key] >= l.cfg.ConnectionsPerIP {
		l.logger.Warn("wellenbrecher.admission.rejected",
			"remote", addr,
			"key", key,
			"limit", l.cfg.ConnectionsPerIP)
		return key, false
	}
	l.counts[key]++
	return key, true
}

// Release returns one connection slot for a key previously handed out by
// Acquire. The entry is dropped once its count reaches zero.
func (l *Limiter) Release(key netip.Addr) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.counts[key]
	if !ok {
		return
	}
	if n <= 1 {
		delete(l.counts, key)
		return
	}
	l.counts[key] = n - 1
}

// Active returns the live connection count for addr's masked identity.
func (l *Limiter) Active(addr netip.Addr) uint32 {
	if l == nil {
		return 0
	}
	key := l.Key(addr)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[key]
}

// Entries returns the number of tracked masked addresses.
func (l *Limiter) Entries() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counts)
}
