package engine

import (
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bits0rcerer/wellenbrecher/internal/canvas"
	"github.com/bits0rcerer/wellenbrecher/internal/wire"
)

// conn is the per-socket state of one accepted connection. A conn belongs to
// exactly one shard for its whole lifetime.
type conn struct {
	fd     int
	uid    uint32
	corr   string
	remote netip.Addr

	// key is the masked admission identity; accounted is set when the
	// limiter actually counted this connection and a Release is owed.
	key       netip.Addr
	accounted bool

	rbuf  *wire.Buffer
	wbuf  []byte
	whead int

	offX, offY uint32

	wantWrite bool
	closing   bool
	lastRead  time.Time
	drainBy   time.Time
}

// translate applies the connection's OFFSET to client coordinates. A sum
// overflowing uint32 can never be in bounds, so it reports out of bounds
// instead of wrapping.
func (c *conn) translate(x, y uint32) (uint32, uint32, error) {
	tx := uint64(x) + uint64(c.offX)
	ty := uint64(y) + uint64(c.offY)
	if tx > 0xffffffff || ty > 0xffffffff {
		return 0, 0, fmt.Errorf("%w: (%d, %d)", canvas.ErrOutOfBounds, x, y)
	}
	return uint32(tx), uint32(ty), nil
}

func (c *conn) pending() []byte {
	return c.wbuf[c.whead:]
}

func (c *conn) pendingLen() int {
	return len(c.wbuf) - c.whead
}

func (c *conn) consumed(n int) {
	c.whead += n
	if c.whead == len(c.wbuf) {
		c.wbuf = c.wbuf[:0]
		c.whead = 0
	}
}

func addrFromSockaddr(sa unix.Sockaddr) netip.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(sa.Addr)
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(sa.Addr).Unmap()
	default:
		return netip.Addr{}
	}
}
