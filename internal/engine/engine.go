// Package engine drives the per-shard I/O loop: a level-triggered epoll set
// over nonblocking sockets, servicing accepts, reads, canvas updates, and
// response writes for every connection the shard owns. One EpollWait returns
// a whole burst of ready events; within a burst every ready connection is
// serviced exactly once, so a single fast peer cannot starve the others.
package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sys/unix"
	"pkt.systems/pslog"

	"github.com/bits0rcerer/wellenbrecher/internal/admission"
	"github.com/bits0rcerer/wellenbrecher/internal/canvas"
	"github.com/bits0rcerer/wellenbrecher/internal/metrics"
	"github.com/bits0rcerer/wellenbrecher/internal/svcfields"
	"github.com/bits0rcerer/wellenbrecher/internal/wire"
)

// Config wires one shard's engine.
type Config struct {
	ShardID  int
	ListenFD int

	Canvas     *canvas.Canvas
	Limiter    *admission.Limiter
	NextUserID func() uint32
	Counters   *metrics.ShardCounters
	Logger     pslog.Logger

	// ReadBufferSize is the per-connection read buffer capacity; it bounds
	// the maximum command line length.
	ReadBufferSize int
	// WriteBufferCap closes a connection as overloaded when its pending
	// responses exceed this many bytes.
	WriteBufferCap int
	// EventQueueDepth is the epoll burst size.
	EventQueueDepth int
	// IdleTimeout closes connections without read activity for this long;
	// 0 disables the idle sweep.
	IdleTimeout time.Duration
	// DrainTimeout bounds how long pending writes may flush after a close
	// was decided.
	DrainTimeout time.Duration
}

var errOverloaded = errors.New("write buffer overloaded")

type engine struct {
	cfg      Config
	logger   pslog.Logger
	counters *metrics.ShardCounters

	epfd   int
	stopFD int

	conns        map[int]*conn
	events       []unix.EpollEvent
	closingConns int

	draining bool
	drainBy  time.Time

	now       time.Time
	lastSweep time.Time
}

func newEngine(cfg Config) (*engine, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(cfg.ListenFD)
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	stopFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		unix.Close(cfg.ListenFD)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	e := &engine{
		cfg:      cfg,
		logger:   svcfields.WithSubsystem(svcfields.Ensure(cfg.Logger), "engine").With("shard", cfg.ShardID),
		counters: cfg.Counters,
		epfd:     epfd,
		stopFD:   stopFD,
		conns:    make(map[int]*conn),
		events:   make([]unix.EpollEvent, cfg.EventQueueDepth),
	}

	if err := e.epollAdd(stopFD, unix.EPOLLIN); err != nil {
		e.closeFDs()
		return nil, fmt.Errorf("register stop event: %w", err)
	}
	if err := e.epollAdd(cfg.ListenFD, unix.EPOLLIN); err != nil {
		e.closeFDs()
		return nil, fmt.Errorf("register listener: %w", err)
	}
	return e, nil
}

func (e *engine) epollAdd(fd int, events uint32) error {
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (e *engine) epollMod(fd int, events uint32) {
	_ = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

// stop wakes the loop through the eventfd; safe from any goroutine.
func (e *engine) stop() {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(e.stopFD, one[:])
}

func (e *engine) run() error {
	defer e.cleanup()

	for {
		n, err := unix.EpollWait(e.epfd, e.events, e.waitTimeout())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}
		e.now = time.Now()

		for i := 0; i < n; i++ {
			ev := e.events[i]
			fd := int(ev.Fd)
			switch fd {
			case e.stopFD:
				e.beginDrain()
			case e.cfg.ListenFD:
				if !e.draining {
					e.acceptBurst()
				}
			default:
				if c, ok := e.conns[fd]; ok {
					e.service(c, ev.Events)
				}
			}
		}

		e.sweep()

		if e.draining && (len(e.conns) == 0 || e.now.After(e.drainBy)) {
			return nil
		}
	}
}

// waitTimeout picks the epoll timeout: block forever while nothing is
// deadline-bound, poll while connections are draining or an idle sweep is
// configured.
func (e *engine) waitTimeout() int {
	if e.draining || e.closingConns > 0 {
		return 50
	}
	if e.cfg.IdleTimeout > 0 && len(e.conns) > 0 {
		return 500
	}
	return -1
}

func (e *engine) beginDrain() {
	var buf [8]byte
	_, _ = unix.Read(e.stopFD, buf[:])
	if e.draining {
		return
	}
	e.draining = true
	e.drainBy = e.now.Add(e.cfg.DrainTimeout)
	e.logger.Debug("wellenbrecher.engine.drain", "connections", len(e.conns))

	_ = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, e.cfg.ListenFD, nil)

	for _, c := range e.conns {
		if c.closing {
			continue
		}
		if c.pendingLen() == 0 {
			e.destroy(c)
			continue
		}
		e.closeAfterDrain(c)
	}
}

func (e *engine) acceptBurst() {
	for {
		fd, sa, err := unix.Accept4(e.cfg.ListenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR || err == unix.ECONNABORTED {
				continue
			}
			e.logger.Warn("wellenbrecher.engine.accept_failed", "error", err)
			return
		}

		remote := addrFromSockaddr(sa)
		key, admitted := e.cfg.Limiter.Acquire(remote)

		c := &conn{
			fd:     fd,
			corr:   xid.New().String(),
			remote: remote,
			key:    key,
		}
		e.conns[fd] = c

		if !admitted {
			e.counters.ConnectionsRejected.Inc()
			c.wbuf = wire.AppendError(c.wbuf, "connection limit")
			c.closing = true
			c.wantWrite = true
			c.drainBy = e.now.Add(e.cfg.DrainTimeout)
			e.closingConns++
			if err := e.epollAdd(fd, unix.EPOLLOUT); err != nil {
				e.destroy(c)
				continue
			}
			e.flush(c)
			continue
		}

		c.accounted = e.cfg.Limiter != nil
		c.uid = e.cfg.NextUserID()
		c.rbuf = wire.NewBuffer(e.cfg.ReadBufferSize)
		c.lastRead = e.now
		if err := e.epollAdd(fd, unix.EPOLLIN|unix.EPOLLRDHUP); err != nil {
			e.logger.Warn("wellenbrecher.engine.register_failed", "error", err, svcfields.ConnKey, c.corr)
			e.destroy(c)
			continue
		}
		e.counters.ConnectionsAccepted.Inc()
		e.logger.Debug("wellenbrecher.engine.accept",
			"remote", remote,
			"user", c.uid,
			svcfields.ConnKey, c.corr)
	}
}

func (e *engine) service(c *conn, events uint32) {
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		e.destroy(c)
		return
	}
	if events&unix.EPOLLOUT != 0 {
		if !e.flush(c) {
			return
		}
	}
	if c.closing {
		return
	}
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		e.readable(c)
	}
}

// readable performs one read into the connection's buffer and applies every
// complete command it produced. One read per burst keeps a flooding peer
// from monopolizing the shard.
func (e *engine) readable(c *conn) {
	space := c.rbuf.WritableSlice()
	n, err := unix.Read(c.fd, space)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		return
	case err == unix.EINTR:
		return
	case err != nil:
		e.logger.Debug("wellenbrecher.engine.read_failed", "error", err, svcfields.ConnKey, c.corr)
		e.destroy(c)
		return
	case n == 0:
		e.destroy(c)
		return
	}
	c.rbuf.AdvanceWrite(n)
	c.lastRead = e.now
	e.counters.BytesRead.Add(float64(n))

	for {
		cmd, err := c.rbuf.Next()
		if errors.Is(err, wire.ErrMoreData) {
			break
		}
		if errors.Is(err, wire.ErrLineTooLong) {
			e.counters.ProtocolErrors.Inc()
			e.logger.Debug("wellenbrecher.engine.line_too_long", svcfields.ConnKey, c.corr)
			e.destroy(c)
			return
		}
		if err != nil {
			e.abort(c, wire.Reason(err))
			return
		}
		if err := e.apply(c, cmd); err != nil {
			if errors.Is(err, errOverloaded) {
				e.logger.Debug("wellenbrecher.engine.overloaded", svcfields.ConnKey, c.corr)
				e.closeAfterDrain(c)
				return
			}
			e.abort(c, wire.Reason(err))
			return
		}
	}

	if c.pendingLen() > 0 {
		e.flush(c)
	}
}

// apply executes one parsed command against the canvas or the connection's
// write buffer.
func (e *engine) apply(c *conn, cmd wire.Command) error {
	switch cmd.Verb {
	case wire.VerbHelp:
		c.wbuf = append(c.wbuf, wire.HelpText...)
		return e.checkWriteCap(c)
	case wire.VerbSize:
		c.wbuf = wire.AppendSize(c.wbuf, e.cfg.Canvas.Width(), e.cfg.Canvas.Height())
		return e.checkWriteCap(c)
	case wire.VerbOffset:
		c.offX, c.offY = cmd.X, cmd.Y
		return nil
	case wire.VerbGet:
		x, y, err := c.translate(cmd.X, cmd.Y)
		if err != nil {
			return err
		}
		p, err := e.cfg.Canvas.Get(x, y)
		if err != nil {
			return err
		}
		e.counters.PixelReads.Inc()
		c.wbuf = wire.AppendPixel(c.wbuf, cmd.X, cmd.Y, p.RGB())
		return e.checkWriteCap(c)
	case wire.VerbSet:
		x, y, err := c.translate(cmd.X, cmd.Y)
		if err != nil {
			return err
		}
		if cmd.Opaque {
			if err := e.cfg.Canvas.Set(x, y, cmd.Color, c.uid); err != nil {
				return err
			}
			e.counters.PixelsSet.Inc()
			return nil
		}
		if err := e.cfg.Canvas.Blend(x, y, cmd.Color, c.uid); err != nil {
			return err
		}
		e.counters.PixelsBlended.Inc()
		return nil
	default:
		return wire.ErrUnknownCommand
	}
}

func (e *engine) checkWriteCap(c *conn) error {
	if c.pendingLen() > e.cfg.WriteBufferCap {
		return errOverloaded
	}
	return nil
}

// abort writes one diagnostic line and closes the connection after draining
// its write buffer.
func (e *engine) abort(c *conn, reason string) {
	e.counters.ProtocolErrors.Inc()
	e.logger.Debug("wellenbrecher.engine.protocol_error",
		"reason", reason,
		"user", c.uid,
		svcfields.ConnKey, c.corr)
	c.wbuf = wire.AppendError(c.wbuf, reason)
	e.closeAfterDrain(c)
}

// closeAfterDrain stops reading and lets pending responses flush out until
// the drain deadline.
func (e *engine) closeAfterDrain(c *conn) {
	if c.closing {
		return
	}
	c.closing = true
	c.drainBy = e.now.Add(e.cfg.DrainTimeout)
	e.closingConns++
	c.wantWrite = true
	e.epollMod(c.fd, unix.EPOLLOUT)
	e.flush(c)
}

// flush writes as much pending output as the socket accepts. It reports
// false when the connection was destroyed.
func (e *engine) flush(c *conn) bool {
	for c.pendingLen() > 0 {
		n, err := unix.Write(c.fd, c.pending())
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			e.armWrite(c)
			return true
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			e.destroy(c)
			return false
		}
		e.counters.BytesWritten.Add(float64(n))
		c.consumed(n)
	}
	if c.closing {
		e.destroy(c)
		return false
	}
	e.disarmWrite(c)
	return true
}

func (e *engine) armWrite(c *conn) {
	if c.wantWrite {
		return
	}
	c.wantWrite = true
	if c.closing {
		e.epollMod(c.fd, unix.EPOLLOUT)
		return
	}
	e.epollMod(c.fd, unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLOUT)
}

func (e *engine) disarmWrite(c *conn) {
	if !c.wantWrite {
		return
	}
	c.wantWrite = false
	e.epollMod(c.fd, unix.EPOLLIN|unix.EPOLLRDHUP)
}

// sweep enforces idle timeouts and drain deadlines. It runs at most every
// 100ms to keep map scans off the hot path.
func (e *engine) sweep() {
	if e.closingConns == 0 && (e.cfg.IdleTimeout <= 0 || len(e.conns) == 0) {
		return
	}
	if e.now.Sub(e.lastSweep) < 100*time.Millisecond {
		return
	}
	e.lastSweep = e.now

	for _, c := range e.conns {
		switch {
		case c.closing:
			if e.now.After(c.drainBy) {
				e.destroy(c)
			}
		case e.cfg.IdleTimeout > 0 && e.now.Sub(c.lastRead) > e.cfg.IdleTimeout:
			e.logger.Debug("wellenbrecher.engine.idle_timeout",
				"user", c.uid,
				svcfields.ConnKey, c.corr)
			e.destroy(c)
		}
	}
}

// destroy closes the socket and releases every resource the connection holds.
// Each connection is destroyed exactly once; the per-IP count is released on
// every path that accounted it.
func (e *engine) destroy(c *conn) {
	if _, ok := e.conns[c.fd]; !ok {
		return
	}
	delete(e.conns, c.fd)
	if c.closing {
		e.closingConns--
	}
	_ = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	_ = unix.Close(c.fd)
	if c.accounted {
		e.cfg.Limiter.Release(c.key)
	}
	e.counters.ConnectionsClosed.Inc()
	e.logger.Debug("wellenbrecher.engine.close",
		"user", c.uid,
		svcfields.ConnKey, c.corr)
}

// cleanup force-closes everything the shard still owns. It runs on every
// exit path out of run, including panics, so a dying shard never leaks
// sockets or per-IP counts.
func (e *engine) cleanup() {
	for _, c := range e.conns {
		e.destroy(c)
	}
	e.closeFDs()
}

func (e *engine) closeFDs() {
	if e.epfd >= 0 {
		unix.Close(e.epfd)
		e.epfd = -1
	}
	if e.stopFD >= 0 {
		unix.Close(e.stopFD)
		e.stopFD = -1
	}
	if e.cfg.ListenFD >= 0 {
		unix.Close(e.cfg.ListenFD)
		e.cfg.ListenFD = -1
	}
}
