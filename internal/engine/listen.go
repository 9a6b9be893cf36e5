package engine

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Listen opens a nonblocking dual-stack TCP listener with SO_REUSEPORT set,
// so every shard can bind the same port and the kernel distributes accepts
// across them. It returns the listening fd and the actually bound port
// (relevant when port is 0).
func Listen(port, backlog int) (int, int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, fmt.Errorf("socket: %w", err)
	}

	fail := func(stage string, err error) (int, int, error) {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("%s: %w", stage, err)
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
		return fail("setsockopt IPV6_V6ONLY", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt SO_REUSEADDR", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fail("setsockopt SO_REUSEPORT", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet6{Port: port}); err != nil {
		return fail(fmt.Sprintf("bind port %d", port), err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	bound, ok := sa.(*unix.SockaddrInet6)
	if !ok {
		return fail("getsockname", fmt.Errorf("unexpected sockaddr %T", sa))
	}
	return fd, bound.Port, nil
}
