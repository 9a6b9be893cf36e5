package engine

import (
	"errors"
	"net"
	"strconv"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/bits0rcerer/wellenbrecher/internal/canvas"
)

func TestListenBindsEphemeralPort(t *testing.T) {
	fd, port, err := Listen(0, 16)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer unix.Close(fd)
	if port == 0 {
		t.Fatalf("bound port = 0")
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial bound port: %v", err)
	}
	conn.Close()
}

func TestListenSharesPortAcrossShards(t *testing.T) {
	fd1, port, err := Listen(0, 16)
	if err != nil {
		t.Fatalf("first Listen: %v", err)
	}
	defer unix.Close(fd1)

	fd2, port2, err := Listen(port, 16)
	if err != nil {
		t.Fatalf("second Listen on same port: %v", err)
	}
	defer unix.Close(fd2)
	if port2 != port {
		t.Fatalf("second listener bound %d, want %d", port2, port)
	}
}

func TestAddrFromSockaddr(t *testing.T) {
	v4 := addrFromSockaddr(&unix.SockaddrInet4{Addr: [4]byte{203, 0, 113, 7}})
	if v4.String() != "203.0.113.7" {
		t.Fatalf("v4 addr = %s", v4)
	}

	mapped := addrFromSockaddr(&unix.SockaddrInet6{
		Addr: [16]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 203, 0, 113, 7},
	})
	if mapped.String() != "203.0.113.7" {
		t.Fatalf("mapped addr = %s, want unmapped v4", mapped)
	}
}

func TestTranslateRejectsOverflow(t *testing.T) {
	c := &conn{offX: 0xffffffff, offY: 0}
	if _, _, err := c.translate(1, 0); !errors.Is(err, canvas.ErrOutOfBounds) {
		t.Fatalf("overflowing translate error = %v, want ErrOutOfBounds", err)
	}

	c = &conn{offX: 10, offY: 20}
	x, y, err := c.translate(5, 5)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if x != 15 || y != 25 {
		t.Fatalf("translate = (%d, %d), want (15, 25)", x, y)
	}
}
