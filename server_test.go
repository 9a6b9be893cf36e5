package wellenbrecher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/bits0rcerer/wellenbrecher/internal/canvas"
)

func startServer(t *testing.T, mut func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		Width:          4,
		Height:         4,
		Port:           0,
		Threads:        2,
		CanvasFileLink: filepath.Join(t.TempDir(), "canvas"),
	}
	if mut != nil {
		mut(&cfg)
	}
	srv, err := NewServer(cfg, WithLogger(pslog.NoopLogger()))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go srv.Start()
	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not become ready")
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, srv *Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(t *testing.T, s string) {
	t.Helper()
	if _, err := io.WriteString(c.conn, s); err != nil {
		t.Fatalf("send %q: %v", s, err)
	}
}

func (c *client) readLine(t *testing.T) string {
	t.Helper()
	line, err := c.r.ReadString('\n')
	if err != nil {
		t.Fatalf("read line: %v (got %q)", err, line)
	}
	return line
}

func (c *client) expectEOF(t *testing.T) {
	t.Helper()
	if _, err := c.r.ReadByte(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestSizeCommand(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	c.send(t, "SIZE\n")
	if got := c.readLine(t); got != "SIZE 4 4\n" {
		t.Fatalf("SIZE response = %q", got)
	}
}

func TestHelpCommand(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	c.send(t, "HELP\n")
	if got := c.readLine(t); !strings.Contains(got, "Pixelflut") {
		t.Fatalf("HELP banner = %q", got)
	}
}

func TestPixelWriteReadRoundTrip(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	c.send(t, "PX 1 2 ff00aa\nPX 1 2\n")
	if got := c.readLine(t); got != "PX 1 2 ff00aa\n" {
		t.Fatalf("read-back = %q", got)
	}

	// The write must also land in the shared region exactly as §layout says.
	view, err := canvas.Attach(srv.cfg.CanvasFileLink)
	if err != nil {
		t.Fatalf("attach region: %v", err)
	}
	defer view.Close()
	p, err := view.Get(1, 2)
	if err != nil {
		t.Fatalf("region Get: %v", err)
	}
	if p != (canvas.RGBA{R: 0xff, G: 0x00, B: 0xaa, A: 0xff}) {
		t.Fatalf("region pixel = %+v", p)
	}
	uid, err := view.UserID(1, 2)
	if err != nil {
		t.Fatalf("region UserID: %v", err)
	}
	if uid == 0 {
		t.Fatalf("region uid = 0, want the writer's user ID")
	}
}

func TestPixelVisibleFromOtherConnection(t *testing.T) {
	srv := startServer(t, nil)
	writer := dial(t, srv)
	writer.send(t, "PX 3 3 123456\nSIZE\n")
	writer.readLine(t) // SIZE ack orders the write before the peer read

	reader := dial(t, srv)
	reader.send(t, "PX 3 3\n")
	if got := reader.readLine(t); got != "PX 3 3 123456\n" {
		t.Fatalf("cross-connection read = %q", got)
	}
}

func TestGrayPixel(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	c.send(t, "PX 0 0 80\nPX 0 0\n")
	if got := c.readLine(t); got != "PX 0 0 808080\n" {
		t.Fatalf("gray read-back = %q", got)
	}
}

func TestAlphaBlendOnZeroPixel(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	c.send(t, "PX 0 0 ff000080\nPX 0 0\n")
	if got := c.readLine(t); got != "PX 0 0 800000\n" {
		t.Fatalf("blend read-back = %q", got)
	}
}

func TestOpaqueAlphaEqualsPlainWrite(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	c.send(t, "PX 1 1 11aaeeff\nPX 1 1\n")
	if got := c.readLine(t); got != "PX 1 1 11aaee\n" {
		t.Fatalf("alpha-ff read-back = %q", got)
	}
}

func TestZeroAlphaLeavesPixelUnchanged(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	c.send(t, "PX 2 2 aabbcc\nPX 2 2 ffffff00\nPX 2 2\n")
	if got := c.readLine(t); got != "PX 2 2 aabbcc\n" {
		t.Fatalf("alpha-00 read-back = %q", got)
	}
}

func TestOffsetAppliesToFollowingCommands(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	c.send(t, "OFFSET 1 1\nPX 0 0 112233\nPX 0 0\n")
	// Responses echo the client-supplied coordinates.
	if got := c.readLine(t); got != "PX 0 0 112233\n" {
		t.Fatalf("offset read-back = %q", got)
	}

	other := dial(t, srv)
	other.send(t, "PX 1 1\n")
	if got := other.readLine(t); got != "PX 1 1 112233\n" {
		t.Fatalf("pixel landed at %q", got)
	}
}

func TestOutOfBoundsWriteClosesConnection(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	c.send(t, "PX 4 0 ff0000\n")
	if got := c.readLine(t); !strings.HasPrefix(got, "ERROR ") {
		t.Fatalf("out-of-bounds response = %q", got)
	}
	c.expectEOF(t)

	// The canvas stays untouched.
	view, err := canvas.Attach(srv.cfg.CanvasFileLink)
	if err != nil {
		t.Fatalf("attach region: %v", err)
	}
	defer view.Close()
	for x := uint32(0); x < 4; x++ {
		for y := uint32(0); y < 4; y++ {
			if p, _ := view.Get(x, y); p != (canvas.RGBA{}) {
				t.Fatalf("pixel (%d, %d) = %+v after rejected write", x, y, p)
			}
		}
	}
}

func TestUnknownCommandClosesConnection(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	c.send(t, "FLOOD 0 0\n")
	if got := c.readLine(t); !strings.HasPrefix(got, "ERROR ") {
		t.Fatalf("unknown command response = %q", got)
	}
	c.expectEOF(t)
}

func TestLineTooLongClosesWithoutDiagnostic(t *testing.T) {
	srv := startServer(t, func(cfg *Config) {
		cfg.ConnectionBuffer = 64
	})
	c := dial(t, srv)
	c.send(t, strings.Repeat("9", 256))
	// The server may close with bytes still unread, so the client can see
	// either a clean EOF or a reset.
	if _, err := c.r.ReadByte(); err == nil {
		t.Fatalf("connection still open after oversized line")
	}
}

func TestByteWiseChunkingMatchesBulkSend(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	for _, b := range []byte("PX 1 2 ff00aa\nPX 1 2\n") {
		c.send(t, string(b))
	}
	if got := c.readLine(t); got != "PX 1 2 ff00aa\n" {
		t.Fatalf("chunked read-back = %q", got)
	}
}

func TestPerIPConnectionLimit(t *testing.T) {
	srv := startServer(t, func(cfg *Config) {
		cfg.ConnectionsPerIP = 2
	})

	first := dial(t, srv)
	first.send(t, "SIZE\n")
	first.readLine(t)
	second := dial(t, srv)
	second.send(t, "SIZE\n")
	second.readLine(t)

	third := dial(t, srv)
	if got := third.readLine(t); got != "ERROR connection limit\n" {
		t.Fatalf("over-limit response = %q", got)
	}
	third.expectEOF(t)

	// Dropping one connection frees a slot; the release happens when the
	// server notices the close, so poll briefly.
	first.conn.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		replacement, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
		if err != nil {
			t.Fatalf("dial replacement: %v", err)
		}
		replacement.SetDeadline(time.Now().Add(5 * time.Second))
		if _, err := io.WriteString(replacement, "SIZE\n"); err == nil {
			line, err := bufio.NewReader(replacement).ReadString('\n')
			if err == nil && line == "SIZE 4 4\n" {
				replacement.Close()
				return
			}
		}
		replacement.Close()
		if time.Now().After(deadline) {
			t.Fatalf("slot was not released after closing a connection")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestUserIDTrackingPerConnection(t *testing.T) {
	srv := startServer(t, nil)

	a := dial(t, srv)
	a.send(t, "PX 0 0 ff0000\nSIZE\n")
	a.readLine(t)
	b := dial(t, srv)
	b.send(t, "PX 1 0 00ff00\nSIZE\n")
	b.readLine(t)

	view, err := canvas.Attach(srv.cfg.CanvasFileLink)
	if err != nil {
		t.Fatalf("attach region: %v", err)
	}
	defer view.Close()

	uidA, _ := view.UserID(0, 0)
	uidB, _ := view.UserID(1, 0)
	if uidA == 0 || uidB == 0 {
		t.Fatalf("uids = %d, %d; want nonzero", uidA, uidB)
	}
	if uidA == uidB {
		t.Fatalf("distinct connections share user ID %d", uidA)
	}
}

func TestGracefulShutdownDrainsEverything(t *testing.T) {
	srv := startServer(t, func(cfg *Config) {
		cfg.ConnectionsPerIP = 8
	})

	clients := make([]*client, 3)
	for i := range clients {
		clients[i] = dial(t, srv)
		clients[i].send(t, "SIZE\n")
		clients[i].readLine(t)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for i, c := range clients {
		c.conn.SetDeadline(time.Now().Add(2 * time.Second))
		if _, err := c.r.ReadByte(); !errors.Is(err, io.EOF) {
			t.Fatalf("client %d still open after shutdown: %v", i, err)
		}
	}
	if n := srv.limiter.Entries(); n != 0 {
		t.Fatalf("per-IP table entries after shutdown = %d, want 0", n)
	}
}

func TestIdleTimeoutClosesSilentConnections(t *testing.T) {
	srv := startServer(t, func(cfg *Config) {
		cfg.IdleTimeout = 300 * time.Millisecond
	})
	c := dial(t, srv)
	c.conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.r.ReadByte(); !errors.Is(err, io.EOF) {
		t.Fatalf("idle connection not closed: %v", err)
	}
}

func TestIncompatibleCanvasAbortsStartup(t *testing.T) {
	link := filepath.Join(t.TempDir(), "canvas")
	first, err := canvas.OpenOrCreate(link, 8, 8)
	if err != nil {
		t.Fatalf("seed canvas: %v", err)
	}
	defer first.Close()

	_, err = NewServer(Config{
		Width:          4,
		Height:         4,
		Threads:        1,
		CanvasFileLink: link,
	}, WithLogger(pslog.NoopLogger()))
	if !errors.Is(err, canvas.ErrIncompatibleCanvas) {
		t.Fatalf("NewServer error = %v, want ErrIncompatibleCanvas", err)
	}
}

func TestNextUserIDSkipsZeroOnWrap(t *testing.T) {
	srv := &Server{}
	srv.userIDs.Store(0xffffffff - 1)
	if id := srv.nextUserID(); id != 0xffffffff {
		t.Fatalf("id = %d", id)
	}
	if id := srv.nextUserID(); id != 1 {
		t.Fatalf("id after wrap = %d, want 1 (0 reserved)", id)
	}
}
