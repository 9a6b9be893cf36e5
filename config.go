package wellenbrecher

import (
	"fmt"
	"net"
	"runtime"
	"time"
)

const (
	// DefaultWidth is the canvas width when no region exists yet.
	DefaultWidth = 1280
	// DefaultHeight is the canvas height when no region exists yet.
	DefaultHeight = 720
	// DefaultPort is the TCP port the server listens on.
	DefaultPort = 1337
	// DefaultCanvasFileLink is the file link of the shared canvas region.
	DefaultCanvasFileLink = "/tmp/wellenbrecher-canvas"
	// DefaultConnectionBuffer is the per-connection read buffer size; it
	// bounds the maximum command line length.
	DefaultConnectionBuffer = 64 * 1024
	// DefaultWriteBufferCap closes a connection as overloaded once its
	// pending responses exceed this many bytes.
	DefaultWriteBufferCap = 64 * 1024
	// DefaultTCPAcceptBacklog is the listen backlog per shard.
	DefaultTCPAcceptBacklog = 128
	// DefaultEventQueueDepth is the number of epoll events retrieved per
	// wait, i.e. the batch size of one completion burst.
	DefaultEventQueueDepth = 1024
	// DefaultDrainTimeout bounds how long pending writes may flush once a
	// close was decided, including during shutdown.
	DefaultDrainTimeout = 2 * time.Second
	// DefaultMetricsListen is the Prometheus scrape endpoint. Empty
	// disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultIPv4Mask matches the full client address.
	DefaultIPv4Mask = "255.255.255.255"
	// DefaultIPv6Mask groups clients per /64.
	DefaultIPv6Mask = "ffff:ffff:ffff:ffff::"
)

// Config carries the full server configuration. The zero value is not
// usable; Validate fills defaults and normalizes.
type Config struct {
	// Width and Height size the canvas when a fresh region is created. An
	// existing region must match them.
	Width  uint32
	Height uint32
	// Port is the TCP listen port; 0 picks an ephemeral port.
	Port int
	// Threads is the number of worker shards; 0 means one per logical CPU.
	Threads int
	// ConnectionsPerIP caps concurrent connections per masked client
	// address; 0 means unlimited.
	ConnectionsPerIP uint32
	// CanvasFileLink is the filesystem link of the shared canvas region.
	CanvasFileLink string
	// ConnectionBuffer is the per-connection read buffer size in bytes.
	ConnectionBuffer int
	// WriteBufferCap is the pending-response cap per connection in bytes.
	WriteBufferCap int
	// TCPAcceptBacklog is the listen backlog per shard listener.
	TCPAcceptBacklog int
	// EventQueueDepth is the epoll burst size per shard.
	EventQueueDepth int
	// IdleTimeout closes connections without read activity for this long;
	// 0 disables it.
	IdleTimeout time.Duration
	// DrainTimeout bounds write flushing on close paths.
	DrainTimeout time.Duration
	// MetricsListen is the Prometheus scrape address; empty disables the
	// endpoint.
	MetricsListen string
	// IPv4Mask and IPv6Mask select the address bits identifying a player
	// for per-IP accounting, in dotted/colon mask notation.
	IPv4Mask string
	// IPv6Mask see IPv4Mask.
	IPv6Mask string
}

// Validate normalizes cfg in place, filling defaults and rejecting
// impossible values.
func (cfg *Config) Validate() error {
	if cfg.Width == 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height == 0 {
		cfg.Height = DefaultHeight
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.Threads < 0 {
		return fmt.Errorf("invalid thread count %d", cfg.Threads)
	}
	if cfg.Threads == 0 {
		cfg.Threads = runtime.NumCPU()
	}
	if cfg.CanvasFileLink == "" {
		cfg.CanvasFileLink = DefaultCanvasFileLink
	}
	if cfg.ConnectionBuffer == 0 {
		cfg.ConnectionBuffer = DefaultConnectionBuffer
	}
	if cfg.ConnectionBuffer < 64 {
		return fmt.Errorf("connection buffer %d is too small to hold a command line", cfg.ConnectionBuffer)
	}
	if cfg.WriteBufferCap == 0 {
		cfg.WriteBufferCap = DefaultWriteBufferCap
	}
	if cfg.TCPAcceptBacklog == 0 {
		cfg.TCPAcceptBacklog = DefaultTCPAcceptBacklog
	}
	if cfg.EventQueueDepth == 0 {
		cfg.EventQueueDepth = DefaultEventQueueDepth
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.IdleTimeout < 0 {
		return fmt.Errorf("invalid idle timeout %v", cfg.IdleTimeout)
	}
	if cfg.IPv4Mask == "" {
		cfg.IPv4Mask = DefaultIPv4Mask
	}
	if cfg.IPv6Mask == "" {
		cfg.IPv6Mask = DefaultIPv6Mask
	}
	if _, err := cfg.ipv4Mask(); err != nil {
		return err
	}
	if _, err := cfg.ipv6Mask(); err != nil {
		return err
	}
	return nil
}

func (cfg *Config) ipv4Mask() ([4]byte, error) {
	ip := net.ParseIP(cfg.IPv4Mask)
	if ip == nil || ip.To4() == nil {
		return [4]byte{}, fmt.Errorf("invalid ipv4 mask %q", cfg.IPv4Mask)
	}
	var mask [4]byte
	copy(mask[:], ip.To4())
	return mask, nil
}

func (cfg *Config) ipv6Mask() ([16]byte, error) {
	ip := net.ParseIP(cfg.IPv6Mask)
	if ip == nil || ip.To4() != nil {
		return [16]byte{}, fmt.Errorf("invalid ipv6 mask %q", cfg.IPv6Mask)
	}
	var mask [16]byte
	copy(mask[:], ip.To16())
	return mask, nil
}
