// Package canvas implements the shared-memory pixel canvas. The canvas lives
// in a file-backed, RAM-resident region that the server and external
// consumers (viewer, video source) map into their own address spaces. All
// pixel access goes through 32-bit atomic loads and stores so concurrent
// writers on different shards never tear a cell.
package canvas

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region layout constants. The header is followed by the color plane and the
// user-ID plane, both row-major W·H arrays of little-endian u32 cells.
const (
	// Magic identifies a wellenbrecher canvas region.
	Magic = "WBCV"
	// Version is bumped on incompatible layout changes.
	Version = uint32(1)
	// HeaderSize is the fixed byte offset of the color plane.
	HeaderSize = 16
)

// ErrIncompatibleCanvas reports a region whose header does not match the
// requested magic, version, or dimensions.
var ErrIncompatibleCanvas = errors.New("incompatible canvas region")

// ErrOutOfBounds reports coordinates outside the canvas.
var ErrOutOfBounds = errors.New("pixel out of bounds")

// RGBA is one pixel in R,G,B,A ascending memory order.
type RGBA struct {
	R, G, B, A uint8
}

// FromRGB builds an opaque pixel from a packed 0xrrggbb value.
func FromRGB(rgb uint32) RGBA {
	return RGBA{
		R: uint8(rgb >> 16),
		G: uint8(rgb >> 8),
		B: uint8(rgb),
		A: 0xff,
	}
}

// FromRGBA builds a pixel from a packed 0xrrggbbaa value.
func FromRGBA(rgba uint32) RGBA {
	return RGBA{
		R: uint8(rgba >> 24),
		G: uint8(rgba >> 16),
		B: uint8(rgba >> 8),
		A: uint8(rgba),
	}
}

// FromGray builds an opaque gray pixel with r = g = b = v.
func FromGray(v uint8) RGBA {
	return RGBA{R: v, G: v, B: v, A: 0xff}
}

// RGB returns the packed 0xrrggbb value, dropping alpha.
func (p RGBA) RGB() uint32 {
	return uint32(p.R)<<16 | uint32(p.G)<<8 | uint32(p.B)
}

// packed returns the cell value whose little-endian byte order is R,G,B,A.
func (p RGBA) packed() uint32 {
	return uint32(p.R) | uint32(p.G)<<8 | uint32(p.B)<<16 | uint32(p.A)<<24
}

func unpack(v uint32) RGBA {
	return RGBA{
		R: uint8(v),
		G: uint8(v >> 8),
		B: uint8(v >> 16),
		A: uint8(v >> 24),
	}
}

// Canvas is a mapped canvas region. All methods are safe for concurrent use
// from any number of goroutines and processes mapping the same region.
type Canvas struct {
	width  uint32
	height uint32
	mem    []byte
	color  []uint32
	uid    []uint32
	path   string
}

// RegionSize returns the page-aligned byte size of a region for the given
// dimensions.
func RegionSize(width, height uint32) int64 {
	raw := int64(HeaderSize) + 8*int64(width)*int64(height)
	page := int64(os.Getpagesize())
	return (raw + page - 1) &^ (page - 1)
}

// OpenOrCreate attaches to the canvas region at path, creating and zeroing it
// first when no region exists. An existing region must carry a matching
// header; otherwise ErrIncompatibleCanvas is returned.
func OpenOrCreate(path string, width, height uint32) (*Canvas, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("canvas dimensions must be nonzero, got %dx%d", width, height)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	switch {
	case err == nil:
		c, err := create(file, path, width, height)
		if err != nil {
			file.Close()
			os.Remove(path)
			return nil, err
		}
		file.Close()
		return c, nil
	case os.IsExist(err):
		return attach(path, width, height)
	default:
		return nil, fmt.Errorf("create canvas region %s: %w", path, err)
	}
}

func create(file *os.File, path string, width, height uint32) (*Canvas, error) {
	size := RegionSize(width, height)
	if err := file.Truncate(size); err != nil {
		return nil, fmt.Errorf("resize canvas region: %w", err)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap canvas region: %w", err)
	}

	copy(mem[0:4], Magic)
	binary.LittleEndian.PutUint32(mem[4:8], Version)
	binary.LittleEndian.PutUint32(mem[8:12], width)
	binary.LittleEndian.PutUint32(mem[12:16], height)

	return view(mem, path, width, height), nil
}

func attach(path string, width, height uint32) (*Canvas, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open canvas region %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat canvas region: %w", err)
	}
	if info.Size() < HeaderSize {
		return nil, fmt.Errorf("%w: region is %d bytes, smaller than the header", ErrIncompatibleCanvas, info.Size())
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap canvas region: %w", err)
	}

	hdrMagic := string(mem[0:4])
	hdrVersion := binary.LittleEndian.Uint32(mem[4:8])
	hdrWidth := binary.LittleEndian.Uint32(mem[8:12])
	hdrHeight := binary.LittleEndian.Uint32(mem[12:16])

	if hdrMagic != Magic || hdrVersion != Version {
		unix.Munmap(mem)
		return nil, fmt.Errorf("%w: magic %q version %d", ErrIncompatibleCanvas, hdrMagic, hdrVersion)
	}
	if hdrWidth != width || hdrHeight != height {
		unix.Munmap(mem)
		return nil, fmt.Errorf("%w: region is %dx%d, requested %dx%d",
			ErrIncompatibleCanvas, hdrWidth, hdrHeight, width, height)
	}
	if info.Size() < RegionSize(hdrWidth, hdrHeight) {
		unix.Munmap(mem)
		return nil, fmt.Errorf("%w: region is %d bytes, need %d",
			ErrIncompatibleCanvas, info.Size(), RegionSize(hdrWidth, hdrHeight))
	}

	return view(mem, path, hdrWidth, hdrHeight), nil
}

// Attach maps an existing region without creating one, reading the
// dimensions from the header. Used by read-only consumers and tests.
func Attach(path string) (*Canvas, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open canvas region %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat canvas region: %w", err)
	}
	if info.Size() < HeaderSize {
		return nil, fmt.Errorf("%w: region is %d bytes, smaller than the header", ErrIncompatibleCanvas, info.Size())
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap canvas region: %w", err)
	}
	if string(mem[0:4]) != Magic || binary.LittleEndian.Uint32(mem[4:8]) != Version {
		unix.Munmap(mem)
		return nil, ErrIncompatibleCanvas
	}
	width := binary.LittleEndian.Uint32(mem[8:12])
	height := binary.LittleEndian.Uint32(mem[12:16])
	if info.Size() < RegionSize(width, height) {
		unix.Munmap(mem)
		return nil, fmt.Errorf("%w: region is %d bytes, need %d",
			ErrIncompatibleCanvas, info.Size(), RegionSize(width, height))
	}
	return view(mem, path, width, height), nil
}

func view(mem []byte, path string, width, height uint32) *Canvas {
	cells := int(width) * int(height)
	base := unsafe.Pointer(&mem[HeaderSize])
	color := unsafe.Slice((*uint32)(base), cells)
	uidBase := unsafe.Pointer(&mem[HeaderSize+4*cells])
	uid := unsafe.Slice((*uint32)(uidBase), cells)
	return &Canvas{
		width:  width,
		height: height,
		mem:    mem,
		color:  color,
		uid:    uid,
		path:   path,
	}
}

// Width returns the canvas width in pixels.
func (c *Canvas) Width() uint32 { return c.width }

// Height returns the canvas height in pixels.
func (c *Canvas) Height() uint32 { return c.height }

// Path returns the file link the region was opened through.
func (c *Canvas) Path() string { return c.path }

// Size returns the mapped region size in bytes.
func (c *Canvas) Size() int64 { return int64(len(c.mem)) }

func (c *Canvas) index(x, y uint32) (int, error) {
	if x >= c.width || y >= c.height {
		return 0, fmt.Errorf("%w: (%d, %d)", ErrOutOfBounds, x, y)
	}
	return int(y)*int(c.width) + int(x), nil
}

// Set stores an opaque pixel and its writer. The color cell is stored before
// the uid cell; a reader that observes the new uid through an atomic load is
// therefore guaranteed to observe the matching color.
func (c *Canvas) Set(x, y uint32, p RGBA, uid uint32) error {
	idx, err := c.index(x, y)
	if err != nil {
		return err
	}
	p.A = 0xff
	atomic.StoreUint32(&c.color[idx], p.packed())
	atomic.StoreUint32(&c.uid[idx], uid)
	return nil
}

// Blend alpha-blends a pixel onto the canvas. Alpha 0xff degenerates to Set,
// alpha 0x00 leaves the cell untouched. The blend divides by 255 with
// round-half-up via ((t + 0x80) * 0x101) >> 16, which is exact for
// t in [0, 255*255].
func (c *Canvas) Blend(x, y uint32, p RGBA, uid uint32) error {
	switch p.A {
	case 0x00:
		_, err := c.index(x, y)
		return err
	case 0xff:
		return c.Set(x, y, p, uid)
	}

	idx, err := c.index(x, y)
	if err != nil {
		return err
	}
	dst := unpack(atomic.LoadUint32(&c.color[idx]))
	a := uint32(p.A)
	na := 255 - a
	out := RGBA{
		R: div255(a*uint32(p.R) + na*uint32(dst.R)),
		G: div255(a*uint32(p.G) + na*uint32(dst.G)),
		B: div255(a*uint32(p.B) + na*uint32(dst.B)),
		A: 0xff,
	}
	atomic.StoreUint32(&c.color[idx], out.packed())
	atomic.StoreUint32(&c.uid[idx], uid)
	return nil
}

func div255(t uint32) uint8 {
	return uint8(((t + 0x80) * 0x101) >> 16)
}

// Get returns the pixel at (x, y).
func (c *Canvas) Get(x, y uint32) (RGBA, error) {
	idx, err := c.index(x, y)
	if err != nil {
		return RGBA{}, err
	}
	return unpack(atomic.LoadUint32(&c.color[idx])), nil
}

// UserID returns the ID of the last writer of (x, y); 0 means never written.
func (c *Canvas) UserID(x, y uint32) (uint32, error) {
	idx, err := c.index(x, y)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(&c.uid[idx]), nil
}

// Close unmaps the region. The region itself stays alive until unlinked.
func (c *Canvas) Close() error {
	if c.mem == nil {
		return nil
	}
	mem := c.mem
	c.mem, c.color, c.uid = nil, nil, nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap canvas region: %w", err)
	}
	return nil
}

// Unlink removes the region's file link. Mapped consumers keep their view;
// the memory is freed once the last mapping goes away.
func Unlink(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("unlink canvas region %s: %w", path, err)
	}
	return nil
}
