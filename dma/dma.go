// Package dma provides device-visible memory for virtio drivers.
//
// Memory handed out by an Arena is page aligned, zeroed and never moves, so its
// addresses can be given to a device and stay valid for the life of the arena.
package dma

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is the allocation granularity.
const PageSize = 0x1000

// Mem is a pinned region of device-visible memory.
type Mem struct {
	addr uint64
	buf  []byte
}

// Arena is a bump allocator over an anonymous mapping that plays the role of
// physical memory. Addresses start at the arena's base.
type Arena struct {
	base uint64
	mem  []byte

	mu   sync.Mutex
	next int
}

var (
	ErrSize     = errors.New("dma: invalid size")
	ErrMap      = errors.New("dma: mmap failed")
	ErrNoMemory = errors.New("dma: out of memory")
	ErrFault    = errors.New("dma: address out of range")
)

// NewArena maps size bytes of zeroed memory that appears to devices at base.
// Both base and size must be multiples of PageSize.
func NewArena(base uint64, size int) (*Arena, error) {
	if size <= 0 || size%PageSize != 0 || base%PageSize != 0 {
		return nil, fmt.Errorf("%w: base=%#x size=%#x", ErrSize, base, size)
	}

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMap, err)
	}

	return &Arena{base: base, mem: mem}, nil
}

// Alloc returns a zeroed, page-aligned region of at least size bytes.
// Regions are never freed; they live as long as the arena.
func (a *Arena) Alloc(size int) (*Mem, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrSize, size)
	}

	n := (size + PageSize - 1) &^ (PageSize - 1)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next+n > len(a.mem) {
		return nil, fmt.Errorf("%w: want %d bytes, %d free", ErrNoMemory, n, len(a.mem)-a.next)
	}

	m := &Mem{
		addr: a.base + uint64(a.next),
		buf:  a.mem[a.next : a.next+size : a.next+size],
	}

	a.next += n
	return m, nil
}

// MemAt returns the size bytes at device address addr.
func (a *Arena) MemAt(addr uint64, size int) ([]byte, error) {
	if addr < a.base || size < 0 || addr-a.base+uint64(size) > uint64(len(a.mem)) {
		return nil, fmt.Errorf("%w: %#x+%d", ErrFault, addr, size)
	}

	off := addr - a.base
	return a.mem[off : off+uint64(size)], nil
}

// Base returns the device address of the first byte of the arena.
func (a *Arena) Base() uint64 {
	return a.base
}

// Close unmaps the arena. Every Mem it handed out becomes invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil
	}

	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// Addr returns the device address of the region.
func (m *Mem) Addr() uint64 {
	return m.addr
}

// Len returns the region's length in bytes.
func (m *Mem) Len() int {
	return len(m.buf)
}

// Bytes returns a slice aliasing the region.
func (m *Mem) Bytes() []byte {
	return m.buf
}

// Words returns the region as little-endian 32-bit words.
func (m *Mem) Words() []uint32 {
	if len(m.buf) < 4 {
		return nil
	}

	return unsafe.Slice((*uint32)(unsafe.Pointer(&m.buf[0])), len(m.buf)/4)
}
