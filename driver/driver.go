// Package driver implements a virtio-gpu driver for the virtio-mmio transport.
//
// The driver brings the device up once, from code that runs before any
// scheduler exists, and then serves transfer and flush requests from process
// context. It keeps a single command in flight on the control queue. Bring-up
// waits for each completion by spinning with interrupts briefly enabled;
// process-context requests sleep on a condition that the interrupt handler
// signals.
package driver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c35s/virtgpu/dma"
	"github.com/c35s/virtgpu/virtio/gpu"
	"github.com/c35s/virtgpu/virtio/mmio"
	"github.com/c35s/virtgpu/virtio/virtq"
)

// Config describes a driver instance.
type Config struct {

	// Slots are the candidate virtio-mmio register blocks in probe order.
	Slots []mmio.Regs

	// GPUSlot is the index in Slots where the GPU is expected.
	GPUSlot int

	// Mem allocates pinned device-visible memory for the rings, the command
	// buffers and the framebuffer.
	Mem Allocator

	// Interrupts opens and closes the interrupt window used while
	// spin-waiting during bring-up.
	Interrupts Interrupts

	// Width and Height are the framebuffer size in pixels.
	// If zero, the framebuffer is 320x200.
	Width  uint32
	Height uint32

	// ResourceID names the device-side 2D resource. If zero, it's 666.
	ResourceID uint32

	// QueueSize is the number of control queue entries. It must be a power of 2.
	// If zero, the queue has 8 entries.
	QueueSize int

	// Logger receives driver diagnostics. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Halt, if set, is called once with the first fatal fault. It must not
	// call back into the Device.
	Halt func(err error)
}

// Allocator supplies zeroed, page-aligned memory that never moves.
type Allocator interface {
	Alloc(size int) (*dma.Mem, error)
}

// Interrupts enables and disables interrupt delivery on the calling CPU.
type Interrupts interface {
	Enable()
	Disable()
}

// Device is a virtio-gpu device and everything the driver keeps for it.
type Device struct {
	cfg  Config
	regs mmio.Regs
	log  *slog.Logger

	// mu guards the rings, the response slot, the fault and the framebuffer
	// holder. The interrupt handler takes it too.
	mu      sync.Mutex
	idle    *sync.Cond
	state   State
	q       *virtq.Queue
	req     *dma.Mem
	resp    *dma.Mem
	fb      *dma.Mem
	pending uint32 // type of the in-flight command
	holder  PID
	fault   error
	up      bool // bring-up finished; process-context submits allowed

	inflight atomic.Bool
	faulted  atomic.Bool
}

const (
	DefaultWidth      = 320
	DefaultHeight     = 200
	DefaultResourceID = 666
	DefaultQueueSize  = 8
)

const (
	controlQ = 0 // queue 1, the cursor queue, is never used
	scanout  = 0

	// responseSentinel marks a response slot the device hasn't written yet.
	responseSentinel = 42

	reqSize = 256
)

var le = binary.LittleEndian

var (
	ErrConfig      = errors.New("driver: invalid config")
	ErrAlloc       = errors.New("driver: memory allocation failed")
	ErrInitialized = errors.New("driver: device already initialized")
	ErrNotReady    = errors.New("driver: display is not up")
)

// New returns a driver for the device described by cfg. It allocates the
// framebuffer and command buffers but doesn't touch the device; call Init
// to bring it up.
func New(cfg Config) (*Device, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	d := &Device{
		cfg:    cfg,
		regs:   cfg.Slots[cfg.GPUSlot],
		log:    cfg.Logger,
		holder: Unlocked,
	}

	d.idle = sync.NewCond(&d.mu)

	var err error

	if d.fb, err = cfg.Mem.Alloc(int(cfg.Width * cfg.Height * gpu.BytesPerPixel)); err != nil {
		return nil, fmt.Errorf("%w: framebuffer: %w", ErrAlloc, err)
	}

	if d.req, err = cfg.Mem.Alloc(reqSize); err != nil {
		return nil, fmt.Errorf("%w: request buffer: %w", ErrAlloc, err)
	}

	if d.resp, err = cfg.Mem.Alloc(gpu.SizeCtrlHdr); err != nil {
		return nil, fmt.Errorf("%w: response buffer: %w", ErrAlloc, err)
	}

	return d, nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Width == 0 || cfg.Height == 0 {
		cfg.Width = DefaultWidth
		cfg.Height = DefaultHeight
	}

	if cfg.ResourceID == 0 {
		cfg.ResourceID = DefaultResourceID
	}

	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

func (cfg Config) validate() error {
	if len(cfg.Slots) == 0 {
		return errors.New("no slots")
	}

	if cfg.GPUSlot < 0 || cfg.GPUSlot >= len(cfg.Slots) {
		return fmt.Errorf("gpu slot %d out of range [0, %d)", cfg.GPUSlot, len(cfg.Slots))
	}

	if cfg.Mem == nil {
		return errors.New("no allocator")
	}

	if cfg.Interrupts == nil {
		return errors.New("no interrupt control")
	}

	if n := cfg.QueueSize; n < 2 || n > virtq.MaxSize || n&(n-1) != 0 {
		return fmt.Errorf("queue size %d is not a power of 2 in [2, %d]", n, virtq.MaxSize)
	}

	return nil
}

// Width returns the framebuffer width in pixels.
func (d *Device) Width() int {
	return int(d.cfg.Width)
}

// Height returns the framebuffer height in pixels.
func (d *Device) Height() int {
	return int(d.cfg.Height)
}

// Pixels returns the framebuffer as B8G8R8A8 pixels in row-major order. The
// slice aliases the memory the device reads on every transfer.
func (d *Device) Pixels() []uint32 {
	return d.fb.Words()
}

// State returns the handshake state the device has reached.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

// Err returns the fatal fault that stopped the device, if any.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.failed()
}
