// Package machine assembles a simulated platform for the virtio-gpu driver:
// device-visible memory, a row of virtio-mmio slots backed by software
// devices, and an interrupt controller that routes their IRQ lines.
package machine

import (
	"errors"
	"fmt"

	"github.com/c35s/virtgpu/dma"
	"github.com/c35s/virtgpu/virtio"
	"github.com/c35s/virtgpu/virtio/mmio"
)

// Config describes a new machine.
type Config struct {

	// MemSize is the size of device-visible memory in bytes.
	// It must be a multiple of dma.PageSize.
	// If MemSize is 0, the machine will have 16M of memory.
	MemSize int

	// MemBase is the address of the first byte of memory.
	// If MemBase is 0, memory starts at 0x80000000.
	MemBase uint64

	// MMIOBase is the address of the first virtio-mmio slot.
	// If MMIOBase is 0, the first slot is at 0x10001000.
	MMIOBase uint64

	// FirstIRQ is the interrupt line of the first slot. Slot i uses FirstIRQ+i.
	// If FirstIRQ is 0, the first slot uses IRQ 1.
	FirstIRQ int

	// Devices populate the slots in order. A nil device leaves its slot empty.
	Devices []virtio.DeviceHandler
}

type Machine struct {
	mem   *dma.Arena
	bus   *mmio.Bus
	irq   *Interrupts
	slots []mmio.Regs
}

const (
	MemSizeMin     = 1 << 20  // 1M
	MemSizeDefault = 16 << 20 // 16M
	MemSizeMax     = 1 << 32  // 4G

	MemBaseDefault  = 0x80000000
	MMIOBaseDefault = 0x10001000
	FirstIRQDefault = 1
)

var (
	ErrConfig      = errors.New("machine: invalid config")
	ErrAllocMemory = errors.New("machine: memory allocation failed")
)

// New creates a new machine. Its devices start serving their queues as soon
// as a driver makes them ready.
func New(cfg Config) (*Machine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	mem, err := dma.NewArena(cfg.MemBase, cfg.MemSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocMemory, err)
	}

	m := &Machine{
		mem: mem,
		irq: newInterrupts(),
	}

	m.bus = mmio.NewBus(cfg.MMIOBase, cfg.FirstIRQ, cfg.Devices, mem.MemAt, m.irq.Raise)

	for _, info := range m.bus.Devices() {
		m.slots = append(m.slots, m.bus.Regs(info.Addr))
	}

	return m, nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MemSize == 0 {
		cfg.MemSize = MemSizeDefault
	}

	if cfg.MemBase == 0 {
		cfg.MemBase = MemBaseDefault
	}

	if cfg.MMIOBase == 0 {
		cfg.MMIOBase = MMIOBaseDefault
	}

	if cfg.FirstIRQ == 0 {
		cfg.FirstIRQ = FirstIRQDefault
	}

	return cfg
}

func (cfg Config) validate() error {
	if cfg.MemSize < MemSizeMin {
		return errors.New("mem size < min")
	}

	if cfg.MemSize > MemSizeMax {
		return errors.New("mem size > max")
	}

	if cfg.MemSize%dma.PageSize != 0 {
		return errors.New("mem size is not page-aligned")
	}

	if cfg.MMIOBase%mmio.SlotSize != 0 {
		return errors.New("mmio base is not slot-aligned")
	}

	if cfg.FirstIRQ < 0 || cfg.FirstIRQ+len(cfg.Devices) > MaxIRQ {
		return fmt.Errorf("irq lines %d..%d out of range", cfg.FirstIRQ, cfg.FirstIRQ+len(cfg.Devices)-1)
	}

	return nil
}

// Slots returns the register block of every slot in address order.
func (m *Machine) Slots() []mmio.Regs {
	return m.slots
}

// Devices describes the installed slots.
func (m *Machine) Devices() []mmio.DeviceInfo {
	return m.bus.Devices()
}

// Mem returns the machine's device-visible memory.
func (m *Machine) Mem() *dma.Arena {
	return m.mem
}

// Interrupts returns the machine's interrupt controller.
func (m *Machine) Interrupts() *Interrupts {
	return m.irq
}

// Close stops the devices and the interrupt controller and frees memory.
// Nothing may use the machine afterwards.
func (m *Machine) Close() error {
	return errors.Join(m.bus.Close(), m.irq.Close(), m.mem.Close())
}
