package machine

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
)

// MaxIRQ bounds the interrupt line numbers.
const MaxIRQ = 64

// Interrupts is a single-CPU interrupt controller. Raised lines stay pending
// until interrupts are enabled; then their handlers run one at a time on the
// controller's own goroutine, lowest line first.
type Interrupts struct {
	mu       sync.Mutex
	enabled  bool
	pending  uint64
	handlers [MaxIRQ]func()
	closed   bool

	kick chan struct{}
	done chan struct{}
}

func newInterrupts() *Interrupts {
	c := &Interrupts{
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	go c.run()
	return c
}

// Handle installs fn as the handler for irq, replacing any previous one.
func (c *Interrupts) Handle(irq int, fn func()) {
	if irq < 0 || irq >= MaxIRQ {
		panic(fmt.Sprintf("machine: irq %d out of range", irq))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[irq] = fn
}

// Raise marks irq pending. It never blocks.
func (c *Interrupts) Raise(irq int) error {
	if irq < 0 || irq >= MaxIRQ {
		return fmt.Errorf("machine: irq %d out of range", irq)
	}

	c.mu.Lock()
	c.pending |= 1 << irq
	enabled := c.enabled
	c.mu.Unlock()

	if enabled {
		c.poke()
	}

	return nil
}

// Enable starts delivering interrupts, including any raised while disabled.
func (c *Interrupts) Enable() {
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()

	c.poke()
}

// Disable stops delivering interrupts. A handler that is already running
// finishes.
func (c *Interrupts) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.enabled = false
}

// Pending reports whether irq is raised but not yet delivered.
func (c *Interrupts) Pending(irq int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return irq >= 0 && irq < MaxIRQ && c.pending&(1<<irq) != 0
}

// Close stops the controller. Pending interrupts are dropped.
func (c *Interrupts) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.done)
	}

	return nil
}

func (c *Interrupts) poke() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Interrupts) run() {
	for {
		select {
		case <-c.done:
			return
		case <-c.kick:
			c.deliver()
		}
	}
}

func (c *Interrupts) deliver() {
	for {
		c.mu.Lock()
		if !c.enabled || c.closed || c.pending == 0 {
			c.mu.Unlock()
			return
		}

		irq := bits.TrailingZeros64(c.pending)
		c.pending &^= 1 << irq
		fn := c.handlers[irq]
		c.mu.Unlock()

		if fn == nil {
			slog.Warn("spurious interrupt", "irq", irq)
			continue
		}

		fn()
	}
}
