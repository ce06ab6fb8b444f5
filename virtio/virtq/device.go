package virtq

import (
	"fmt"
	"sync/atomic"
)

// Config configures the device side of a queue.
type Config struct {

	// MemAt resolves a descriptor's buffer in driver memory.
	MemAt func(addr uint64, size int) ([]byte, error)

	// Notify is called when the device has used a buffer and the driver
	// hasn't suppressed used buffer notifications.
	Notify func() error
}

// DeviceQueue is the device side of a split virtqueue.
type DeviceQueue struct {
	rings
	cfg Config

	lastAvail uint16
}

// Chain is a chain of descriptors made available by the driver.
type Chain struct {
	q    *DeviceQueue
	head uint16
	Desc []Desc
}

// NewDevice returns the device side of a split virtqueue of num entries backed by
// the given areas.
func NewDevice(num int, desc, avail, used []byte, cfg Config) (*DeviceQueue, error) {
	r, err := newRings(num, desc, avail, used)
	if err != nil {
		return nil, err
	}

	return &DeviceQueue{rings: r, cfg: cfg}, nil
}

// Next returns the next available descriptor chain or nil if no chains are
// available. A chain contains at least 1 descriptor.
func (q *DeviceQueue) Next() (*Chain, error) {
	if q.lastAvail == q.availIdx() {
		return nil, nil
	}

	head := q.ring[q.lastAvail%q.num]
	q.lastAvail++

	if head >= q.num {
		return nil, fmt.Errorf("%w: head %d >= %d", ErrChain, head, q.num)
	}

	c := &Chain{q: q, head: head}

	for i, n := head, uint16(0); ; n++ {
		if n == q.num {
			return nil, fmt.Errorf("%w: loop at head %d", ErrChain, head)
		}

		d := q.desc[i]
		if d.Flags&DescFIndirect != 0 {
			return nil, fmt.Errorf("%w: indirect descriptor %d", ErrChain, i)
		}

		c.Desc = append(c.Desc, d)

		if d.Flags&DescFNext == 0 {
			break
		}

		if d.Next >= q.num {
			return nil, fmt.Errorf("%w: next %d >= %d", ErrChain, d.Next, q.num)
		}

		i = d.Next
	}

	return c, nil
}

// Put appends an element to the used ring and notifies the driver unless it
// has suppressed notifications. Release is the usual way to call it.
func (q *DeviceQueue) Put(id uint32, n uint32) error {
	w := atomic.LoadUint32(q.used)
	idx := uint16(w >> 16)

	q.elems[idx%q.num] = UsedElem{ID: id, Len: n}

	idx++
	atomic.StoreUint32(q.used, uint32(idx)<<16|w&0xffff)

	if q.availFlags()&AvailFNoInterrupt != 0 || q.cfg.Notify == nil {
		return nil
	}

	return q.cfg.Notify()
}

// MemAt resolves driver memory that isn't described by a descriptor,
// like a GPU resource's backing pages.
func (q *DeviceQueue) MemAt(addr uint64, size int) ([]byte, error) {
	return q.cfg.MemAt(addr, size)
}

// Head returns the index of the chain's first descriptor.
func (c *Chain) Head() uint16 {
	return c.head
}

// Len returns the number of descriptors in the chain.
func (c *Chain) Len() int {
	return len(c.Desc)
}

// IsRO reports whether descriptor i is device read-only.
func (c *Chain) IsRO(i int) bool {
	return c.Desc[i].Flags&DescFWrite == 0
}

// IsWO reports whether descriptor i is device write-only.
func (c *Chain) IsWO(i int) bool {
	return c.Desc[i].Flags&DescFWrite != 0
}

// Buf returns a slice aliasing descriptor i's buffer. It panics if i is out of range.
func (c *Chain) Buf(i int) ([]byte, error) {
	d := c.Desc[i]
	return c.q.cfg.MemAt(d.Addr, int(d.Len))
}

// Release marks the chain as used, reporting bytesWritten bytes written into its
// device-writable buffers.
func (c *Chain) Release(bytesWritten int) error {
	return c.q.Put(uint32(c.head), uint32(bytesWritten))
}
