package virtio

import (
	"testing"

	"github.com/c35s/virtgpu/dma"
	"github.com/c35s/virtgpu/virtio/virtq"
)

// testQueue drives a device model through a queue in arena memory the way a
// driver would.
type testQueue struct {
	mem *dma.Arena
	drv *virtq.Queue
	dev *virtq.DeviceQueue
}

func newTestQueue(t *testing.T) *testQueue {
	t.Helper()

	const num = 8

	mem, err := dma.NewArena(0x80000000, 64*dma.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { mem.Close() })

	desc := alloc(t, mem, virtq.DescTableSize(num))
	avail := alloc(t, mem, virtq.AvailSize(num))
	used := alloc(t, mem, virtq.UsedSize(num))

	drv, err := virtq.New(num, desc.Bytes(), avail.Bytes(), used.Bytes())
	if err != nil {
		t.Fatal(err)
	}

	dev, err := virtq.NewDevice(num, desc.Bytes(), avail.Bytes(), used.Bytes(), virtq.Config{MemAt: mem.MemAt})
	if err != nil {
		t.Fatal(err)
	}

	return &testQueue{mem: mem, drv: drv, dev: dev}
}

func alloc(t *testing.T, mem *dma.Arena, size int) *dma.Mem {
	t.Helper()

	m, err := mem.Alloc(size)
	if err != nil {
		t.Fatal(err)
	}

	return m
}

// seg is one buffer of a request chain.
type seg struct {
	buf      *dma.Mem
	n        int
	writable bool
}

// run publishes a chain made of segs, lets h handle queue qn and returns the
// used element.
func (q *testQueue) run(t *testing.T, h DeviceHandler, qn int, segs ...seg) virtq.UsedElem {
	t.Helper()

	for i, s := range segs {
		d := virtq.Desc{Addr: s.buf.Addr(), Len: uint32(s.n)}
		if s.writable {
			d.Flags |= virtq.DescFWrite
		}

		if i < len(segs)-1 {
			d.Flags |= virtq.DescFNext
			d.Next = uint16(i + 1)
		}

		q.drv.SetDesc(uint16(i), d)
	}

	q.drv.Publish(0)

	if err := h.Handle(qn, q.dev); err != nil {
		t.Fatal(err)
	}

	e, ok := q.drv.Pop()
	if !ok {
		t.Fatal("nothing used")
	}

	return e
}
