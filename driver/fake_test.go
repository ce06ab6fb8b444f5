package driver

import (
	"sync"
	"testing"

	"github.com/c35s/virtgpu/dma"
	"github.com/c35s/virtgpu/virtio"
	"github.com/c35s/virtgpu/virtio/gpu"
	"github.com/c35s/virtgpu/virtio/mmio"
	"github.com/c35s/virtgpu/virtio/virtq"
)

// fakeGPU is a scripted virtio-gpu register block. It completes each
// notified command synchronously and raises its interrupt through intr.
type fakeGPU struct {
	mem  *dma.Arena
	intr *testIntr

	magic   uint32
	version uint32
	id      uint32
	numMax  uint32

	readyAtStart   bool // queue 0 reports ready before setup
	rejectFeatures bool // the device clears FEATURES_OK

	// reply, if set, picks the used id and response type for a command.
	reply func(cmd uint32) (id, code uint32)

	mu        sync.Mutex
	status    uint32
	statusLog []uint32
	qnum      uint32
	desc      uint64
	driver    uint64
	device    uint64
	ready     uint32
	intStatus uint32
	vq        *virtq.DeviceQueue
	cmds      []uint32
}

func newFakeGPU(mem *dma.Arena, intr *testIntr) *fakeGPU {
	return &fakeGPU{
		mem:     mem,
		intr:    intr,
		magic:   virtio.MagicValue,
		version: virtio.Version,
		id:      uint32(virtio.GPUDeviceID),
		numMax:  64,
	}
}

func (f *fakeGPU) Read(off int) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch off {
	case mmio.RegMagicValue:
		return f.magic
	case mmio.RegVersion:
		return f.version
	case mmio.RegDeviceID:
		return f.id
	case mmio.RegDeviceFeatures:
		return gpu.FEDID
	case mmio.RegQueueNumMax:
		return f.numMax
	case mmio.RegQueueReady:
		if f.readyAtStart {
			return 1
		}
		return f.ready
	case mmio.RegStatus:
		return f.status
	case mmio.RegInterruptStatus:
		return f.intStatus
	case mmio.RegDeviceConfigStart + gpu.OffsetNumScanouts:
		return 1
	}

	return 0
}

func (f *fakeGPU) Write(off int, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch off {
	case mmio.RegStatus:
		if f.rejectFeatures {
			v &^= virtio.StatusFeaturesOK
		}
		f.status = v
		f.statusLog = append(f.statusLog, v)

	case mmio.RegQueueNum:
		f.qnum = v
	case mmio.RegQueueDescLow:
		f.desc = f.desc&^0xffffffff | uint64(v)
	case mmio.RegQueueDescHigh:
		f.desc = f.desc&0xffffffff | uint64(v)<<32
	case mmio.RegQueueDriverLow:
		f.driver = f.driver&^0xffffffff | uint64(v)
	case mmio.RegQueueDriverHigh:
		f.driver = f.driver&0xffffffff | uint64(v)<<32
	case mmio.RegQueueDeviceLow:
		f.device = f.device&^0xffffffff | uint64(v)
	case mmio.RegQueueDeviceHigh:
		f.device = f.device&0xffffffff | uint64(v)<<32

	case mmio.RegQueueReady:
		f.ready = v
		f.makeQueue()

	case mmio.RegQueueNotify:
		f.serve()

	case mmio.RegInterruptAck:
		f.intStatus &^= v
	}
}

func (f *fakeGPU) makeQueue() {
	n := int(f.qnum)

	desc, err1 := f.mem.MemAt(f.desc, virtq.DescTableSize(n))
	avail, err2 := f.mem.MemAt(f.driver, virtq.AvailSize(n))
	used, err3 := f.mem.MemAt(f.device, virtq.UsedSize(n))
	if err1 != nil || err2 != nil || err3 != nil {
		panic("fake gpu: bad queue address")
	}

	vq, err := virtq.NewDevice(n, desc, avail, used, virtq.Config{
		MemAt: f.mem.MemAt,
		Notify: func() error {
			f.intStatus |= virtio.IntUsedBuffer
			f.intr.Raise()
			return nil
		},
	})

	if err != nil {
		panic(err)
	}

	f.vq = vq
}

func (f *fakeGPU) serve() {
	for {
		c, err := f.vq.Next()
		if err != nil {
			panic(err)
		}

		if c == nil {
			return
		}

		req, _ := c.Buf(0)
		resp, _ := c.Buf(1)

		cmd := gpu.Type(req)
		f.cmds = append(f.cmds, cmd)

		id, code := uint32(c.Head()), uint32(gpu.RespOKNoData)
		if f.reply != nil {
			id, code = f.reply(cmd)
		}

		le.PutUint32(resp, code)
		if err := f.vq.Put(id, gpu.SizeCtrlHdr); err != nil {
			panic(err)
		}
	}
}

func (f *fakeGPU) setReply(fn func(cmd uint32) (id, code uint32)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reply = fn
}

func (f *fakeGPU) commands() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]uint32(nil), f.cmds...)
}

func (f *fakeGPU) statuses() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]uint32(nil), f.statusLog...)
}

// testIntr delivers raised interrupts to handler on a new goroutine while
// enabled and holds one pending interrupt while disabled.
type testIntr struct {
	handler  func()
	onEnable func() // called on Enable before a pending interrupt is delivered

	mu      sync.Mutex
	enabled bool
	pending bool
	enables int
}

func (i *testIntr) Enable() {
	i.mu.Lock()
	i.enabled = true
	i.enables++
	p := i.pending
	i.pending = false
	hook := i.onEnable
	i.mu.Unlock()

	if hook != nil {
		hook()
	}

	if p {
		go i.handler()
	}
}

func (i *testIntr) Disable() {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.enabled = false
}

func (i *testIntr) Raise() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.enabled {
		i.pending = true
		return
	}

	go i.handler()
}

// countingAlloc counts successful allocations.
type countingAlloc struct {
	*dma.Arena

	mu sync.Mutex
	n  int
}

func (a *countingAlloc) Alloc(size int) (*dma.Mem, error) {
	m, err := a.Arena.Alloc(size)
	if err == nil {
		a.mu.Lock()
		a.n++
		a.mu.Unlock()
	}

	return m, err
}

func (a *countingAlloc) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.n
}

type rig struct {
	d     *Device
	f     *fakeGPU
	intr  *testIntr
	alloc *countingAlloc
	halts []error
}

// newRig returns an uninitialized driver wired to a fake GPU in slot 0.
// setup, if set, adjusts the fake before the driver is created.
func newRig(t *testing.T, setup func(f *fakeGPU)) *rig {
	t.Helper()

	mem, err := dma.NewArena(0x80000000, 64*dma.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { mem.Close() })

	r := &rig{
		intr:  new(testIntr),
		alloc: &countingAlloc{Arena: mem},
	}

	r.f = newFakeGPU(mem, r.intr)
	if setup != nil {
		setup(r.f)
	}

	r.d, err = New(Config{
		Slots:      []mmio.Regs{r.f},
		Mem:        r.alloc,
		Interrupts: r.intr,
		Halt:       func(err error) { r.halts = append(r.halts, err) },
	})

	if err != nil {
		t.Fatal(err)
	}

	r.intr.handler = r.d.HandleInterrupt
	return r
}
