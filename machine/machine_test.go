package machine

import (
	"errors"
	"testing"
	"time"

	"github.com/c35s/virtgpu/dma"
	"github.com/c35s/virtgpu/virtio"
	"github.com/c35s/virtgpu/virtio/mmio"
	"github.com/google/go-cmp/cmp"
)

func TestNew(t *testing.T) {
	t.Run("bad config", func(t *testing.T) {
		for _, cfg := range []Config{
			{MemSize: MemSizeMin - dma.PageSize},
			{MemSize: MemSizeMin + 1},
			{MMIOBase: 0x10001001},
			{FirstIRQ: MaxIRQ, Devices: []virtio.DeviceHandler{nil}},
		} {
			if _, err := New(cfg); !errors.Is(err, ErrConfig) {
				t.Errorf("%+v: err %v is not ErrConfig", cfg, err)
			}
		}
	})

	t.Run("slots", func(t *testing.T) {
		m, err := New(Config{Devices: []virtio.DeviceHandler{nil, &virtio.GPU{}}})
		if err != nil {
			t.Fatal(err)
		}

		defer m.Close()

		want := []mmio.DeviceInfo{
			{IRQ: 1, Addr: 0x10001000, Size: mmio.SlotSize},
			{Type: virtio.GPUDeviceID, IRQ: 2, Addr: 0x10002000, Size: mmio.SlotSize},
		}

		if diff := cmp.Diff(want, m.Devices()); diff != "" {
			t.Errorf("(-want +got)\n%s", diff)
		}

		if n := len(m.Slots()); n != 2 {
			t.Fatalf("%d slots", n)
		}

		if id := m.Slots()[1].Read(mmio.RegDeviceID); id != uint32(virtio.GPUDeviceID) {
			t.Errorf("slot 1 device id %d", id)
		}

		if b := m.Mem().Base(); b != MemBaseDefault {
			t.Errorf("mem base %#x", b)
		}
	})
}

func TestInterrupts(t *testing.T) {
	c := newInterrupts()
	defer c.Close()

	got := make(chan int, 8)
	c.Handle(1, func() { got <- 1 })
	c.Handle(2, func() { got <- 2 })

	expect := func(want int) {
		t.Helper()

		select {
		case irq := <-got:
			if irq != want {
				t.Errorf("irq %d, want %d", irq, want)
			}

		case <-time.After(5 * time.Second):
			t.Fatalf("irq %d not delivered", want)
		}
	}

	expectNone := func() {
		t.Helper()

		select {
		case irq := <-got:
			t.Errorf("irq %d delivered", irq)
		case <-time.After(20 * time.Millisecond):
		}
	}

	t.Run("held while disabled", func(t *testing.T) {
		if err := c.Raise(2); err != nil {
			t.Fatal(err)
		}

		if err := c.Raise(1); err != nil {
			t.Fatal(err)
		}

		expectNone()

		if !c.Pending(1) || !c.Pending(2) {
			t.Fatal("not pending")
		}

		// lowest line first
		c.Enable()
		expect(1)
		expect(2)

		if c.Pending(1) || c.Pending(2) {
			t.Error("still pending")
		}
	})

	t.Run("delivered while enabled", func(t *testing.T) {
		if err := c.Raise(2); err != nil {
			t.Fatal(err)
		}

		expect(2)
	})

	t.Run("disable", func(t *testing.T) {
		c.Disable()

		if err := c.Raise(1); err != nil {
			t.Fatal(err)
		}

		expectNone()
		c.Enable()
		expect(1)
	})

	t.Run("out of range", func(t *testing.T) {
		for _, irq := range []int{-1, MaxIRQ} {
			if err := c.Raise(irq); err == nil {
				t.Errorf("irq %d: no error", irq)
			}
		}
	})
}
