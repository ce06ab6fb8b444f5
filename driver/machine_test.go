package driver_test

import (
	"encoding/binary"
	"runtime"
	"testing"

	"github.com/c35s/virtgpu/driver"
	"github.com/c35s/virtgpu/machine"
	"github.com/c35s/virtgpu/virtio"
	"github.com/c35s/virtgpu/virtio/gpu"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

func newMachine(t *testing.T) (*machine.Machine, *virtio.GPU, *driver.Device) {
	t.Helper()

	disk := &virtio.Block{Sectors: 128}
	dev := &virtio.GPU{}

	m, err := machine.New(machine.Config{
		Devices: []virtio.DeviceHandler{disk, dev},
	})

	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { m.Close() })

	d, err := driver.New(driver.Config{
		Slots:      m.Slots(),
		GPUSlot:    1,
		Mem:        m.Mem(),
		Interrupts: m.Interrupts(),
	})

	if err != nil {
		t.Fatal(err)
	}

	m.Interrupts().Handle(m.Devices()[1].IRQ, d.HandleInterrupt)
	return m, dev, d
}

func framebufferBytes(px []uint32) []byte {
	b := make([]byte, 0, len(px)*4)
	for _, p := range px {
		b = binary.LittleEndian.AppendUint32(b, p)
	}

	return b
}

func TestMachine(t *testing.T) {
	m, dev, d := newMachine(t)

	probe := driver.Probe(m.Slots())
	want := []driver.ProbeResult{
		{Slot: 0, Present: true, ID: virtio.BlockDeviceID},
		{Slot: 1, Present: true, ID: virtio.GPUDeviceID},
	}

	if diff := cmp.Diff(want, probe); diff != "" {
		t.Errorf("probe: (-want +got)\n%s", diff)
	}

	if err := d.Init(); err != nil {
		t.Fatal(err)
	}

	f, ok := dev.Scanout(0)
	if !ok {
		t.Fatal("nothing on scanout 0")
	}

	wantFrame := virtio.Frame{
		ScanoutID:  0,
		ResourceID: driver.DefaultResourceID,
		Format:     gpu.FormatB8G8R8A8,
		Width:      driver.DefaultWidth,
		Height:     driver.DefaultHeight,
		Stride:     driver.DefaultWidth * gpu.BytesPerPixel,
		Pixels:     framebufferBytes(d.Pixels()),
	}

	if diff := cmp.Diff(wantFrame, f); diff != "" {
		t.Errorf("scanout: (-want +got)\n%s", diff)
	}
}

func TestMachineClients(t *testing.T) {
	m, dev, d := newMachine(t)

	if err := d.Init(); err != nil {
		t.Fatal(err)
	}

	m.Interrupts().Enable()

	// each client paints the whole screen its own color while it holds
	// the framebuffer
	colors := map[driver.PID]uint32{10: 0xff0000ff, 20: 0xff00ff00}

	var g errgroup.Group
	for pid, color := range colors {
		pid, color := pid, color
		c := d.Client(pid)
		g.Go(func() error {
			for {
				ok, err := c.Acquire()
				if err != nil {
					return err
				}

				if ok {
					break
				}

				runtime.Gosched()
			}

			px, err := c.Pixels()
			if err != nil {
				return err
			}

			for i := range px {
				px[i] = color
			}

			if err := c.Present(); err != nil {
				return err
			}

			f, _ := dev.Scanout(0)
			if got := binary.LittleEndian.Uint32(f.Pixels); got != color {
				t.Errorf("pid %d: scanout pixel %#x, want %#x", pid, got, color)
			}

			return c.Release()
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if h := d.Holder(); h != driver.Unlocked {
		t.Errorf("holder %d", h)
	}
}
