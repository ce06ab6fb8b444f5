package main

import (
	"github.com/c35s/virtgpu/driver"
	"github.com/c35s/virtgpu/machine"
	"github.com/c35s/virtgpu/virtio"
)

func main() {
	m, err := machine.New(machine.Config{
		Devices: []virtio.DeviceHandler{
			nil, // empty slot
			&virtio.GPU{},
		},
	})

	if err != nil {
		panic(err)
	}

	defer m.Close()

	d, err := driver.New(driver.Config{
		Slots:      m.Slots(),
		GPUSlot:    1,
		Mem:        m.Mem(),
		Interrupts: m.Interrupts(),
	})

	if err != nil {
		panic(err)
	}

	m.Interrupts().Handle(m.Devices()[1].IRQ, d.HandleInterrupt)

	if err := d.Init(); err != nil {
		panic(err)
	}

	m.Interrupts().Enable()

	px := d.Pixels()
	for i := range px {
		px[i] = 0xff00ff00 // opaque green
	}

	if err := d.SubmitTransfer(); err != nil {
		panic(err)
	}

	if err := d.SubmitFlush(); err != nil {
		panic(err)
	}
}
