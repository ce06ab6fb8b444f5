package driver

import (
	"fmt"

	"github.com/c35s/virtgpu/virtio"
	"github.com/c35s/virtgpu/virtio/gpu"
	"github.com/c35s/virtgpu/virtio/mmio"
)

// HandleInterrupt services the GPU's interrupt line. It acknowledges the
// device, drains the used ring and wakes whoever waits for the in-flight
// command. A used entry with the wrong chain id or a response other than
// OK_NODATA is a fatal protocol fault; the in-flight flag stays set.
func (d *Device) HandleInterrupt() {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.regs.Read(mmio.RegInterruptStatus) & (virtio.IntUsedBuffer | virtio.IntConfigChange)
	d.regs.Write(mmio.RegInterruptAck, st)

	if d.fault != nil || d.q == nil {
		return
	}

	var n int
	for {
		e, ok := d.q.Pop()
		if !ok {
			break
		}

		if e.ID != 0 {
			d.fail(fmt.Errorf("%w: used chain %d, want 0", ErrProtocol, e.ID))
			return
		}

		if code := gpu.Type(d.resp.Bytes()); code != gpu.RespOKNoData {
			d.fail(fmt.Errorf("%w: %s answered %s (%#x)", ErrProtocol, gpu.TypeName(d.pending), gpu.TypeName(code), code))
			return
		}

		n++
	}

	if n == 0 {
		d.log.Debug("virtio-gpu interrupt with nothing used", "status", st)
		return
	}

	d.inflight.Store(false)
	d.idle.Broadcast()
}
