package driver

import (
	"fmt"
	"log/slog"

	"github.com/c35s/virtgpu/virtio"
	"github.com/c35s/virtgpu/virtio/mmio"
)

// ProbeResult is what discovery saw in one slot.
type ProbeResult struct {
	Slot    int
	Present bool // the slot has a virtio device
	ID      virtio.DeviceID
}

func (r ProbeResult) String() string {
	if !r.Present {
		return fmt.Sprintf("slot %d: no virtio device", r.Slot)
	}

	return fmt.Sprintf("slot %d: %s (id %d)", r.Slot, r.ID, r.ID)
}

// Probe reads the identity registers of each slot. Slots without the virtio
// magic, or with device id 0, are reported as not present. The version is
// not checked here; identify rejects a GPU of the wrong version. Probing
// never writes to a slot.
func Probe(slots []mmio.Regs) []ProbeResult {
	res := make([]ProbeResult, len(slots))
	for i, r := range slots {
		res[i] = ProbeResult{Slot: i}
		if r.Read(mmio.RegMagicValue) != virtio.MagicValue {
			continue
		}

		id := virtio.DeviceID(r.Read(mmio.RegDeviceID))
		res[i].Present = id != 0
		res[i].ID = id
	}

	return res
}

func logProbe(log *slog.Logger, res []ProbeResult) {
	for _, r := range res {
		if r.Present {
			log.Info("virtio device", "slot", r.Slot, "device", r.ID.String(), "id", uint32(r.ID))
		} else {
			log.Info("virtio slot empty", "slot", r.Slot)
		}
	}
}

// identify checks that the GPU slot holds a version 2 virtio-gpu device.
// Callers hold d.mu.
func (d *Device) identify() error {
	r, slot := d.regs, d.cfg.GPUSlot

	if v := r.Read(mmio.RegMagicValue); v != virtio.MagicValue {
		return d.fail(fmt.Errorf("%w: slot %d: magic %#x", ErrIdentity, slot, v))
	}

	if v := r.Read(mmio.RegVersion); v != virtio.Version {
		return d.fail(fmt.Errorf("%w: slot %d: version %d", ErrIdentity, slot, v))
	}

	if id := virtio.DeviceID(r.Read(mmio.RegDeviceID)); id != virtio.GPUDeviceID {
		return d.fail(fmt.Errorf("%w: slot %d: device id %d (%s)", ErrIdentity, slot, id, id))
	}

	return nil
}
