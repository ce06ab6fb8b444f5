package driver

import (
	"github.com/c35s/virtgpu/virtio/gpu"
	"github.com/c35s/virtgpu/virtio/mmio"
	"github.com/c35s/virtgpu/virtio/virtq"
)

func (d *Device) fullRect() gpu.Rect {
	return gpu.Rect{Width: d.cfg.Width, Height: d.cfg.Height}
}

func (d *Device) createResource() *gpu.ResourceCreate2D {
	return &gpu.ResourceCreate2D{
		Hdr:        gpu.CtrlHdr{Type: gpu.CmdResourceCreate2D},
		ResourceID: d.cfg.ResourceID,
		Format:     gpu.FormatB8G8R8A8,
		Width:      d.cfg.Width,
		Height:     d.cfg.Height,
	}
}

func (d *Device) attachBacking() *gpu.ResourceAttachBackingOne {
	return &gpu.ResourceAttachBackingOne{
		ResourceAttachBacking: gpu.ResourceAttachBacking{
			Hdr:        gpu.CtrlHdr{Type: gpu.CmdResourceAttachBacking},
			ResourceID: d.cfg.ResourceID,
			NrEntries:  1,
		},
		Entry: gpu.MemEntry{
			Addr:   d.fb.Addr(),
			Length: d.cfg.Width * d.cfg.Height * gpu.BytesPerPixel,
		},
	}
}

func (d *Device) setScanout() *gpu.SetScanout {
	return &gpu.SetScanout{
		Hdr:        gpu.CtrlHdr{Type: gpu.CmdSetScanout},
		R:          d.fullRect(),
		ScanoutID:  scanout,
		ResourceID: d.cfg.ResourceID,
	}
}

func (d *Device) transfer() *gpu.TransferToHost2D {
	return &gpu.TransferToHost2D{
		Hdr:        gpu.CtrlHdr{Type: gpu.CmdTransferToHost2D},
		R:          d.fullRect(),
		ResourceID: d.cfg.ResourceID,
	}
}

func (d *Device) flush() *gpu.ResourceFlush {
	return &gpu.ResourceFlush{
		Hdr:        gpu.CtrlHdr{Type: gpu.CmdResourceFlush},
		R:          d.fullRect(),
		ResourceID: d.cfg.ResourceID,
	}
}

// submit encodes cmd into the request buffer, chains it to the response
// slot and notifies the device. Callers hold d.mu and have set inflight.
//
// Every command uses descriptors 0 and 1, which is safe because only one
// command is ever in flight.
func (d *Device) submit(cmd any) error {
	n, err := gpu.Encode(d.req.Bytes(), cmd)
	if err != nil {
		return err
	}

	d.pending = gpu.Type(d.req.Bytes())
	le.PutUint32(d.resp.Bytes(), responseSentinel)

	d.q.SetDesc(0, virtq.Desc{
		Addr:  d.req.Addr(),
		Len:   uint32(n),
		Flags: virtq.DescFNext,
		Next:  1,
	})

	d.q.SetDesc(1, virtq.Desc{
		Addr:  d.resp.Addr(),
		Len:   gpu.SizeCtrlHdr,
		Flags: virtq.DescFWrite,
	})

	idx := d.q.Publish(0)
	d.regs.Write(mmio.RegQueueNotify, controlQ)

	d.log.Debug("virtio-gpu submit", "cmd", gpu.TypeName(d.pending), "avail", idx)
	return nil
}
