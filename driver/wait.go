package driver

import (
	"runtime"

	"github.com/c35s/virtgpu/virtio/gpu"
	"github.com/c35s/virtgpu/virtio/mmio"
)

// Init discovers the GPU, runs the status handshake and brings up the
// display: it fills the framebuffer with a test pattern, creates the
// resource, attaches the framebuffer as its backing store, binds it to
// scanout 0, and transfers and flushes it. Each command is waited for by
// spinning with interrupts enabled, so Init works before anything can sleep.
func (d *Device) Init() error {
	d.mu.Lock()

	if d.state != StateNone {
		d.mu.Unlock()
		return ErrInitialized
	}

	if err := d.failed(); err != nil {
		d.mu.Unlock()
		return err
	}

	logProbe(d.log, Probe(d.cfg.Slots))

	if err := d.identify(); err != nil {
		d.mu.Unlock()
		return err
	}

	if err := d.handshake(); err != nil {
		d.mu.Unlock()
		return err
	}

	n := d.regs.Read(mmio.RegDeviceConfigStart + gpu.OffsetNumScanouts)
	d.log.Info("virtio-gpu live", "slot", d.cfg.GPUSlot, "scanouts", n)

	d.fillTestPattern()
	d.mu.Unlock()

	for _, cmd := range []any{
		d.createResource(),
		d.attachBacking(),
		d.setScanout(),
		d.transfer(),
		d.flush(),
	} {
		if err := d.spin(cmd); err != nil {
			return err
		}
	}

	d.mu.Lock()
	d.up = true
	d.mu.Unlock()

	d.log.Info("virtio-gpu display up",
		"width", d.cfg.Width,
		"height", d.cfg.Height,
		"resource", d.cfg.ResourceID)

	return nil
}

// fillTestPattern paints every pixel opaque blue with the low bytes of its
// coordinates in green and red.
func (d *Device) fillTestPattern() {
	px := d.fb.Words()
	w := d.cfg.Width
	for i := range px {
		x, y := uint32(i)%w, uint32(i)/w
		px[i] = 0xff | (x&0xff)<<8 | (y&0xff)<<16
	}
}

// spin submits cmd and busy-waits for its completion with interrupts enabled.
// The device lock is dropped while waiting so the interrupt handler can run.
func (d *Device) spin(cmd any) error {
	d.mu.Lock()

	if err := d.failed(); err != nil {
		d.mu.Unlock()
		return err
	}

	d.inflight.Store(true)
	if err := d.submit(cmd); err != nil {
		d.inflight.Store(false)
		d.mu.Unlock()
		return err
	}

	d.mu.Unlock()

	d.cfg.Interrupts.Enable()
	for d.inflight.Load() && !d.faulted.Load() {
		runtime.Gosched()
	}

	d.cfg.Interrupts.Disable()

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failed(); err != nil {
		return err
	}

	d.log.Info("virtio-gpu command done", "cmd", gpu.TypeName(d.pending))
	return nil
}

// sleep submits cmd once no other command is in flight and sleeps until it
// completes.
func (d *Device) sleep(cmd any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failed(); err != nil {
		return err
	}

	if !d.up {
		return ErrNotReady
	}

	d.awaitIdle()
	if err := d.failed(); err != nil {
		return err
	}

	d.inflight.Store(true)
	if err := d.submit(cmd); err != nil {
		d.inflight.Store(false)
		d.idle.Broadcast()
		return err
	}

	d.awaitIdle()
	return d.failed()
}

// awaitIdle sleeps until nothing is in flight or the device has failed.
// Callers hold d.mu.
func (d *Device) awaitIdle() {
	for d.inflight.Load() && d.fault == nil {
		d.idle.Wait()
	}
}

// SubmitTransfer copies the whole framebuffer into the device resource and
// waits for the device to finish. Until Init has finished bringing the
// display up it returns ErrNotReady. It must not be called from interrupt
// context.
func (d *Device) SubmitTransfer() error {
	return d.sleep(d.transfer())
}

// SubmitFlush makes the whole resource visible on scanout 0 and waits for
// the device to finish.
func (d *Device) SubmitFlush() error {
	return d.sleep(d.flush())
}
