package driver

import (
	"errors"
	"fmt"

	"github.com/c35s/virtgpu/virtio"
	"github.com/c35s/virtgpu/virtio/mmio"
)

// Fatal faults. Once one occurs the device is unusable: every later call
// returns an error wrapping ErrFailed and the original fault.
var (
	ErrIdentity    = errors.New("driver: unexpected device identity")
	ErrNegotiation = errors.New("driver: feature negotiation rejected")
	ErrQueueSetup  = errors.New("driver: queue setup failed")
	ErrProtocol    = errors.New("driver: protocol violation")
	ErrFailed      = errors.New("driver: device failed")
)

// fail latches err as the device's fatal fault and wakes every waiter.
// Callers hold d.mu.
func (d *Device) fail(err error) error {
	if d.fault != nil {
		return d.failed()
	}

	d.fault = err
	d.faulted.Store(true)

	// an unidentified device is left alone
	if d.state >= StateAck {
		d.regs.Write(mmio.RegStatus, d.regs.Read(mmio.RegStatus)|virtio.StatusFailed)
	}

	d.log.Error("virtio-gpu fault", "state", d.state, "err", err)
	d.idle.Broadcast()

	if d.cfg.Halt != nil {
		d.cfg.Halt(err)
	}

	return err
}

// failed returns the latched fault wrapped in ErrFailed, or nil.
// Callers hold d.mu.
func (d *Device) failed() error {
	if d.fault == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrFailed, d.fault)
}
