package driver

import (
	"fmt"

	"github.com/c35s/virtgpu/dma"
	"github.com/c35s/virtgpu/virtio"
	"github.com/c35s/virtgpu/virtio/mmio"
	"github.com/c35s/virtgpu/virtio/virtq"
)

// State is a step of the device status handshake.
type State int

const (
	StateNone State = iota
	StateReset
	StateAck
	StateDriver
	StateFeaturesNegotiated
	StateFeaturesOK
	StateQueueConfigured
	StateDriverOK
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateReset:
		return "reset"
	case StateAck:
		return "acknowledged"
	case StateDriver:
		return "driver"
	case StateFeaturesNegotiated:
		return "features-negotiated"
	case StateFeaturesOK:
		return "features-ok"
	case StateQueueConfigured:
		return "queue-configured"
	case StateDriverOK:
		return "driver-ok"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// enter advances the handshake by exactly one step.
func (d *Device) enter(s State) {
	if s != d.state+1 {
		panic(fmt.Sprintf("driver: handshake step %s -> %s", d.state, s))
	}

	d.state = s
	d.log.Debug("virtio-gpu handshake", "state", s)
}

// handshake takes the device from reset to live. No feature bits are
// accepted. Callers hold d.mu.
func (d *Device) handshake() error {
	r := d.regs

	r.Write(mmio.RegStatus, 0)
	d.enter(StateReset)

	status := uint32(virtio.StatusAcknowledge)
	r.Write(mmio.RegStatus, status)
	d.enter(StateAck)

	status |= virtio.StatusDriver
	r.Write(mmio.RegStatus, status)
	d.enter(StateDriver)

	r.Write(mmio.RegDeviceFeaturesSel, 0)
	offered := r.Read(mmio.RegDeviceFeatures)
	r.Write(mmio.RegDriverFeaturesSel, 0)
	r.Write(mmio.RegDriverFeatures, 0)
	d.enter(StateFeaturesNegotiated)
	d.log.Debug("virtio-gpu features", "offered", fmt.Sprintf("%#x", offered), "accepted", "0x0")

	status |= virtio.StatusFeaturesOK
	r.Write(mmio.RegStatus, status)
	if r.Read(mmio.RegStatus)&virtio.StatusFeaturesOK == 0 {
		return d.fail(fmt.Errorf("%w: device cleared FEATURES_OK", ErrNegotiation))
	}

	d.enter(StateFeaturesOK)

	if err := d.setupQueue(); err != nil {
		return err
	}

	d.enter(StateQueueConfigured)

	status |= virtio.StatusDriverOK
	r.Write(mmio.RegStatus, status)
	d.enter(StateDriverOK)

	return nil
}

// setupQueue allocates the control queue rings and hands them to the device.
// Every check happens before any ring memory is allocated.
func (d *Device) setupQueue() error {
	r, n := d.regs, d.cfg.QueueSize

	r.Write(mmio.RegQueueSel, controlQ)

	if r.Read(mmio.RegQueueReady) != 0 {
		return d.fail(fmt.Errorf("%w: queue %d is already ready", ErrQueueSetup, controlQ))
	}

	numMax := r.Read(mmio.RegQueueNumMax)
	if numMax == 0 {
		return d.fail(fmt.Errorf("%w: queue %d isn't available", ErrQueueSetup, controlQ))
	}

	if numMax < uint32(n) {
		return d.fail(fmt.Errorf("%w: queue %d max size %d < %d", ErrQueueSetup, controlQ, numMax, n))
	}

	var areas [3]*dma.Mem
	for i, size := range []int{virtq.DescTableSize(n), virtq.AvailSize(n), virtq.UsedSize(n)} {
		m, err := d.cfg.Mem.Alloc(size)
		if err != nil {
			return d.fail(fmt.Errorf("%w: %w", ErrQueueSetup, err))
		}

		areas[i] = m
	}

	q, err := virtq.New(n, areas[0].Bytes(), areas[1].Bytes(), areas[2].Bytes())
	if err != nil {
		return d.fail(fmt.Errorf("%w: %w", ErrQueueSetup, err))
	}

	d.q = q

	r.Write(mmio.RegQueueNum, uint32(n))
	writeAddr(r, mmio.RegQueueDescLow, areas[0].Addr())
	writeAddr(r, mmio.RegQueueDriverLow, areas[1].Addr())
	writeAddr(r, mmio.RegQueueDeviceLow, areas[2].Addr())
	r.Write(mmio.RegQueueReady, 1)

	d.log.Debug("virtio-gpu control queue ready",
		"size", n,
		"desc", fmt.Sprintf("%#x", areas[0].Addr()),
		"avail", fmt.Sprintf("%#x", areas[1].Addr()),
		"used", fmt.Sprintf("%#x", areas[2].Addr()))

	return nil
}

// writeAddr writes a 64-bit address to a low/high register pair.
func writeAddr(r mmio.Regs, low int, addr uint64) {
	r.Write(low, uint32(addr))
	r.Write(low+4, uint32(addr>>32))
}
