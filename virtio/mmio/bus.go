package mmio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/virtgpu/virtio"
	"github.com/c35s/virtgpu/virtio/virtq"
	"golang.org/x/sys/unix"
)

// Bus is a set of software virtio-mmio devices at consecutive slots.
type Bus struct {
	memAt   func(addr uint64, size int) ([]byte, error)
	notify  func(irq int) error
	devices []*device
}

type device struct {
	bus  *Bus
	info DeviceInfo

	mu      sync.Mutex
	handler virtio.DeviceHandler
	state   deviceState
	closed  bool

	vq      [numQueues]*virtq.DeviceQueue
	qC      [numQueues]chan struct{}
	serving [numQueues]bool
}

type deviceState struct {
	status  uint32
	version uint32

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64

	queueSel uint32
	queue    [numQueues]queueState

	intStatus uint32
}

type queueState struct {
	Ready      uint32
	NumDesc    uint32
	DescAddr   uint64 // address of the descriptor area
	DriverAddr uint64 // address of the driver area
	DeviceAddr uint64 // address of the device area
}

const numQueues = 16

const (
	negotiatingFeatures = virtio.StatusAcknowledge | virtio.StatusDriver
	configuringQueues   = negotiatingFeatures | virtio.StatusFeaturesOK
	operatingNormally   = configuringQueues | virtio.StatusDriverOK
)

// NewBus creates a new bus and installs a device for each of the given handlers.
// A nil handler leaves its slot empty: the slot answers with the virtio magic
// value and device ID 0, like an unpopulated slot on a real platform.
//
// The memAt callback is called when a device needs to access driver memory.
// The notify callback is called when a device needs to interrupt the driver.
//
// Slot i's registers live at base+i*SlotSize and it signals on IRQ firstIRQ+i.
func NewBus(base uint64, firstIRQ int, handlers []virtio.DeviceHandler, memAt func(addr uint64, size int) ([]byte, error), notify func(irq int) error) *Bus {
	b := &Bus{
		memAt:   memAt,
		notify:  notify,
		devices: make([]*device, len(handlers)),
	}

	for i, h := range handlers {
		d := &device{
			bus: b,

			info: DeviceInfo{
				IRQ:  firstIRQ + i,
				Addr: base + uint64(i)*SlotSize,
				Size: SlotSize,
			},

			handler: h,
		}

		if h != nil {
			d.info.Type = h.GetType()
		}

		for i := range d.qC {
			d.qC[i] = make(chan struct{}, 1)
		}

		b.devices[i] = d
	}

	return b
}

// HandleMMIO routes an MMIO event to the appropriate device.
// It returns (found=false, err=nil) if no device is found.
func (b *Bus) HandleMMIO(addr uint64, data []byte, isWrite bool) (found bool, err error) {
	var dev *device
	for _, d := range b.devices {
		if addr >= d.info.Addr && addr < d.info.Addr+d.info.Size {
			dev = d
			break
		}
	}

	if dev == nil {
		return false, nil
	}

	off := int(addr - dev.info.Addr)
	return true, dev.HandleMMIO(off, data, isWrite)
}

// Devices returns a slice describing the installed devices.
func (b *Bus) Devices() []DeviceInfo {
	dd := make([]DeviceInfo, len(b.devices))
	for i, d := range b.devices {
		dd[i] = d.info
	}

	return dd
}

// Regs returns the register block at addr as seen by a driver. Accesses the
// device rejects read as zero or are dropped, the way a real bus behaves.
func (b *Bus) Regs(addr uint64) Regs {
	return &busRegs{bus: b, addr: addr}
}

// Close stops the bus's queue handlers.
func (b *Bus) Close() error {
	for _, d := range b.devices {
		d.mu.Lock()
		if !d.closed {
			d.closed = true
			for _, c := range d.qC {
				close(c)
			}
		}

		d.mu.Unlock()
	}

	return nil
}

type busRegs struct {
	bus  *Bus
	addr uint64
}

func (r *busRegs) Read(off int) uint32 {
	var p [4]byte
	if _, err := r.bus.HandleMMIO(r.addr+uint64(off), p[:], false); err != nil {
		slog.Debug("virtio-mmio read rejected", "addr", r.addr, "off", off, "err", err)
		return 0
	}

	return le.Uint32(p[:])
}

func (r *busRegs) Write(off int, v uint32) {
	var p [4]byte
	le.PutUint32(p[:], v)

	if _, err := r.bus.HandleMMIO(r.addr+uint64(off), p[:], true); err != nil {
		slog.Debug("virtio-mmio write rejected", "addr", r.addr, "off", off, "val", v, "err", err)
	}
}

func (d *device) HandleMMIO(off int, data []byte, isWrite bool) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handler == nil {
		return d.emptyMMIO(off, data, isWrite)
	}

	defer func() {
		if err != nil && !(d.needsReset() || d.driverFailed()) {
			notify := d.isOperatingNormally()
			d.state.status |= virtio.StatusNeedsReset
			d.state.version++

			if notify {
				d.state.intStatus |= virtio.IntConfigChange
				if err := d.bus.notify(d.info.IRQ); err != nil {
					slog.Error("virtio config change notification failed",
						"irq", d.info.IRQ, "err", err)
				}
			}
		}
	}()

	if isWrite {
		return d.writeMMIO(off, data)
	}

	return d.readMMIO(off, data)
}

func (d *device) emptyMMIO(off int, p []byte, isWrite bool) error {
	if isWrite {
		return nil
	}

	switch off {
	case RegMagicValue:
		le.PutUint32(p, virtio.MagicValue)

	case RegVersion:
		le.PutUint32(p, virtio.Version)

	default:
		le.PutUint32(p, 0)
	}

	return nil
}

func (d *device) readMMIO(off int, p []byte) error {
	switch off {
	case RegMagicValue:
		le.PutUint32(p, virtio.MagicValue)

	case RegVersion:
		le.PutUint32(p, virtio.Version)

	case RegDeviceID:
		le.PutUint32(p, uint32(d.handler.GetType()))

	case RegVendorID:
		le.PutUint32(p, 0xffff)

	case RegDeviceFeatures:
		le.PutUint32(p, uint32(d.handler.GetFeatures()>>(32*d.state.deviceFeaturesSel)))

	case RegQueueNumMax:
		le.PutUint32(p, virtq.MaxSize)

	case RegQueueReady:
		le.PutUint32(p, d.selectedQueue().Ready)

	case RegInterruptStatus:
		le.PutUint32(p, d.state.intStatus)

	case RegStatus:
		le.PutUint32(p, d.state.status)

	case RegConfigGeneration:
		le.PutUint32(p, d.state.version)

	default:
		if off < RegDeviceConfigStart {
			return unix.EINVAL
		}

		return d.handler.ReadConfig(p, off-RegDeviceConfigStart)
	}

	return nil
}

func (d *device) writeMMIO(off int, p []byte) error {
	// if the device or driver has failed, only allow status register writes (to reset)
	if d.state.status&(virtio.StatusNeedsReset|virtio.StatusFailed) > 0 && off != RegStatus {
		return unix.EPERM
	}

	v := le.Uint32(p)

	switch off {
	case RegDeviceFeaturesSel:
		return d.writeDeviceFeaturesSel(v)

	case RegDriverFeatures:
		return d.writeDriverFeatures(v)

	case RegDriverFeaturesSel:
		return d.writeDriverFeaturesSel(v)

	case RegQueueSel:
		return d.writeQueueSel(v)

	case RegQueueNum:
		return d.writeQueueNum(v)

	case RegQueueReady:
		return d.writeQueueReady(v)

	case RegQueueNotify:
		return d.writeQueueNotify(v)

	case RegInterruptAck:
		return d.writeInterruptAck(v)

	case RegStatus:
		return d.writeStatus(v)

	case RegQueueDescLow:
		return d.writeQueueAddr(&d.selectedQueue().DescAddr, v, false)

	case RegQueueDescHigh:
		return d.writeQueueAddr(&d.selectedQueue().DescAddr, v, true)

	case RegQueueDriverLow:
		return d.writeQueueAddr(&d.selectedQueue().DriverAddr, v, false)

	case RegQueueDriverHigh:
		return d.writeQueueAddr(&d.selectedQueue().DriverAddr, v, true)

	case RegQueueDeviceLow:
		return d.writeQueueAddr(&d.selectedQueue().DeviceAddr, v, false)

	case RegQueueDeviceHigh:
		return d.writeQueueAddr(&d.selectedQueue().DeviceAddr, v, true)

	default:
		return unix.EINVAL
	}
}

func (d *device) writeStatus(v uint32) error {
	if v == 0 {
		// reset
		d.state = deviceState{}
		d.vq = [numQueues]*virtq.DeviceQueue{}
		return nil
	}

	if v&virtio.StatusFailed > 0 {
		slog.Warn("virtio driver gave up on device", "type", d.info.Type, "addr", d.info.Addr)
		d.state.status |= virtio.StatusFailed
		d.state.version++
		return nil
	}

	if v&virtio.StatusNeedsReset > 0 || v&d.state.status != d.state.status {
		return unix.EINVAL
	}

	// the device refuses FEATURES_OK if it can't work with the negotiated features
	if v&virtio.StatusFeaturesOK > 0 && d.state.status&virtio.StatusFeaturesOK == 0 {
		if err := d.handler.Ready(d.state.driverFeatures); err != nil {
			slog.Warn("virtio feature negotiation refused",
				"type", d.info.Type, "features", d.state.driverFeatures, "err", err)

			v &^= virtio.StatusFeaturesOK | virtio.StatusDriverOK
		}
	}

	d.state.status = v
	d.state.version++

	return nil
}

func (d *device) writeDeviceFeaturesSel(v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	if v > 1 {
		return unix.EINVAL
	}

	d.state.deviceFeaturesSel = v
	return nil
}

func (d *device) writeDriverFeaturesSel(v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	if v > 1 {
		return unix.EINVAL
	}

	d.state.driverFeaturesSel = v
	return nil
}

func (d *device) writeDriverFeatures(v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	shift := 32 * d.state.driverFeaturesSel
	d.state.driverFeatures &^= 0xffffffff << shift
	d.state.driverFeatures |= uint64(v) << shift

	if d.state.driverFeatures&^d.handler.GetFeatures() != 0 {
		return unix.EINVAL
	}

	return nil
}

func (d *device) writeQueueSel(v uint32) error {
	if !d.isConfiguringQueues() {
		return unix.EPERM
	}

	if v >= numQueues {
		return unix.EINVAL
	}

	d.state.queueSel = v
	return nil
}

func (d *device) writeQueueNum(v uint32) error {
	if !d.isConfiguringQueues() || d.selectedQueue().Ready == 1 {
		return unix.EPERM
	}

	if v == 0 || v > virtq.MaxSize {
		return unix.EINVAL
	}

	d.selectedQueue().NumDesc = v
	return nil
}

func (d *device) writeQueueAddr(addr *uint64, v uint32, high bool) error {
	if !d.isConfiguringQueues() || d.selectedQueue().Ready == 1 {
		return unix.EPERM
	}

	if high {
		*addr = *addr&0xffffffff | uint64(v)<<32
	} else {
		*addr = *addr&^0xffffffff | uint64(v)
	}

	return nil
}

func (d *device) writeQueueReady(v uint32) error {
	if !d.isConfiguringQueues() {
		return unix.EPERM
	}

	if v != 1 {
		return unix.EINVAL
	}

	if d.selectedQueue().Ready == 1 {
		return unix.EPERM
	}

	var (
		qn = d.state.queueSel
		qs = d.selectedQueue()
		n  = int(qs.NumDesc)
	)

	descA, err := d.bus.memAt(qs.DescAddr, virtq.DescTableSize(n))
	if err != nil {
		return err
	}

	drvA, err := d.bus.memAt(qs.DriverAddr, virtq.AvailSize(n))
	if err != nil {
		return err
	}

	devA, err := d.bus.memAt(qs.DeviceAddr, virtq.UsedSize(n))
	if err != nil {
		return err
	}

	vq, err := virtq.NewDevice(n, descA, drvA, devA, virtq.Config{
		MemAt: d.bus.memAt,
		Notify: func() error {
			d.mu.Lock()
			defer d.mu.Unlock()

			d.state.intStatus |= virtio.IntUsedBuffer
			return d.bus.notify(d.info.IRQ)
		},
	})

	if err != nil {
		return err
	}

	qs.Ready = 1
	d.state.version++

	if !d.serving[qn] && !d.closed {
		d.serving[qn] = true
		go d.serve(int(qn))
	}

	d.vq[qn] = vq
	return nil
}

// serve runs the handler for queue qn each time the driver notifies it.
func (d *device) serve(qn int) {
	for range d.qC[qn] {
		d.mu.Lock()
		vq := d.vq[qn]
		d.mu.Unlock()

		if vq == nil {
			continue
		}

		if err := d.handler.Handle(qn, vq); err != nil {
			slog.Error("virtio queue handler failed",
				"type", d.info.Type, "queue", qn, "err", err)
		}
	}
}

func (d *device) writeQueueNotify(v uint32) error {
	if !d.isOperatingNormally() {
		return unix.EPERM
	}

	if v >= numQueues || d.state.queue[v].Ready != 1 {
		return unix.EPERM
	}

	if d.closed {
		return fmt.Errorf("virtio-mmio: bus closed: %w", unix.ENODEV)
	}

	select {
	case d.qC[v] <- struct{}{}:
	default:
	}

	return nil
}

func (d *device) writeInterruptAck(v uint32) error {
	if !d.isOperatingNormally() {
		return unix.EPERM
	}

	// clear flags
	d.state.intStatus &^= v

	return nil
}

func (d *device) isNegotiatingFeatures() bool {
	return d.state.status == negotiatingFeatures
}

func (d *device) isConfiguringQueues() bool {
	return d.state.status == configuringQueues
}

func (d *device) isOperatingNormally() bool {
	return d.state.status == operatingNormally
}

func (d *device) needsReset() bool {
	return d.state.status&virtio.StatusNeedsReset != 0
}

func (d *device) driverFailed() bool {
	return d.state.status&virtio.StatusFailed != 0
}

func (d *device) selectedQueue() *queueState {
	return &d.state.queue[d.state.queueSel]
}
