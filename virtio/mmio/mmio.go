// Package mmio implements the virtio-mmio transport: the register layout and
// a software device bus.
package mmio

import (
	"encoding/binary"

	"github.com/c35s/virtgpu/virtio"
)

// DeviceInfo describes an installed virtio-mmio device.
type DeviceInfo struct {
	Type virtio.DeviceID
	IRQ  int
	Addr uint64
	Size uint64
}

// Regs is a virtio-mmio register block. Every access reaches the device:
// accesses are never cached, merged, reordered or elided.
type Regs interface {
	Read(off int) uint32
	Write(off int, v uint32)
}

// mmio register offsets

const (
	RegMagicValue        = 0x000 // always 0x74726976 (R; "virt")
	RegVersion           = 0x004 // always 0x2 (R)
	RegDeviceID          = 0x008 // virtio subsystem device id (R)
	RegVendorID          = 0x00c // virtio subsystem vendor id (R)
	RegDeviceFeatures    = 0x010 // flags, depends on RegDeviceFeaturesSel (R)
	RegDeviceFeaturesSel = 0x014 // word selection for RegDeviceFeatures (W)
	RegDriverFeatures    = 0x020 // feature flags activated by the driver (W)
	RegDriverFeaturesSel = 0x024 // word selection for RegDriverFeatures (W)
	RegQueueSel          = 0x030 // virtual queue index (W)
	RegQueueNumMax       = 0x034 // maximum virtual queue size (R)
	RegQueueNum          = 0x038 // virtual queue size (W)
	RegQueueReady        = 0x044 // virtual queue ready bit (RW)
	RegQueueNotify       = 0x050 // queue notifier (W)
	RegInterruptStatus   = 0x060 // interrupt status (R)
	RegInterruptAck      = 0x064 // interrupt acknowledge (W)
	RegStatus            = 0x070 // device status (RW)
	RegQueueDescLow      = 0x080 // descriptor area GPA, low word (W)
	RegQueueDescHigh     = 0x084 // descriptor area GPA, high word (W)
	RegQueueDriverLow    = 0x090 // driver area GPA, low word (W)
	RegQueueDriverHigh   = 0x094 // driver area GPA, high word (W)
	RegQueueDeviceLow    = 0x0a0 // device area GPA, low word (W)
	RegQueueDeviceHigh   = 0x0a4 // device area GPA, high word (W)
	RegConfigGeneration  = 0x0fc // configuration atomicity value (R)
	RegDeviceConfigStart = 0x100 // device specific configuration space >= 0x100 (RW)
)

// SlotSize is the size of one device's register window.
const SlotSize = 0x1000

var le = binary.LittleEndian
