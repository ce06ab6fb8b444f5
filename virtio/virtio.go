// Package virtio defines virtio device identities and status bits, and implements
// software device models that sit behind a virtio-mmio bus.
package virtio

import (
	"fmt"

	"github.com/c35s/virtgpu/virtio/virtq"
)

type DeviceHandler interface {

	// GetType identifies the type of the device.
	GetType() DeviceID

	// GetFeatures returns the feature bits offered by the device.
	GetFeatures() uint64

	// Ready is called when the driver sets FEATURES_OK. If it returns an error
	// the device refuses the negotiated features and FEATURES_OK stays clear.
	Ready(negotiatedFeatures uint64) error

	// Handle is called when new buffers are available to the device. It is
	// called in a separate goroutine per queueNum, and calls with the same
	// queueNum do not overlap. It's fine to block in Handle. Notifications
	// are coalesced, so Handle may only be called once in response to multiple
	// driver notifications.
	Handle(queueNum int, q *virtq.DeviceQueue) error

	// ReadConfig reads the device configuration register at off into p.
	ReadConfig(p []byte, off int) error
}

// DeviceID identifies the type of a virtio device.
type DeviceID uint32

const (
	InvalidDeviceID = DeviceID(0)
	NetworkDeviceID = DeviceID(1)
	BlockDeviceID   = DeviceID(2)
	ConsoleDeviceID = DeviceID(3)
	GPUDeviceID     = DeviceID(16)
	SocketDeviceID  = DeviceID(19)
)

const (
	MagicValue = 0x74726976 // "virt"
	Version    = 0x2
)

// device status bits

const (
	StatusAcknowledge = 1   // recognized by the guest
	StatusDriver      = 2   // the guest has a driver
	StatusDriverOK    = 4   // ready to drive
	StatusFeaturesOK  = 8   // features negotiated
	StatusNeedsReset  = 64  // fatal device error
	StatusFailed      = 128 // fatal driver error
)

// interrupt status bits

const (
	IntUsedBuffer   = 1 << 0 // the device has used at least 1 buffer
	IntConfigChange = 1 << 1 // the configuration of the device has changed
)

const (

	// FIndirectDesc (VIRTIO_F_INDIRECT_DESC) "indicates that the driver can use
	// descriptors with the VIRTQ_DESC_F_INDIRECT flag set, as described in 2.6.5.3
	// Indirect Descriptors and 2.7.7 Indirect Flag: Scatter-Gather Support."
	FIndirectDesc = 1 << 28

	// FEventIdx (VIRTIO_F_EVENT_IDX) "enables the used_event and the avail_event fields
	// as described in 2.6.7, 2.6.8 and 2.7.10."
	FEventIdx = 1 << 29

	// FVersion1 (VIRTIO_F_VERSION_1) "indicates compliance with [the virtio]
	// specification, giving a simple way to detect legacy devices or drivers."
	FVersion1 = 1 << 32

	// FRingPacked (VIRTIO_F_RING_PACKED) "indicates support for the packed virtqueue
	// layout as described in 2.7 Packed Virtqueues."
	FRingPacked = 1 << 34

	// FInOrder (VIRTIO_F_IN_ORDER) "indicates that all buffers are used by the device in
	// the same order in which they have been made available."
	FInOrder = 1 << 35
)

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "not present"

	case NetworkDeviceID:
		return "network"

	case BlockDeviceID:
		return "block"

	case ConsoleDeviceID:
		return "console"

	case GPUDeviceID:
		return "gpu"

	case SocketDeviceID:
		return "socket"

	default:
		return fmt.Sprintf("DeviceID(%d)", id)
	}
}
