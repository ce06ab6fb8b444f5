// Package gpu describes the virtio-gpu control protocol: command and response
// layouts, pixel formats and the device configuration space.
//
// All structures are little-endian and have no implicit padding, so they can be
// moved on and off the wire with encoding/binary.
package gpu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// feature bits

const (
	FVirgl        = 1 << 0 // 3D mode
	FEDID         = 1 << 1 // EDID is supported
	FResourceUUID = 1 << 2 // resource UUIDs are supported
	FResourceBlob = 1 << 3 // blob resources are supported
	FContextInit  = 1 << 4 // multiple context types are supported
)

// command types

const (
	CmdGetDisplayInfo        = 0x0100
	CmdResourceCreate2D      = 0x0101
	CmdResourceUnref         = 0x0102
	CmdSetScanout            = 0x0103
	CmdResourceFlush         = 0x0104
	CmdTransferToHost2D      = 0x0105
	CmdResourceAttachBacking = 0x0106
	CmdResourceDetachBacking = 0x0107

	CmdUpdateCursor = 0x0300
	CmdMoveCursor   = 0x0301
)

// response types

const (
	RespOKNoData      = 0x1100
	RespOKDisplayInfo = 0x1101

	RespErrUnspec            = 0x1200
	RespErrOutOfMemory       = 0x1201
	RespErrInvalidScanoutID  = 0x1202
	RespErrInvalidResourceID = 0x1203
	RespErrInvalidContextID  = 0x1204
	RespErrInvalidParameter  = 0x1205
)

// pixel formats

const (
	FormatB8G8R8A8 = 1
	FormatB8G8R8X8 = 2
	FormatA8R8G8B8 = 3
	FormatX8R8G8B8 = 4
	FormatR8G8B8A8 = 67
	FormatX8B8G8R8 = 68
	FormatA8B8G8R8 = 121
	FormatR8G8B8X8 = 134
)

// MaxScanouts is the number of scanouts a device can have.
const MaxScanouts = 16

// BytesPerPixel is the pixel size of every 2D format.
const BytesPerPixel = 4

// CtrlHdr starts every command and every response.
type CtrlHdr struct {
	Type    uint32
	Flags   uint32
	FenceID uint64
	CtxID   uint32
	RingIdx uint8
	_       [3]uint8
}

// Rect is a rectangle in resource or scanout coordinates.
type Rect struct {
	X      uint32
	Y      uint32
	Width  uint32
	Height uint32
}

// ResourceCreate2D creates a host-side 2D resource.
type ResourceCreate2D struct {
	Hdr        CtrlHdr
	ResourceID uint32
	Format     uint32
	Width      uint32
	Height     uint32
}

// ResourceUnref destroys a resource.
type ResourceUnref struct {
	Hdr        CtrlHdr
	ResourceID uint32
	_          uint32
}

// MemEntry is one page run of a resource's backing store.
type MemEntry struct {
	Addr   uint64
	Length uint32
	_      uint32
}

// ResourceAttachBacking is followed on the wire by NrEntries MemEntry structs.
type ResourceAttachBacking struct {
	Hdr        CtrlHdr
	ResourceID uint32
	NrEntries  uint32
}

// ResourceAttachBackingOne attaches a single contiguous backing region.
type ResourceAttachBackingOne struct {
	ResourceAttachBacking
	Entry MemEntry
}

// ResourceDetachBacking detaches a resource's backing store.
type ResourceDetachBacking struct {
	Hdr        CtrlHdr
	ResourceID uint32
	_          uint32
}

// SetScanout binds a resource to a scanout.
type SetScanout struct {
	Hdr        CtrlHdr
	R          Rect
	ScanoutID  uint32
	ResourceID uint32
}

// TransferToHost2D copies a rectangle from the backing store into the resource.
type TransferToHost2D struct {
	Hdr        CtrlHdr
	R          Rect
	Offset     uint64
	ResourceID uint32
	_          uint32
}

// ResourceFlush makes a rectangle of the resource visible on its scanouts.
type ResourceFlush struct {
	Hdr        CtrlHdr
	R          Rect
	ResourceID uint32
	_          uint32
}

// DisplayOne describes one scanout in a display info response.
type DisplayOne struct {
	R       Rect
	Enabled uint32
	Flags   uint32
}

// RespDisplayInfo answers CmdGetDisplayInfo.
type RespDisplayInfo struct {
	Hdr    CtrlHdr
	PModes [MaxScanouts]DisplayOne
}

// Config has the same fields as struct virtio_gpu_config.
type Config struct {
	EventsRead  uint32
	EventsClear uint32
	NumScanouts uint32
	NumCapsets  uint32
}

// wire sizes

const (
	SizeCtrlHdr                  = 24
	SizeResourceCreate2D         = 40
	SizeResourceAttachBacking    = 32
	SizeMemEntry                 = 16
	SizeResourceAttachBackingOne = SizeResourceAttachBacking + SizeMemEntry
	SizeSetScanout               = 48
	SizeTransferToHost2D         = 56
	SizeResourceFlush            = 48
	SizeRespDisplayInfo          = SizeCtrlHdr + MaxScanouts*24
)

// OffsetNumScanouts is the offset of NumScanouts in the configuration space.
const OffsetNumScanouts = 8

var ErrShort = errors.New("gpu: buffer too short")

var le = binary.LittleEndian

// Encode writes v's wire form into p and returns the number of bytes written.
func Encode(p []byte, v any) (int, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, le, v); err != nil {
		return 0, err
	}

	if buf.Len() > len(p) {
		return 0, fmt.Errorf("%w: %d < %d", ErrShort, len(p), buf.Len())
	}

	return copy(p, buf.Bytes()), nil
}

// Decode reads v's wire form from p.
func Decode(p []byte, v any) error {
	if n := binary.Size(v); n < 0 || n > len(p) {
		return fmt.Errorf("%w: %d < %d", ErrShort, len(p), n)
	}

	return binary.Read(bytes.NewReader(p), le, v)
}

// Type returns the type field of the header at the start of p.
func Type(p []byte) uint32 {
	if len(p) < 4 {
		return 0
	}

	return le.Uint32(p)
}

// TypeName returns a short name for a command or response type.
func TypeName(t uint32) string {
	switch t {
	case CmdGetDisplayInfo:
		return "get-display-info"
	case CmdResourceCreate2D:
		return "resource-create-2d"
	case CmdResourceUnref:
		return "resource-unref"
	case CmdSetScanout:
		return "set-scanout"
	case CmdResourceFlush:
		return "resource-flush"
	case CmdTransferToHost2D:
		return "transfer-to-host-2d"
	case CmdResourceAttachBacking:
		return "resource-attach-backing"
	case CmdResourceDetachBacking:
		return "resource-detach-backing"
	case RespOKNoData:
		return "ok-nodata"
	case RespOKDisplayInfo:
		return "ok-display-info"
	case RespErrUnspec:
		return "err-unspec"
	case RespErrOutOfMemory:
		return "err-out-of-memory"
	case RespErrInvalidScanoutID:
		return "err-invalid-scanout-id"
	case RespErrInvalidResourceID:
		return "err-invalid-resource-id"
	case RespErrInvalidContextID:
		return "err-invalid-context-id"
	case RespErrInvalidParameter:
		return "err-invalid-parameter"
	default:
		return fmt.Sprintf("%#x", t)
	}
}
