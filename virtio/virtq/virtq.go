// Package virtq implements split virtqueues as described by the Virtual I/O Device
// (VIRTIO) Version 1.2 spec. Packed virtqueues are not supported.
//
// A split virtqueue is three areas in device-visible memory: the descriptor table,
// the available ring (driver -> device) and the used ring (device -> driver). Queue
// is the driver's view and DeviceQueue is the device's. The ring indices are
// published with atomic stores and observed with atomic loads, which orders every
// plain write made before the store ahead of every read made after the load.
package virtq

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Desc is a descriptor in a split virtqueue's descriptor table.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// UsedElem is an entry in the used ring.
type UsedElem struct {
	ID  uint32 // head of the used descriptor chain
	Len uint32 // bytes written into the chain's device-writable buffers
}

const (
	DescFNext     = 1 // buffer continues in the descriptor named by Next
	DescFWrite    = 2 // buffer is device wo (otherwise ro)
	DescFIndirect = 4 // buffer contains a descriptor table
)

const (
	AvailFNoInterrupt = 1 // driver doesn't want used buffer notifications
	UsedFNoNotify     = 1 // device doesn't want available buffer notifications
)

// MaxSize is the largest queue size a split virtqueue can have.
const MaxSize = 1 << 15

var (
	ErrSize  = errors.New("virtq: invalid queue size")
	ErrShort = errors.New("virtq: ring area too small")
	ErrChain = errors.New("virtq: malformed descriptor chain")
)

// DescTableSize returns the size in bytes of a descriptor table with n entries.
func DescTableSize(n int) int {
	return 16 * n
}

// AvailSize returns the size in bytes of an available ring with n entries,
// including the trailing used_event word.
func AvailSize(n int) int {
	return 4 + 2*n + 2
}

// UsedSize returns the size in bytes of a used ring with n entries,
// including the trailing avail_event word.
func UsedSize(n int) int {
	return 4 + 8*n + 2
}

// rings holds typed views of the three areas. Both sides share it.
type rings struct {
	num   uint16
	desc  []Desc
	avail *uint32 // flags in the low half, idx in the high half
	ring  []uint16
	used  *uint32 // flags in the low half, idx in the high half
	elems []UsedElem
}

func newRings(num int, desc, avail, used []byte) (rings, error) {
	if num <= 0 || num > MaxSize || num&(num-1) != 0 {
		return rings{}, fmt.Errorf("%w: %d", ErrSize, num)
	}

	if len(desc) < DescTableSize(num) || len(avail) < AvailSize(num) || len(used) < UsedSize(num) {
		return rings{}, fmt.Errorf("%w: size %d", ErrShort, num)
	}

	return rings{
		num:   uint16(num),
		desc:  unsafe.Slice((*Desc)(unsafe.Pointer(&desc[0])), num),
		avail: (*uint32)(unsafe.Pointer(&avail[0])),
		ring:  unsafe.Slice((*uint16)(unsafe.Pointer(&avail[4])), num),
		used:  (*uint32)(unsafe.Pointer(&used[0])),
		elems: unsafe.Slice((*UsedElem)(unsafe.Pointer(&used[4])), num),
	}, nil
}

func (r *rings) availIdx() uint16 {
	return uint16(atomic.LoadUint32(r.avail) >> 16)
}

func (r *rings) availFlags() uint16 {
	return uint16(atomic.LoadUint32(r.avail))
}

func (r *rings) usedIdx() uint16 {
	return uint16(atomic.LoadUint32(r.used) >> 16)
}

// Queue is the driver side of a split virtqueue.
type Queue struct {
	rings

	// lastUsed is the driver's used ring cursor. It never passes the device's idx.
	lastUsed uint16
}

// New returns the driver side of a split virtqueue of num entries backed by the
// given areas. The areas must be zeroed and must not move while the queue is live.
func New(num int, desc, avail, used []byte) (*Queue, error) {
	r, err := newRings(num, desc, avail, used)
	if err != nil {
		return nil, err
	}

	return &Queue{rings: r}, nil
}

// Size returns the number of entries in the queue.
func (q *Queue) Size() int {
	return int(q.num)
}

// SetDesc writes descriptor i.
func (q *Queue) SetDesc(i uint16, d Desc) {
	q.desc[i%q.num] = d
}

// Desc returns descriptor i.
func (q *Queue) Desc(i uint16) Desc {
	return q.desc[i%q.num]
}

// Publish makes the chain starting at head available to the device and returns
// the new available index. The caller notifies the device afterwards.
func (q *Queue) Publish(head uint16) uint16 {
	w := atomic.LoadUint32(q.avail)
	idx := uint16(w >> 16)

	q.ring[idx%q.num] = head

	idx++
	atomic.StoreUint32(q.avail, uint32(idx)<<16|w&0xffff)

	return idx
}

// Pop returns the next used element, or false if the device hasn't used anything
// since the last call.
func (q *Queue) Pop() (UsedElem, bool) {
	if q.lastUsed == q.usedIdx() {
		return UsedElem{}, false
	}

	e := q.elems[q.lastUsed%q.num]
	q.lastUsed++

	return e, true
}

// AvailIdx returns the driver's available index.
func (q *Queue) AvailIdx() uint16 {
	return q.availIdx()
}

// UsedIdx returns the driver's used ring cursor.
func (q *Queue) UsedIdx() uint16 {
	return q.lastUsed
}

// DeviceUsedIdx returns the used index last published by the device.
func (q *Queue) DeviceUsedIdx() uint16 {
	return q.usedIdx()
}
