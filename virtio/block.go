package virtio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/c35s/virtgpu/virtio/virtq"
	"golang.org/x/sys/unix"
)

// Block is a virtio block device with no media behind it. It answers every
// request with an unsupported status, which is enough to populate a slot
// that discovery reports as a block device.
type Block struct {

	// Sectors is the capacity advertised in the configuration space.
	Sectors uint64
}

// blkConfig has the leading fields of struct virtio_blk_config.
type blkConfig struct {
	Capacity uint64 // 512-byte sectors
	SizeMax  uint32
	SegMax   uint32
	Geometry struct {
		Cylinders uint16
		Heads     uint8
		Sectors   uint8
	}
	BlkSize uint32
}

const (
	blkFRO      = 1 << 5 // device is read-only
	blkFBlkSize = 1 << 6 // block size of disk is in blk_size

	blkSUnsupp = 2

	sectorSize = 512
)

func (*Block) GetType() DeviceID {
	return BlockDeviceID
}

func (*Block) GetFeatures() uint64 {
	return blkFRO | blkFBlkSize
}

func (*Block) Ready(uint64) error {
	return nil
}

func (*Block) Handle(queueNum int, q *virtq.DeviceQueue) error {
	if queueNum != 0 {
		return fmt.Errorf("virtio-blk: no queue %d", queueNum)
	}

	for {
		c, err := q.Next()
		if err != nil || c == nil {
			return err
		}

		// the status byte ends the chain
		last := c.Len() - 1
		if !c.IsWO(last) {
			return fmt.Errorf("virtio-blk: chain %d has no status byte", c.Head())
		}

		status, err := c.Buf(last)
		if err != nil {
			return err
		}

		if len(status) > 0 {
			status[len(status)-1] = blkSUnsupp
		}

		if err := c.Release(1); err != nil {
			return err
		}
	}
}

func (b *Block) ReadConfig(p []byte, off int) error {
	cfg := blkConfig{
		Capacity: b.Sectors,
		BlkSize:  sectorSize,
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, cfg); err != nil {
		return err
	}

	raw := buf.Bytes()
	if off < 0 || off+len(p) > len(raw) {
		return unix.EINVAL
	}

	copy(p, raw[off:])
	return nil
}
