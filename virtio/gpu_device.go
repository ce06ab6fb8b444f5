package virtio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/virtgpu/virtio/gpu"
	"github.com/c35s/virtgpu/virtio/virtq"
	"golang.org/x/sys/unix"
)

// GPU is a virtio-gpu device model that supports 2D resources only.
type GPU struct {

	// Width and Height are the display size reported to the driver.
	// If zero, the display is 320x200.
	Width  uint32
	Height uint32

	// OnFlush, if set, is called with a copy of each flushed scanout.
	OnFlush func(f Frame)

	mu        sync.Mutex
	resources map[uint32]*gpuResource
	scanouts  [gpu.MaxScanouts]*gpuScanout
	displays  [gpu.MaxScanouts]*Frame
}

// Frame is the visible content of a scanout.
type Frame struct {
	ScanoutID  uint32
	ResourceID uint32
	Format     uint32
	Width      uint32
	Height     uint32
	Stride     uint32
	Pixels     []byte
}

type gpuResource struct {
	id      uint32
	format  uint32
	width   uint32
	height  uint32
	backing []gpu.MemEntry
	pixels  []byte
}

// contains reports whether r lies within the resource.
func (res *gpuResource) contains(r gpu.Rect) bool {
	return uint64(r.X)+uint64(r.Width) <= uint64(res.width) &&
		uint64(r.Y)+uint64(r.Height) <= uint64(res.height)
}

type gpuScanout struct {
	resourceID uint32
	r          gpu.Rect
}

// maxResourceSize bounds the host memory one resource may take.
const maxResourceSize = 256 << 20

const (
	gpuControlQ = 0
	gpuCursorQ  = 1
)

func (g *GPU) GetType() DeviceID {
	return GPUDeviceID
}

func (*GPU) GetFeatures() uint64 {
	return gpu.FEDID
}

func (*GPU) Ready(negotiatedFeatures uint64) error {
	if negotiatedFeatures&gpu.FVirgl != 0 {
		return errors.New("virtio-gpu: 3D mode is not supported")
	}

	return nil
}

func (g *GPU) Handle(queueNum int, q *virtq.DeviceQueue) error {
	for {
		c, err := q.Next()
		if err != nil {
			return err
		}

		if c == nil {
			return nil
		}

		var n int

		switch queueNum {
		case gpuControlQ:
			n, err = g.handleControl(q, c)
			if err != nil {
				slog.Error("virtio-gpu: control command failed", "err", err)
			}

		case gpuCursorQ:
			// cursor updates are accepted and ignored
		}

		if err := c.Release(n); err != nil {
			return err
		}
	}
}

func (g *GPU) ReadConfig(p []byte, off int) error {
	cfg := gpu.Config{NumScanouts: 1}

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

// Scanout returns a copy of the last frame flushed to scanout id.
func (g *GPU) Scanout(id uint32) (Frame, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if id >= gpu.MaxScanouts || g.displays[id] == nil {
		return Frame{}, false
	}

	f := *g.displays[id]
	f.Pixels = bytes.Clone(f.Pixels)

	return f, true
}

// handleControl runs one control command and returns the number of response
// bytes written.
func (g *GPU) handleControl(q *virtq.DeviceQueue, c *virtq.Chain) (int, error) {
	var (
		cmd  []byte
		resp []byte
	)

	for i := 0; i < c.Len(); i++ {
		buf, err := c.Buf(i)
		if err != nil {
			return 0, err
		}

		switch {
		case c.IsRO(i):
			cmd = append(cmd, buf...)

		case resp == nil:
			resp = buf
		}
	}

	if len(cmd) < gpu.SizeCtrlHdr {
		return 0, fmt.Errorf("command buffer too small: %d bytes", len(cmd))
	}

	var hdr gpu.CtrlHdr
	if err := gpu.Decode(cmd, &hdr); err != nil {
		return 0, err
	}

	var out any

	switch hdr.Type {
	case gpu.CmdGetDisplayInfo:
		out = g.displayInfo(hdr)

	case gpu.CmdResourceCreate2D:
		out = g.resourceCreate2D(cmd)

	case gpu.CmdResourceUnref:
		out = g.resourceUnref(cmd)

	case gpu.CmdResourceAttachBacking:
		out = g.resourceAttachBacking(cmd)

	case gpu.CmdResourceDetachBacking:
		out = g.resourceDetachBacking(cmd)

	case gpu.CmdSetScanout:
		out = g.setScanout(cmd)

	case gpu.CmdTransferToHost2D:
		out = g.transferToHost2D(q, cmd)

	case gpu.CmdResourceFlush:
		out = g.resourceFlush(cmd)

	default:
		slog.Warn("virtio-gpu: unknown command", "type", gpu.TypeName(hdr.Type))
		out = respond(hdr, gpu.RespErrUnspec)
	}

	if resp == nil {
		return 0, nil
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, out); err != nil {
		return 0, err
	}

	return copy(resp, buf.Bytes()), nil
}

func respond(hdr gpu.CtrlHdr, typ uint32) *gpu.CtrlHdr {
	return &gpu.CtrlHdr{
		Type:    typ,
		Flags:   hdr.Flags,
		FenceID: hdr.FenceID,
		CtxID:   hdr.CtxID,
	}
}

func (g *GPU) displayInfo(hdr gpu.CtrlHdr) *gpu.RespDisplayInfo {
	w, h := g.Width, g.Height
	if w == 0 || h == 0 {
		w, h = 320, 200
	}

	resp := &gpu.RespDisplayInfo{Hdr: *respond(hdr, gpu.RespOKDisplayInfo)}
	resp.PModes[0] = gpu.DisplayOne{R: gpu.Rect{Width: w, Height: h}, Enabled: 1}

	return resp
}

func (g *GPU) resourceCreate2D(p []byte) *gpu.CtrlHdr {
	var cmd gpu.ResourceCreate2D
	if err := gpu.Decode(p, &cmd); err != nil {
		return respond(cmd.Hdr, gpu.RespErrInvalidParameter)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.resources == nil {
		g.resources = make(map[uint32]*gpuResource)
	}

	if _, ok := g.resources[cmd.ResourceID]; ok || cmd.ResourceID == 0 {
		return respond(cmd.Hdr, gpu.RespErrInvalidResourceID)
	}

	if cmd.Width == 0 || cmd.Height == 0 || uint64(cmd.Width)*uint64(cmd.Height)*gpu.BytesPerPixel > maxResourceSize {
		return respond(cmd.Hdr, gpu.RespErrInvalidParameter)
	}

	g.resources[cmd.ResourceID] = &gpuResource{
		id:     cmd.ResourceID,
		format: cmd.Format,
		width:  cmd.Width,
		height: cmd.Height,
		pixels: make([]byte, uint64(cmd.Width)*uint64(cmd.Height)*gpu.BytesPerPixel),
	}

	return respond(cmd.Hdr, gpu.RespOKNoData)
}

func (g *GPU) resourceUnref(p []byte) *gpu.CtrlHdr {
	var cmd gpu.ResourceUnref
	if err := gpu.Decode(p, &cmd); err != nil {
		return respond(cmd.Hdr, gpu.RespErrInvalidParameter)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.resources[cmd.ResourceID]; !ok {
		return respond(cmd.Hdr, gpu.RespErrInvalidResourceID)
	}

	delete(g.resources, cmd.ResourceID)
	return respond(cmd.Hdr, gpu.RespOKNoData)
}

func (g *GPU) resourceAttachBacking(p []byte) *gpu.CtrlHdr {
	var cmd gpu.ResourceAttachBacking
	if err := gpu.Decode(p, &cmd); err != nil {
		return respond(cmd.Hdr, gpu.RespErrInvalidParameter)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.resources[cmd.ResourceID]
	if !ok {
		return respond(cmd.Hdr, gpu.RespErrInvalidResourceID)
	}

	entries := make([]gpu.MemEntry, cmd.NrEntries)
	for i := range entries {
		off := gpu.SizeResourceAttachBacking + i*gpu.SizeMemEntry
		if off+gpu.SizeMemEntry > len(p) {
			return respond(cmd.Hdr, gpu.RespErrInvalidParameter)
		}

		if err := gpu.Decode(p[off:], &entries[i]); err != nil {
			return respond(cmd.Hdr, gpu.RespErrInvalidParameter)
		}
	}

	res.backing = entries
	return respond(cmd.Hdr, gpu.RespOKNoData)
}

func (g *GPU) resourceDetachBacking(p []byte) *gpu.CtrlHdr {
	var cmd gpu.ResourceDetachBacking
	if err := gpu.Decode(p, &cmd); err != nil {
		return respond(cmd.Hdr, gpu.RespErrInvalidParameter)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.resources[cmd.ResourceID]
	if !ok {
		return respond(cmd.Hdr, gpu.RespErrInvalidResourceID)
	}

	res.backing = nil
	return respond(cmd.Hdr, gpu.RespOKNoData)
}

func (g *GPU) setScanout(p []byte) *gpu.CtrlHdr {
	var cmd gpu.SetScanout
	if err := gpu.Decode(p, &cmd); err != nil {
		return respond(cmd.Hdr, gpu.RespErrInvalidParameter)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if cmd.ScanoutID >= gpu.MaxScanouts {
		return respond(cmd.Hdr, gpu.RespErrInvalidScanoutID)
	}

	// resource 0 disables the scanout
	if cmd.ResourceID == 0 {
		g.scanouts[cmd.ScanoutID] = nil
		g.displays[cmd.ScanoutID] = nil
		return respond(cmd.Hdr, gpu.RespOKNoData)
	}

	res, ok := g.resources[cmd.ResourceID]
	if !ok {
		return respond(cmd.Hdr, gpu.RespErrInvalidResourceID)
	}

	if !res.contains(cmd.R) {
		return respond(cmd.Hdr, gpu.RespErrInvalidParameter)
	}

	g.scanouts[cmd.ScanoutID] = &gpuScanout{resourceID: cmd.ResourceID, r: cmd.R}
	return respond(cmd.Hdr, gpu.RespOKNoData)
}

func (g *GPU) transferToHost2D(q *virtq.DeviceQueue, p []byte) *gpu.CtrlHdr {
	var cmd gpu.TransferToHost2D
	if err := gpu.Decode(p, &cmd); err != nil {
		return respond(cmd.Hdr, gpu.RespErrInvalidParameter)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.resources[cmd.ResourceID]
	if !ok {
		return respond(cmd.Hdr, gpu.RespErrInvalidResourceID)
	}

	if len(res.backing) == 0 {
		return respond(cmd.Hdr, gpu.RespErrUnspec)
	}

	if !res.contains(cmd.R) {
		return respond(cmd.Hdr, gpu.RespErrInvalidParameter)
	}

	var backing []byte
	for _, e := range res.backing {
		b, err := q.MemAt(e.Addr, int(e.Length))
		if err != nil {
			slog.Error("virtio-gpu: bad backing entry", "addr", e.Addr, "len", e.Length, "err", err)
			return respond(cmd.Hdr, gpu.RespErrUnspec)
		}

		backing = append(backing, b...)
	}

	var (
		stride = uint64(res.width) * gpu.BytesPerPixel
		row    = uint64(cmd.R.Width) * gpu.BytesPerPixel
	)

	for y := uint64(0); y < uint64(cmd.R.Height); y++ {
		src := cmd.Offset + y*stride
		dst := (uint64(cmd.R.Y)+y)*stride + uint64(cmd.R.X)*gpu.BytesPerPixel

		if src < cmd.Offset || src > uint64(len(backing)) || row > uint64(len(backing))-src {
			return respond(cmd.Hdr, gpu.RespErrInvalidParameter)
		}

		copy(res.pixels[dst:dst+row], backing[src:src+row])
	}

	return respond(cmd.Hdr, gpu.RespOKNoData)
}

func (g *GPU) resourceFlush(p []byte) *gpu.CtrlHdr {
	var cmd gpu.ResourceFlush
	if err := gpu.Decode(p, &cmd); err != nil {
		return respond(cmd.Hdr, gpu.RespErrInvalidParameter)
	}

	g.mu.Lock()

	res, ok := g.resources[cmd.ResourceID]
	if !ok {
		g.mu.Unlock()
		return respond(cmd.Hdr, gpu.RespErrInvalidResourceID)
	}

	var flushed []Frame

	for id, so := range g.scanouts {
		if so == nil || so.resourceID != res.id {
			continue
		}

		f := &Frame{
			ScanoutID:  uint32(id),
			ResourceID: res.id,
			Format:     res.format,
			Width:      res.width,
			Height:     res.height,
			Stride:     res.width * gpu.BytesPerPixel,
			Pixels:     bytes.Clone(res.pixels),
		}

		g.displays[id] = f
		flushed = append(flushed, *f)
	}

	g.mu.Unlock()

	if g.OnFlush != nil {
		for _, f := range flushed {
			g.OnFlush(f)
		}
	}

	return respond(cmd.Hdr, gpu.RespOKNoData)
}
