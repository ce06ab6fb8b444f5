package main

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"

	"github.com/c35s/virtgpu/driver"
	"github.com/c35s/virtgpu/virtio"
	"github.com/fogleman/gg"
	"golang.org/x/term"
)

// draw renders pid's scene into a B8G8R8A8 framebuffer.
func draw(px []uint32, w, h int, pid driver.PID) {
	dc := gg.NewContext(w, h)

	// a different hue per process
	hue := float64(pid%7) / 7
	r, g, b := hsv(hue, 0.6, 0.9)

	dc.SetRGB(0.08, 0.08, 0.1)
	dc.Clear()

	dc.SetRGB(r, g, b)
	dc.DrawCircle(float64(w)/2, float64(h)/2, math.Min(float64(w), float64(h))/3)
	dc.Fill()

	dc.SetLineWidth(2)
	dc.DrawRectangle(4, 4, float64(w)-8, float64(h)-8)
	dc.Stroke()

	dc.SetRGB(1, 1, 1)
	dc.DrawStringAnchored(fmt.Sprintf("pid %d", pid), float64(w)/2, float64(h)/2, 0.5, 0.5)

	rgba := toRGBA(dc.Image())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := rgba.PixOffset(x, y)
			p := rgba.Pix[i : i+4]
			px[y*w+x] = uint32(p[2]) | uint32(p[1])<<8 | uint32(p[0])<<16 | uint32(p[3])<<24
		}
	}
}

func toRGBA(im image.Image) *image.RGBA {
	if rgba, ok := im.(*image.RGBA); ok {
		return rgba
	}

	b := im.Bounds()
	rgba := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			rgba.Set(x, y, im.At(x, y))
		}
	}

	return rgba
}

func hsv(h, s, v float64) (r, g, b float64) {
	i := math.Floor(h * 6)
	f := h*6 - i
	p, q, t := v*(1-s), v*(1-f*s), v*(1-(1-f)*s)

	switch int(i) % 6 {
	case 0:
		return v, t, p
	case 1:
		return q, v, p
	case 2:
		return p, v, t
	case 3:
		return p, q, v
	case 4:
		return t, p, v
	}

	return v, p, q
}

// frameImage converts a B8G8R8A8 frame to an image.
func frameImage(f virtio.Frame) *image.RGBA {
	im := image.NewRGBA(image.Rect(0, 0, int(f.Width), int(f.Height)))
	for y := 0; y < int(f.Height); y++ {
		row := f.Pixels[y*int(f.Stride):]
		for x := 0; x < int(f.Width); x++ {
			p := row[x*4 : x*4+4]
			im.SetRGBA(x, y, color.RGBA{R: p[2], G: p[1], B: p[0], A: p[3]})
		}
	}

	return im
}

func savePNG(path string, f virtio.Frame) error {
	if err := gg.SavePNG(path, frameImage(f)); err != nil {
		return fmt.Errorf("virtgpu: save %s: %w", path, err)
	}

	return nil
}

// preview draws the frame on a true-color terminal, two pixel rows per
// character cell.
func preview(w *os.File, f virtio.Frame) error {
	cols, rows, err := term.GetSize(int(w.Fd()))
	if err != nil {
		return fmt.Errorf("virtgpu: terminal size: %w", err)
	}

	if cols <= 0 || rows <= 1 {
		return nil
	}

	im := frameImage(f)
	fw, fh := int(f.Width), int(f.Height)

	// keep the aspect ratio, leaving a line for the prompt
	scale := math.Max(float64(fw)/float64(cols), float64(fh)/float64(2*(rows-1)))
	cw, ch := int(float64(fw)/scale), int(float64(fh)/scale)/2

	for cy := 0; cy < ch; cy++ {
		for cx := 0; cx < cw; cx++ {
			x := int(float64(cx) * scale)
			top := im.RGBAAt(x, int(float64(2*cy)*scale))
			bot := im.RGBAAt(x, int(float64(2*cy+1)*scale))
			fmt.Fprintf(w, "\x1b[38;2;%d;%d;%dm\x1b[48;2;%d;%d;%dm▀", top.R, top.G, top.B, bot.R, bot.G, bot.B)
		}

		if _, err := fmt.Fprint(w, "\x1b[0m\n"); err != nil {
			return err
		}
	}

	return nil
}
