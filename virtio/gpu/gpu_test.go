package gpu

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestWireSizes(t *testing.T) {
	sizes := []struct {
		name string
		v    any
		want int
	}{
		{"ctrl hdr", CtrlHdr{}, SizeCtrlHdr},
		{"resource create 2d", ResourceCreate2D{}, SizeResourceCreate2D},
		{"attach backing", ResourceAttachBacking{}, SizeResourceAttachBacking},
		{"attach backing one", ResourceAttachBackingOne{}, SizeResourceAttachBackingOne},
		{"mem entry", MemEntry{}, SizeMemEntry},
		{"set scanout", SetScanout{}, SizeSetScanout},
		{"transfer to host 2d", TransferToHost2D{}, SizeTransferToHost2D},
		{"resource flush", ResourceFlush{}, SizeResourceFlush},
		{"display info", RespDisplayInfo{}, SizeRespDisplayInfo},
		{"config", Config{}, 16},
	}

	for _, s := range sizes {
		if n := binary.Size(s.v); n != s.want {
			t.Errorf("%s: size %d != %d", s.name, n, s.want)
		}
	}
}

func TestEncode(t *testing.T) {
	t.Run("field offsets", func(t *testing.T) {
		cmd := TransferToHost2D{
			Hdr:        CtrlHdr{Type: CmdTransferToHost2D},
			R:          Rect{Width: 320, Height: 200},
			Offset:     7,
			ResourceID: 666,
		}

		p := make([]byte, 64)
		n, err := Encode(p, &cmd)
		if err != nil {
			t.Fatal(err)
		}

		if n != SizeTransferToHost2D {
			t.Errorf("n %d != %d", n, SizeTransferToHost2D)
		}

		if Type(p) != CmdTransferToHost2D {
			t.Errorf("type %#x != %#x", Type(p), CmdTransferToHost2D)
		}

		if w := le.Uint32(p[32:]); w != 320 {
			t.Errorf("width %d != 320", w)
		}

		if off := le.Uint64(p[40:]); off != 7 {
			t.Errorf("offset %d != 7", off)
		}

		if id := le.Uint32(p[48:]); id != 666 {
			t.Errorf("resource id %d != 666", id)
		}
	})

	t.Run("attach one entry", func(t *testing.T) {
		cmd := ResourceAttachBackingOne{
			ResourceAttachBacking: ResourceAttachBacking{
				Hdr:        CtrlHdr{Type: CmdResourceAttachBacking},
				ResourceID: 666,
				NrEntries:  1,
			},
			Entry: MemEntry{Addr: 0x80001000, Length: 256000},
		}

		p := make([]byte, SizeResourceAttachBackingOne)
		if _, err := Encode(p, &cmd); err != nil {
			t.Fatal(err)
		}

		var hdr ResourceAttachBacking
		if err := Decode(p, &hdr); err != nil {
			t.Fatal(err)
		}

		var entry MemEntry
		if err := Decode(p[SizeResourceAttachBacking:], &entry); err != nil {
			t.Fatal(err)
		}

		if hdr != cmd.ResourceAttachBacking {
			t.Errorf("header %+v != %+v", hdr, cmd.ResourceAttachBacking)
		}

		if entry.Addr != 0x80001000 || entry.Length != 256000 {
			t.Errorf("entry %+v", entry)
		}
	})

	t.Run("short", func(t *testing.T) {
		if _, err := Encode(make([]byte, 8), &CtrlHdr{}); !errors.Is(err, ErrShort) {
			t.Errorf("err %v is not ErrShort", err)
		}

		if err := Decode(make([]byte, 8), &CtrlHdr{}); !errors.Is(err, ErrShort) {
			t.Errorf("err %v is not ErrShort", err)
		}
	})
}

func TestTypeName(t *testing.T) {
	if s := TypeName(RespOKNoData); s != "ok-nodata" {
		t.Errorf("%q != ok-nodata", s)
	}

	if s := TypeName(0x42); s != "0x42" {
		t.Errorf("%q != 0x42", s)
	}
}
