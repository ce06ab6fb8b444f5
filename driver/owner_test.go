package driver

import (
	"errors"
	"testing"
)

func TestFramebufferOwner(t *testing.T) {
	d := newRig(t, nil).d

	step := func(desc string, got bool, err error, want bool) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s: %v", desc, err)
		}

		if got != want {
			t.Errorf("%s = %v, want %v", desc, got, want)
		}
	}

	ok, err := d.AcquireFramebuffer(10)
	step("acquire(10)", ok, err, true)

	ok, err = d.AcquireFramebuffer(10)
	step("acquire(10) again", ok, err, true)

	ok, err = d.AcquireFramebuffer(20)
	step("acquire(20)", ok, err, false)

	ok, err = d.HoldsFramebuffer(20)
	step("holds(20)", ok, err, false)

	if err := d.ReleaseFramebuffer(20); err != nil {
		t.Fatal(err)
	}

	ok, err = d.HoldsFramebuffer(10)
	step("holds(10) after release(20)", ok, err, true)

	if err := d.ReleaseFramebuffer(10); err != nil {
		t.Fatal(err)
	}

	if h := d.Holder(); h != Unlocked {
		t.Errorf("holder %d after release", h)
	}

	ok, err = d.AcquireFramebuffer(20)
	step("acquire(20) after release(10)", ok, err, true)

	ok, err = d.HoldsFramebuffer(10)
	step("holds(10)", ok, err, false)
}

func TestFramebufferOwnerNoProcess(t *testing.T) {
	d := newRig(t, nil).d

	for _, pid := range []PID{0, -3} {
		if _, err := d.AcquireFramebuffer(pid); !errors.Is(err, ErrNoProcess) {
			t.Errorf("acquire(%d): err %v", pid, err)
		}

		if err := d.ReleaseFramebuffer(pid); !errors.Is(err, ErrNoProcess) {
			t.Errorf("release(%d): err %v", pid, err)
		}

		if _, err := d.HoldsFramebuffer(pid); !errors.Is(err, ErrNoProcess) {
			t.Errorf("holds(%d): err %v", pid, err)
		}
	}

	if h := d.Holder(); h != Unlocked {
		t.Errorf("holder %d", h)
	}
}

func TestClient(t *testing.T) {
	r := newRig(t, nil)
	if err := r.d.Init(); err != nil {
		t.Fatal(err)
	}

	r.intr.Enable()

	a, b := r.d.Client(10), r.d.Client(20)

	if err := a.Present(); !errors.Is(err, ErrNotHolder) {
		t.Errorf("present without acquiring: err %v", err)
	}

	if ok, err := a.Acquire(); !ok || err != nil {
		t.Fatalf("acquire = %v, %v", ok, err)
	}

	if _, err := b.Pixels(); !errors.Is(err, ErrNotHolder) {
		t.Errorf("b.Pixels: err %v", err)
	}

	if err := b.Present(); !errors.Is(err, ErrNotHolder) {
		t.Errorf("b.Present: err %v", err)
	}

	px, err := a.Pixels()
	if err != nil {
		t.Fatal(err)
	}

	px[0] = 0xff0000ff

	before := len(r.f.commands())
	if err := a.Present(); err != nil {
		t.Fatal(err)
	}

	if n := len(r.f.commands()) - before; n != 2 {
		t.Errorf("present submitted %d commands, want 2", n)
	}

	if err := a.Release(); err != nil {
		t.Fatal(err)
	}

	if err := a.Present(); !errors.Is(err, ErrNotHolder) {
		t.Errorf("present after release: err %v", err)
	}

	if _, err := r.d.Client(0).Holds(); !errors.Is(err, ErrNoProcess) {
		t.Errorf("pid 0: err %v", err)
	}
}
