package driver

import (
	"errors"
	"fmt"
)

// PID identifies a process. Valid pids are positive.
type PID int

// Unlocked is the holder of a framebuffer nobody has acquired.
const Unlocked PID = -1

var (
	ErrNoProcess = errors.New("driver: no current process")
	ErrNotHolder = errors.New("driver: framebuffer held by another process")
)

func checkPID(pid PID) error {
	if pid <= 0 {
		return fmt.Errorf("%w: pid %d", ErrNoProcess, pid)
	}

	return nil
}

// AcquireFramebuffer makes pid the framebuffer's holder if nobody holds it.
// It reports whether pid holds the framebuffer afterwards; acquiring it
// again while holding it succeeds.
func (d *Device) AcquireFramebuffer(pid PID) (bool, error) {
	if err := checkPID(pid); err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.holder {
	case pid:
		return true, nil
	case Unlocked:
		d.holder = pid
		d.log.Debug("framebuffer acquired", "pid", pid)
		return true, nil
	}

	return false, nil
}

// ReleaseFramebuffer gives up the framebuffer if pid holds it and does
// nothing otherwise.
func (d *Device) ReleaseFramebuffer(pid PID) error {
	if err := checkPID(pid); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.holder == pid {
		d.holder = Unlocked
		d.log.Debug("framebuffer released", "pid", pid)
	}

	return nil
}

// HoldsFramebuffer reports whether pid holds the framebuffer.
func (d *Device) HoldsFramebuffer(pid PID) (bool, error) {
	if err := checkPID(pid); err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.holder == pid, nil
}

// Holder returns the process holding the framebuffer, or Unlocked.
func (d *Device) Holder() PID {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.holder
}
