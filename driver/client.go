package driver

// Client is one process's view of the display. Unlike the Device methods it
// wraps, a Client only lets the framebuffer's holder present.
type Client struct {
	d   *Device
	pid PID
}

// Client returns a view of d for pid.
func (d *Device) Client(pid PID) *Client {
	return &Client{d: d, pid: pid}
}

func (c *Client) PID() PID {
	return c.pid
}

func (c *Client) Acquire() (bool, error) {
	return c.d.AcquireFramebuffer(c.pid)
}

func (c *Client) Release() error {
	return c.d.ReleaseFramebuffer(c.pid)
}

func (c *Client) Holds() (bool, error) {
	return c.d.HoldsFramebuffer(c.pid)
}

// Pixels returns the framebuffer if the client holds it.
func (c *Client) Pixels() ([]uint32, error) {
	if err := c.mustHold(); err != nil {
		return nil, err
	}

	return c.d.Pixels(), nil
}

// Present transfers the framebuffer to the device and flushes it to the
// display. Only the framebuffer's holder may present. Since nobody else can
// release the framebuffer, the holder keeps it until Present returns.
func (c *Client) Present() error {
	if err := c.mustHold(); err != nil {
		return err
	}

	if err := c.d.SubmitTransfer(); err != nil {
		return err
	}

	return c.d.SubmitFlush()
}

func (c *Client) mustHold() error {
	ok, err := c.Holds()
	if err != nil {
		return err
	}

	if !ok {
		return ErrNotHolder
	}

	return nil
}
