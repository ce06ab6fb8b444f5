package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/c35s/virtgpu/driver"
	"github.com/c35s/virtgpu/machine"
	"github.com/c35s/virtgpu/virtio"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// config is the demo's configuration file.
type config struct {
	Width      uint32 `yaml:"width"`
	Height     uint32 `yaml:"height"`
	ResourceID uint32 `yaml:"resource_id"`
	MemSize    int    `yaml:"mem_size"` // MiB
	Slots      int    `yaml:"slots"`
	GPUSlot    int    `yaml:"gpu_slot"`
	LogLevel   string `yaml:"log_level"`
	Output     string `yaml:"output"`
	Preview    bool   `yaml:"preview"`
}

func defaultConfig() config {
	return config{
		Width:      driver.DefaultWidth,
		Height:     driver.DefaultHeight,
		ResourceID: driver.DefaultResourceID,
		MemSize:    16,
		Slots:      2,
		GPUSlot:    1,
		LogLevel:   "info",
		Output:     "scanout.png",
	}
}

func main() {
	cfg := defaultConfig()

	var (
		cfgPath = flag.String("config", "", "load settings from a YAML file")
		width   = flag.Uint("width", uint(cfg.Width), "set the framebuffer width in pixels")
		height  = flag.Uint("height", uint(cfg.Height), "set the framebuffer height in pixels")
		level   = flag.String("log-level", cfg.LogLevel, "set the log level (debug, info, warn, error)")
		output  = flag.String("o", cfg.Output, "write the final scanout to a PNG file")
		preview = flag.Bool("preview", false, "draw the final scanout on the terminal")
	)

	flag.Parse()

	if *cfgPath != "" {
		if err := loadConfig(*cfgPath, &cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	// flags given on the command line win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "width":
			cfg.Width = uint32(*width)
		case "height":
			cfg.Height = uint32(*height)
		case "log-level":
			cfg.LogLevel = *level
		case "o":
			cfg.Output = *output
		case "preview":
			cfg.Preview = *preview
		}
	})

	lvl, err := parseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))

	if err := run(context.Background(), cfg); err != nil {
		slog.Error("virtgpu failed", "err", err)
		os.Exit(1)
	}
}

func loadConfig(path string, cfg *config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("virtgpu: read config: %w", err)
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("virtgpu: parse config %s: %w", path, err)
	}

	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("virtgpu: log level %q: %w", s, err)
	}

	return lvl, nil
}

func run(ctx context.Context, cfg config) error {
	if cfg.GPUSlot < 0 || cfg.GPUSlot >= cfg.Slots {
		return fmt.Errorf("virtgpu: gpu slot %d out of range [0, %d)", cfg.GPUSlot, cfg.Slots)
	}

	dev := &virtio.GPU{
		Width:  cfg.Width,
		Height: cfg.Height,
		OnFlush: func(f virtio.Frame) {
			slog.Debug("scanout flushed", "scanout", f.ScanoutID, "resource", f.ResourceID)
		},
	}

	// the GPU takes its slot and the block device the first free one
	devices := make([]virtio.DeviceHandler, cfg.Slots)
	devices[cfg.GPUSlot] = dev
	for i := range devices {
		if devices[i] == nil {
			devices[i] = &virtio.Block{Sectors: 2048}
			break
		}
	}

	m, err := machine.New(machine.Config{
		MemSize: cfg.MemSize << 20,
		Devices: devices,
	})

	if err != nil {
		return err
	}

	defer m.Close()

	d, err := driver.New(driver.Config{
		Slots:      m.Slots(),
		GPUSlot:    cfg.GPUSlot,
		Mem:        m.Mem(),
		Interrupts: m.Interrupts(),
		Width:      cfg.Width,
		Height:     cfg.Height,
		ResourceID: cfg.ResourceID,
		Halt: func(err error) {
			slog.Error("virtio-gpu halted", "err", err)
			os.Exit(1)
		},
	})

	if err != nil {
		return err
	}

	m.Interrupts().Handle(m.Devices()[cfg.GPUSlot].IRQ, d.HandleInterrupt)

	if err := d.Init(); err != nil {
		return err
	}

	// from here on everything runs in process context
	m.Interrupts().Enable()

	if err := runClients(ctx, d); err != nil {
		return err
	}

	f, ok := dev.Scanout(0)
	if !ok {
		return errors.New("virtgpu: nothing on scanout 0")
	}

	if cfg.Output != "" {
		if err := savePNG(cfg.Output, f); err != nil {
			return err
		}

		slog.Info("scanout saved", "path", cfg.Output)
	}

	if cfg.Preview && term.IsTerminal(int(os.Stdout.Fd())) {
		if err := preview(os.Stdout, f); err != nil {
			return err
		}
	}

	return nil
}

// runClients plays two processes sharing the display. Process 10 takes the
// framebuffer first, so process 20 waits for it before drawing.
func runClients(ctx context.Context, d *driver.Device) error {
	a, b := d.Client(10), d.Client(20)

	if ok, err := a.Acquire(); err != nil || !ok {
		return fmt.Errorf("virtgpu: pid %d acquire = %v, %v", a.PID(), ok, err)
	}

	if ok, _ := b.Acquire(); ok {
		return fmt.Errorf("virtgpu: pid %d acquired a held framebuffer", b.PID())
	}

	slog.Info("framebuffer busy", "pid", b.PID(), "holder", d.Holder())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return present(a, d.Width(), d.Height())
	})

	g.Go(func() error {
		if err := waitAcquire(ctx, b); err != nil {
			return err
		}

		return present(b, d.Width(), d.Height())
	})

	return g.Wait()
}

func waitAcquire(ctx context.Context, c *driver.Client) error {
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()

	for {
		ok, err := c.Acquire()
		if err != nil || ok {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// present draws the client's scene, shows it and gives the framebuffer up.
func present(c *driver.Client, w, h int) (err error) {
	defer func() {
		if rerr := c.Release(); err == nil {
			err = rerr
		}
	}()

	px, err := c.Pixels()
	if err != nil {
		return err
	}

	draw(px, w, h, c.PID())

	if err := c.Present(); err != nil {
		return err
	}

	slog.Info("frame presented", "pid", c.PID())
	return nil
}
