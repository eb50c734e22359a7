package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/urfave/cli/v2"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/ultrasonic"
	"github.com/mklimuk/ultrasonic/adapter"
	"github.com/mklimuk/ultrasonic/board"
	"github.com/mklimuk/ultrasonic/config"
	"github.com/mklimuk/ultrasonic/firmware"
	"github.com/mklimuk/ultrasonic/gpio"
	"github.com/mklimuk/ultrasonic/i2c"
	"github.com/mklimuk/ultrasonic/memory/eeprom"
	"github.com/mklimuk/ultrasonic/snsctx"
	"github.com/mklimuk/ultrasonic/sonic"
	"github.com/mklimuk/ultrasonic/thermo"
)

// rig is a configured board with its sensor group attached.
type rig struct {
	cfg      *config.Board
	log      *slog.Logger
	mcp      *adapter.MCP2221
	buses    []ultrasonic.I2CBus
	expander *gpio.MCP23017
	thermo   thermo.Thermometer
	memory   *eeprom.EEPROM25AA1024
	closers  []io.Closer
	board    *board.Board
	group    *sonic.Group
}

// commandContext carries the verbosity flags of the cli into a context.
func commandContext(c *cli.Context) context.Context {
	return snsctx.SetVerbose(c.Context, c.Bool("trace"))
}

func loadConfig(c *cli.Context) (*config.Board, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("could not load %s: %w", c.String("config"), err)
	}
	return cfg, nil
}

func openRig(ctx context.Context, cfg *config.Board, log *slog.Logger) (r *rig, err error) {
	r = &rig{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()
	for i, bc := range cfg.Buses {
		bus, err := r.openBus(ctx, bc)
		if err != nil {
			return nil, fmt.Errorf("bus %d: %w", i, err)
		}
		r.buses = append(r.buses, bus)
	}
	if cfg.Expander != nil {
		r.expander = gpio.NewMCP23017(r.buses[cfg.Expander.Bus], cfg.Expander.Addr)
	}
	if t := cfg.Thermometer; t != nil {
		switch t.Kind {
		case config.ThermoTC74:
			r.thermo = thermo.NewTC74(r.buses[t.Bus], t.Addr)
		case config.ThermoSHTC3:
			r.thermo = thermo.NewSHTC3(r.buses[t.Bus])
		}
	}
	reset, err := r.openLine(cfg.Reset)
	if err != nil {
		return nil, fmt.Errorf("reset line: %w", err)
	}
	lines := make([]board.PortLines, len(cfg.Ports))
	for i, p := range cfg.Ports {
		if lines[i].Prog, err = r.openLine(p.Prog); err != nil {
			return nil, fmt.Errorf("port %d prog line: %w", i, err)
		}
		if lines[i].IO, err = r.openLine(p.IO); err != nil {
			return nil, fmt.Errorf("port %d io line: %w", i, err)
		}
	}
	r.board, err = board.New(r.buses, reset, lines, board.WithLogger(log), board.WithRetries(cfg.BusRetries))
	if err != nil {
		return nil, err
	}
	fw := make(map[string]*sonic.Firmware)
	for _, p := range cfg.Ports {
		if _, ok := fw[p.Variant]; ok {
			continue
		}
		f, err := r.loadFirmware(ctx, cfg.Firmware[p.Variant])
		if err != nil {
			return nil, fmt.Errorf("%s firmware: %w", p.Variant, err)
		}
		log.Debug("firmware loaded", "variant", p.Variant, "version", f.Version, "size", len(f.Code))
		fw[p.Variant] = f
	}
	ports, err := cfg.PortConfigs(fw)
	if err != nil {
		return nil, err
	}
	r.group, err = sonic.NewGroup(r.board, ports, append(cfg.GroupOptions(), sonic.WithLogger(log))...)
	if err != nil {
		return nil, err
	}
	r.board.Attach(r.group)
	return r, nil
}

// start brings the sensors up and applies the configured measurement settings.
func (r *rig) start(ctx context.Context) error {
	if err := r.group.Start(ctx); err != nil {
		return fmt.Errorf("could not start sensors: %w", err)
	}
	if r.cfg.Sensor == nil {
		return nil
	}
	for _, d := range r.group.Connected() {
		if err := d.SetConfig(ctx, *r.cfg.Sensor); err != nil {
			return fmt.Errorf("could not configure %s: %w", d, err)
		}
	}
	return nil
}

// loadFirmware reads a bundle directory or an image from the board memory.
func (r *rig) loadFirmware(ctx context.Context, src string) (*sonic.Firmware, error) {
	addr, ok := config.EEPROMAddress(src)
	if !ok {
		return firmware.Load(src)
	}
	mem, err := r.openMemory()
	if err != nil {
		return nil, err
	}
	return firmware.Fetch(ctx, mem, addr)
}

func (r *rig) openMemory() (*eeprom.EEPROM25AA1024, error) {
	if r.memory != nil {
		return r.memory, nil
	}
	if r.cfg.Memory == nil {
		return nil, errors.New("no memory configured")
	}
	mem, err := eeprom.NewNanoPi(r.cfg.Memory.Bus, r.cfg.Memory.Chip)
	if err != nil {
		return nil, fmt.Errorf("could not open memory: %w", err)
	}
	r.memory = mem
	r.closers = append(r.closers, mem)
	return mem, nil
}

func (r *rig) adapter(ctx context.Context) (*adapter.MCP2221, error) {
	if r.mcp != nil {
		return r.mcp, nil
	}
	a := adapter.NewMCP2221()
	if err := a.Init(ctx); err != nil {
		return nil, fmt.Errorf("could not init mcp2221: %w", err)
	}
	r.mcp = a
	return a, nil
}

func (r *rig) openBus(ctx context.Context, bc config.Bus) (ultrasonic.I2CBus, error) {
	switch bc.Backend {
	case config.BusPeriph:
		bus, err := i2c.NewGenericBus(bc.Device)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, bus)
		speed := i2c.DefaultSpeed
		if bc.SpeedHz > 0 {
			speed = physic.Frequency(bc.SpeedHz) * physic.Hertz
		}
		if err := bus.SetSpeed(speed); err != nil {
			r.log.Warn("could not set bus speed", "bus", bus, "err", err)
		}
		return bus, nil
	case config.BusGobot:
		bus, err := i2c.NewNanoPiBus(bc.Number)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, bus)
		return bus, nil
	case config.BusMCP2221:
		a, err := r.adapter(ctx)
		if err != nil {
			return nil, err
		}
		if bc.SpeedHz > 0 {
			if err := a.SetSpeed(ctx, bc.SpeedHz); err != nil {
				return nil, err
			}
		}
		return a, nil
	}
	return nil, fmt.Errorf("unknown bus backend %q", bc.Backend)
}

func (r *rig) openLine(lc config.Line) (board.Line, error) {
	switch lc.Backend {
	case config.LinePeriph:
		return gpio.NewPeriphLine(lc.Name)
	case config.LineCdev:
		l, err := gpio.NewCdevLine(lc.Chip, lc.Offset)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, l)
		return l, nil
	case config.LineMCP23017:
		if r.expander == nil {
			return nil, errors.New("no expander configured")
		}
		set := gpio.SetA
		if lc.Set == "B" {
			set = gpio.SetB
		}
		return r.expander.Pin(set, uint8(lc.Pin)), nil
	case config.LineMCP2221:
		a, err := r.adapter(context.Background())
		if err != nil {
			return nil, err
		}
		return a.Pin(lc.Pin), nil
	}
	return nil, fmt.Errorf("unknown line backend %q", lc.Backend)
}

func (r *rig) Close() error {
	var errs []error
	if r.board != nil {
		if r.group != nil {
			errs = append(errs, r.group.DisableInterrupts())
		}
		errs = append(errs, r.board.Close())
	}
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// withRig loads the board configuration, brings the sensors up and hands the
// started group to fn.
func withRig(c *cli.Context, fn func(ctx context.Context, r *rig) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx := commandContext(c)
	r, err := openRig(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("could not open board: %w", err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			slog.Warn("could not close board", "err", err)
		}
	}()
	if err := r.start(ctx); err != nil {
		return err
	}
	return fn(ctx, r)
}
