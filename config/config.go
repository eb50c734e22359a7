// Package config describes a sensor board: which buses and control lines it
// uses, which sensor sits on which port and how the group is tuned.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mklimuk/ultrasonic/sonic"
)

var ErrInvalid = errors.New("invalid board configuration")

const (
	BusPeriph  = "periph"
	BusGobot   = "gobot"
	BusMCP2221 = "mcp2221"

	LinePeriph   = "periph"
	LineCdev     = "gpiocdev"
	LineMCP23017 = "mcp23017"
	LineMCP2221  = "mcp2221"

	ThermoTC74  = "tc74"
	ThermoSHTC3 = "shtc3"

	// EEPROMPrefix marks a firmware source stored in the board memory,
	// e.g. "eeprom:0x1000".
	EEPROMPrefix = "eeprom:"
)

type Bus struct {
	Backend string `yaml:"backend"`
	// Device is the periph bus name, e.g. "/dev/i2c-1".
	Device string `yaml:"device,omitempty"`
	// Number is the gobot bus number.
	Number  int `yaml:"number,omitempty"`
	SpeedHz int `yaml:"speed_hz,omitempty"`
}

// Line locates one control line. Which fields matter depends on the backend.
type Line struct {
	Backend string `yaml:"backend"`
	Name    string `yaml:"name,omitempty"`
	Chip    string `yaml:"chip,omitempty"`
	Offset  int    `yaml:"offset,omitempty"`
	// Set is the expander port, "A" or "B".
	Set string `yaml:"set,omitempty"`
	Pin int    `yaml:"pin,omitempty"`
}

type Port struct {
	Bus     int    `yaml:"bus"`
	Addr    uint8  `yaml:"addr"`
	Variant string `yaml:"variant"`
	Prog    Line   `yaml:"prog"`
	IO      Line   `yaml:"io"`
}

// Expander is the MCP23017 serving mcp23017 lines.
type Expander struct {
	Bus  int   `yaml:"bus"`
	Addr uint8 `yaml:"addr"`
}

// Thermometer measures air temperature for range compensation.
type Thermometer struct {
	Kind string `yaml:"kind"`
	Bus  int    `yaml:"bus"`
	Addr uint8  `yaml:"addr,omitempty"`
}

// Memory is the SPI EEPROM holding firmware images.
type Memory struct {
	Bus  int `yaml:"bus"`
	Chip int `yaml:"chip"`
}

type Board struct {
	Buses       []Bus        `yaml:"buses"`
	Expander    *Expander    `yaml:"expander,omitempty"`
	Thermometer *Thermometer `yaml:"thermometer,omitempty"`
	Memory      *Memory      `yaml:"memory,omitempty"`
	Reset    Line      `yaml:"reset"`
	Ports    []Port    `yaml:"ports"`
	// Firmware maps a variant name to a firmware bundle directory or to an
	// image address in the board memory.
	Firmware map[string]string `yaml:"firmware"`

	PulseMS       int  `yaml:"pulse_ms"`
	LockTimeoutMS int  `yaml:"lock_timeout_ms,omitempty"`
	QueueCapacity int  `yaml:"queue_capacity,omitempty"`
	ResetAfterNB  bool `yaml:"reset_after_nb,omitempty"`
	UseProgNB     bool `yaml:"use_prog_nb,omitempty"`
	BusRetries    int  `yaml:"bus_retries,omitempty"`

	// Sensor is applied to every sensor once the group is up.
	Sensor *sonic.Config `yaml:"sensor,omitempty"`
}

func cdev(offset int) Line {
	return Line{Backend: LineCdev, Chip: "gpiochip0", Offset: offset}
}

// Default is the four sensor reference board: two sensors on each of two buses.
func Default() *Board {
	return &Board{
		Buses: []Bus{
			{Backend: BusPeriph, Device: "/dev/i2c-0", SpeedHz: 400_000},
			{Backend: BusPeriph, Device: "/dev/i2c-1", SpeedHz: 400_000},
		},
		Reset: cdev(17),
		Ports: []Port{
			{Bus: 0, Addr: 45, Variant: "ch201", Prog: cdev(22), IO: cdev(5)},
			{Bus: 0, Addr: 43, Variant: "ch201", Prog: cdev(23), IO: cdev(6)},
			{Bus: 1, Addr: 44, Variant: "ch201", Prog: cdev(24), IO: cdev(12)},
			{Bus: 1, Addr: 42, Variant: "ch201", Prog: cdev(25), IO: cdev(13)},
		},
		Firmware: map[string]string{
			"ch201": "/usr/share/ultrasonic/ch201_gprmt",
		},
		PulseMS:       int(sonic.DefaultPulse / time.Millisecond),
		LockTimeoutMS: int(sonic.DefaultLockTimeout / time.Millisecond),
		BusRetries:    1,
	}
}

func Load(path string) (*Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read board configuration: %w", err)
	}
	b := &Board{}
	if err := yaml.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("could not decode board configuration: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Board) Save(path string) error {
	data, err := yaml.Marshal(b)
	if err != nil {
		return fmt.Errorf("could not encode board configuration: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("could not write board configuration: %w", err)
	}
	return nil
}

func (b *Board) Validate() error {
	var errs []error
	if len(b.Buses) == 0 {
		errs = append(errs, errors.New("no buses"))
	}
	for i, bus := range b.Buses {
		switch bus.Backend {
		case BusPeriph, BusGobot, BusMCP2221:
		default:
			errs = append(errs, fmt.Errorf("bus %d: unknown backend %q", i, bus.Backend))
		}
	}
	if b.Expander != nil && (b.Expander.Bus < 0 || b.Expander.Bus >= len(b.Buses)) {
		errs = append(errs, fmt.Errorf("expander: no bus %d", b.Expander.Bus))
	}
	if t := b.Thermometer; t != nil {
		if t.Kind != ThermoTC74 && t.Kind != ThermoSHTC3 {
			errs = append(errs, fmt.Errorf("thermometer: unknown kind %q", t.Kind))
		}
		if t.Bus < 0 || t.Bus >= len(b.Buses) {
			errs = append(errs, fmt.Errorf("thermometer: no bus %d", t.Bus))
		}
	}
	for variant, src := range b.Firmware {
		if _, ok := EEPROMAddress(src); !ok {
			continue
		}
		if b.Memory == nil {
			errs = append(errs, fmt.Errorf("firmware %s: %s without a memory", variant, src))
		}
		if _, err := parseAddress(src); err != nil {
			errs = append(errs, fmt.Errorf("firmware %s: %w", variant, err))
		}
	}
	errs = append(errs, b.validateLine("reset", b.Reset))
	if len(b.Ports) == 0 {
		errs = append(errs, errors.New("no ports"))
	}
	for i, p := range b.Ports {
		if p.Bus < 0 || p.Bus >= len(b.Buses) {
			errs = append(errs, fmt.Errorf("port %d: no bus %d", i, p.Bus))
		}
		if _, ok := sonic.VariantByName(p.Variant); !ok {
			errs = append(errs, fmt.Errorf("port %d: unknown variant %q", i, p.Variant))
		} else if _, ok := b.Firmware[p.Variant]; !ok {
			errs = append(errs, fmt.Errorf("port %d: no firmware for %s", i, p.Variant))
		}
		errs = append(errs,
			b.validateLine(fmt.Sprintf("port %d prog", i), p.Prog),
			b.validateLine(fmt.Sprintf("port %d io", i), p.IO),
		)
	}
	if b.PulseMS <= 0 {
		errs = append(errs, fmt.Errorf("pulse_ms must be positive, got %d", b.PulseMS))
	}
	if b.LockTimeoutMS < 0 || b.QueueCapacity < 0 || b.BusRetries < 0 {
		errs = append(errs, errors.New("lock_timeout_ms, queue_capacity and bus_retries cannot be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func (b *Board) validateLine(what string, l Line) error {
	switch l.Backend {
	case LinePeriph:
		if l.Name == "" {
			return fmt.Errorf("%s: periph line needs a pin name", what)
		}
	case LineCdev:
		if l.Chip == "" || l.Offset < 0 {
			return fmt.Errorf("%s: gpiocdev line needs a chip and an offset", what)
		}
	case LineMCP23017:
		if b.Expander == nil {
			return fmt.Errorf("%s: mcp23017 line without an expander", what)
		}
		if (l.Set != "A" && l.Set != "B") || l.Pin < 0 || l.Pin > 7 {
			return fmt.Errorf("%s: mcp23017 line needs set A or B and a pin 0-7", what)
		}
	case LineMCP2221:
		if l.Pin < 0 || l.Pin > 3 {
			return fmt.Errorf("%s: mcp2221 line needs a GP pin 0-3", what)
		}
	default:
		return fmt.Errorf("%s: unknown line backend %q", what, l.Backend)
	}
	return nil
}

// PortConfigs resolves ports against loaded firmware, keyed by variant name.
func (b *Board) PortConfigs(fw map[string]*sonic.Firmware) ([]sonic.PortConfig, error) {
	ports := make([]sonic.PortConfig, 0, len(b.Ports))
	for i, p := range b.Ports {
		f, ok := fw[p.Variant]
		if !ok {
			return nil, fmt.Errorf("port %d: no firmware loaded for %s", i, p.Variant)
		}
		ports = append(ports, sonic.PortConfig{Bus: p.Bus, Addr: p.Addr, Firmware: f})
	}
	return ports, nil
}

// GroupOptions turns the tuning knobs into group options.
func (b *Board) GroupOptions() []sonic.Option {
	var flags sonic.Flags
	if b.ResetAfterNB {
		flags |= sonic.FlagResetAfterNB
	}
	if b.UseProgNB {
		flags |= sonic.FlagUseProgNB
	}
	opts := []sonic.Option{
		sonic.WithFlags(flags),
		sonic.WithPulse(time.Duration(b.PulseMS) * time.Millisecond),
	}
	if b.LockTimeoutMS > 0 {
		opts = append(opts, sonic.WithLockTimeout(time.Duration(b.LockTimeoutMS)*time.Millisecond))
	}
	if b.QueueCapacity > 0 {
		opts = append(opts, sonic.WithQueueCapacity(b.QueueCapacity))
	}
	return opts
}

// EEPROMAddress returns the memory address of a firmware source stored in
// the board memory. ok is false for bundle directories.
func EEPROMAddress(src string) (addr uint32, ok bool) {
	if !strings.HasPrefix(src, EEPROMPrefix) {
		return 0, false
	}
	addr, _ = parseAddress(src)
	return addr, true
}

func parseAddress(src string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(src, EEPROMPrefix), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad memory address in %q: %w", src, err)
	}
	return uint32(v), nil
}
