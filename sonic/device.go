package sonic

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
)

type Mode byte

const (
	ModeIdle            Mode = 0x00
	ModeFreerun         Mode = 0x02
	ModeTriggeredTxRx   Mode = 0x10
	ModeTriggeredRxOnly Mode = 0x20
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeFreerun:
		return "freerun"
	case ModeTriggeredTxRx:
		return "triggered-tx-rx"
	case ModeTriggeredRxOnly:
		return "triggered-rx-only"
	}
	return fmt.Sprintf("mode(0x%02x)", byte(m))
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeIdle, ModeFreerun, ModeTriggeredTxRx, ModeTriggeredRxOnly} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q: %w", s, ErrInvalidArgument)
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	v, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Firmware is the image a device is programmed with.
type Firmware struct {
	Variant *Variant
	Version string
	Code    []byte
	// RAMInit is copied to RAMInitAddr before the code image when not empty.
	RAMInit     []byte
	RAMInitAddr uint16
	Oversample  uint8
}

// Device is one sensor port of a group.
type Device struct {
	group   *Group
	log     *slog.Logger
	port    int
	bus     int
	addr    byte
	variant *Variant
	drv     Driver
	fw      *Firmware

	connected      bool
	mode           Mode
	maxRange       uint16
	numSamples     uint16
	staticRange    uint16
	sampleInterval uint16
	oversample     uint8

	calResult   uint16
	opFreq      uint32
	scaleFactor uint16
}

func newDevice(g *Group, port int, cfg PortConfig) *Device {
	return &Device{
		group:      g,
		log:        g.log.With("port", port, "bus", cfg.Bus, "addr", cfg.Addr),
		port:       port,
		bus:        cfg.Bus,
		addr:       cfg.Addr,
		variant:    cfg.Firmware.Variant,
		drv:        cfg.Firmware.Variant.driver,
		fw:         cfg.Firmware,
		oversample: cfg.Firmware.Oversample,
	}
}

func (d *Device) Port() int                 { return d.port }
func (d *Device) Bus() int                  { return d.bus }
func (d *Device) Addr() byte                { return d.addr }
func (d *Device) Variant() *Variant         { return d.variant }
func (d *Device) PartNumber() int           { return d.variant.PartNumber }
func (d *Device) Connected() bool           { return d.connected }
func (d *Device) Mode() Mode                { return d.mode }
func (d *Device) MaxRange() uint16          { return d.maxRange }
func (d *Device) NumSamples() uint16        { return d.numSamples }
func (d *Device) StaticRange() uint16       { return d.staticRange }
func (d *Device) SampleInterval() uint16    { return d.sampleInterval }
func (d *Device) Oversample() uint8         { return d.oversample }
func (d *Device) Frequency() uint32         { return d.opFreq }
func (d *Device) CalibrationResult() uint16 { return d.calResult }
func (d *Device) ScaleFactor() uint16       { return d.scaleFactor }

// disconnect marks the device absent and drops its calibration, so that
// conversions fall back to zero until it is brought up again.
func (d *Device) disconnect() {
	d.connected = false
	d.calResult = 0
	d.scaleFactor = 0
	d.opFreq = 0
}

func (d *Device) FirmwareVersion() string {
	if d.fw == nil {
		return ""
	}
	return d.fw.Version
}

func (d *Device) String() string {
	return fmt.Sprintf("%s@%d:0x%02x", d.variant, d.bus, d.addr)
}

func (d *Device) target() Target {
	return Target{Bus: d.bus, Addr: d.addr}
}

func (d *Device) checkConnected() error {
	if !d.connected {
		return fmt.Errorf("port %d: %w", d.port, ErrNotConnected)
	}
	return nil
}

// register file access in normal operation: every write carries a byte count
// prefix expected by the firmware

func (d *Device) writeByte(ctx context.Context, reg byte, v byte) error {
	return d.group.hal.MemWrite(ctx, d.target(), reg, []byte{1, v})
}

func (d *Device) writeWord(ctx context.Context, reg byte, v uint16) error {
	return d.group.hal.MemWrite(ctx, d.target(), reg, []byte{2, byte(v), byte(v >> 8)})
}

func (d *Device) readByte(ctx context.Context, reg byte) (byte, error) {
	buf := make([]byte, 1)
	if err := d.group.hal.MemRead(ctx, d.target(), reg, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (d *Device) readWord(ctx context.Context, reg byte) (uint16, error) {
	buf := make([]byte, 2)
	if err := d.group.hal.MemRead(ctx, d.target(), reg, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}
