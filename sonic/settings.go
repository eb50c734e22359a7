package sonic

import (
	"context"
	"errors"
	"fmt"
	"math"
)

const (
	idleTickInterval = 2048
	ticksPerPeriod   = 2048
)

// Config is the set of measurement parameters of a device.
type Config struct {
	Mode           Mode        `yaml:"mode"`
	MaxRange       uint16      `yaml:"max_range"`
	StaticRange    uint16      `yaml:"static_range"`
	SampleInterval uint16      `yaml:"sample_interval"`
	Thresholds     *Thresholds `yaml:"thresholds,omitempty"`
}

func (d *Device) SetMode(ctx context.Context, mode Mode) error {
	if err := d.checkConnected(); err != nil {
		return err
	}
	regs := d.variant.Regs
	switch mode {
	case ModeIdle:
		if err := d.writeByte(ctx, regs.OpMode, byte(mode)); err != nil {
			return fmt.Errorf("could not set mode: %w", err)
		}
		if err := d.writeByte(ctx, regs.Period, 0); err != nil {
			return fmt.Errorf("could not clear period: %w", err)
		}
		if err := d.writeWord(ctx, regs.TickInterval, idleTickInterval); err != nil {
			return fmt.Errorf("could not set tick interval: %w", err)
		}
	case ModeFreerun, ModeTriggeredTxRx, ModeTriggeredRxOnly:
		if err := d.writeByte(ctx, regs.OpMode, byte(mode)); err != nil {
			return fmt.Errorf("could not set mode: %w", err)
		}
	default:
		return fmt.Errorf("%s: %w", mode, ErrInvalidArgument)
	}
	d.mode = mode
	return nil
}

// SetNumSamples sets how many samples a measurement takes.
func (d *Device) SetNumSamples(ctx context.Context, n uint16) error {
	if err := d.checkConnected(); err != nil {
		return err
	}
	raw := n / d.variant.sampleDiv
	if raw > math.MaxUint8 {
		return fmt.Errorf("%d samples does not fit register: %w", n, ErrInvalidArgument)
	}
	if err := d.writeByte(ctx, d.variant.Regs.MaxRange, byte(raw)); err != nil {
		return fmt.Errorf("could not set sample count: %w", err)
	}
	d.numSamples = n
	return nil
}

// SetMaxRange sets the measurement range in mm. Ranges beyond what the part
// can sample are reduced to its maximum, which MaxRange reports afterwards.
func (d *Device) SetMaxRange(ctx context.Context, mm uint16) error {
	if err := d.checkConnected(); err != nil {
		return err
	}
	n := d.MMToSamples(mm)
	if n > d.variant.MaxSamples {
		n = d.variant.MaxSamples
		d.maxRange = d.SamplesToMM(n)
	} else {
		d.maxRange = mm
	}
	if err := d.SetNumSamples(ctx, n); err != nil {
		d.numSamples = 0
		return err
	}
	return nil
}

// SetStaticRange sets the number of samples at the start of a measurement in
// which static targets are ignored.
func (d *Device) SetStaticRange(ctx context.Context, samples uint16) error {
	if err := d.checkConnected(); err != nil {
		return err
	}
	return d.drv.SetStaticRange(ctx, d, samples)
}

// SetSampleInterval sets the free running measurement interval.
func (d *Device) SetSampleInterval(ctx context.Context, ms uint16) error {
	if err := d.checkConnected(); err != nil {
		return err
	}
	pulse := d.group.PulseMS()
	ticks := uint32(d.calResult) * uint32(ms) / pulse
	period := ticks/ticksPerPeriod + 1
	if period > math.MaxUint8 {
		return fmt.Errorf("sample interval %d ms too long: %w", ms, ErrInvalidArgument)
	}
	tick := ticks / period
	regs := d.variant.Regs
	if err := d.writeByte(ctx, regs.Period, byte(period)); err != nil {
		return fmt.Errorf("could not set period: %w", err)
	}
	if err := d.writeWord(ctx, regs.TickInterval, uint16(tick)); err != nil {
		return fmt.Errorf("could not set tick interval: %w", err)
	}
	d.sampleInterval = ms
	return nil
}

func (d *Device) SetThresholds(ctx context.Context, th *Thresholds) error {
	if err := d.checkConnected(); err != nil {
		return err
	}
	if th == nil {
		return fmt.Errorf("nil thresholds: %w", ErrInvalidArgument)
	}
	return d.drv.SetThresholds(ctx, d, th)
}

func (d *Device) Thresholds(ctx context.Context) (*Thresholds, error) {
	if err := d.checkConnected(); err != nil {
		return nil, err
	}
	return d.drv.Thresholds(ctx, d)
}

// IsLocked reports whether the device finished its frequency lock.
func (d *Device) IsLocked(ctx context.Context) bool {
	if !d.connected {
		return false
	}
	ready, err := d.readByte(ctx, d.variant.Regs.Ready)
	if err != nil {
		d.log.Debug("could not read ready register", "err", err)
		return false
	}
	return ready&d.variant.ReadyLockMask != 0
}

// SetConfig applies cfg in order: mode, max range, static range (when
// non-zero), sample interval (in free running mode) and thresholds (when set).
func (d *Device) SetConfig(ctx context.Context, cfg Config) error {
	if err := d.checkConnected(); err != nil {
		return err
	}
	if err := d.SetMode(ctx, cfg.Mode); err != nil {
		return err
	}
	if err := d.SetMaxRange(ctx, cfg.MaxRange); err != nil {
		return err
	}
	if cfg.StaticRange != 0 {
		if err := d.SetStaticRange(ctx, cfg.StaticRange); err != nil {
			return err
		}
	}
	if cfg.Mode == ModeFreerun {
		if err := d.SetSampleInterval(ctx, cfg.SampleInterval); err != nil {
			return err
		}
	}
	if cfg.Thresholds != nil {
		if err := d.SetThresholds(ctx, cfg.Thresholds); err != nil {
			return err
		}
	}
	return nil
}

// Config returns the parameters last applied to the device.
func (d *Device) Config(ctx context.Context) (Config, error) {
	if err := d.checkConnected(); err != nil {
		return Config{}, err
	}
	cfg := Config{
		Mode:           d.mode,
		MaxRange:       d.maxRange,
		StaticRange:    d.staticRange,
		SampleInterval: d.sampleInterval,
	}
	th, err := d.Thresholds(ctx)
	switch {
	case err == nil:
		cfg.Thresholds = th
	case errors.Is(err, ErrUnsupported):
	default:
		return cfg, err
	}
	return cfg, nil
}
