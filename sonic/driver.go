package sonic

import (
	"context"
	"fmt"
)

// NumThresholds is the number of detection threshold levels on parts that
// support multiple thresholds.
const NumThresholds = 6

type Threshold struct {
	StartSample uint16 `yaml:"start_sample"`
	Level       uint16 `yaml:"level"`
}

type Thresholds [NumThresholds]Threshold

// Driver carries the operations whose availability depends on the variant.
// Each device gets the driver of its variant at creation time.
type Driver interface {
	SetStaticRange(ctx context.Context, d *Device, samples uint16) error
	SetThresholds(ctx context.Context, d *Device, th *Thresholds) error
	Thresholds(ctx context.Context, d *Device) (*Thresholds, error)
}

type ch101Driver struct{}

func (ch101Driver) SetStaticRange(ctx context.Context, d *Device, samples uint16) error {
	if samples > 0xFF {
		return fmt.Errorf("static range %d does not fit register: %w", samples, ErrInvalidArgument)
	}
	if err := d.writeByte(ctx, d.variant.Regs.StaticRange, byte(samples)); err != nil {
		return fmt.Errorf("could not set static range: %w", err)
	}
	d.staticRange = samples
	return nil
}

func (ch101Driver) SetThresholds(context.Context, *Device, *Thresholds) error {
	return fmt.Errorf("thresholds: %w", ErrUnsupported)
}

func (ch101Driver) Thresholds(context.Context, *Device) (*Thresholds, error) {
	return nil, fmt.Errorf("thresholds: %w", ErrUnsupported)
}

type ch201Driver struct{}

func (ch201Driver) SetStaticRange(context.Context, *Device, uint16) error {
	return fmt.Errorf("static range: %w", ErrUnsupported)
}

// SetThresholds writes the level of every threshold and the length of all but
// the last one, which extends to the end of the samples.
func (ch201Driver) SetThresholds(ctx context.Context, d *Device, th *Thresholds) error {
	regs := d.variant.Regs
	for i := 0; i < NumThresholds; i++ {
		if i < NumThresholds-1 {
			length := th[i+1].StartSample - th[i].StartSample
			if th[i+1].StartSample < th[i].StartSample || length > 0xFF {
				return fmt.Errorf("threshold %d length %d out of range: %w", i, int(th[i+1].StartSample)-int(th[i].StartSample), ErrInvalidArgument)
			}
		}
	}
	if th[0].StartSample != 0 {
		return fmt.Errorf("first threshold must start at sample 0: %w", ErrInvalidArgument)
	}
	for i := 0; i < NumThresholds; i++ {
		if i < NumThresholds-1 {
			length := byte(th[i+1].StartSample - th[i].StartSample)
			if err := d.writeByte(ctx, regs.ThresholdLens[i], length); err != nil {
				return fmt.Errorf("could not write threshold %d length: %w", i, err)
			}
		}
		if err := d.writeWord(ctx, regs.Thresholds+byte(2*i), th[i].Level); err != nil {
			return fmt.Errorf("could not write threshold %d level: %w", i, err)
		}
	}
	return nil
}

func (ch201Driver) Thresholds(ctx context.Context, d *Device) (*Thresholds, error) {
	regs := d.variant.Regs
	var th Thresholds
	var start uint16
	for i := 0; i < NumThresholds; i++ {
		th[i].StartSample = start
		if i < NumThresholds-1 {
			length, err := d.readByte(ctx, regs.ThresholdLens[i])
			if err != nil {
				return nil, fmt.Errorf("could not read threshold %d length: %w", i, err)
			}
			start += uint16(length)
		}
		level, err := d.readWord(ctx, regs.Thresholds+byte(2*i))
		if err != nil {
			return nil, fmt.Errorf("could not read threshold %d level: %w", i, err)
		}
		th[i].Level = level
	}
	return &th, nil
}
