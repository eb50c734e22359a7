package sonic

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const calSettle = time.Millisecond

// MeasureClock times every connected device against a host generated pulse
// of the group's pulse duration on the io lines. Each device counts its own
// reference clock cycles during the pulse; the count gives the device's
// operating frequency.
func (g *Group) MeasureClock(ctx context.Context) error {
	devices := g.Connected()
	if len(devices) == 0 {
		return fmt.Errorf("calibration: %w", ErrNotConnected)
	}
	var errs []error
	for _, d := range devices {
		errs = append(errs, g.hal.IOClear(d.port), g.hal.IODirOut(d.port))
	}
	for _, d := range devices {
		if err := d.writeByte(ctx, d.variant.Regs.CalTrig, 0); err != nil {
			errs = append(errs, fmt.Errorf("port %d: could not arm pulse timer: %w", d.port, err))
		}
	}
	for _, d := range devices {
		errs = append(errs, g.hal.IOSet(d.port))
	}
	g.hal.Sleep(g.pulse)
	for _, d := range devices {
		errs = append(errs, g.hal.IOClear(d.port))
	}
	for _, d := range devices {
		errs = append(errs, g.hal.IODirIn(d.port))
	}
	g.hal.Sleep(calSettle)

	for _, d := range devices {
		if err := d.storeCalibration(ctx); err != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", d.port, err))
			continue
		}
		d.log.Info("clock calibrated", "cal", d.calResult, "freq", d.opFreq, "scale", d.scaleFactor)
	}
	return errors.Join(errs...)
}

func (d *Device) storeCalibration(ctx context.Context) error {
	cal, err := d.readWord(ctx, d.variant.Regs.CalResult)
	if err != nil {
		return fmt.Errorf("could not read calibration result: %w", err)
	}
	d.calResult = cal
	sf, err := d.readWord(ctx, d.variant.Regs.TOFScaleFactor)
	if err != nil {
		d.scaleFactor = 0
		return fmt.Errorf("could not read scale factor: %w", err)
	}
	d.scaleFactor = sf
	d.opFreq = operatingFrequency(d.variant, cal, sf, d.group.PulseMS())
	return nil
}

// operatingFrequency derives the transducer frequency in Hz from the cycle
// count measured over pulseMS and the raw frequency reading.
func operatingFrequency(v *Variant, cal, sf uint16, pulseMS uint32) uint32 {
	if pulseMS == 0 {
		return 0
	}
	num := (uint32(cal) * 1000 / (16 * v.FreqCounterCycles)) * uint32(sf)
	return num / pulseMS
}

// refreshScaleFactor rereads the scale factor when calibration left it zero.
func (d *Device) refreshScaleFactor(ctx context.Context) {
	if d.scaleFactor != 0 {
		return
	}
	sf, err := d.readWord(ctx, d.variant.Regs.TOFScaleFactor)
	if err != nil {
		d.log.Debug("could not read scale factor", "err", err)
		return
	}
	d.scaleFactor = sf
}
