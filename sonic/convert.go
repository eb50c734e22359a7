package sonic

import (
	"context"
	"fmt"
	"math"
	"math/bits"
)

const (
	// SpeedOfSound in m/s.
	SpeedOfSound = 343
	// NoTarget is returned by Range when nothing was detected.
	NoTarget uint32 = math.MaxUint32

	tofNoTarget = math.MaxUint16
	// mm per sample at 1 Hz, halved for the round trip
	mmPerSampleHz = SpeedOfSound * 8 * 1000 / 2
)

type RangeKind uint8

const (
	// RangeEchoOneWay is the distance to a target reflecting the sensor's
	// own pulse.
	RangeEchoOneWay RangeKind = iota
	// RangeEchoRoundTrip is the full path of the sensor's own pulse.
	RangeEchoRoundTrip
	// RangeDirect is the distance from another sensor's pulse received
	// directly.
	RangeDirect
)

func (k RangeKind) String() string {
	switch k {
	case RangeEchoOneWay:
		return "one-way"
	case RangeEchoRoundTrip:
		return "round-trip"
	case RangeDirect:
		return "direct"
	}
	return fmt.Sprintf("range(%d)", k)
}

// ParseRangeKind is the inverse of RangeKind.String.
func ParseRangeKind(s string) (RangeKind, error) {
	for _, k := range []RangeKind{RangeEchoOneWay, RangeEchoRoundTrip, RangeDirect} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown range kind %q: %w", s, ErrInvalidArgument)
}

// Range reads the last measured time of flight and converts it to a distance.
// NoTarget is returned with a nil error when nothing was detected or the
// device is not calibrated.
func (d *Device) Range(ctx context.Context, kind RangeKind) (uint32, error) {
	if err := d.checkConnected(); err != nil {
		return NoTarget, err
	}
	tof, err := d.readWord(ctx, d.variant.Regs.TOF)
	if err != nil {
		return NoTarget, fmt.Errorf("could not read time of flight: %w", err)
	}
	if tof == tofNoTarget {
		return NoTarget, nil
	}
	d.refreshScaleFactor(ctx)
	r := computeRange(d.variant, d.group.PulseMS(), d.calResult, d.scaleFactor, tof, kind, d.oversample)
	if r == NoTarget {
		d.log.Debug("range unavailable", "err", ErrCalibration, "cal", d.calResult, "scale", d.scaleFactor)
	}
	return r, nil
}

func computeRange(v *Variant, pulseMS uint32, cal, sf, tof uint16, kind RangeKind, oversample uint8) uint32 {
	if tof == tofNoTarget || sf == 0 {
		return NoTarget
	}
	den := (uint32(cal) * uint32(sf)) >> v.tofShift
	if den == 0 {
		return NoTarget
	}
	hi, num := bits.Mul32(SpeedOfSound*pulseMS, uint32(tof))
	if hi != 0 {
		return NoTarget
	}
	hi, r := bits.Mul32(num/den, v.tofMult)
	if hi != 0 {
		return NoTarget
	}
	if kind == RangeEchoOneWay {
		r /= 2
	}
	return r >> oversample
}

// Amplitude reads the amplitude of the last detected echo.
func (d *Device) Amplitude(ctx context.Context) (uint16, error) {
	if err := d.checkConnected(); err != nil {
		return 0, err
	}
	amp, err := d.readWord(ctx, d.variant.Regs.Amplitude)
	if err != nil {
		return 0, fmt.Errorf("could not read amplitude: %w", err)
	}
	return amp, nil
}

// MMToSamples returns the number of samples needed to cover mm, rounded up,
// or 0 when the device cannot tell.
func (d *Device) MMToSamples(mm uint16) uint16 {
	if !d.connected {
		return 0
	}
	return mmToSamples(d.variant, d.group.PulseMS(), d.calResult, d.scaleFactor, mm, d.oversample)
}

func mmToSamples(v *Variant, pulseMS uint32, cal, sf, mm uint16, oversample uint8) uint16 {
	if sf == 0 || pulseMS == 0 {
		return 0
	}
	div2 := pulseMS * SpeedOfSound
	// two ceiling divisions keep the intermediates within 32 bits
	n := (uint32(cal)*uint32(sf) + (v.mmDivisor - 1)) / v.mmDivisor
	hi, lo := bits.Mul32(n, uint32(mm))
	if hi != 0 || lo > math.MaxUint32-(div2-1) {
		return 0
	}
	n = (lo + div2 - 1) / div2
	n *= uint32(v.sampleDiv)
	n <<= oversample
	if n > math.MaxUint16 {
		return 0
	}
	return uint16(n)
}

// SamplesToMM returns the one way distance covered by n samples, or 0 when
// the device is not calibrated.
func (d *Device) SamplesToMM(n uint16) uint16 {
	if !d.connected {
		return 0
	}
	return samplesToMM(d.opFreq, n, d.oversample)
}

func samplesToMM(opFreq uint32, n uint16, oversample uint8) uint16 {
	if opFreq == 0 {
		return 0
	}
	hi, num := bits.Mul32(uint32(n), mmPerSampleHz)
	if hi != 0 {
		return 0
	}
	mm := (num / opFreq) >> oversample
	if mm > math.MaxUint16 {
		return 0
	}
	return uint16(mm)
}
