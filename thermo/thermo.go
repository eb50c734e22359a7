// Package thermo reads air temperature and corrects sensor ranges for the
// speed of sound at that temperature.
package thermo

import (
	"context"
	"errors"
	"math"

	"github.com/mklimuk/ultrasonic/sonic"
)

var (
	ErrNotReady = errors.New("no conversion available yet")
	ErrChecksum = errors.New("checksum mismatch")
)

type Thermometer interface {
	// Temperature returns the air temperature in degrees Celsius.
	Temperature(ctx context.Context) (float32, error)
}

// Func turns a plain function into a Thermometer.
type Func func(ctx context.Context) (float32, error)

func (f Func) Temperature(ctx context.Context) (float32, error) {
	return f(ctx)
}

// Fixed always reports the same temperature.
func Fixed(celsius float32) Thermometer {
	return Func(func(context.Context) (float32, error) {
		return celsius, nil
	})
}

// SpeedOfSound in dry air, m/s.
func SpeedOfSound(celsius float32) float64 {
	return 331.3 * math.Sqrt(1+float64(celsius)/273.15)
}

// Compensate rescales a range computed for the nominal speed of sound to the
// speed at the given temperature. NoTarget passes through.
func Compensate(rng uint32, celsius float32) uint32 {
	if rng == sonic.NoTarget {
		return rng
	}
	scaled := math.Round(float64(rng) * SpeedOfSound(celsius) / sonic.SpeedOfSound)
	if scaled >= float64(sonic.NoTarget) {
		return sonic.NoTarget - 1
	}
	return uint32(scaled)
}
