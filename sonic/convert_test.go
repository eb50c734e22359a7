package sonic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testCal   = 999
	testSF    = 35934
	testFreq  = 174998
	testPulse = 100
)

func TestOperatingFrequency(t *testing.T) {
	assert.Equal(t, uint32(testFreq), operatingFrequency(CH101, testCal, testSF, testPulse))
	assert.Zero(t, operatingFrequency(CH101, testCal, testSF, 0))
	assert.Zero(t, operatingFrequency(CH201, 0, testSF, testPulse))
}

func TestMMToSamplesScenario(t *testing.T) {
	n := mmToSamples(CH101, testPulse, testCal, testSF, 500, 0)
	assert.Equal(t, uint16(64), n)
	assert.LessOrEqual(t, n, CH101.MaxSamples)
	mm := samplesToMM(testFreq, n, 0)
	assert.Equal(t, uint16(501), mm)
	assert.InDelta(t, 500, mm, 8)
}

func TestSamplesRoundTrip(t *testing.T) {
	tests := []struct {
		variant *Variant
		// One firmware count is this many samples. CH201 rounds the distance
		// up to whole counts before doubling them, so a round trip can land
		// two samples away, the same as the vendor driver.
		tolerance int
	}{
		{CH101, 1},
		{CH201, 2},
	}
	for _, tt := range tests {
		t.Run(tt.variant.Name, func(t *testing.T) {
			for x := 0; x <= int(tt.variant.MaxSamples); x++ {
				mm := samplesToMM(testFreq, uint16(x), 0)
				back := mmToSamples(tt.variant, testPulse, testCal, testSF, mm, 0)
				assert.InDelta(t, x, back, float64(tt.tolerance), "samples %d -> %d mm -> %d samples", x, mm, back)
			}
		})
	}
}

func TestMMToSamplesDegrades(t *testing.T) {
	assert.Zero(t, mmToSamples(CH101, testPulse, testCal, 0, 500, 0), "zero scale factor")
	assert.Zero(t, mmToSamples(CH101, 0, testCal, testSF, 500, 0), "zero pulse")
	assert.Zero(t, mmToSamples(CH101, 1, 0xFFFF, 0xFFFF, 0xFFFF, 0), "overflow")
	assert.Equal(t, uint16(128), mmToSamples(CH101, testPulse, testCal, testSF, 500, 1), "oversampled")
	assert.Equal(t, uint16(64), mmToSamples(CH201, testPulse, testCal, testSF, 500, 0))
}

func TestSamplesToMMDegrades(t *testing.T) {
	assert.Zero(t, samplesToMM(0, 64, 0))
	assert.Equal(t, uint16(250), samplesToMM(testFreq, 64, 1))
	assert.Zero(t, samplesToMM(1, 0xFFFF, 0), "overflow")
}

func TestComputeRange(t *testing.T) {
	tests := []struct {
		name       string
		variant    *Variant
		tof        uint16
		sf         uint16
		kind       RangeKind
		oversample uint8
		want       uint32
	}{
		{"round trip", CH101, 1000, testSF, RangeEchoRoundTrip, 0, 1956},
		{"one way", CH101, 1000, testSF, RangeEchoOneWay, 0, 978},
		{"direct", CH101, 1000, testSF, RangeDirect, 0, 1956},
		{"oversampled", CH101, 1000, testSF, RangeEchoOneWay, 1, 489},
		{"ch201 post scale", CH201, 1000, testSF, RangeEchoRoundTrip, 0, 3912},
		{"ch201 one way", CH201, 1000, testSF, RangeEchoOneWay, 0, 1956},
		{"no target", CH101, 0xFFFF, testSF, RangeEchoOneWay, 0, NoTarget},
		{"no target uncalibrated", CH101, 0xFFFF, 0, RangeEchoOneWay, 0, NoTarget},
		{"zero scale factor", CH101, 1000, 0, RangeEchoOneWay, 0, NoTarget},
		{"tiny denominator", CH101, 1000, 1, RangeEchoOneWay, 0, NoTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, computeRange(tt.variant, testPulse, testCal, tt.sf, tt.tof, tt.kind, tt.oversample))
		})
	}
}

func TestNoTargetRegardlessOfScaleFactor(t *testing.T) {
	for _, sf := range []uint16{0, 1, 100, testSF, 0xFFFF} {
		assert.Equal(t, NoTarget, computeRange(CH101, testPulse, testCal, sf, 0xFFFF, RangeEchoOneWay, 0))
		assert.Equal(t, NoTarget, computeRange(CH201, testPulse, testCal, sf, 0xFFFF, RangeEchoRoundTrip, 0))
	}
}

func TestDeviceRange(t *testing.T) {
	g, b := startedGroup(t, CH101)
	ctx := context.Background()
	d := g.Port(2)

	b.sensors[2].setWord(CH101.Regs.TOF, 0xFFFF)
	r, err := d.Range(ctx, RangeEchoOneWay)
	require.NoError(t, err)
	assert.Equal(t, NoTarget, r)

	b.sensors[2].setWord(CH101.Regs.TOF, 1000)
	r, err = d.Range(ctx, RangeEchoOneWay)
	require.NoError(t, err)
	assert.Equal(t, uint32(978), r)

	b.sensors[2].setWord(CH101.Regs.Amplitude, 1234)
	amp, err := d.Amplitude(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(1234), amp)

	b.sensors[2].present = false
	_, err = d.Range(ctx, RangeEchoOneWay)
	assert.ErrorIs(t, err, errNack)
}

func TestDeviceRangeRereadsScaleFactor(t *testing.T) {
	g, b := startedGroup(t, CH101)
	d := g.Port(0)
	d.scaleFactor = 0
	b.sensors[0].setWord(CH101.Regs.TOF, 1000)
	r, err := d.Range(context.Background(), RangeEchoRoundTrip)
	require.NoError(t, err)
	assert.Equal(t, uint32(1956), r)
	assert.Equal(t, uint16(testSF), d.ScaleFactor())
}

func TestDeviceConversions(t *testing.T) {
	g, _ := startedGroup(t, CH101)
	d := g.Port(0)
	assert.Equal(t, uint16(64), d.MMToSamples(500))
	assert.Equal(t, uint16(501), d.SamplesToMM(64))

	d.connected = false
	assert.Zero(t, d.MMToSamples(500))
	assert.Zero(t, d.SamplesToMM(64))
}

func TestConversionsAfterSensorLost(t *testing.T) {
	g, b := startedGroup(t, CH101)
	d := g.Port(1)
	require.NotZero(t, d.SamplesToMM(64))

	b.sensors[1].present = false
	require.NoError(t, g.HardReset(context.Background()))
	require.False(t, d.Connected())
	assert.Zero(t, d.MMToSamples(500))
	assert.Zero(t, d.SamplesToMM(64))
	assert.Zero(t, d.Frequency())
	assert.Zero(t, d.CalibrationResult())
	assert.Zero(t, d.ScaleFactor())
}

func TestParseRangeKind(t *testing.T) {
	for _, k := range []RangeKind{RangeEchoOneWay, RangeEchoRoundTrip, RangeDirect} {
		parsed, err := ParseRangeKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseRangeKind("both")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
