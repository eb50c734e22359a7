package sonic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeasureClockSequence(t *testing.T) {
	b := newFakeBoard(0, 1)
	g := newTestGroup(t, b, CH101, WithPulse(50*time.Millisecond))
	require.NoError(t, g.Start(context.Background()))
	b.reset()
	b.sensors[1].setWord(CH101.Regs.CalResult, 500)

	require.NoError(t, g.MeasureClock(context.Background()))
	assert.Equal(t, []string{
		"clear 0", "out 0", "clear 1", "out 1",
		"set 0", "set 1",
		"sleep 50ms",
		"clear 0", "clear 1",
		"in 0", "in 1",
		"sleep 1ms",
	}, b.lines)

	var armed int
	for _, f := range b.frames {
		if !f.read && f.data[0] == CH101.Regs.CalTrig {
			assert.Equal(t, []byte{CH101.Regs.CalTrig, 1, 0}, f.data)
			armed++
		}
	}
	assert.Equal(t, 2, armed)
	assert.Equal(t, uint16(500), g.Port(1).CalibrationResult())
	// 500*1000/2048 = 244 counts per ms over a 50 ms pulse
	assert.Equal(t, uint32(244*35934/50), g.Port(1).Frequency())
}

func TestMeasureClockSkipsDisconnected(t *testing.T) {
	b := newFakeBoard(0, 0)
	b.sensors[0].present = false
	g := newTestGroup(t, b, CH101)
	require.NoError(t, g.Start(context.Background()))
	b.reset()
	require.NoError(t, g.MeasureClock(context.Background()))
	assert.NotContains(t, b.lines, "set 0")
	assert.NotContains(t, b.lines, "out 0")
	assert.Zero(t, g.Port(0).Frequency())
	assert.Equal(t, uint32(testFreq), g.Port(1).Frequency())
}

func TestMeasureClockReadFailure(t *testing.T) {
	g, b := startedGroup(t, CH101)
	b.sensors[3].present = false
	err := g.MeasureClock(context.Background())
	assert.ErrorIs(t, err, errNack)
	assert.Equal(t, uint32(testFreq), g.Port(0).Frequency())
}

func TestMeasureClockNoDevices(t *testing.T) {
	g := newTestGroup(t, newFakeBoard(0), CH101)
	assert.ErrorIs(t, g.MeasureClock(context.Background()), ErrNotConnected)
}
