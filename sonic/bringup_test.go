package sonic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAllPresent(t *testing.T) {
	b := newFakeBoard(0, 0, 1, 1)
	g := newTestGroup(t, b, CH101)
	require.NoError(t, g.Start(context.Background()))

	assert.Equal(t, 4, g.SensorCount())
	assert.Equal(t, 1, b.resets)
	fw := testFirmware(CH101)
	for i, s := range b.sensors {
		d := g.Port(i)
		assert.True(t, d.Connected())
		assert.True(t, s.running)
		assert.False(t, s.prog)
		assert.Equal(t, testAddrs[i], s.addr)
		assert.Equal(t, fw.Code, s.memBytes(CH101.ProgMemAddr, len(fw.Code)))
		assert.Equal(t, fw.RAMInit, s.memBytes(fw.RAMInitAddr, len(fw.RAMInit)))
		assert.Equal(t, []byte{0, 0}, s.memBytes(memAddrChargePump, 2))
		assert.Equal(t, uint16(999), d.CalibrationResult())
		assert.Equal(t, uint16(35934), d.ScaleFactor())
		assert.Equal(t, uint32(174998), d.Frequency())
		assert.Equal(t, "gpr-test", d.FirmwareVersion())
	}
}

func TestStartTwoOfFourAbsent(t *testing.T) {
	b := newFakeBoard(0, 0, 1, 1)
	b.sensors[1].present = false
	b.sensors[3].present = false
	g := newTestGroup(t, b, CH101)
	require.NoError(t, g.Start(context.Background()))

	assert.Equal(t, 2, g.SensorCount())
	assert.Len(t, g.Connected(), 2)
	assert.Equal(t, 1, b.resets)

	ctx := context.Background()
	for _, port := range []int{1, 3} {
		b.reset()
		r, err := g.Port(port).Range(ctx, RangeEchoOneWay)
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.Equal(t, NoTarget, r)
		assert.Empty(t, b.frames, "port %d touched the bus", port)
		assert.ErrorIs(t, g.Port(port).SetMode(ctx, ModeFreerun), ErrNotConnected)
		assert.ErrorIs(t, g.Enqueue(g.Port(port).Bus(), tofRead(g.Port(port))), ErrNotConnected)
	}
	b.sensors[0].setWord(CH101.Regs.TOF, 1000)
	r, err := g.Port(0).Range(ctx, RangeEchoRoundTrip)
	require.NoError(t, err)
	assert.Equal(t, uint32(1956), r)
}

func TestStartLockTimeout(t *testing.T) {
	b := newFakeBoard(0, 0, 1, 1)
	b.sensors[1].lockAfter = -1
	g := newTestGroup(t, b, CH101)
	err := g.Start(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrProtocol)
	// first attempt plus one retry from hardware reset
	assert.Equal(t, 2, b.resets)
}

func TestStartLockRecoversOnRetry(t *testing.T) {
	b := newFakeBoard(0, 0, 1, 1)
	b.sensors[3].lockFailRuns = 1
	g := newTestGroup(t, b, CH101)
	require.NoError(t, g.Start(context.Background()))
	assert.Equal(t, 2, b.resets)
	assert.Equal(t, 4, g.SensorCount())
}

func TestStartNoSensors(t *testing.T) {
	b := newFakeBoard(0, 1)
	b.sensors[0].present = false
	b.sensors[1].present = false
	g := newTestGroup(t, b, CH101)
	assert.ErrorIs(t, g.Start(context.Background()), ErrNotFound)
	assert.Equal(t, 1, b.resets)
}

func TestStartRetriesProgramming(t *testing.T) {
	b := newFakeBoard(0, 0, 1, 1)
	b.sensors[0].failFirmware = 1
	g := newTestGroup(t, b, CH101)
	require.NoError(t, g.Start(context.Background()))
	assert.Equal(t, 2, b.resets)
	assert.Equal(t, 4, g.SensorCount())
	assert.Contains(t, b.busResets, 0)
}

func TestStartProgrammingGivesUp(t *testing.T) {
	b := newFakeBoard(0, 0, 1, 1)
	b.sensors[2].failFirmware = 100
	g := newTestGroup(t, b, CH101, WithRetries(3, 1))
	err := g.Start(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, 4, b.resets)
	assert.False(t, g.Port(2).Connected())
}

func TestStartDiscoveryHookSkipsDevice(t *testing.T) {
	b := newFakeBoard(0, 0, 1, 1)
	g := newTestGroup(t, b, CH101)
	var seen []int
	g.SetDiscoveryHook(func(d *Device) error {
		seen = append(seen, d.Port())
		if d.Port() == 2 {
			return errors.New("not wanted")
		}
		return nil
	})
	require.NoError(t, g.Start(context.Background()))
	assert.Equal(t, []int{0, 1, 2, 3}, seen)
	assert.Equal(t, 3, g.SensorCount())
	assert.False(t, g.Port(2).Connected())
	assert.Zero(t, b.sensors[2].memBytes(CH101.ProgMemAddr, 1)[0])
	assert.Equal(t, 1, b.resets)
}

func TestStartCanceled(t *testing.T) {
	b := newFakeBoard(0)
	g := newTestGroup(t, b, CH101)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.Start(ctx), context.Canceled)
	assert.Zero(t, b.resets)
}

func TestHardReset(t *testing.T) {
	g, b := startedGroup(t, CH101)
	require.NoError(t, g.HardReset(context.Background()))
	assert.Equal(t, 4, g.SensorCount())
	for _, s := range b.sensors {
		assert.True(t, s.running)
	}

	b.sensors[1].present = false
	require.NoError(t, g.HardReset(context.Background()))
	assert.Equal(t, 3, g.SensorCount())
	assert.False(t, g.Port(1).Connected())
	assert.True(t, g.Port(0).Connected())
}

func TestSoftReset(t *testing.T) {
	g, b := startedGroup(t, CH101)
	b.sensors[2].running = false
	require.NoError(t, g.SoftReset(context.Background()))
	assert.True(t, b.sensors[2].running)
	assert.Equal(t, testAddrs[2], b.sensors[2].addr)
}

func TestNewGroupValidation(t *testing.T) {
	fw := testFirmware(CH101)
	tests := []struct {
		name  string
		ports []PortConfig
		opts  []Option
	}{
		{name: "no ports"},
		{name: "no firmware", ports: []PortConfig{{Bus: 0, Addr: 0x2D}}},
		{name: "programming address", ports: []PortConfig{{Bus: 0, Addr: ProgAddr, Firmware: fw}}},
		{name: "duplicate address", ports: []PortConfig{{Bus: 0, Addr: 0x2D, Firmware: fw}, {Bus: 0, Addr: 0x2D, Firmware: fw}}},
		{name: "firmware too large", ports: []PortConfig{{Bus: 0, Addr: 0x2D, Firmware: &Firmware{Variant: CH101, Code: make([]byte, 0x801)}}}},
		{name: "zero capacity", ports: []PortConfig{{Bus: 0, Addr: 0x2D, Firmware: fw}}, opts: []Option{WithQueueCapacity(0)}},
		{name: "zero pulse", ports: []PortConfig{{Bus: 0, Addr: 0x2D, Firmware: fw}}, opts: []Option{WithPulse(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGroup(newFakeBoard(), tt.ports, tt.opts...)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestNewGroupBuses(t *testing.T) {
	g, err := NewGroup(newFakeBoard(), testPorts(CH201, 0, 2, 2), WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, 3, g.Buses())
	assert.Len(t, g.Ports(), 3)
	assert.Nil(t, g.Port(3))
	assert.Equal(t, 201, g.Port(1).PartNumber())
	assert.Equal(t, uint32(100), g.PulseMS())
}

func TestHandleIOInterrupt(t *testing.T) {
	g, _ := startedGroup(t, CH101)
	var ports []int
	g.HandleIOInterrupt(1)
	g.SetInterruptCallback(func(_ *Group, port int) {
		ports = append(ports, port)
	})
	g.HandleIOInterrupt(2)
	g.HandleIOInterrupt(9)
	assert.Equal(t, []int{2}, ports)
}
