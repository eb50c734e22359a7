package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/ultrasonic/sonic"
)

func TestDefaultIsValid(t *testing.T) {
	b := Default()
	require.NoError(t, b.Validate())
	assert.Len(t, b.Ports, 4)
	addrs := make([]uint8, 0, len(b.Ports))
	for _, p := range b.Ports {
		addrs = append(addrs, p.Addr)
	}
	assert.Equal(t, []uint8{45, 43, 44, 42}, addrs)
	assert.Equal(t, 100, b.PulseMS)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.yaml")
	b := Default()
	b.Expander = &Expander{Bus: 1, Addr: 0x20}
	b.Reset = Line{Backend: LineMCP23017, Set: "B", Pin: 7}
	b.ResetAfterNB = true
	b.Sensor = &sonic.Config{Mode: sonic.ModeFreerun, MaxRange: 1500, SampleInterval: 100}
	require.NoError(t, b.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestEEPROMFirmwareSource(t *testing.T) {
	b := Default()
	b.Memory = &Memory{Bus: 0, Chip: 1}
	b.Firmware["ch201"] = "eeprom:0x1000"
	b.Thermometer = &Thermometer{Kind: ThermoSHTC3, Bus: 1}
	require.NoError(t, b.Validate())

	addr, ok := EEPROMAddress(b.Firmware["ch201"])
	assert.True(t, ok)
	assert.Equal(t, uint32(0x1000), addr)
	_, ok = EEPROMAddress("/usr/share/ultrasonic/ch201_gprmt")
	assert.False(t, ok)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	assert.ErrorContains(t, err, "could not read board configuration")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(b *Board)
	}{
		{"no buses", func(b *Board) { b.Buses = nil }},
		{"unknown bus backend", func(b *Board) { b.Buses[0].Backend = "spi" }},
		{"no ports", func(b *Board) { b.Ports = nil }},
		{"port bus out of range", func(b *Board) { b.Ports[2].Bus = 2 }},
		{"unknown variant", func(b *Board) { b.Ports[0].Variant = "ch301" }},
		{"missing firmware", func(b *Board) { b.Ports[0].Variant = "ch101" }},
		{"periph line without name", func(b *Board) { b.Reset = Line{Backend: LinePeriph} }},
		{"expander line without expander", func(b *Board) { b.Ports[1].Prog = Line{Backend: LineMCP23017, Set: "A"} }},
		{"expander set", func(b *Board) {
			b.Expander = &Expander{Bus: 0, Addr: 0x20}
			b.Ports[1].Prog = Line{Backend: LineMCP23017, Set: "C"}
		}},
		{"expander bus", func(b *Board) { b.Expander = &Expander{Bus: 3, Addr: 0x20} }},
		{"adapter pin", func(b *Board) { b.Ports[0].IO = Line{Backend: LineMCP2221, Pin: 4} }},
		{"unknown line backend", func(b *Board) { b.Ports[3].IO.Backend = "sysfs" }},
		{"zero pulse", func(b *Board) { b.PulseMS = 0 }},
		{"thermometer kind", func(b *Board) { b.Thermometer = &Thermometer{Kind: "ds18b20"} }},
		{"thermometer bus", func(b *Board) { b.Thermometer = &Thermometer{Kind: ThermoTC74, Bus: 5} }},
		{"eeprom firmware without memory", func(b *Board) { b.Firmware["ch201"] = "eeprom:0x100" }},
		{"eeprom firmware address", func(b *Board) {
			b.Memory = &Memory{}
			b.Firmware["ch201"] = "eeprom:top"
		}},
		{"negative capacity", func(b *Board) { b.QueueCapacity = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Default()
			tt.modify(b)
			assert.ErrorIs(t, b.Validate(), ErrInvalid)
		})
	}
}

func TestPortConfigs(t *testing.T) {
	b := Default()
	fw := &sonic.Firmware{Variant: sonic.CH201, Code: []byte{0x01}}
	ports, err := b.PortConfigs(map[string]*sonic.Firmware{"ch201": fw})
	require.NoError(t, err)
	require.Len(t, ports, 4)
	assert.Equal(t, sonic.PortConfig{Bus: 1, Addr: 44, Firmware: fw}, ports[2])

	_, err = b.PortConfigs(nil)
	assert.ErrorContains(t, err, "no firmware loaded")
}

func TestGroupOptions(t *testing.T) {
	b := Default()
	b.UseProgNB = true
	b.QueueCapacity = 8
	b.PulseMS = 50
	fw := &sonic.Firmware{Variant: sonic.CH201, Code: []byte{0x01}}
	ports, err := b.PortConfigs(map[string]*sonic.Firmware{"ch201": fw})
	require.NoError(t, err)
	g, err := sonic.NewGroup(nil, ports, b.GroupOptions()...)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, g.Pulse())
	assert.Equal(t, sonic.FlagUseProgNB, g.Flags())
}
