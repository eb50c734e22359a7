package thermo

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sigurn/crc8"

	"github.com/mklimuk/ultrasonic"
)

const SHTC3Address = 0x70

// big endian on the wire
const (
	shtc3CmdWake  uint16 = 0x3517
	shtc3CmdSleep uint16 = 0xB098
	// normal power, no clock stretching, temperature first
	shtc3CmdMeasure uint16 = 0x7866

	shtc3WakeTime    = time.Millisecond
	shtc3MeasureTime = 15 * time.Millisecond
)

// Sensirion word checksum
var sensirionTable = crc8.MakeTable(crc8.Params{
	Poly:   0x31,
	Init:   0xFF,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
	Check:  0xF7,
	Name:   "CRC-8/NRSC-5",
})

// SHTC3 is a Sensirion SHTC3 temperature and humidity sensor.
type SHTC3 struct {
	bus   ultrasonic.I2CBus
	sleep func(time.Duration)
}

func NewSHTC3(bus ultrasonic.I2CBus) *SHTC3 {
	return &SHTC3{bus: bus, sleep: time.Sleep}
}

func (s *SHTC3) Temperature(ctx context.Context) (float32, error) {
	t, _, err := s.Measure(ctx)
	return t, err
}

// Measure wakes the sensor, runs one conversion and puts it back to sleep.
// It returns degrees Celsius and relative humidity in percent.
func (s *SHTC3) Measure(ctx context.Context) (float32, float32, error) {
	if err := s.command(ctx, shtc3CmdWake); err != nil {
		return 0, 0, fmt.Errorf("shtc3: wake failed: %w", err)
	}
	s.sleep(shtc3WakeTime)
	if err := s.command(ctx, shtc3CmdMeasure); err != nil {
		return 0, 0, fmt.Errorf("shtc3: measure command failed: %w", err)
	}
	s.sleep(shtc3MeasureTime)
	buf := make([]byte, 6)
	if err := s.bus.ReadFromAddr(ctx, SHTC3Address, buf); err != nil {
		return 0, 0, fmt.Errorf("shtc3: read failed: %w", err)
	}
	if crc8.Checksum(buf[0:2], sensirionTable) != buf[2] {
		return 0, 0, fmt.Errorf("shtc3: temperature: %w", ErrChecksum)
	}
	if crc8.Checksum(buf[3:5], sensirionTable) != buf[5] {
		return 0, 0, fmt.Errorf("shtc3: humidity: %w", ErrChecksum)
	}
	temp := -45 + 175*float32(binary.BigEndian.Uint16(buf[0:2]))/65535
	hum := 100 * float32(binary.BigEndian.Uint16(buf[3:5])) / 65535
	if err := s.command(ctx, shtc3CmdSleep); err != nil {
		return temp, hum, fmt.Errorf("shtc3: sleep failed: %w", err)
	}
	return temp, hum, nil
}

func (s *SHTC3) command(ctx context.Context, cmd uint16) error {
	var out [2]byte
	binary.BigEndian.PutUint16(out[:], cmd)
	return s.bus.WriteToAddr(ctx, SHTC3Address, out[:])
}
