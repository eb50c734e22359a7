package thermo

import (
	"context"
	"fmt"

	"github.com/mklimuk/ultrasonic"
)

const (
	TC74DefaultAddress = 0x4D

	tc74TempRegister   = 0x00
	tc74ConfigRegister = 0x01
	tc74DataReady      = 0x40
)

// TC74 is a Microchip TC74 digital temperature sensor.
type TC74 struct {
	bus     ultrasonic.I2CBus
	address byte
}

func NewTC74(bus ultrasonic.I2CBus, address byte) *TC74 {
	if address == 0 {
		address = TC74DefaultAddress
	}
	return &TC74{bus: bus, address: address}
}

func (s *TC74) register(ctx context.Context, reg byte) (byte, error) {
	resp := make([]byte, 1)
	if tx, ok := s.bus.(ultrasonic.Transactor); ok {
		if err := tx.Tx(ctx, s.address, []byte{reg}, resp); err != nil {
			return 0, err
		}
		return resp[0], nil
	}
	if err := s.bus.WriteToAddr(ctx, s.address, []byte{reg}); err != nil {
		return 0, err
	}
	if err := s.bus.ReadFromAddr(ctx, s.address, resp); err != nil {
		return 0, err
	}
	return resp[0], nil
}

// Config reads the configuration register.
func (s *TC74) Config(ctx context.Context) (byte, error) {
	cfg, err := s.register(ctx, tc74ConfigRegister)
	if err != nil {
		return 0, fmt.Errorf("tc74: could not read config register: %w", err)
	}
	return cfg, nil
}

// Temperature returns ErrNotReady until the first conversion after power up
// or standby is done.
func (s *TC74) Temperature(ctx context.Context) (float32, error) {
	cfg, err := s.Config(ctx)
	if err != nil {
		return 0, err
	}
	if cfg&tc74DataReady == 0 {
		return 0, fmt.Errorf("tc74: %w", ErrNotReady)
	}
	raw, err := s.register(ctx, tc74TempRegister)
	if err != nil {
		return 0, fmt.Errorf("tc74: could not read temperature register: %w", err)
	}
	return float32(int8(raw)), nil
}
