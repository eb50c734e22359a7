package i2c

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	gi2c "gobot.io/x/gobot/v2/drivers/i2c"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"

	"github.com/mklimuk/ultrasonic"
)

var _ ultrasonic.I2CBus = &GobotBus{}

type gobotConn interface {
	io.ReadWriteCloser
}

// GobotBus talks to an I2C bus through a gobot adaptor. A connection is opened
// lazily for every device address and kept until Close.
type GobotBus struct {
	mx       sync.Mutex
	open     func(address byte) (gobotConn, error)
	conns    map[byte]gobotConn
	finalize func() error
}

// NewGobotBus uses connector to reach devices on bus number busNr.
func NewGobotBus(connector gi2c.Connector, busNr int) *GobotBus {
	return newGobotBus(func(address byte) (gobotConn, error) {
		c, err := connector.GetI2cConnection(int(address), busNr)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// NewNanoPiBus connects the NanoPi NEO adaptor and opens busNr on it.
func NewNanoPiBus(busNr int) (*GobotBus, error) {
	npi := nanopi.NewNeoAdaptor()
	if err := npi.I2cBusAdaptor.Connect(); err != nil {
		return nil, fmt.Errorf("adaptor connect error: %w", err)
	}
	b := NewGobotBus(npi, busNr)
	b.finalize = npi.I2cBusAdaptor.Finalize
	return b, nil
}

func newGobotBus(open func(address byte) (gobotConn, error)) *GobotBus {
	return &GobotBus{open: open, conns: make(map[byte]gobotConn)}
}

func (b *GobotBus) conn(address byte) (gobotConn, error) {
	if c, ok := b.conns[address]; ok {
		return c, nil
	}
	c, err := b.open(address)
	if err != nil {
		return nil, fmt.Errorf("could not open connection to %x: %w", address, err)
	}
	b.conns[address] = c
	return c, nil
}

func (b *GobotBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	c, err := b.conn(address)
	if err != nil {
		return err
	}
	n, err := c.Read(buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	if n != len(buffer) {
		return fmt.Errorf("short read from %x: %d of %d: %w", address, n, len(buffer), io.ErrUnexpectedEOF)
	}
	return nil
}

func (b *GobotBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	c, err := b.conn(address)
	if err != nil {
		return err
	}
	n, err := c.Write(buffer)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	if n != len(buffer) {
		return fmt.Errorf("short write to %x: %d of %d: %w", address, n, len(buffer), io.ErrShortWrite)
	}
	return nil
}

// Release drops every cached connection so the next transfer reopens the device.
func (b *GobotBus) Release(ctx context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.closeConns()
}

func (b *GobotBus) closeConns() error {
	var errs []error
	for addr, c := range b.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("could not close connection to %x: %w", addr, err))
		}
	}
	clear(b.conns)
	return errors.Join(errs...)
}

func (b *GobotBus) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	err := b.closeConns()
	if b.finalize != nil {
		err = errors.Join(err, b.finalize())
	}
	return err
}
