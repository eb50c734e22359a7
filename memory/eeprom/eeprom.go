// Package eeprom drives a Microchip 25AA1024 1 Mbit SPI EEPROM through a
// gobot SPI connector.
//
// Datasheet: Microchip 25AA1024, table 3-1 instruction set, 256 byte pages.
package eeprom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gobot.io/x/gobot/v2/drivers/spi"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
)

const (
	cmdRead  = 0x03
	cmdWrite = 0x02
	cmdWREN  = 0x06
	cmdRDSR  = 0x05

	statusWIP = 0x01

	PageSize = 256
	Capacity = 131072

	spiMode     = 0
	spiBits     = 8
	spiMaxSpeed = 5_000_000

	// a page write takes at most 6 ms
	writeCycleTimeout = 10 * time.Millisecond
	statusPoll        = 500 * time.Microsecond
)

var (
	ErrOutOfRange = errors.New("access beyond eeprom capacity")
	ErrTimeout    = errors.New("timeout waiting for write completion")
)

type conn interface {
	ReadCommandData(command []byte, data []byte) error
	WriteBytes(data []byte) error
	Close() error
}

type EEPROM25AA1024 struct {
	mx       sync.Mutex
	conn     conn
	finalize func() error
	sleep    func(time.Duration)
}

// New opens chip select chip on SPI bus busNum of connector in mode 0.
func New(connector spi.Connector, busNum, chip int) (*EEPROM25AA1024, error) {
	c, err := connector.GetSpiConnection(busNum, chip, spiMode, spiBits, spiMaxSpeed)
	if err != nil {
		return nil, fmt.Errorf("could not open spi connection: %w", err)
	}
	return newEEPROM(c), nil
}

// NewNanoPi connects the NanoPi NEO adaptor and opens the memory on it.
func NewNanoPi(busNum, chip int) (*EEPROM25AA1024, error) {
	npi := nanopi.NewNeoAdaptor()
	if err := npi.Connect(); err != nil {
		return nil, fmt.Errorf("adaptor connect error: %w", err)
	}
	e, err := New(npi, busNum, chip)
	if err != nil {
		_ = npi.Finalize()
		return nil, err
	}
	e.finalize = npi.Finalize
	return e, nil
}

func newEEPROM(c conn) *EEPROM25AA1024 {
	return &EEPROM25AA1024{conn: c, sleep: time.Sleep}
}

func (e *EEPROM25AA1024) Size() int {
	return Capacity
}

// ReadAt reads len(buf) bytes starting at address.
func (e *EEPROM25AA1024) ReadAt(ctx context.Context, address uint32, buf []byte) error {
	if int(address)+len(buf) > Capacity {
		return fmt.Errorf("read of %d bytes at %#05x: %w", len(buf), address, ErrOutOfRange)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	// only A16..A0 are used, the upper address bits are don't care
	header := []byte{cmdRead, byte(address >> 16), byte(address >> 8), byte(address)}
	if err := e.conn.ReadCommandData(header, buf); err != nil {
		return fmt.Errorf("could not read memory: %w", err)
	}
	return nil
}

// WriteAt writes data starting at address, split on page boundaries. Every
// page waits for the internal write cycle to finish.
func (e *EEPROM25AA1024) WriteAt(ctx context.Context, address uint32, data []byte) error {
	if int(address)+len(data) > Capacity {
		return fmt.Errorf("write of %d bytes at %#05x: %w", len(data), address, ErrOutOfRange)
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(len(data), PageSize-int(address%PageSize))
		if err := e.pageWrite(address, data[:n]); err != nil {
			return fmt.Errorf("could not write page at %#05x: %w", address, err)
		}
		data = data[n:]
		address += uint32(n)
	}
	return nil
}

func (e *EEPROM25AA1024) pageWrite(address uint32, data []byte) error {
	if err := e.conn.WriteBytes([]byte{cmdWREN}); err != nil {
		return fmt.Errorf("write enable: %w", err)
	}
	frame := make([]byte, 0, 4+len(data))
	frame = append(frame, cmdWrite, byte(address>>16), byte(address>>8), byte(address))
	frame = append(frame, data...)
	if err := e.conn.WriteBytes(frame); err != nil {
		return err
	}
	return e.waitReady()
}

func (e *EEPROM25AA1024) status() (byte, error) {
	st := make([]byte, 1)
	if err := e.conn.ReadCommandData([]byte{cmdRDSR}, st); err != nil {
		return 0, err
	}
	return st[0], nil
}

func (e *EEPROM25AA1024) waitReady() error {
	for waited := time.Duration(0); waited <= writeCycleTimeout; waited += statusPoll {
		st, err := e.status()
		if err != nil {
			return fmt.Errorf("could not read status: %w", err)
		}
		if st&statusWIP == 0 {
			return nil
		}
		e.sleep(statusPoll)
	}
	return ErrTimeout
}

func (e *EEPROM25AA1024) Close() error {
	err := e.conn.Close()
	if e.finalize != nil {
		err = errors.Join(err, e.finalize())
	}
	return err
}
