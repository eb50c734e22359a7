package gpio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mklimuk/ultrasonic"
)

type registry int

const DefaultMCP23017Address = 0x21

const (
	IODIRA registry = iota
	IOPOLA
	GPINTENA
	DEFVALA
	INTCONA
	IOCONA
	GPPUA
	INTFA
	INTCAPA
	GPIOA
	OLATA
	IODIRB
	IOPOLB
	GPINTENB
	DEFVALB
	INTCONB
	IOCONB
	GPPUB
	INTFB
	INTCAPB
	GPIOB
	OLATB
)

// Set selects one of the two 8 bit ports of the expander.
type Set int

const (
	SetA Set = iota
	SetB
)

func (s Set) String() string {
	if s == SetB {
		return "B"
	}
	return "A"
}

// BankAddr maps registries to addresses for IOCON.BANK = 0 and 1.
var BankAddr = []map[registry]byte{
	{
		IODIRA:   0x00,
		IOPOLA:   0x02,
		GPINTENA: 0x04,
		DEFVALA:  0x06,
		INTCONA:  0x08,
		IOCONA:   0x0A,
		GPPUA:    0x0C,
		INTFA:    0x0E,
		INTCAPA:  0x10,
		GPIOA:    0x12,
		OLATA:    0x14,
		IODIRB:   0x01,
		IOPOLB:   0x03,
		GPINTENB: 0x05,
		DEFVALB:  0x07,
		INTCONB:  0x09,
		IOCONB:   0x0B,
		GPPUB:    0x0D,
		INTFB:    0x0F,
		INTCAPB:  0x11,
		GPIOB:    0x13,
		OLATB:    0x15,
	},
	{
		IODIRA:   0x00,
		IOPOLA:   0x01,
		GPINTENA: 0x02,
		DEFVALA:  0x03,
		INTCONA:  0x04,
		IOCONA:   0x05,
		GPPUA:    0x06,
		INTFA:    0x07,
		INTCAPA:  0x08,
		GPIOA:    0x09,
		OLATA:    0x0A,
		IODIRB:   0x10,
		IOPOLB:   0x11,
		GPINTENB: 0x12,
		DEFVALB:  0x13,
		INTCONB:  0x14,
		IOCONB:   0x15,
		GPPUB:    0x16,
		INTFB:    0x17,
		INTCAPB:  0x18,
		GPIOB:    0x19,
		OLATB:    0x1A,
	},
}

// per set registries, A first
var (
	regIODIR = [2]registry{IODIRA, IODIRB}
	regGPPU  = [2]registry{GPPUA, GPPUB}
	regGPIO  = [2]registry{GPIOA, GPIOB}
	regOLAT  = [2]registry{OLATA, OLATB}
	regIOCON = [2]registry{IOCONA, IOCONB}
)

/*
MCP23017 drives a 16 bit I2C port expander. On sensor boards its pins carry
the reset and programming lines.

	Steps to read GPIO:

1. Set 0xFF to IODIR registry (all inputs) - 0x00(A)/0x01(B)
2. Configure pull-up? 0x06
3. Read port register 0x09
*/
type MCP23017 struct {
	mx         sync.Mutex
	transport  ultrasonic.I2CBus
	bank       int
	address    byte
	retryLimit int
	timeout    time.Duration
	// last written direction and latch values per set
	dir  [2]byte
	olat [2]byte
}

func NewMCP23017(bus ultrasonic.I2CBus, address byte) *MCP23017 {
	return &MCP23017{
		retryLimit: 1,
		transport:  bus,
		address:    address,
		timeout:    time.Second,
		dir:        [2]byte{0xFF, 0xFF},
	}
}

// retry runs op, releasing the bus and trying again while it reports busy.
func (m *MCP23017) retry(ctx context.Context, what string, op func() error) error {
	var err error
	for i := m.retryLimit; i >= 0; i-- {
		err = op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ultrasonic.ErrBusBusy) {
			return fmt.Errorf("could not %s: %w", what, err)
		}
		// try to release the bus
		_ = m.transport.Release(ctx)
	}
	return fmt.Errorf("could not %s (retry limit reached): %w", what, err)
}

func (m *MCP23017) writeRegistry(ctx context.Context, reg registry, val byte) error {
	return m.transport.WriteToAddr(ctx, m.address, []byte{BankAddr[m.bank][reg], val})
}

func (m *MCP23017) readRegistry(ctx context.Context, reg registry) (byte, error) {
	err := m.transport.WriteToAddr(ctx, m.address, []byte{BankAddr[m.bank][reg]})
	if err != nil {
		return 0x00, fmt.Errorf("could not set I/O registry address: %w", err)
	}
	buf := make([]byte, 1)
	err = m.transport.ReadFromAddr(ctx, m.address, buf)
	if err != nil {
		return 0x00, fmt.Errorf("could not read gpio data: %w", err)
	}
	return buf[0], nil
}

func (m *MCP23017) write(ctx context.Context, what string, reg registry, val byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.retry(ctx, what, func() error {
		return m.writeRegistry(ctx, reg, val)
	})
}

func (m *MCP23017) read(ctx context.Context, what string, reg registry) (byte, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	var res byte
	err := m.retry(ctx, what, func() error {
		var err error
		res, err = m.readRegistry(ctx, reg)
		return err
	})
	return res, err
}

// Init sets the IODIR registry of a set; a 1 bit makes the pin an input.
func (m *MCP23017) Init(ctx context.Context, s Set, inout byte) error {
	err := m.write(ctx, fmt.Sprintf("initialize gpio %s set", s), regIODIR[s], inout)
	if err != nil {
		return err
	}
	m.mx.Lock()
	m.dir[s] = inout
	m.mx.Unlock()
	return nil
}

// PullUp enables pull up resistors on a set.
func (m *MCP23017) PullUp(ctx context.Context, s Set, settings byte) error {
	return m.write(ctx, fmt.Sprintf("set pull-up on gpio %s set", s), regGPPU[s], settings)
}

// ReadSet reads the pin levels of a set.
func (m *MCP23017) ReadSet(ctx context.Context, s Set) (byte, error) {
	return m.read(ctx, fmt.Sprintf("read gpio %s set", s), regGPIO[s])
}

func (m *MCP23017) Read(ctx context.Context) ([]byte, error) {
	res := make([]byte, 2)
	var err error
	for _, s := range []Set{SetA, SetB} {
		res[s], err = m.ReadSet(ctx, s)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ReadSettings reads contents of the IOCON registry.
func (m *MCP23017) ReadSettings(ctx context.Context, s Set) (byte, error) {
	return m.read(ctx, fmt.Sprintf("read gpio %s settings", s), regIOCON[s])
}

func (m *MCP23017) WriteSettings(ctx context.Context, s Set, settings byte) error {
	return m.write(ctx, fmt.Sprintf("write settings on gpio %s set", s), regIOCON[s], settings)
}

// Pin returns a control line backed by one expander pin.
func (m *MCP23017) Pin(s Set, bit uint8) *ExpanderPin {
	return &ExpanderPin{exp: m, set: s, mask: 1 << (bit & 7)}
}

// update rewrites one bit of a shadowed registry when it changes.
func (m *MCP23017) update(s Set, reg registry, shadow *[2]byte, mask byte, set bool) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	val := shadow[s] &^ mask
	if set {
		val |= mask
	}
	if val == shadow[s] {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	err := m.retry(ctx, fmt.Sprintf("update gpio %s set", s), func() error {
		return m.writeRegistry(ctx, reg, val)
	})
	if err != nil {
		return err
	}
	shadow[s] = val
	return nil
}

// ExpanderPin is a single expander pin used as a control line.
type ExpanderPin struct {
	exp  *MCP23017
	set  Set
	mask byte
}

// Out latches the level first so the pin never glitches when it turns into an output.
func (p *ExpanderPin) Out(high bool) error {
	if err := p.exp.update(p.set, regOLAT[p.set], &p.exp.olat, p.mask, high); err != nil {
		return err
	}
	return p.exp.update(p.set, regIODIR[p.set], &p.exp.dir, p.mask, false)
}

func (p *ExpanderPin) In() error {
	return p.exp.update(p.set, regIODIR[p.set], &p.exp.dir, p.mask, true)
}
