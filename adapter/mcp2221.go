package adapter

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/karalabe/hid"

	"github.com/mklimuk/ultrasonic"
	"github.com/mklimuk/ultrasonic/snsctx"
)

const VendorID = 0x04D8
const ProductID = 0x00DD

var ErrCommandUnsupported = errors.New("unsupported command")
var ErrCommandFailed = errors.New("command failed")

var (
	_ ultrasonic.I2CBus     = &MCP2221{}
	_ ultrasonic.Transactor = &MCP2221{}
)

const (
	cmdStatus       = 0x10
	cmdSetGPIO      = 0x50
	cmdGetGPIO      = 0x51
	cmdGetData      = 0x40
	cmdWrite        = 0x90
	cmdRead         = 0x91
	cmdReadRepeated = 0x93
	cmdWriteNoStop  = 0x94
	cmdGetSRAM      = 0xB0
	cmdSetSRAM      = 0xB1

	respReadError = 0x41
	respBusy      = 0x01
	respSizeError = 127

	// payload bytes one HID report carries
	chunkSize = 60
	clockHz   = 12_000_000
	// DefaultSpeed is the fastest clock the bridge supports.
	DefaultSpeed = 400_000
)

// report is an open HID report pipe to one adapter.
type report interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

type MCP2221 struct {
	mx           sync.Mutex
	request      []byte
	response     []byte
	responseWait time.Duration
	open         func(id ...int) (report, error)
	log          *slog.Logger
}

type MCP2221Status struct {
	I2CDataBufferCounter   int    `yaml:"i2c_data_buffer_counter"`
	I2CSpeedDivider        int    `yaml:"i2c_speed_divider"`
	I2CTimeout             int    `yaml:"i2c_timeout"`
	CurrentAddress         string `yaml:"current_address"`
	LastWriteRequestedSize uint16 `yaml:"last_write_requested_size"`
	LastWriteSentSize      uint16 `yaml:"last_write_sent_size"`
	ReadPending            int    `yaml:"read_pending"`
}

type GPIOMode byte

const (
	GPIOModeOut         GPIOMode = 0b00000000
	GPIOModeIn          GPIOMode = 0b00001000
	GPIOModeNoOperation GPIOMode = 0xEF
)

func (m GPIOMode) String() string {
	switch m {
	case GPIOModeIn:
		return "INPUT"
	case GPIOModeOut:
		return "OUTPUT"
	default:
		return "NOOP"
	}
}

type GPIODesignation byte

const (
	GPIOOperation GPIODesignation = 0b00000000
	// This is alternate function of GPIO0
	GPIO0LedUartRx GPIODesignation = 0b00000001
	// This is the dedicated function operation of GPIO0
	GPIO0SSPND GPIODesignation = 0b00000010
	// This is the dedicated function of GPIO1
	GPIO1ClockOutput GPIODesignation = 0b00000001
	// This is the alternate function 0 of GPIO1
	GPIO1ADC1 GPIODesignation = 0b00000010
	// This is the alternate function 1 of GPIO1
	GPIO1LedUartTx GPIODesignation = 0b00000011
	// This is the alternate function 2 of GPIO1
	GPIO1InterruptDetection GPIODesignation = 0b00000100
	// This is the dedicated function of GPIO2
	GPIO2ClockOutput GPIODesignation = 0b00000001
	// This is the alternate function 0 of GPIO2
	GPIO2ADC2 GPIODesignation = 0b00000010
	// This is the alternate function 1 of GPIO2
	GPIO2DAC1 GPIODesignation = 0b00000011
	// This is the dedicated function of GPIO3
	GPIO3LEDI2C GPIODesignation = 0b00000001
	// This is the alternate function 0 of GPIO3
	GPIO3ADC3 GPIODesignation = 0b00000010
	// This is the alternate function 1 of GPIO3
	GPIO3DAC2 GPIODesignation = 0b00000011
)

const gpioModeMask = 0b00001000
const gpioOperationMask = 0b00000111

type MCP2221GPIOValues struct {
	GPIO0Mode  GPIOMode `yaml:"GP0_mode"`
	GPIO0Value byte     `yaml:"GPIO0"`
	GPIO1Mode  GPIOMode `yaml:"GP1_mode"`
	GPIO1Value byte     `yaml:"GPIO1"`
	GPIO2Mode  GPIOMode `yaml:"GP2_mode"`
	GPIO2Value byte     `yaml:"GPIO2"`
	GPIO3Mode  GPIOMode `yaml:"GP3_mode"`
	GPIO3Value byte     `yaml:"GPIO3"`
}

type MCP2221GPIOParameters struct {
	GPIO0Mode        GPIOMode        `yaml:"GP0_mode"`
	GPIO0Designation GPIODesignation `yaml:"GP0_designation"`
	GPIO1Mode        GPIOMode        `yaml:"GP1_mode"`
	GPIO1Designation GPIODesignation `yaml:"GP1_designation"`
	GPIO2Mode        GPIOMode        `yaml:"GP2_mode"`
	GPIO2Designation GPIODesignation `yaml:"GP2_designation"`
	GPIO3Mode        GPIOMode        `yaml:"GP3_mode"`
	GPIO3Designation GPIODesignation `yaml:"GP3_designation"`
}

func NewMCP2221() *MCP2221 {
	return &MCP2221{
		request:      make([]byte, 64),
		response:     make([]byte, 64),
		responseWait: 50 * time.Millisecond,
		open:         openHID,
		log:          slog.Default(),
	}
}

// Init cancels whatever transfer the adapter may be stuck in and sets the I2C clock.
func (d *MCP2221) Init(ctx context.Context) error {
	if _, err := d.ReleaseBus(ctx); err != nil {
		return fmt.Errorf("could not release bus: %w", err)
	}
	return d.SetSpeed(ctx, DefaultSpeed)
}

// SetSpeed sets the I2C clock in Hz.
func (d *MCP2221) SetSpeed(ctx context.Context, hz int) error {
	if hz < 50_000 || hz > DefaultSpeed {
		return fmt.Errorf("unsupported i2c speed %d Hz", hz)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdStatus
	d.request[3] = 0x20
	d.request[4] = byte(clockHz/hz - 3)
	if err := d.send(ctx, true); err != nil {
		return fmt.Errorf("set speed request failed: %w", err)
	}
	// 0x21 means a transfer is in progress and the speed was not applied
	if d.response[3] != 0x20 {
		return ultrasonic.ErrBusBusy
	}
	return nil
}

func (d *MCP2221) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.write(ctx, cmdWrite, address, buffer); err != nil {
		return fmt.Errorf("write to %x failed: %w", address, err)
	}
	return nil
}

func (d *MCP2221) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.read(ctx, cmdRead, address, buffer); err != nil {
		return fmt.Errorf("bus read from %x failed: %w", address, err)
	}
	return nil
}

// Tx writes w without a stop condition and reads r after a repeated start.
func (d *MCP2221) Tx(ctx context.Context, address byte, w, r []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.write(ctx, cmdWriteNoStop, address, w); err != nil {
		return fmt.Errorf("write to %x failed: %w", address, err)
	}
	if err := d.read(ctx, cmdReadRepeated, address, r); err != nil {
		return fmt.Errorf("repeated start read from %x failed: %w", address, err)
	}
	return nil
}

// write sends buffer in report sized chunks; every report carries the total length.
func (d *MCP2221) write(ctx context.Context, cmd byte, address byte, buffer []byte) error {
	for off := 0; off == 0 || off < len(buffer); off += chunkSize {
		end := min(off+chunkSize, len(buffer))
		d.resetBuffers()
		d.request[0] = cmd
		binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
		d.request[3] = address << 1
		copy(d.request[4:], buffer[off:end])
		if err := d.send(ctx, true); err != nil {
			return err
		}
		// write could not be performed
		if d.response[1] == respBusy {
			d.log.Debug("adapter busy")
			return ultrasonic.ErrBusBusy
		}
	}
	return nil
}

func (d *MCP2221) read(ctx context.Context, cmd byte, address byte, buffer []byte) error {
	d.resetBuffers()
	d.request[0] = cmd
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address<<1 + 1
	if err := d.send(ctx, true); err != nil {
		return err
	}
	if d.response[1] == respBusy {
		d.log.Debug("adapter busy")
		return ultrasonic.ErrBusBusy
	}
	for off := 0; off < len(buffer); {
		d.resetBuffers()
		d.request[0] = cmdGetData
		if err := d.send(ctx, true); err != nil {
			return fmt.Errorf("error getting read data from adapter: %w", err)
		}
		if d.response[1] == respReadError {
			return fmt.Errorf("error reading the I2C slave data from the I2C engine")
		}
		n := int(d.response[3])
		if n == respSizeError || n == 0 || n > chunkSize || off+n > len(buffer) {
			return fmt.Errorf("invalid data size byte; expected at most %d, got %d", min(chunkSize, len(buffer)-off), n)
		}
		copy(buffer[off:off+n], d.response[4:4+n])
		off += n
	}
	return nil
}

func (d *MCP2221) SetGPIOParameters(ctx context.Context, params MCP2221GPIOParameters) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdSetSRAM
	d.request[1] = 0x01
	d.request[2] = byte(params.GPIO0Designation) | byte(params.GPIO0Mode)
	d.request[3] = byte(params.GPIO1Designation) | byte(params.GPIO1Mode)
	d.request[4] = byte(params.GPIO2Designation) | byte(params.GPIO2Mode)
	d.request[5] = byte(params.GPIO3Designation) | byte(params.GPIO3Mode)
	err := d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("set GP parameters command write failed: %w", err)
	}
	// read could not be performed
	if d.response[1] == respBusy {
		return ErrCommandFailed
	}
	return nil
}

// SetGPIO changes the direction and output value of one GP pin (0-3).
func (d *MCP2221) SetGPIO(ctx context.Context, pin int, mode GPIOMode, high bool) error {
	if pin < 0 || pin > 3 {
		return fmt.Errorf("no GP%d pin", pin)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdSetGPIO
	// four bytes per pin: alter output, value, alter direction, direction
	base := 2 + 4*pin
	d.request[base] = 0x01
	if high {
		d.request[base+1] = 0x01
	}
	d.request[base+2] = 0x01
	if mode == GPIOModeIn {
		d.request[base+3] = 0x01
	}
	if err := d.send(ctx, true); err != nil {
		return fmt.Errorf("set GPIO values command write failed: %w", err)
	}
	if d.response[1] != 0x00 {
		return ErrCommandFailed
	}
	return nil
}

func (d *MCP2221) Read(ctx context.Context, id ...int) ([]byte, error) {
	res, err := d.ReadGPIO(ctx, id...)
	if err != nil {
		return nil, err
	}
	return []byte{res.GPIO0Value, res.GPIO1Value, res.GPIO2Value, res.GPIO3Value}, nil
}

func (d *MCP2221) ReadGPIO(ctx context.Context, id ...int) (MCP2221GPIOValues, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdGetGPIO
	err := d.send(ctx, true, id...)
	var res MCP2221GPIOValues
	if err != nil {
		return res, fmt.Errorf("read GPIO values command write failed: %w", err)
	}
	// read could not be performed
	if d.response[1] == respBusy {
		return res, ErrCommandFailed
	}
	modes := []*GPIOMode{&res.GPIO0Mode, &res.GPIO1Mode, &res.GPIO2Mode, &res.GPIO3Mode}
	values := []*byte{&res.GPIO0Value, &res.GPIO1Value, &res.GPIO2Value, &res.GPIO3Value}
	for i := range modes {
		*values[i] = d.response[2+2*i]
		*modes[i] = GPIOModeNoOperation
		if dir := d.response[3+2*i]; dir != byte(GPIOModeNoOperation) {
			*modes[i] = GPIOMode(dir << 3)
		}
	}
	return res, nil
}

func (d *MCP2221) GetGPIOParameters(ctx context.Context) (MCP2221GPIOParameters, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdGetSRAM
	d.request[1] = 0x01
	err := d.send(ctx, true)
	if err != nil {
		return MCP2221GPIOParameters{}, fmt.Errorf("get GP parameters command write failed: %w", err)
	}
	// read could not be performed
	if d.response[1] == respBusy {
		return MCP2221GPIOParameters{}, ErrCommandUnsupported
	}
	return MCP2221GPIOParameters{
		GPIO0Mode:        GPIOMode(d.response[4] & gpioModeMask),
		GPIO0Designation: GPIODesignation(d.response[4] & gpioOperationMask),
		GPIO1Mode:        GPIOMode(d.response[5] & gpioModeMask),
		GPIO1Designation: GPIODesignation(d.response[5] & gpioOperationMask),
		GPIO2Mode:        GPIOMode(d.response[6] & gpioModeMask),
		GPIO2Designation: GPIODesignation(d.response[6] & gpioOperationMask),
		GPIO3Mode:        GPIOMode(d.response[7] & gpioModeMask),
		GPIO3Designation: GPIODesignation(d.response[7] & gpioOperationMask),
	}, nil
}

func (d *MCP2221) Status(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdStatus
	err := d.send(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func bufferToStatus(buffer []byte) *MCP2221Status {
	/*
		9: Lower byte (16-bit value) of the requested I2C transfer length
		10: Higher byte (16-bit value) of the requested I2C transfer length
		11:	Lower byte (16-bit value) of the already transferred (through I2C) number of bytes
		12:	Higher byte (16-bit value) of the already transferred (through I2C) number of bytes
		13:	Internal I2C data buffer counter
		14: Current I2C communication speed divider value
		15: Current I2C timeout value
		16:	Lower byte (16-bit value) of the I2C address being used
		17:	Higher byte (16-bit value) of the I2C address being used
	*/
	status := &MCP2221Status{
		I2CDataBufferCounter: int(buffer[13]),
		I2CSpeedDivider:      int(buffer[14]),
		I2CTimeout:           int(buffer[15]),
		ReadPending:          int(buffer[25]),
		CurrentAddress:       hex.EncodeToString(buffer[16:18]),
	}
	status.LastWriteRequestedSize = binary.LittleEndian.Uint16(buffer[9:11])
	status.LastWriteSentSize = binary.LittleEndian.Uint16(buffer[11:13])
	return status
}

func (d *MCP2221) Release(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	_, err := d.releaseBus(ctx)
	return err
}

func (d *MCP2221) ReleaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.releaseBus(ctx)
}

func (d *MCP2221) releaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.resetBuffers()
	d.request[0] = cmdStatus
	d.request[2] = 0x10
	err := d.send(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func openHID(id ...int) (report, error) {
	devs := hid.Enumerate(VendorID, ProductID)
	if len(devs) > 1 && len(id) == 0 {
		return nil, fmt.Errorf("ambiguous device identification")
	}
	if len(devs) == 0 {
		return nil, fmt.Errorf("MCP2221 device not found")
	}
	idx := 0
	if len(id) > 0 {
		if id[0] < 0 || id[0] >= len(devs) {
			return nil, fmt.Errorf("no device with id %d", id[0])
		}
		idx = id[0]
	}
	dev, err := devs[idx].Open()
	if err != nil {
		return nil, fmt.Errorf("error opening device: %w", err)
	}
	return dev, nil
}

func (d *MCP2221) send(ctx context.Context, response bool, id ...int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dev, err := d.open(id...)
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			d.log.Debug("could not close adapter", "err", err)
		}
	}()
	verbose := snsctx.IsVerbose(ctx)
	if verbose {
		d.log.Debug("sending message to adapter", "dump", hex.Dump(d.request))
	}
	n, err := dev.Write(d.request)
	if err != nil {
		return fmt.Errorf("could not write request: %w", err)
	}
	if n != 64 {
		return fmt.Errorf("short write: %d", n)
	}
	if !response {
		return nil
	}
	time.Sleep(d.responseWait)
	d.log.Debug("reading response from adapter")
	n, err = dev.Read(d.response)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if n != 64 {
		return fmt.Errorf("short read: %d", n)
	}
	if verbose {
		d.log.Debug("read message from adapter", "dump", hex.Dump(d.response))
	}
	return nil
}

func (d *MCP2221) resetBuffers() {
	clear(d.request)
	clear(d.response)
}

// Pin returns GP pin n as a control line. The pin must be designated for
// GPIO operation.
func (d *MCP2221) Pin(n int) *GPPin {
	return &GPPin{dev: d, n: n, timeout: time.Second}
}

type GPPin struct {
	dev     *MCP2221
	n       int
	timeout time.Duration
}

func (p *GPPin) Out(high bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.dev.SetGPIO(ctx, p.n, GPIOModeOut, high)
}

func (p *GPPin) In() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.dev.SetGPIO(ctx, p.n, GPIOModeIn, false)
}
