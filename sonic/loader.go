package sonic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// fixed data memory locations used while programming
const (
	memAddrI2CAddr    uint16 = 0x01C5
	memAddrChargePump uint16 = 0x01A6
	memAddrIdleLoop   uint16 = 0xFFFC
	memAddrWatchdog   uint16 = 0x0120

	watchdogDisable  uint16 = 0x5A80
	chargePumpDelay         = 5 * time.Millisecond
	resetPulse              = time.Millisecond
)

// a jump-to-self instruction followed by its own address
var idleLoop = []byte{0x03, 0x40, 0xFC, 0xFF}

var chargePumpSequence = []uint16{0x0200, 0x0600, 0x0000}

// program detects the device on its port and, when present, loads the
// firmware and starts it on the runtime address. A missing device yields
// ErrNotFound, a discovery hook refusal ErrAborted. In every failure case the
// device is left disconnected.
func (d *Device) program(ctx context.Context) (err error) {
	hal := d.group.hal
	if err := hal.ProgramEnable(d.port); err != nil {
		return fmt.Errorf("could not enable programming line: %w", err)
	}
	defer func() {
		if derr := hal.ProgramDisable(d.port); derr != nil && err == nil {
			err = fmt.Errorf("could not disable programming line: %w", derr)
		}
		if err != nil {
			d.disconnect()
		}
	}()

	if !d.ping(ctx) {
		d.disconnect()
		return fmt.Errorf("port %d: %w", d.port, ErrNotFound)
	}
	d.connected = true
	d.log.Debug("sensor found")

	d.group.mu.Lock()
	hook := d.group.onDiscover
	d.group.mu.Unlock()
	if hook != nil {
		if herr := hook(d); herr != nil {
			return fmt.Errorf("port %d: %w: %w", d.port, ErrAborted, herr)
		}
	}

	start := hal.Now()
	if err := d.initRAM(ctx); err != nil {
		return fmt.Errorf("could not init ram: %w", err)
	}
	if err := d.loadFirmware(ctx); err != nil {
		return fmt.Errorf("could not load firmware: %w", err)
	}
	d.log.Debug("firmware loaded", "version", d.FirmwareVersion(), "bytes", len(d.fw.Code), "took", hal.Now().Sub(start))
	if err := d.startFirmware(ctx); err != nil {
		return err
	}
	return nil
}

// startFirmware halts the freshly loaded code, assigns the runtime address,
// warms up the charge pumps and lets the cpu run.
func (d *Device) startFirmware(ctx context.Context) error {
	if err := d.resetAndHalt(ctx); err != nil {
		return fmt.Errorf("could not halt sensor: %w", err)
	}
	if err := d.progMemWrite(ctx, memAddrI2CAddr, []byte{d.addr}); err != nil {
		return fmt.Errorf("could not assign address: %w", err)
	}
	var errs []error
	for i, v := range chargePumpSequence {
		if i > 0 {
			d.group.hal.Sleep(chargePumpDelay)
		}
		errs = append(errs, d.progMemWrite(ctx, memAddrChargePump, binary.LittleEndian.AppendUint16(nil, v)))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("could not enable charge pumps: %w", err)
	}
	if err := d.progWrite(ctx, progRegCPU, progCPURun); err != nil {
		return fmt.Errorf("could not start sensor: %w", err)
	}
	return nil
}

func (d *Device) initRAM(ctx context.Context) error {
	if len(d.fw.RAMInit) == 0 {
		return nil
	}
	return d.progMemWrite(ctx, d.fw.RAMInitAddr, d.fw.RAMInit)
}

func (d *Device) loadFirmware(ctx context.Context) error {
	return d.progMemWrite(ctx, d.variant.ProgMemAddr, d.fw.Code)
}

// setIdle parks every device listening on the programming address of the bus
// in a halt loop with the watchdog disabled.
func (d *Device) setIdle(ctx context.Context) error {
	if err := d.progMemWrite(ctx, memAddrIdleLoop, idleLoop); err != nil {
		return err
	}
	if err := d.resetAndHalt(ctx); err != nil {
		return err
	}
	return d.progMemWrite(ctx, memAddrWatchdog, binary.LittleEndian.AppendUint16(nil, watchdogDisable))
}

// SoftReset restarts the firmware already in program memory without
// reloading it.
func (d *Device) SoftReset(ctx context.Context) (err error) {
	if err := d.checkConnected(); err != nil {
		return err
	}
	hal := d.group.hal
	if err := hal.ProgramEnable(d.port); err != nil {
		return fmt.Errorf("could not enable programming line: %w", err)
	}
	defer func() {
		err = errors.Join(err, hal.ProgramDisable(d.port))
	}()
	if err := d.resetAndHalt(ctx); err != nil {
		return fmt.Errorf("could not halt sensor: %w", err)
	}
	if err := d.initRAM(ctx); err != nil {
		return fmt.Errorf("could not init ram: %w", err)
	}
	if err := d.resetAndHalt(ctx); err != nil {
		return fmt.Errorf("could not halt sensor: %w", err)
	}
	if err := d.progMemWrite(ctx, memAddrI2CAddr, []byte{d.addr}); err != nil {
		return fmt.Errorf("could not assign address: %w", err)
	}
	if err := d.progWrite(ctx, progRegCPU, progCPURun); err != nil {
		return fmt.Errorf("could not start sensor: %w", err)
	}
	return nil
}
