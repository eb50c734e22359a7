package sonic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// Programming interface. Every device with its programming line asserted
// answers on ProgAddr at the same time.
const (
	ProgAddr byte = 0x45

	progRegPing byte = 0x00
	progRegAddr byte = 0x05
	progRegData byte = 0x06
	progRegCnt  byte = 0x07
	progRegCPU  byte = 0x42
	progRegCtl  byte = 0x44

	// ProgChunkSize is the largest burst the programming interface moves at once.
	ProgChunkSize = 256

	progCtlWrite     byte = 0x03
	progCtlByte      byte = 0x08
	progBurstWrite   byte = 0x0B
	progBurstRead    byte = 0x09
	progCPUHalt      uint16 = 0x40
	progCPUHaltReset uint16 = 0x11
	progCPURun       uint16 = 0x02
)

// registers in the 0x40 page are one byte wide, the rest two
func progRegSize(reg byte) int {
	if reg&0x40 != 0 {
		return 1
	}
	return 2
}

func (d *Device) progTarget() Target {
	return Target{Bus: d.bus, Addr: ProgAddr}
}

func (d *Device) progRawWrite(ctx context.Context, msg []byte) error {
	if err := d.group.hal.Write(ctx, d.progTarget(), msg); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return nil
}

func (d *Device) progRawRead(ctx context.Context, buf []byte) error {
	if err := d.group.hal.Read(ctx, d.progTarget(), buf); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return nil
}

func (d *Device) progWrite(ctx context.Context, reg byte, val uint16) error {
	msg := []byte{reg | 0x80, byte(val), byte(val >> 8)}
	return d.progRawWrite(ctx, msg[:1+progRegSize(reg)])
}

func (d *Device) progRead(ctx context.Context, reg byte) (uint16, error) {
	if err := d.progRawWrite(ctx, []byte{reg & 0x7F}); err != nil {
		return 0, err
	}
	buf := make([]byte, 2)
	n := progRegSize(reg)
	if err := d.progRawRead(ctx, buf[:n]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// progMemWrite stores data at addr. One byte, or an aligned word, goes through
// the data register; anything else is sent as a counted burst.
func (d *Device) progMemWrite(ctx context.Context, addr uint16, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := d.progWrite(ctx, progRegAddr, addr); err != nil {
		return err
	}
	if len(data) == 1 || (len(data) == 2 && addr&1 == 0) {
		val := uint16(data[0])
		ctl := progCtlWrite | progCtlByte
		if len(data) == 2 {
			val |= uint16(data[1]) << 8
			ctl = progCtlWrite
		}
		if err := d.progWrite(ctx, progRegData, val); err != nil {
			return err
		}
		return d.progWrite(ctx, progRegCtl, uint16(ctl))
	}
	if err := d.progWrite(ctx, progRegCnt, uint16(len(data)-1)); err != nil {
		return err
	}
	if err := d.progRawWrite(ctx, []byte{0x80 | progRegCtl, progBurstWrite}); err != nil {
		return err
	}
	return d.progRawWrite(ctx, data)
}

// progMemRead reads len(buf) bytes from addr in programming-interface sized chunks.
func (d *Device) progMemRead(ctx context.Context, addr uint16, buf []byte) error {
	for off := 0; off < len(buf); off += ProgChunkSize {
		end := min(off+ProgChunkSize, len(buf))
		if err := d.progBurstReadStart(ctx, addr+uint16(off), end-off); err != nil {
			return err
		}
		if err := d.progRawRead(ctx, buf[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// progBurstReadStart arms a burst read of n bytes; the data is then clocked out
// with a plain read from ProgAddr.
func (d *Device) progBurstReadStart(ctx context.Context, addr uint16, n int) error {
	if err := d.progWrite(ctx, progRegAddr, addr); err != nil {
		return err
	}
	if err := d.progWrite(ctx, progRegCnt, uint16(n-1)); err != nil {
		return err
	}
	return d.progRawWrite(ctx, []byte{0x80 | progRegCtl, progBurstRead})
}

func (d *Device) resetAndHalt(ctx context.Context) error {
	return errors.Join(
		d.progWrite(ctx, progRegCPU, progCPUHalt),
		d.progWrite(ctx, progRegCPU, progCPUHaltReset),
	)
}

// ping reports whether a device answers on the programming interface.
func (d *Device) ping(ctx context.Context) bool {
	if err := d.resetAndHalt(ctx); err != nil {
		d.log.Debug("reset and halt failed", "err", err)
		return false
	}
	val, err := d.progRead(ctx, progRegPing)
	if err != nil {
		d.log.Debug("ping failed", "err", err)
		return false
	}
	d.log.Debug("ping", "value", fmt.Sprintf("0x%04x", val))
	return true
}

