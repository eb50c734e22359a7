package sonic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// IQSampleSize is the size in bytes of one raw sample.
const IQSampleSize = 4

// IQSample is one complex receive sample.
type IQSample struct {
	Q int16
	I int16
}

// DecodeIQ converts raw sample data as read from a device.
func DecodeIQ(buf []byte) []IQSample {
	res := make([]IQSample, len(buf)/IQSampleSize)
	for i := range res {
		off := i * IQSampleSize
		res[i].Q = int16(binary.LittleEndian.Uint16(buf[off:]))
		res[i].I = int16(binary.LittleEndian.Uint16(buf[off+2:]))
	}
	return res
}

// checkIQRange bounds a sample window. Register reads address the samples
// with a single byte, so with viaRegisters the whole window must sit below
// register 0x100.
func (d *Device) checkIQRange(start, count uint16, viaRegisters bool) error {
	if count == 0 || uint32(start)+uint32(count) > uint32(d.variant.MaxSamples) {
		return fmt.Errorf("samples %d+%d outside 0..%d: %w", start, count, d.variant.MaxSamples, ErrInvalidArgument)
	}
	if end := uint32(d.variant.Regs.Data) + (uint32(start)+uint32(count))*IQSampleSize; viaRegisters && end > 0x100 {
		return fmt.Errorf("samples %d+%d end at register %#x, past the one byte register window: %w", start, count, end-1, ErrInvalidArgument)
	}
	return nil
}

// iqRegister is the register offset of sample start.
func (d *Device) iqRegister(start uint16) uint16 {
	return uint16(d.variant.Regs.Data) + start*IQSampleSize
}

// IQData reads count raw samples starting at sample start. The read goes
// through the programming interface and blocks until done.
func (d *Device) IQData(ctx context.Context, start, count uint16) (res []IQSample, err error) {
	if err := d.checkConnected(); err != nil {
		return nil, err
	}
	if err := d.checkIQRange(start, count, false); err != nil {
		return nil, err
	}
	hal := d.group.hal
	if err := hal.ProgramEnable(d.port); err != nil {
		return nil, fmt.Errorf("could not enable programming line: %w", err)
	}
	defer func() {
		err = errors.Join(err, hal.ProgramDisable(d.port))
	}()
	buf := make([]byte, int(count)*IQSampleSize)
	if err := d.progMemRead(ctx, d.variant.DataMemAddr+d.iqRegister(start), buf); err != nil {
		return nil, fmt.Errorf("could not read iq data: %w", err)
	}
	return DecodeIQ(buf), nil
}

// QueueIQData queues a read of count raw samples into buf, which must hold
// count*IQSampleSize bytes. The group flags decide whether the programming
// interface or a register read is used. Decode buf with DecodeIQ once the
// group completion callback fires.
func (d *Device) QueueIQData(buf []byte, start, count uint16) (*Transaction, error) {
	if err := d.checkConnected(); err != nil {
		return nil, err
	}
	progNB := d.group.flags&FlagUseProgNB != 0
	if err := d.checkIQRange(start, count, !progNB); err != nil {
		return nil, err
	}
	n := int(count) * IQSampleSize
	if len(buf) < n {
		return nil, fmt.Errorf("buffer of %d bytes too small for %d samples: %w", len(buf), count, ErrInvalidArgument)
	}
	t := &Transaction{
		Device: d,
		Dir:    Read,
		Kind:   KindStandard,
		Addr:   d.iqRegister(start),
		Buf:    buf[:n],
	}
	if progNB {
		t.Kind = KindProgram
		t.Addr += d.variant.DataMemAddr
	}
	if err := d.group.Enqueue(d.bus, t); err != nil {
		return nil, err
	}
	return t, nil
}
