package sonic

import (
	"context"
	"time"
)

// Target addresses one device on one bus. Sensors answer on their runtime
// address in normal operation and on a shared address while in programming mode.
type Target struct {
	Bus  int
	Addr byte
}

// Bus performs blocking transfers. Mem variants prefix the transfer with a
// single byte register address.
type Bus interface {
	Write(ctx context.Context, t Target, data []byte) error
	Read(ctx context.Context, t Target, buf []byte) error
	MemWrite(ctx context.Context, t Target, reg byte, data []byte) error
	MemRead(ctx context.Context, t Target, reg byte, buf []byte) error
	ResetBus(bus int) error
}

// AsyncBus starts transfers that complete later. Implementations must report
// every completion by calling Group.Advance (or Group.Fail when the transfer
// went wrong) for the bus, and never from inside the call that started it.
type AsyncBus interface {
	ReadNB(t Target, buf []byte) error
	MemReadNB(t Target, reg byte, buf []byte) error
	MemWriteNB(t Target, reg byte, data []byte) error
}

// Lines drives the per-port control lines: the shared reset line, the
// programming-enable line and the bidirectional io (trigger/interrupt) line.
type Lines interface {
	ResetAssert() error
	ResetRelease() error
	ProgramEnable(port int) error
	ProgramDisable(port int) error
	IODirOut(port int) error
	IODirIn(port int) error
	IOSet(port int) error
	IOClear(port int) error
	IOInterruptEnable(port int) error
	IOInterruptDisable(port int) error
}

type Clock interface {
	Sleep(d time.Duration)
	Now() time.Time
}

// HAL is everything the driver needs from the host.
type HAL interface {
	Bus
	AsyncBus
	Lines
	Clock
}
