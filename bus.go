// Package ultrasonic holds the raw bus contracts shared by every transport backend
// (periph.io, gobot, MCP2221) used to reach ultrasonic time-of-flight sensors.
package ultrasonic

import (
	"context"
	"errors"
)

var ErrBusBusy = errors.New("i2c engine is busy (command not completed)")

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	// Release asks the bus master to drop a stuck transfer.
	Release(ctx context.Context) error
}

type I2CBus interface {
	AddressableReader
	AddressableWriter
}

// Transactor is implemented by buses able to issue a write followed by a read
// with a repeated start, which is how sensor registers are addressed.
// Buses without it get a plain write then read.
type Transactor interface {
	Tx(ctx context.Context, address byte, w, r []byte) error
}
