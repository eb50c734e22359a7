package eeprom

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn models the memory array, the write enable latch and a write cycle
// lasting busyPolls status reads.
type fakeConn struct {
	mem       []byte
	wel       bool
	busy      int
	busyPolls int
	frames    [][]byte
	closed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{mem: make([]byte, Capacity)}
}

func (f *fakeConn) ReadCommandData(command []byte, data []byte) error {
	switch command[0] {
	case cmdRDSR:
		data[0] = 0
		if f.busy > 0 {
			data[0] = statusWIP
			f.busy--
		}
	case cmdRead:
		addr := int(command[1])<<16 | int(command[2])<<8 | int(command[3])
		copy(data, f.mem[addr:])
	}
	return nil
}

func (f *fakeConn) WriteBytes(data []byte) error {
	f.frames = append(f.frames, append([]byte(nil), data...))
	switch data[0] {
	case cmdWREN:
		f.wel = true
	case cmdWrite:
		if !f.wel {
			return nil
		}
		addr := int(data[1])<<16 | int(data[2])<<8 | int(data[3])
		page := addr &^ (PageSize - 1)
		for i, b := range data[4:] {
			// writes wrap within the page like the real part
			f.mem[page+(addr+i)%PageSize] = b
		}
		f.wel = false
		f.busy = f.busyPolls
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func newTestEEPROM(f *fakeConn) *EEPROM25AA1024 {
	e := newEEPROM(f)
	e.sleep = func(time.Duration) {}
	return e
}

func TestWriteSplitsPages(t *testing.T) {
	f := newFakeConn()
	f.busyPolls = 3
	e := newTestEEPROM(f)
	data := make([]byte, 600)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, e.WriteAt(context.Background(), 0x01F0, data))

	var writes [][]byte
	for _, fr := range f.frames {
		if fr[0] == cmdWrite {
			writes = append(writes, fr)
		}
	}
	require.Len(t, writes, 4)
	assert.Equal(t, []byte{cmdWrite, 0x00, 0x01, 0xF0}, writes[0][:4])
	assert.Len(t, writes[0], 4+16)
	assert.Equal(t, []byte{cmdWrite, 0x00, 0x02, 0x00}, writes[1][:4])
	assert.Len(t, writes[3], 4+600-16-256-256)

	buf := make([]byte, len(data))
	require.NoError(t, e.ReadAt(context.Background(), 0x01F0, buf))
	assert.Equal(t, data, buf)
}

func TestWriteTimesOut(t *testing.T) {
	f := newFakeConn()
	f.busyPolls = 1000
	e := newTestEEPROM(f)
	err := e.WriteAt(context.Background(), 0, []byte{0x01})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestOutOfRange(t *testing.T) {
	e := newTestEEPROM(newFakeConn())
	assert.ErrorIs(t, e.ReadAt(context.Background(), Capacity-1, make([]byte, 2)), ErrOutOfRange)
	assert.ErrorIs(t, e.WriteAt(context.Background(), Capacity, []byte{0x00}), ErrOutOfRange)
	assert.NoError(t, e.ReadAt(context.Background(), Capacity-2, make([]byte, 2)))
}

func TestCancelledWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := newFakeConn()
	e := newTestEEPROM(f)
	assert.ErrorIs(t, e.WriteAt(ctx, 0, make([]byte, 10)), context.Canceled)
	assert.Empty(t, f.frames)
}

func TestClose(t *testing.T) {
	f := newFakeConn()
	e := newTestEEPROM(f)
	finalized := false
	e.finalize = func() error {
		finalized = true
		return nil
	}
	require.NoError(t, e.Close())
	assert.True(t, f.closed)
	assert.True(t, finalized)
}
