package board

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/ultrasonic"
	"github.com/mklimuk/ultrasonic/sonic"
)

type MockI2CBus struct {
	mock.Mock
}

func (m *MockI2CBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	args := m.Called(ctx, address, buffer)
	return args.Error(0)
}

func (m *MockI2CBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	args := m.Called(ctx, address, buffer)
	if data, ok := args.Get(0).([]byte); ok {
		copy(buffer, data)
	}
	return args.Error(1)
}

func (m *MockI2CBus) Release(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockTxBus adds combined transfers.
type MockTxBus struct {
	MockI2CBus
}

func (m *MockTxBus) Tx(ctx context.Context, address byte, w, r []byte) error {
	args := m.Called(ctx, address, w, r)
	if data, ok := args.Get(0).([]byte); ok {
		copy(r, data)
	}
	return args.Error(1)
}

type fakeLine struct {
	mu      sync.Mutex
	log     []string
	watchFn func()
}

func (l *fakeLine) Out(high bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if high {
		l.log = append(l.log, "out 1")
	} else {
		l.log = append(l.log, "out 0")
	}
	return nil
}

func (l *fakeLine) In() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = append(l.log, "in")
	return nil
}

type fakeEdgeLine struct {
	fakeLine
}

func (l *fakeEdgeLine) WatchRising(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchFn = fn
	l.log = append(l.log, "watch")
	return nil
}

func (l *fakeEdgeLine) Unwatch() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchFn = nil
	l.log = append(l.log, "unwatch")
	return nil
}

type event struct {
	bus, port int
	err       error
}

type fakeNotifier struct {
	events chan event
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: make(chan event, 8)}
}

func (n *fakeNotifier) Advance(bus int) {
	n.events <- event{bus: bus, port: -1}
}

func (n *fakeNotifier) Fail(bus int, err error) {
	n.events <- event{bus: bus, port: -1, err: err}
}

func (n *fakeNotifier) HandleIOInterrupt(port int) {
	n.events <- event{bus: -1, port: port}
}

func (n *fakeNotifier) wait(t *testing.T) event {
	t.Helper()
	select {
	case e := <-n.events:
		return e
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
	return event{}
}

func newTestBoard(t *testing.T, buses ...ultrasonic.I2CBus) (*Board, *fakeLine, []PortLines) {
	t.Helper()
	reset := &fakeLine{}
	ports := []PortLines{
		{Prog: &fakeLine{}, IO: &fakeEdgeLine{}},
		{Prog: &fakeLine{}, IO: &fakeLine{}},
	}
	b, err := New(buses, reset, ports)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, reset, ports
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, &fakeLine{}, nil)
	assert.Error(t, err)
	_, err = New([]ultrasonic.I2CBus{new(MockI2CBus)}, nil, nil)
	assert.Error(t, err)
	_, err = New([]ultrasonic.I2CBus{new(MockI2CBus)}, &fakeLine{}, []PortLines{{Prog: &fakeLine{}}})
	assert.Error(t, err)
}

func TestMemWriteFraming(t *testing.T) {
	bus := new(MockI2CBus)
	b, _, _ := newTestBoard(t, bus)
	bus.On("WriteToAddr", mock.Anything, byte(0x2D), []byte{0x12, 0xAA, 0xBB}).Return(nil).Once()

	err := b.MemWrite(context.Background(), sonic.Target{Bus: 0, Addr: 0x2D}, 0x12, []byte{0xAA, 0xBB})
	require.NoError(t, err)
	bus.AssertExpectations(t)
}

func TestMemReadFallsBackToWriteThenRead(t *testing.T) {
	bus := new(MockI2CBus)
	b, _, _ := newTestBoard(t, bus)
	bus.On("WriteToAddr", mock.Anything, byte(0x2D), []byte{0x14}).Return(nil).Once()
	bus.On("ReadFromAddr", mock.Anything, byte(0x2D), mock.Anything).Return([]byte{0x34, 0x12}, nil).Once()

	buf := make([]byte, 2)
	require.NoError(t, b.MemRead(context.Background(), sonic.Target{Addr: 0x2D}, 0x14, buf))
	assert.Equal(t, []byte{0x34, 0x12}, buf)
	bus.AssertExpectations(t)
}

func TestMemReadUsesCombinedTransfer(t *testing.T) {
	bus := new(MockTxBus)
	b, _, _ := newTestBoard(t, bus)
	bus.On("Tx", mock.Anything, byte(0x2B), []byte{0x14}, mock.Anything).Return([]byte{0x01, 0x02}, nil).Once()

	buf := make([]byte, 2)
	require.NoError(t, b.MemRead(context.Background(), sonic.Target{Addr: 0x2B}, 0x14, buf))
	assert.Equal(t, []byte{0x01, 0x02}, buf)
	bus.AssertNotCalled(t, "WriteToAddr", mock.Anything, mock.Anything, mock.Anything)
}

func TestBusyBusIsReleased(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		wantErr  bool
	}{
		{name: "recovers after release", failures: 1},
		{name: "gives up", failures: 2, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := new(MockI2CBus)
			b, _, _ := newTestBoard(t, bus)
			bus.On("WriteToAddr", mock.Anything, byte(0x45), mock.Anything).Return(ultrasonic.ErrBusBusy).Times(tt.failures)
			bus.On("WriteToAddr", mock.Anything, byte(0x45), mock.Anything).Return(nil)
			bus.On("Release", mock.Anything).Return(nil)

			err := b.Write(context.Background(), sonic.Target{Addr: 0x45}, []byte{0x00})
			if tt.wantErr {
				assert.ErrorIs(t, err, ultrasonic.ErrBusBusy)
				bus.AssertNumberOfCalls(t, "Release", 2)
				return
			}
			assert.NoError(t, err)
			bus.AssertNumberOfCalls(t, "Release", 1)
		})
	}
}

func TestUnknownBus(t *testing.T) {
	b, _, _ := newTestBoard(t, new(MockI2CBus))
	assert.Error(t, b.Write(context.Background(), sonic.Target{Bus: 3}, []byte{1}))
	assert.Error(t, b.ResetBus(-1))
}

func TestNonBlockingReportsCompletion(t *testing.T) {
	bus0, bus1 := new(MockI2CBus), new(MockI2CBus)
	b, _, _ := newTestBoard(t, bus0, bus1)
	n := newFakeNotifier()

	buf := make([]byte, 2)
	assert.ErrorIs(t, b.MemReadNB(sonic.Target{Bus: 1, Addr: 0x2C}, 0x14, buf), ErrNotAttached)

	b.Attach(n)
	bus1.On("WriteToAddr", mock.Anything, byte(0x2C), []byte{0x14}).Return(nil)
	bus1.On("ReadFromAddr", mock.Anything, byte(0x2C), mock.Anything).Return([]byte{0x10, 0x00}, nil)
	require.NoError(t, b.MemReadNB(sonic.Target{Bus: 1, Addr: 0x2C}, 0x14, buf))
	e := n.wait(t)
	assert.Equal(t, 1, e.bus)
	assert.NoError(t, e.err)
	assert.Equal(t, []byte{0x10, 0x00}, buf)

	errNack := errors.New("nack")
	bus0.On("WriteToAddr", mock.Anything, byte(0x2D), mock.Anything).Return(errNack)
	require.NoError(t, b.MemWriteNB(sonic.Target{Bus: 0, Addr: 0x2D}, 0x01, []byte{0x02}))
	e = n.wait(t)
	assert.Equal(t, 0, e.bus)
	assert.ErrorIs(t, e.err, errNack)
}

func TestNonBlockingAfterClose(t *testing.T) {
	bus := new(MockI2CBus)
	b, _, _ := newTestBoard(t, bus)
	b.Attach(newFakeNotifier())
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.ReadNB(sonic.Target{Addr: 0x45}, make([]byte, 4)), context.Canceled)
}

func TestResetAndProgramLines(t *testing.T) {
	b, reset, ports := newTestBoard(t, new(MockI2CBus))
	require.NoError(t, b.ResetAssert())
	require.NoError(t, b.ResetRelease())
	assert.Equal(t, []string{"out 0", "out 1"}, reset.log)

	require.NoError(t, b.ProgramEnable(1))
	require.NoError(t, b.ProgramDisable(1))
	assert.Equal(t, []string{"out 1", "out 0"}, ports[1].Prog.(*fakeLine).log)
	assert.Error(t, b.ProgramEnable(2))
}

func TestIOLineLatchesLevel(t *testing.T) {
	b, _, ports := newTestBoard(t, new(MockI2CBus))
	io := ports[1].IO.(*fakeLine)

	// level changes on an input are latched until the line turns into an output
	require.NoError(t, b.IOSet(1))
	assert.Empty(t, io.log)
	require.NoError(t, b.IODirOut(1))
	require.NoError(t, b.IOClear(1))
	require.NoError(t, b.IODirIn(1))
	require.NoError(t, b.IOSet(1))
	assert.Equal(t, []string{"out 1", "out 0", "in"}, io.log)
}

func TestIOInterruptRouting(t *testing.T) {
	b, _, ports := newTestBoard(t, new(MockI2CBus))
	n := newFakeNotifier()
	b.Attach(n)
	io := ports[0].IO.(*fakeEdgeLine)

	require.NoError(t, b.IOInterruptEnable(0))
	require.NoError(t, b.IOInterruptEnable(0))
	require.NotNil(t, io.watchFn)
	io.watchFn()
	assert.Equal(t, 0, n.wait(t).port)

	require.NoError(t, b.IOInterruptDisable(0))
	require.NoError(t, b.IOInterruptDisable(0))
	assert.Equal(t, []string{"watch", "unwatch"}, io.log)

	// plain lines have no interrupt support to toggle
	assert.NoError(t, b.IOInterruptEnable(1))
}
