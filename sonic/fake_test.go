package sonic

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errNack = errors.New("nack")

type frame struct {
	bus  int
	addr byte
	read bool
	data []byte
}

// fakeSensor models the programming interface and the register file of one
// sensor closely enough for bring-up and queue tests.
type fakeSensor struct {
	port    int
	bus     int
	present bool
	prog    bool
	running bool
	addr    byte

	progRegs  map[byte]uint16
	lastReg   byte
	readReg   byte
	readBurst bool
	burst     bool
	mem       map[uint16]byte
	regs      [256]byte

	// ready reads before the lock bit shows, negative never locks
	lockAfter    int
	lockFailRuns int
	noLock       bool
	readyReads   int
	// firmware loads that fail before the sensor starts accepting them
	failFirmware int
}

func (s *fakeSensor) setWord(reg byte, v uint16) {
	binary.LittleEndian.PutUint16(s.regs[reg:], v)
}

func (s *fakeSensor) word(reg byte) uint16 {
	return binary.LittleEndian.Uint16(s.regs[reg:])
}

func (s *fakeSensor) memBytes(addr uint16, n int) []byte {
	res := make([]byte, n)
	for i := range res {
		res[i] = s.mem[addr+uint16(i)]
	}
	return res
}

func (s *fakeSensor) progWrite(data []byte) error {
	if s.burst {
		s.burst = false
		addr := s.progRegs[progRegAddr]
		if addr == CH101.ProgMemAddr && s.failFirmware > 0 {
			s.failFirmware--
			return errNack
		}
		for i, b := range data {
			s.mem[addr+uint16(i)] = b
		}
		return nil
	}
	if data[0]&0x80 == 0 {
		s.readReg = data[0]
		s.readBurst = false
		return nil
	}
	reg := data[0] & 0x7F
	val := uint16(data[1])
	if len(data) > 2 {
		val |= uint16(data[2]) << 8
	}
	switch reg {
	case progRegCtl:
		addr := s.progRegs[progRegAddr]
		switch {
		case s.lastReg == progRegCnt && byte(val) == progBurstWrite:
			s.burst = true
		case s.lastReg == progRegCnt && byte(val) == progBurstRead:
			s.readBurst = true
		case byte(val) == progCtlWrite|progCtlByte:
			s.mem[addr] = byte(s.progRegs[progRegData])
		case byte(val) == progCtlWrite:
			s.mem[addr] = byte(s.progRegs[progRegData])
			s.mem[addr+1] = byte(s.progRegs[progRegData] >> 8)
		}
	case progRegCPU:
		if val == progCPURun {
			s.running = true
			s.addr = s.mem[memAddrI2CAddr]
			s.readyReads = 0
			s.noLock = s.lockFailRuns > 0
			if s.noLock {
				s.lockFailRuns--
			}
		} else {
			s.running = false
		}
	}
	s.progRegs[reg] = val
	s.lastReg = reg
	return nil
}

func (s *fakeSensor) progRead(buf []byte) {
	if s.readBurst {
		copy(buf, s.memBytes(s.progRegs[progRegAddr], len(buf)))
		return
	}
	var v uint16
	if s.readReg == progRegPing {
		v = 0x0A02
	} else {
		v = s.progRegs[s.readReg]
	}
	tmp := []byte{byte(v), byte(v >> 8)}
	copy(buf, tmp)
}

type nbOp struct {
	bus int
}

type fakeBoard struct {
	sensors []*fakeSensor
	now     time.Time
	slept   time.Duration
	frames  []frame
	lines   []string
	nb      []nbOp

	resets    int
	busResets []int
	// external transfers performed
	external int
}

// newFakeBoard creates sensors on the given buses, all present and locking
// after two polls.
func newFakeBoard(buses ...int) *fakeBoard {
	b := &fakeBoard{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	for port, bus := range buses {
		s := &fakeSensor{
			port:      port,
			bus:       bus,
			present:   true,
			progRegs:  map[byte]uint16{},
			mem:       map[uint16]byte{},
			lockAfter: 2,
		}
		s.setWord(CH101.Regs.CalResult, 999)
		s.setWord(CH101.Regs.TOFScaleFactor, 35934)
		s.setWord(CH201.Regs.TOFScaleFactor, 35934)
		b.sensors = append(b.sensors, s)
	}
	return b
}

func (b *fakeBoard) progTargets(bus int) []*fakeSensor {
	var res []*fakeSensor
	for _, s := range b.sensors {
		if s.present && s.prog && s.bus == bus {
			res = append(res, s)
		}
	}
	return res
}

func (b *fakeBoard) runtimeTarget(t Target) *fakeSensor {
	for _, s := range b.sensors {
		if s.present && s.running && !s.prog && s.bus == t.Bus && s.addr == t.Addr {
			return s
		}
	}
	return nil
}

func (b *fakeBoard) record(t Target, read bool, data []byte) {
	b.frames = append(b.frames, frame{bus: t.Bus, addr: t.Addr, read: read, data: bytes.Clone(data)})
}

func (b *fakeBoard) Write(_ context.Context, t Target, data []byte) error {
	b.record(t, false, data)
	if t.Addr != ProgAddr {
		return errNack
	}
	targets := b.progTargets(t.Bus)
	if len(targets) == 0 {
		return errNack
	}
	var errs []error
	for _, s := range targets {
		errs = append(errs, s.progWrite(data))
	}
	return errors.Join(errs...)
}

func (b *fakeBoard) Read(_ context.Context, t Target, buf []byte) error {
	if t.Addr != ProgAddr {
		return errNack
	}
	targets := b.progTargets(t.Bus)
	if len(targets) == 0 {
		return errNack
	}
	targets[0].progRead(buf)
	b.record(t, true, buf)
	return nil
}

func (b *fakeBoard) MemWrite(_ context.Context, t Target, reg byte, data []byte) error {
	b.record(t, false, append([]byte{reg}, data...))
	s := b.runtimeTarget(t)
	if s == nil {
		return errNack
	}
	copy(s.regs[reg:], data[1:1+int(data[0])])
	return nil
}

func (b *fakeBoard) MemRead(_ context.Context, t Target, reg byte, buf []byte) error {
	b.record(t, true, []byte{reg})
	s := b.runtimeTarget(t)
	if s == nil {
		return errNack
	}
	if reg == CH101.Regs.Ready {
		s.readyReads++
		if !s.noLock && s.lockAfter >= 0 && s.readyReads >= s.lockAfter {
			s.regs[reg] |= CH101.ReadyLockMask
		} else {
			s.regs[reg] &^= CH101.ReadyLockMask
		}
	}
	copy(buf, s.regs[int(reg):])
	return nil
}

func (b *fakeBoard) ResetBus(bus int) error {
	b.busResets = append(b.busResets, bus)
	return nil
}

func (b *fakeBoard) ReadNB(t Target, buf []byte) error {
	if err := b.Read(context.Background(), t, buf); err != nil {
		return err
	}
	b.nb = append(b.nb, nbOp{bus: t.Bus})
	return nil
}

func (b *fakeBoard) MemReadNB(t Target, reg byte, buf []byte) error {
	if err := b.MemRead(context.Background(), t, reg, buf); err != nil {
		return err
	}
	b.nb = append(b.nb, nbOp{bus: t.Bus})
	return nil
}

func (b *fakeBoard) MemWriteNB(t Target, reg byte, data []byte) error {
	if err := b.MemWrite(context.Background(), t, reg, data); err != nil {
		return err
	}
	b.nb = append(b.nb, nbOp{bus: t.Bus})
	return nil
}

// complete delivers pending non-blocking completions until the queues are
// quiet and returns how many were delivered.
func (b *fakeBoard) complete(g *Group) int {
	n := 0
	for len(b.nb) > 0 {
		op := b.nb[0]
		b.nb = b.nb[1:]
		n++
		g.Advance(op.bus)
	}
	return n
}

func (b *fakeBoard) line(format string, args ...any) error {
	b.lines = append(b.lines, fmt.Sprintf(format, args...))
	return nil
}

func (b *fakeBoard) ResetAssert() error {
	b.resets++
	for _, s := range b.sensors {
		s.running = false
		s.progRegs = map[byte]uint16{}
		s.burst = false
		s.readBurst = false
	}
	return b.line("reset")
}

func (b *fakeBoard) ResetRelease() error {
	return b.line("release")
}

func (b *fakeBoard) ProgramEnable(port int) error {
	b.sensors[port].prog = true
	return b.line("prog+ %d", port)
}

func (b *fakeBoard) ProgramDisable(port int) error {
	b.sensors[port].prog = false
	return b.line("prog- %d", port)
}

func (b *fakeBoard) IODirOut(port int) error           { return b.line("out %d", port) }
func (b *fakeBoard) IODirIn(port int) error            { return b.line("in %d", port) }
func (b *fakeBoard) IOSet(port int) error              { return b.line("set %d", port) }
func (b *fakeBoard) IOClear(port int) error            { return b.line("clear %d", port) }
func (b *fakeBoard) IOInterruptEnable(port int) error  { return b.line("irq+ %d", port) }
func (b *fakeBoard) IOInterruptDisable(port int) error { return b.line("irq- %d", port) }

func (b *fakeBoard) Sleep(d time.Duration) {
	b.now = b.now.Add(d)
	b.slept += d
	b.line("sleep %s", d)
}

func (b *fakeBoard) Now() time.Time {
	return b.now
}

// reset clears the call logs.
func (b *fakeBoard) reset() {
	b.frames = nil
	b.lines = nil
	b.slept = 0
}

func testFirmware(v *Variant) *Firmware {
	return &Firmware{
		Variant:     v,
		Version:     "gpr-test",
		Code:        bytes.Repeat([]byte{0xA5, 0x5A}, 40),
		RAMInit:     []byte{0x11, 0x22, 0x33},
		RAMInitAddr: 0x0220,
	}
}

var testAddrs = []byte{45, 43, 44, 42}

func testPorts(v *Variant, buses ...int) []PortConfig {
	fw := testFirmware(v)
	ports := make([]PortConfig, len(buses))
	for i, bus := range buses {
		ports[i] = PortConfig{Bus: bus, Addr: testAddrs[i%len(testAddrs)] + byte(i/len(testAddrs)), Firmware: fw}
	}
	return ports
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGroup(t *testing.T, b *fakeBoard, v *Variant, opts ...Option) *Group {
	t.Helper()
	buses := make([]int, len(b.sensors))
	for i, s := range b.sensors {
		buses[i] = s.bus
	}
	g, err := NewGroup(b, testPorts(v, buses...), append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	return g
}

// startedGroup brings up a group on a board with four CH101 sensors on two
// buses.
func startedGroup(t *testing.T, v *Variant, opts ...Option) (*Group, *fakeBoard) {
	t.Helper()
	b := newFakeBoard(0, 0, 1, 1)
	g := newTestGroup(t, b, v, opts...)
	require.NoError(t, g.Start(context.Background()))
	b.reset()
	return g, b
}
