// Package board wires I2C buses and control lines into the host interface the
// sonic driver runs on.
package board

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mklimuk/ultrasonic"
	"github.com/mklimuk/ultrasonic/snsctx"
	"github.com/mklimuk/ultrasonic/sonic"
)

var _ sonic.HAL = &Board{}

var ErrNotAttached = errors.New("no completion target attached")

// Line is one digital control line. Out drives the line as an output at the
// given level, In releases it to an input.
type Line interface {
	Out(high bool) error
	In() error
}

// EdgeLine is a Line that can report rising edges while it is an input.
type EdgeLine interface {
	Line
	WatchRising(fn func()) error
	Unwatch() error
}

// Notifier receives non-blocking transfer completions and io line interrupts.
// *sonic.Group implements it.
type Notifier interface {
	Advance(bus int)
	Fail(bus int, err error)
	HandleIOInterrupt(port int)
}

// PortLines are the per sensor control lines.
type PortLines struct {
	Prog Line
	IO   Line
}

type Option func(*Board)

func WithLogger(log *slog.Logger) Option {
	return func(b *Board) {
		b.log = log
	}
}

// WithRetries sets how many times a busy bus is released and the transfer retried.
func WithRetries(n int) Option {
	return func(b *Board) {
		b.retryLimit = n
	}
}

type Board struct {
	buses []*busSlot
	reset Line
	ports []*portSlot

	mx     sync.Mutex
	notify Notifier

	log        *slog.Logger
	retryLimit int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type busSlot struct {
	mx  sync.Mutex
	bus ultrasonic.I2CBus
}

type portSlot struct {
	PortLines
	mx       sync.Mutex
	out      bool
	level    bool
	watching bool
}

func New(buses []ultrasonic.I2CBus, reset Line, ports []PortLines, opts ...Option) (*Board, error) {
	if len(buses) == 0 {
		return nil, errors.New("no buses")
	}
	if reset == nil {
		return nil, errors.New("no reset line")
	}
	b := &Board{
		reset:      reset,
		log:        slog.Default(),
		retryLimit: 1,
	}
	for i, bus := range buses {
		if bus == nil {
			return nil, fmt.Errorf("bus %d is nil", i)
		}
		b.buses = append(b.buses, &busSlot{bus: bus})
	}
	for i, p := range ports {
		if p.Prog == nil || p.IO == nil {
			return nil, fmt.Errorf("port %d is missing a control line", i)
		}
		b.ports = append(b.ports, &portSlot{PortLines: p})
	}
	for _, opt := range opts {
		opt(b)
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b, nil
}

// Attach sets the target of completions and interrupts. It must be called
// before the first non-blocking transfer.
func (b *Board) Attach(n Notifier) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.notify = n
}

func (b *Board) notifier() Notifier {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.notify
}

// Close cancels in-flight transfers, waits for them and stops edge watches.
func (b *Board) Close() error {
	b.cancel()
	b.wg.Wait()
	var errs []error
	for i := range b.ports {
		if err := b.IOInterruptDisable(i); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Board) slot(bus int) (*busSlot, error) {
	if bus < 0 || bus >= len(b.buses) {
		return nil, fmt.Errorf("no bus %d", bus)
	}
	return b.buses[bus], nil
}

func (b *Board) port(port int) (*portSlot, error) {
	if port < 0 || port >= len(b.ports) {
		return nil, fmt.Errorf("no port %d", port)
	}
	return b.ports[port], nil
}

// withRetry runs op and, while the bus reports busy, releases it and tries again.
func (b *Board) withRetry(ctx context.Context, s *busSlot, op func() error) error {
	var err error
	for i := 0; i <= b.retryLimit; i++ {
		err = op()
		if err == nil || !errors.Is(err, ultrasonic.ErrBusBusy) {
			return err
		}
		b.log.Debug("bus busy, releasing", "attempt", i)
		// try to release the bus
		_ = s.bus.Release(ctx)
	}
	return fmt.Errorf("retry limit reached: %w", err)
}

func (b *Board) trace(ctx context.Context, dir string, t sonic.Target, data []byte) {
	if snsctx.IsVerbose(ctx) {
		b.log.Debug(dir, "bus", t.Bus, "addr", fmt.Sprintf("%#x", t.Addr), "port", snsctx.Port(ctx), "data", hex.EncodeToString(data))
	}
}

func (b *Board) Write(ctx context.Context, t sonic.Target, data []byte) error {
	s, err := b.slot(t.Bus)
	if err != nil {
		return err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	b.trace(ctx, "write", t, data)
	err = b.withRetry(ctx, s, func() error {
		return s.bus.WriteToAddr(ctx, t.Addr, data)
	})
	if err != nil {
		return fmt.Errorf("could not write to %#x on bus %d: %w", t.Addr, t.Bus, err)
	}
	return nil
}

func (b *Board) Read(ctx context.Context, t sonic.Target, buf []byte) error {
	s, err := b.slot(t.Bus)
	if err != nil {
		return err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	err = b.withRetry(ctx, s, func() error {
		return s.bus.ReadFromAddr(ctx, t.Addr, buf)
	})
	if err != nil {
		return fmt.Errorf("could not read from %#x on bus %d: %w", t.Addr, t.Bus, err)
	}
	b.trace(ctx, "read", t, buf)
	return nil
}

func (b *Board) MemWrite(ctx context.Context, t sonic.Target, reg byte, data []byte) error {
	msg := make([]byte, 0, len(data)+1)
	msg = append(msg, reg)
	msg = append(msg, data...)
	return b.Write(ctx, t, msg)
}

// MemRead addresses reg and reads it back, with a repeated start when the bus
// supports combined transfers.
func (b *Board) MemRead(ctx context.Context, t sonic.Target, reg byte, buf []byte) error {
	s, err := b.slot(t.Bus)
	if err != nil {
		return err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	err = b.withRetry(ctx, s, func() error {
		if tx, ok := s.bus.(ultrasonic.Transactor); ok {
			return tx.Tx(ctx, t.Addr, []byte{reg}, buf)
		}
		if err := s.bus.WriteToAddr(ctx, t.Addr, []byte{reg}); err != nil {
			return err
		}
		return s.bus.ReadFromAddr(ctx, t.Addr, buf)
	})
	if err != nil {
		return fmt.Errorf("could not read register %#x of %#x on bus %d: %w", reg, t.Addr, t.Bus, err)
	}
	b.trace(ctx, "mem read", t, buf)
	return nil
}

func (b *Board) ResetBus(bus int) error {
	s, err := b.slot(bus)
	if err != nil {
		return err
	}
	if err := s.bus.Release(b.ctx); err != nil {
		return fmt.Errorf("could not release bus %d: %w", bus, err)
	}
	return nil
}

func (b *Board) ReadNB(t sonic.Target, buf []byte) error {
	return b.async(t, func(ctx context.Context) error {
		return b.Read(ctx, t, buf)
	})
}

func (b *Board) MemReadNB(t sonic.Target, reg byte, buf []byte) error {
	return b.async(t, func(ctx context.Context) error {
		return b.MemRead(ctx, t, reg, buf)
	})
}

func (b *Board) MemWriteNB(t sonic.Target, reg byte, data []byte) error {
	return b.async(t, func(ctx context.Context) error {
		return b.MemWrite(ctx, t, reg, data)
	})
}

// async runs op on its own goroutine and reports the outcome to the notifier.
func (b *Board) async(t sonic.Target, op func(ctx context.Context) error) error {
	if _, err := b.slot(t.Bus); err != nil {
		return err
	}
	n := b.notifier()
	if n == nil {
		return ErrNotAttached
	}
	if err := b.ctx.Err(); err != nil {
		return fmt.Errorf("board closed: %w", err)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := op(b.ctx); err != nil {
			b.log.Warn("non-blocking transfer failed", "bus", t.Bus, "addr", fmt.Sprintf("%#x", t.Addr), "err", err)
			n.Fail(t.Bus, err)
			return
		}
		n.Advance(t.Bus)
	}()
	return nil
}

// Reset line is active low.
func (b *Board) ResetAssert() error {
	return b.reset.Out(false)
}

func (b *Board) ResetRelease() error {
	return b.reset.Out(true)
}

func (b *Board) ProgramEnable(port int) error {
	p, err := b.port(port)
	if err != nil {
		return err
	}
	return p.Prog.Out(true)
}

func (b *Board) ProgramDisable(port int) error {
	p, err := b.port(port)
	if err != nil {
		return err
	}
	return p.Prog.Out(false)
}

func (b *Board) IODirOut(port int) error {
	p, err := b.port(port)
	if err != nil {
		return err
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	if err := p.IO.Out(p.level); err != nil {
		return err
	}
	p.out = true
	return nil
}

func (b *Board) IODirIn(port int) error {
	p, err := b.port(port)
	if err != nil {
		return err
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	if err := p.IO.In(); err != nil {
		return err
	}
	p.out = false
	return nil
}

func (b *Board) IOSet(port int) error {
	return b.ioLevel(port, true)
}

func (b *Board) IOClear(port int) error {
	return b.ioLevel(port, false)
}

// ioLevel latches the level and drives it right away when the line is an output.
func (b *Board) ioLevel(port int, high bool) error {
	p, err := b.port(port)
	if err != nil {
		return err
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	p.level = high
	if !p.out {
		return nil
	}
	return p.IO.Out(high)
}

func (b *Board) IOInterruptEnable(port int) error {
	p, err := b.port(port)
	if err != nil {
		return err
	}
	edge, ok := p.IO.(EdgeLine)
	if !ok {
		return nil
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.watching {
		return nil
	}
	err = edge.WatchRising(func() {
		if n := b.notifier(); n != nil {
			n.HandleIOInterrupt(port)
		}
	})
	if err != nil {
		return fmt.Errorf("could not watch io line of port %d: %w", port, err)
	}
	p.watching = true
	return nil
}

func (b *Board) IOInterruptDisable(port int) error {
	p, err := b.port(port)
	if err != nil {
		return err
	}
	edge, ok := p.IO.(EdgeLine)
	if !ok {
		return nil
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	if !p.watching {
		return nil
	}
	if err := edge.Unwatch(); err != nil {
		return fmt.Errorf("could not stop watching io line of port %d: %w", port, err)
	}
	p.watching = false
	return nil
}

func (b *Board) Sleep(d time.Duration) {
	time.Sleep(d)
}

func (b *Board) Now() time.Time {
	return time.Now()
}
