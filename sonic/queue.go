package sonic

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type Kind uint8

const (
	// KindStandard is a register transfer on the runtime address.
	KindStandard Kind = iota
	// KindProgram is a memory read through the programming interface, split
	// into ProgChunkSize bursts.
	KindProgram
	// KindExternal is handed to the group's external handler.
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindStandard:
		return "standard"
	case KindProgram:
		return "program"
	case KindExternal:
		return "external"
	}
	return fmt.Sprintf("kind(%d)", k)
}

type Direction uint8

const (
	Read Direction = iota
	Write
)

// Transaction is one queued transfer. Buf is borrowed: it is filled or sent in
// place and must stay untouched until the group completion callback fires.
type Transaction struct {
	Device *Device
	Dir    Direction
	Kind   Kind
	// Addr is a register for standard transfers and a memory address for
	// programming interface transfers.
	Addr uint16
	Buf  []byte
	// Err is set when a transfer of this transaction could not be started
	// or was reported failed through Group.Fail.
	Err error

	xfers int
}

// Chunks is the number of bus transfers the transaction takes.
func (t *Transaction) Chunks() int {
	if t.Kind == KindProgram {
		return (len(t.Buf) + ProgChunkSize - 1) / ProgChunkSize
	}
	return 1
}

// Transferred is the number of transfers issued so far.
func (t *Transaction) Transferred() int {
	return t.xfers
}

type queue struct {
	mu       sync.Mutex
	items    []*Transaction
	capacity int
	idx      int
	running  bool
	// port whose programming line was left asserted by the last step, -1 if none
	progPort int
	inflight *Transaction
}

func newQueue(capacity int) *queue {
	return &queue{
		items:    make([]*Transaction, 0, capacity),
		capacity: capacity,
		progPort: -1,
	}
}

// Enqueue appends a transaction to a bus queue. It does not start anything.
func (g *Group) Enqueue(bus int, t *Transaction) error {
	if bus < 0 || bus >= len(g.queues) {
		return fmt.Errorf("bus %d: %w", bus, ErrInvalidArgument)
	}
	if t == nil {
		return fmt.Errorf("nil transaction: %w", ErrInvalidArgument)
	}
	if t.Device != nil {
		if err := t.Device.checkConnected(); err != nil {
			return err
		}
		if t.Device.bus != bus {
			return fmt.Errorf("port %d is on bus %d, not %d: %w", t.Device.port, t.Device.bus, bus, ErrInvalidArgument)
		}
	}
	switch t.Kind {
	case KindStandard:
		if t.Device == nil || len(t.Buf) == 0 || t.Addr > 0xFF {
			return fmt.Errorf("standard transfer needs a device, a buffer and a one byte register: %w", ErrInvalidArgument)
		}
	case KindProgram:
		if t.Device == nil || len(t.Buf) == 0 {
			return fmt.Errorf("programming interface transfer needs a device and a buffer: %w", ErrInvalidArgument)
		}
		if t.Dir != Read {
			return fmt.Errorf("programming interface write: %w", ErrUnsupported)
		}
	case KindExternal:
	default:
		return fmt.Errorf("transaction kind %s: %w", t.Kind, ErrInvalidArgument)
	}
	q := g.queues[bus]
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	t.xfers = 0
	t.Err = nil
	q.items = append(q.items, t)
	return nil
}

// Pending returns the number of transactions not yet issued on a bus.
func (g *Group) Pending(bus int) int {
	if bus < 0 || bus >= len(g.queues) {
		return 0
	}
	q := g.queues[bus]
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.idx
}

// StartIO begins executing the queue of every bus that has work and is not
// running yet. The completion callback must be registered first.
func (g *Group) StartIO() error {
	g.mu.Lock()
	ready := g.onComplete != nil
	g.mu.Unlock()
	if !ready {
		return ErrNotReady
	}
	for bus, q := range g.queues {
		q.mu.Lock()
		start := len(q.items) > 0 && !q.running
		if start {
			q.running = true
		}
		q.mu.Unlock()
		if start {
			g.step(bus)
		}
	}
	return nil
}

// Advance continues the queue of a bus. It must be called once for every
// completed non-blocking transfer on that bus.
func (g *Group) Advance(bus int) {
	if bus < 0 || bus >= len(g.queues) {
		return
	}
	g.step(bus)
}

// Fail records err on the transaction whose transfer is in flight on the bus
// and then continues the queue like Advance.
func (g *Group) Fail(bus int, err error) {
	if bus < 0 || bus >= len(g.queues) {
		return
	}
	q := g.queues[bus]
	q.mu.Lock()
	if q.inflight != nil {
		q.inflight.Err = errors.Join(q.inflight.Err, err)
	}
	q.mu.Unlock()
	g.step(bus)
}

func (g *Group) step(bus int) {
	q := g.queues[bus]
	for {
		q.mu.Lock()
		if !q.running {
			q.mu.Unlock()
			return
		}
		if q.progPort >= 0 {
			if err := g.hal.ProgramDisable(q.progPort); err != nil {
				g.log.Warn("could not disable programming line", "port", q.progPort, "err", err)
			}
			q.progPort = -1
		}
		q.inflight = nil
		if q.idx >= len(q.items) {
			q.mu.Unlock()
			if g.drain(bus) {
				return
			}
			continue
		}
		t := q.items[q.idx]
		chunk := t.xfers
		t.xfers++
		switch t.Kind {
		case KindProgram:
			if t.xfers >= t.Chunks() {
				q.idx++
			}
			q.progPort = t.Device.port
		default:
			q.idx++
		}
		q.inflight = t
		q.mu.Unlock()

		err := g.issue(bus, t, chunk)
		if err == nil {
			return
		}
		// nothing is in flight, so no completion will come for this step
		t.Err = errors.Join(t.Err, err)
		g.log.Warn("could not start transfer", "bus", bus, "kind", t.Kind, "err", err)
	}
}

func (g *Group) issue(bus int, t *Transaction, chunk int) error {
	switch t.Kind {
	case KindExternal:
		g.mu.Lock()
		fn := g.onExternal
		g.mu.Unlock()
		if fn == nil {
			return fmt.Errorf("no external transfer handler: %w", ErrUnsupported)
		}
		fn(g, bus, t)
		return nil
	case KindProgram:
		d := t.Device
		if g.flags&FlagResetAfterNB != 0 {
			if err := g.hal.ResetBus(bus); err != nil {
				g.log.Warn("could not reset bus", "bus", bus, "err", err)
			}
		}
		if err := g.hal.ProgramEnable(d.port); err != nil {
			return fmt.Errorf("could not enable programming line: %w", err)
		}
		off := chunk * ProgChunkSize
		end := min(off+ProgChunkSize, len(t.Buf))
		if err := d.progBurstReadStart(context.Background(), t.Addr+uint16(off), end-off); err != nil {
			return err
		}
		return g.hal.ReadNB(d.progTarget(), t.Buf[off:end])
	default:
		if t.Dir == Read {
			return g.hal.MemReadNB(t.Device.target(), byte(t.Addr), t.Buf)
		}
		return g.hal.MemWriteNB(t.Device.target(), byte(t.Addr), t.Buf)
	}
}

// drain empties a finished queue and fires the completion callback when no
// other bus has work left. It returns false when new work showed up on the
// bus in the meantime.
func (g *Group) drain(bus int) bool {
	g.mu.Lock()
	q := g.queues[bus]
	q.mu.Lock()
	if q.idx < len(q.items) {
		q.mu.Unlock()
		g.mu.Unlock()
		return false
	}
	if g.flags&FlagResetAfterNB != 0 && q.idx > 0 {
		if err := g.hal.ResetBus(bus); err != nil {
			g.log.Warn("could not reset bus", "bus", bus, "err", err)
		}
	}
	clear(q.items)
	q.items = q.items[:0]
	q.inflight = nil
	q.idx = 0
	q.running = false
	q.mu.Unlock()

	pending := false
	for i, other := range g.queues {
		if i == bus {
			continue
		}
		other.mu.Lock()
		pending = pending || len(other.items) > 0
		other.mu.Unlock()
	}
	fn := g.onComplete
	g.mu.Unlock()
	if !pending && fn != nil {
		fn(g)
	}
	return true
}
