// Package sonic drives groups of Chirp CH101/CH201 ultrasonic time-of-flight
// sensors sharing one or more I2C buses.
package sonic

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Flags tune how the transaction queue drives the bus.
type Flags uint8

const (
	// FlagResetAfterNB resets the bus after every non-blocking programming
	// interface transfer.
	FlagResetAfterNB Flags = 0x01
	// FlagUseProgNB reads queued IQ data through the programming interface.
	FlagUseProgNB Flags = 0x02
)

const (
	DefaultPulse       = 100 * time.Millisecond
	DefaultLockTimeout = 100 * time.Millisecond
	DefaultProgRetries = 4
	DefaultLockRetries = 1

	lockPollInterval = 10 * time.Millisecond
)

// PortConfig describes what is wired to one physical port.
type PortConfig struct {
	Bus      int
	Addr     byte
	Firmware *Firmware
}

type Option func(*Group)

func WithLogger(log *slog.Logger) Option {
	return func(g *Group) {
		g.log = log
	}
}

// WithQueueCapacity sets the per bus transaction queue capacity. It defaults
// to the number of ports.
func WithQueueCapacity(n int) Option {
	return func(g *Group) {
		g.capacity = n
	}
}

func WithFlags(f Flags) Option {
	return func(g *Group) {
		g.flags = f
	}
}

func WithPulse(d time.Duration) Option {
	return func(g *Group) {
		g.pulse = d
	}
}

func WithLockTimeout(d time.Duration) Option {
	return func(g *Group) {
		g.lockTimeout = d
	}
}

// WithRetries bounds how many times bring-up restarts from hardware reset
// after a programming failure and after a frequency lock failure.
func WithRetries(prog, lock int) Option {
	return func(g *Group) {
		g.progRetries = prog
		g.lockRetries = lock
	}
}

// CompleteFunc is called once all queued transactions on all buses are done.
type CompleteFunc func(g *Group)

// InterruptFunc is called for every io line interrupt of a port.
type InterruptFunc func(g *Group, port int)

// DiscoveryFunc is called for every device found during bring-up before it
// is programmed. Returning an error skips that device.
type DiscoveryFunc func(d *Device) error

// ExternalFunc performs a transaction of external kind. The handler owns the
// bus until it calls Group.Advance for it.
type ExternalFunc func(g *Group, bus int, t *Transaction)

// Group is a set of sensor ports brought up and operated together.
type Group struct {
	hal     HAL
	log     *slog.Logger
	devices []*Device
	queues  []*queue
	buses   int

	pulse       time.Duration
	flags       Flags
	capacity    int
	lockTimeout time.Duration
	progRetries int
	lockRetries int

	// mu guards the callbacks and serializes the queue drain decision
	mu          sync.Mutex
	onComplete  CompleteFunc
	onInterrupt InterruptFunc
	onDiscover  DiscoveryFunc
	onExternal  ExternalFunc

	sensorCount int
}

func NewGroup(hal HAL, ports []PortConfig, opts ...Option) (*Group, error) {
	if len(ports) == 0 {
		return nil, fmt.Errorf("group needs at least one port: %w", ErrInvalidArgument)
	}
	g := &Group{
		hal:         hal,
		log:         slog.Default(),
		pulse:       DefaultPulse,
		capacity:    len(ports),
		lockTimeout: DefaultLockTimeout,
		progRetries: DefaultProgRetries,
		lockRetries: DefaultLockRetries,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.capacity < 1 {
		return nil, fmt.Errorf("queue capacity %d: %w", g.capacity, ErrInvalidArgument)
	}
	if g.pulse < time.Millisecond || g.pulse.Milliseconds() > 0xFFFF {
		return nil, fmt.Errorf("calibration pulse %s out of range: %w", g.pulse, ErrInvalidArgument)
	}
	for i, p := range ports {
		if p.Bus < 0 {
			return nil, fmt.Errorf("port %d: negative bus index: %w", i, ErrInvalidArgument)
		}
		if p.Firmware == nil || p.Firmware.Variant == nil {
			return nil, fmt.Errorf("port %d: firmware with variant required: %w", i, ErrInvalidArgument)
		}
		if len(p.Firmware.Code) == 0 || len(p.Firmware.Code) > p.Firmware.Variant.ProgMemSize {
			return nil, fmt.Errorf("port %d: firmware image of %d bytes does not fit %s program memory: %w", i, len(p.Firmware.Code), p.Firmware.Variant, ErrInvalidArgument)
		}
		if p.Addr == ProgAddr || p.Addr == 0 || p.Addr > 0x7F {
			return nil, fmt.Errorf("port %d: invalid runtime address 0x%02x: %w", i, p.Addr, ErrInvalidArgument)
		}
		for j := 0; j < i; j++ {
			if ports[j].Bus == p.Bus && ports[j].Addr == p.Addr {
				return nil, fmt.Errorf("ports %d and %d share address 0x%02x on bus %d: %w", j, i, p.Addr, p.Bus, ErrInvalidArgument)
			}
		}
		g.buses = max(g.buses, p.Bus+1)
	}
	g.devices = make([]*Device, len(ports))
	for i, p := range ports {
		g.devices[i] = newDevice(g, i, p)
	}
	g.queues = make([]*queue, g.buses)
	for i := range g.queues {
		g.queues[i] = newQueue(g.capacity)
	}
	return g, nil
}

// Port returns the device on a port or nil when the port does not exist.
func (g *Group) Port(port int) *Device {
	if port < 0 || port >= len(g.devices) {
		return nil
	}
	return g.devices[port]
}

func (g *Group) Ports() []*Device {
	return g.devices
}

// Connected lists the devices found during the last bring-up.
func (g *Group) Connected() []*Device {
	var res []*Device
	for _, d := range g.devices {
		if d.connected {
			res = append(res, d)
		}
	}
	return res
}

func (g *Group) SensorCount() int {
	return g.sensorCount
}

func (g *Group) Buses() int {
	return g.buses
}

func (g *Group) Pulse() time.Duration {
	return g.pulse
}

func (g *Group) PulseMS() uint32 {
	return uint32(g.pulse.Milliseconds())
}

func (g *Group) Flags() Flags {
	return g.flags
}

func (g *Group) SetCompleteCallback(fn CompleteFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onComplete = fn
}

func (g *Group) SetInterruptCallback(fn InterruptFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onInterrupt = fn
}

func (g *Group) SetDiscoveryHook(fn DiscoveryFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onDiscover = fn
}

func (g *Group) SetExternalHandler(fn ExternalFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onExternal = fn
}

// HandleIOInterrupt routes an io line interrupt of a port to the interrupt
// callback.
func (g *Group) HandleIOInterrupt(port int) {
	g.mu.Lock()
	fn := g.onInterrupt
	g.mu.Unlock()
	if fn == nil || g.Port(port) == nil {
		return
	}
	fn(g, port)
}
