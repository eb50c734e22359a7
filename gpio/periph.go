package gpio

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

const edgePollTimeout = 50 * time.Millisecond

// PeriphLine is a control line on a host pin registered with periph.io.
type PeriphLine struct {
	pin gpio.PinIO

	mx   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewPeriphLine initializes the host drivers and looks the pin up by name,
// e.g. "GPIO17".
func NewPeriphLine(name string) (*PeriphLine, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("could not find pin %q", name)
	}
	return NewPeriphPinLine(pin), nil
}

func NewPeriphPinLine(pin gpio.PinIO) *PeriphLine {
	return &PeriphLine{pin: pin}
}

func (l *PeriphLine) Out(high bool) error {
	if err := l.pin.Out(gpio.Level(high)); err != nil {
		return fmt.Errorf("could not drive %s: %w", l.pin, err)
	}
	return nil
}

func (l *PeriphLine) In() error {
	if err := l.pin.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		return fmt.Errorf("could not release %s: %w", l.pin, err)
	}
	return nil
}

// WatchRising turns edge detection on and calls fn for every rising edge until
// Unwatch.
func (l *PeriphLine) WatchRising(fn func()) error {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.stop != nil {
		return fmt.Errorf("%s is already watched", l.pin)
	}
	if err := l.pin.In(gpio.PullNoChange, gpio.RisingEdge); err != nil {
		return fmt.Errorf("could not enable edge detection on %s: %w", l.pin, err)
	}
	stop, done := make(chan struct{}), make(chan struct{})
	l.stop, l.done = stop, done
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if l.pin.WaitForEdge(edgePollTimeout) {
				fn()
			}
		}
	}()
	return nil
}

func (l *PeriphLine) Unwatch() error {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.stop == nil {
		return nil
	}
	close(l.stop)
	<-l.done
	l.stop, l.done = nil, nil
	return l.In()
}
