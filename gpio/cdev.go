package gpio

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "ultrasonic"

type cdevRequest interface {
	SetValue(value int) error
	Reconfigure(options ...gpiocdev.LineConfigOption) error
	Close() error
}

// CdevLine is a control line requested from the GPIO character device.
// Edge events are delivered by the kernel, no polling is involved.
type CdevLine struct {
	req  cdevRequest
	name string

	mx      sync.Mutex
	onEdge  func()
	watched bool
	out     bool
}

// NewCdevLine requests offset on chip (e.g. "gpiochip0") as an input with an
// event handler attached, so edge detection can be switched on later.
func NewCdevLine(chip string, offset int) (*CdevLine, error) {
	l := &CdevLine{name: fmt.Sprintf("%s:%d", chip, offset)}
	req, err := gpiocdev.RequestLine(chip, offset,
		gpiocdev.WithConsumer(consumer),
		gpiocdev.AsInput,
		gpiocdev.WithEventHandler(l.handle),
	)
	if err != nil {
		return nil, fmt.Errorf("could not request line %s: %w", l.name, err)
	}
	l.req = req
	return l, nil
}

func (l *CdevLine) handle(evt gpiocdev.LineEvent) {
	if evt.Type != gpiocdev.LineEventRisingEdge {
		return
	}
	l.mx.Lock()
	fn := l.onEdge
	l.mx.Unlock()
	if fn != nil {
		fn()
	}
}

func (l *CdevLine) Out(high bool) error {
	v := 0
	if high {
		v = 1
	}
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.out {
		if err := l.req.SetValue(v); err != nil {
			return fmt.Errorf("could not set %s: %w", l.name, err)
		}
		return nil
	}
	if err := l.req.Reconfigure(gpiocdev.AsOutput(v)); err != nil {
		return fmt.Errorf("could not drive %s: %w", l.name, err)
	}
	l.out = true
	l.watched = false
	return nil
}

func (l *CdevLine) In() error {
	l.mx.Lock()
	defer l.mx.Unlock()
	if err := l.req.Reconfigure(gpiocdev.AsInput, gpiocdev.WithoutEdges); err != nil {
		return fmt.Errorf("could not release %s: %w", l.name, err)
	}
	l.out = false
	l.watched = false
	return nil
}

func (l *CdevLine) WatchRising(fn func()) error {
	l.mx.Lock()
	defer l.mx.Unlock()
	if err := l.req.Reconfigure(gpiocdev.AsInput, gpiocdev.WithRisingEdge); err != nil {
		return fmt.Errorf("could not enable edge detection on %s: %w", l.name, err)
	}
	l.onEdge = fn
	l.out = false
	l.watched = true
	return nil
}

func (l *CdevLine) Unwatch() error {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.onEdge = nil
	if !l.watched {
		return nil
	}
	l.watched = false
	if err := l.req.Reconfigure(gpiocdev.AsInput, gpiocdev.WithoutEdges); err != nil {
		return fmt.Errorf("could not disable edge detection on %s: %w", l.name, err)
	}
	return nil
}

func (l *CdevLine) Close() error {
	return l.req.Close()
}
