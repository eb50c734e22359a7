package sonic

import (
	"errors"
	"fmt"
	"time"
)

const (
	triggerPulse  = 5 * time.Microsecond
	triggerSettle = 10 * time.Microsecond
)

// Trigger starts a measurement on a device in one of the triggered modes by
// pulsing its io line.
func (d *Device) Trigger() error {
	if err := d.checkConnected(); err != nil {
		return err
	}
	return d.group.trigger([]*Device{d})
}

// Trigger starts a measurement on every connected device at once.
func (g *Group) Trigger() error {
	devices := g.Connected()
	if len(devices) == 0 {
		return fmt.Errorf("trigger: %w", ErrNotConnected)
	}
	return g.trigger(devices)
}

// the io line doubles as the interrupt line, so its interrupt is masked while
// the host drives it
func (g *Group) trigger(devices []*Device) error {
	var errs []error
	for _, d := range devices {
		errs = append(errs, g.hal.IOInterruptDisable(d.port), g.hal.IODirOut(d.port))
	}
	for _, d := range devices {
		errs = append(errs, g.hal.IOSet(d.port))
	}
	g.hal.Sleep(triggerPulse)
	for _, d := range devices {
		errs = append(errs, g.hal.IOClear(d.port))
	}
	for _, d := range devices {
		errs = append(errs, g.hal.IODirIn(d.port))
	}
	g.hal.Sleep(triggerSettle)
	for _, d := range devices {
		errs = append(errs, g.hal.IOInterruptEnable(d.port))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("could not trigger: %w", err)
	}
	return nil
}

// EnableInterrupts arms the io line interrupt of every connected device.
func (g *Group) EnableInterrupts() error {
	var errs []error
	for _, d := range g.Connected() {
		errs = append(errs, g.hal.IOInterruptEnable(d.port))
	}
	return errors.Join(errs...)
}

func (g *Group) DisableInterrupts() error {
	var errs []error
	for _, d := range g.Connected() {
		errs = append(errs, g.hal.IOInterruptDisable(d.port))
	}
	return errors.Join(errs...)
}
