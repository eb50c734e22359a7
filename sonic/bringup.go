package sonic

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Start brings the whole group up: hardware reset, quiesce every bus, detect
// and program each port, wait for frequency lock and calibrate the clocks.
// Programming failures restart the sequence from hardware reset a bounded
// number of times, and so does a lock failure on any device.
func (g *Group) Start(ctx context.Context) error {
	for _, q := range g.queues {
		q.mu.Lock()
		if q.running {
			q.mu.Unlock()
			return fmt.Errorf("bus transactions in flight: %w", ErrNotReady)
		}
		q.mu.Unlock()
	}
	progAttempts, lockAttempts := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := g.detectAndProgram(ctx)
		if err != nil {
			if progAttempts >= g.progRetries {
				return fmt.Errorf("could not program sensors after %d attempts: %w", progAttempts+1, err)
			}
			progAttempts++
			g.log.Warn("programming failed, restarting from reset", "attempt", progAttempts, "err", err)
			continue
		}
		if g.sensorCount == 0 {
			return fmt.Errorf("bring-up: %w", ErrNotFound)
		}
		g.log.Info("sensors programmed", "count", g.sensorCount)

		err = g.waitForLock(ctx)
		if err != nil {
			if lockAttempts >= g.lockRetries {
				return fmt.Errorf("could not lock sensors after %d attempts: %w", lockAttempts+1, err)
			}
			lockAttempts++
			g.log.Warn("frequency lock failed, restarting from reset", "attempt", lockAttempts, "err", err)
			continue
		}
		break
	}
	g.hal.Sleep(resetPulse)
	if err := g.MeasureClock(ctx); err != nil {
		return fmt.Errorf("could not calibrate sensors: %w", err)
	}
	return nil
}

// detectAndProgram runs one bring-up attempt up to the programmed state. A
// missing device or one refused by the discovery hook is not an error, any
// other failure is.
func (g *Group) detectAndProgram(ctx context.Context) error {
	g.sensorCount = 0
	for _, d := range g.devices {
		d.disconnect()
	}
	if err := g.hardReset(ctx); err != nil {
		return err
	}

	var errs []error
	for _, d := range g.devices {
		err := d.program(ctx)
		switch {
		case err == nil:
			g.sensorCount++
			d.log.Info("sensor programmed", "variant", d.variant, "firmware", d.FirmwareVersion())
		case errors.Is(err, ErrNotFound):
			d.log.Debug("no sensor")
		case errors.Is(err, ErrAborted):
			d.log.Info("sensor skipped", "err", err)
		default:
			d.log.Warn("could not program sensor", "err", err)
			if rerr := g.hal.ResetBus(d.bus); rerr != nil {
				d.log.Warn("could not reset bus", "err", rerr)
			}
			errs = append(errs, fmt.Errorf("port %d: %w", d.port, err))
		}
	}
	return errors.Join(errs...)
}

// hardReset pulses the reset line with every programming line asserted and
// parks all devices of every bus in the idle loop.
func (g *Group) hardReset(ctx context.Context) error {
	if err := g.hal.ResetAssert(); err != nil {
		return fmt.Errorf("could not assert reset: %w", err)
	}
	var errs []error
	for _, d := range g.devices {
		errs = append(errs, g.hal.ProgramEnable(d.port))
	}
	g.hal.Sleep(resetPulse)
	errs = append(errs, g.hal.ResetRelease())
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("could not release reset: %w", err)
	}

	idled := make([]bool, g.buses)
	for _, d := range g.devices {
		if idled[d.bus] {
			continue
		}
		idled[d.bus] = true
		// an empty bus does not acknowledge, which is fine here
		if err := d.setIdle(ctx); err != nil {
			g.log.Debug("could not idle bus", "bus", d.bus, "err", err)
		}
	}
	for _, d := range g.devices {
		errs = append(errs, g.hal.ProgramDisable(d.port))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("could not disable programming lines: %w", err)
	}
	return nil
}

func (g *Group) waitForLock(ctx context.Context) error {
	var errs []error
	for _, d := range g.devices {
		if !d.connected {
			continue
		}
		if err := d.waitForLock(ctx, g.lockTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Device) waitForLock(ctx context.Context, timeout time.Duration) error {
	hal := d.group.hal
	start := hal.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsLocked(ctx) {
			d.log.Debug("frequency locked", "took", hal.Now().Sub(start))
			return nil
		}
		if hal.Now().Sub(start) >= timeout {
			return fmt.Errorf("port %d frequency lock: %w", d.port, ErrTimeout)
		}
		hal.Sleep(lockPollInterval)
	}
}

// HardReset pulses the reset line and restarts the firmware of every port.
// Ports that fail to restart are marked disconnected.
func (g *Group) HardReset(ctx context.Context) error {
	if err := g.hal.ResetAssert(); err != nil {
		return fmt.Errorf("could not assert reset: %w", err)
	}
	g.hal.Sleep(resetPulse)
	if err := g.hal.ResetRelease(); err != nil {
		return fmt.Errorf("could not release reset: %w", err)
	}
	for _, d := range g.devices {
		if !d.connected {
			continue
		}
		if err := d.SoftReset(ctx); err != nil {
			d.log.Warn("soft reset failed", "err", err)
			d.disconnect()
			g.sensorCount--
		}
	}
	return nil
}

// SoftReset restarts the firmware of every connected port.
func (g *Group) SoftReset(ctx context.Context) error {
	var errs []error
	for _, d := range g.devices {
		if !d.connected {
			continue
		}
		errs = append(errs, d.SoftReset(ctx))
	}
	return errors.Join(errs...)
}
