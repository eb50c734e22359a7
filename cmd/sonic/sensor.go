package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/ultrasonic/cmd/sonic/console"
	"github.com/mklimuk/ultrasonic/sonic"
	"github.com/mklimuk/ultrasonic/thermo"
)

var detectCmd = cli.Command{
	Name:  "detect",
	Usage: "bring the sensors up and list what answered",
	Action: func(c *cli.Context) error {
		return withRig(c, func(ctx context.Context, r *rig) error {
			w := tabwriter.NewWriter(os.Stdout, 8, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "PORT\tBUS\tADDR\tPART\tFIRMWARE\tFREQUENCY\tCAL\tSCALE\tSTATUS\n")
			for _, d := range r.group.Ports() {
				_, _ = fmt.Fprintf(w, "%d\t%d\t%#02x\t%d\t%s\t%d Hz\t%d\t%d\t%s\n",
					d.Port(), d.Bus(), d.Addr(), d.PartNumber(), d.FirmwareVersion(),
					d.Frequency(), d.CalibrationResult(), d.ScaleFactor(), console.Connection(d.Connected()))
			}
			_ = w.Flush()
			console.PInfof(console.PictoPin, "%d of %d sensors up", r.group.SensorCount(), len(r.group.Ports()))
			return nil
		})
	},
}

var rangeCmd = cli.Command{
	Name:  "range",
	Usage: "run measurements and print the range seen by every sensor",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Value: 10, Usage: "number of measurements, 0 runs until interrupted"},
		&cli.DurationFlag{Name: "interval", Value: 100 * time.Millisecond, Usage: "time between measurements"},
		&cli.StringFlag{Name: "kind", Value: sonic.RangeEchoOneWay.String(), Usage: "one-way, round-trip or direct"},
		&cli.UintFlag{Name: "max-range", Value: 1000, Usage: "max range in mm applied to idle sensors"},
		&cli.BoolFlag{Name: "compensate", Value: true, Usage: "correct ranges for air temperature when a thermometer is configured"},
	},
	Action: func(c *cli.Context) error {
		kind, err := sonic.ParseRangeKind(c.String("kind"))
		if err != nil {
			return console.Exit(1, "%v", err)
		}
		return withRig(c, func(ctx context.Context, r *rig) error {
			if err := armIdle(ctx, r.group, uint16(c.Uint("max-range"))); err != nil {
				return err
			}
			ready := interruptCounter(r.group)
			if err := r.group.EnableInterrupts(); err != nil {
				return fmt.Errorf("could not enable interrupts: %w", err)
			}
			for i := 0; c.Int("count") == 0 || i < c.Int("count"); i++ {
				if err := measure(ctx, r.group, ready, c.Duration("interval")); err != nil {
					return err
				}
				var th thermo.Thermometer
				if c.Bool("compensate") {
					th = r.thermo
				}
				if err := printRanges(ctx, r.group, kind, th); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

// armIdle puts idle sensors into triggered mode so that a measurement can be
// started from the host.
func armIdle(ctx context.Context, g *sonic.Group, maxRange uint16) error {
	for _, d := range g.Connected() {
		if d.Mode() != sonic.ModeIdle {
			continue
		}
		if err := d.SetMode(ctx, sonic.ModeTriggeredTxRx); err != nil {
			return fmt.Errorf("%s: %w", d, err)
		}
		if err := d.SetMaxRange(ctx, maxRange); err != nil {
			return fmt.Errorf("%s: %w", d, err)
		}
	}
	return nil
}

func interruptCounter(g *sonic.Group) chan int {
	ready := make(chan int, len(g.Ports()))
	g.SetInterruptCallback(func(_ *sonic.Group, port int) {
		select {
		case ready <- port:
		default:
		}
	})
	return ready
}

// measure triggers the sensors when any of them waits for the host and then
// waits for every connected sensor to report, at most for interval.
func measure(ctx context.Context, g *sonic.Group, ready chan int, interval time.Duration) error {
	triggered := false
	for _, d := range g.Connected() {
		if d.Mode() == sonic.ModeTriggeredTxRx || d.Mode() == sonic.ModeTriggeredRxOnly {
			triggered = true
			break
		}
	}
	if triggered {
		if err := g.Trigger(); err != nil {
			return fmt.Errorf("could not trigger: %w", err)
		}
	}
	timeout := time.NewTimer(interval)
	defer timeout.Stop()
	for pending := g.SensorCount(); pending > 0; {
		select {
		case <-ready:
			pending--
		case <-timeout.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-timeout.C
	return nil
}

// printRanges prints one line per sweep. Ranges are corrected for the air
// temperature when th is set and answers.
func printRanges(ctx context.Context, g *sonic.Group, kind sonic.RangeKind, th thermo.Thermometer) error {
	var line strings.Builder
	line.WriteString(time.Now().Format("15:04:05.000"))
	compensate := false
	var celsius float32
	if th != nil {
		var err error
		celsius, err = th.Temperature(ctx)
		if err != nil {
			slog.Warn("could not read air temperature", "err", err)
		} else {
			compensate = true
			fmt.Fprintf(&line, "  %.1f°C", celsius)
		}
	}
	for _, d := range g.Connected() {
		rng, err := d.Range(ctx, kind)
		if err != nil {
			return fmt.Errorf("%s: %w", d, err)
		}
		if compensate {
			rng = thermo.Compensate(rng, celsius)
		}
		amp, err := d.Amplitude(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", d, err)
		}
		fmt.Fprintf(&line, "  [%d] %s", d.Port(), formatRange(rng, amp))
	}
	console.PInfof(console.PictoRuler, "%s", line.String())
	return nil
}

// formatRange prints a range given in 1/32 mm.
func formatRange(rng uint32, amp uint16) string {
	if rng == sonic.NoTarget {
		return console.Yellow("no target")
	}
	return fmt.Sprintf("%7.1f mm (amp %d)", float64(rng)/32, amp)
}

var iqCmd = cli.Command{
	Name:  "iq",
	Usage: "dump raw receive samples of one sensor",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "sensor port"},
		&cli.UintFlag{Name: "start", Usage: "first sample"},
		&cli.UintFlag{Name: "count", Aliases: []string{"n"}, Value: 64, Usage: "number of samples"},
		&cli.BoolFlag{Name: "queue", Usage: "read through the transaction queue instead of a blocking read"},
		&cli.DurationFlag{Name: "timeout", Value: time.Second, Usage: "how long to wait for a queued read"},
	},
	Action: func(c *cli.Context) error {
		return withRig(c, func(ctx context.Context, r *rig) error {
			d := r.group.Port(c.Int("port"))
			if d == nil || !d.Connected() {
				return console.Exit(1, "no sensor on port %d", c.Int("port"))
			}
			if err := armIdle(ctx, r.group, 1000); err != nil {
				return err
			}
			ready := interruptCounter(r.group)
			if err := r.group.EnableInterrupts(); err != nil {
				return fmt.Errorf("could not enable interrupts: %w", err)
			}
			if err := measure(ctx, r.group, ready, 100*time.Millisecond); err != nil {
				return err
			}
			start, count := uint16(c.Uint("start")), uint16(c.Uint("count"))
			var samples []sonic.IQSample
			var err error
			if c.Bool("queue") {
				samples, err = queuedIQ(ctx, r.group, d, start, count, c.Duration("timeout"))
			} else {
				samples, err = d.IQData(ctx, start, count)
			}
			if err != nil {
				return fmt.Errorf("could not read iq data: %w", err)
			}
			w := tabwriter.NewWriter(os.Stdout, 6, 0, 2, ' ', tabwriter.AlignRight)
			_, _ = fmt.Fprintf(w, "SAMPLE\tQ\tI\tMAGNITUDE\t\n")
			for i, s := range samples {
				_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%.0f\t\n", int(start)+i, s.Q, s.I, math.Hypot(float64(s.Q), float64(s.I)))
			}
			_ = w.Flush()
			return nil
		})
	},
}

func queuedIQ(ctx context.Context, g *sonic.Group, d *sonic.Device, start, count uint16, timeout time.Duration) ([]sonic.IQSample, error) {
	done := make(chan struct{})
	g.SetCompleteCallback(func(*sonic.Group) {
		close(done)
	})
	buf := make([]byte, int(count)*sonic.IQSampleSize)
	t, err := d.QueueIQData(buf, start, count)
	if err != nil {
		return nil, err
	}
	if err := g.StartIO(); err != nil {
		return nil, err
	}
	select {
	case <-done:
	case <-time.After(timeout):
		return nil, fmt.Errorf("queued read: %w", sonic.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if t.Err != nil {
		return nil, t.Err
	}
	return sonic.DecodeIQ(buf), nil
}

var sensorConfigCmd = cli.Command{
	Name:  "config",
	Usage: "show or change the measurement settings of the sensors",
	Subcommands: cli.Commands{
		&sensorConfigShowCmd,
		&sensorConfigSetCmd,
	},
}

var sensorConfigShowCmd = cli.Command{
	Name: "show",
	Action: func(c *cli.Context) error {
		return withRig(c, func(ctx context.Context, r *rig) error {
			out := make(map[string]sonic.Config)
			for _, d := range r.group.Connected() {
				cfg, err := d.Config(ctx)
				if err != nil {
					return fmt.Errorf("%s: %w", d, err)
				}
				out["port "+strconv.Itoa(d.Port())] = cfg
			}
			enc := yaml.NewEncoder(os.Stdout)
			if err := enc.Encode(out); err != nil {
				return console.Exit(1, "encoding error: %s", console.Red(err))
			}
			return enc.Close()
		})
	},
}

var sensorConfigSetCmd = cli.Command{
	Name:      "set",
	Usage:     "apply settings read from a yaml file to every sensor",
	ArgsUsage: "<settings.yaml>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return console.Exit(1, "expected 1 argument, got %d", c.NArg())
		}
		data, err := os.ReadFile(c.Args().First())
		if err != nil {
			return console.Exit(1, "could not read settings: %v", err)
		}
		var cfg sonic.Config
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return console.Exit(1, "could not decode settings: %v", err)
		}
		return withRig(c, func(ctx context.Context, r *rig) error {
			for _, d := range r.group.Connected() {
				if err := d.SetConfig(ctx, cfg); err != nil {
					return fmt.Errorf("%s: %w", d, err)
				}
				console.Infof("%s set to %s, max range %d mm", d, cfg.Mode, cfg.MaxRange)
			}
			return nil
		})
	},
}
