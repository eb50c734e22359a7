package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/ultrasonic/adapter"
	"github.com/mklimuk/ultrasonic/cmd/sonic/console"
	"github.com/mklimuk/ultrasonic/gpio"
)

var gpioCmd = cli.Command{
	Name:  "gpio",
	Usage: "inspect an mcp23017 expander behind the usb adapter",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "set", Value: "A", Usage: "expander port, A or B"},
	},
	Subcommands: cli.Commands{
		&gpioStatusCmd,
		&gpioReadCmd,
		&gpioConfigureCmd,
		&gpioPullCmd,
	},
}

func parseHexByte(s string) (byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return 0, err
	}
	if len(b) != 1 {
		return 0, fmt.Errorf("expected one byte, got %d", len(b))
	}
	return b[0], nil
}

func parseSet(s string) (gpio.Set, error) {
	switch strings.ToUpper(s) {
	case "A":
		return gpio.SetA, nil
	case "B":
		return gpio.SetB, nil
	}
	return 0, fmt.Errorf("unknown set %q", s)
}

// expanderArgs decodes the expander address followed by nargs-1 hex bytes.
func expanderArgs(c *cli.Context, nargs int) (*gpio.MCP23017, gpio.Set, []byte, error) {
	if c.NArg() != nargs {
		return nil, 0, nil, console.Exit(1, "expected %d arguments, got %d", nargs, c.NArg())
	}
	vals := make([]byte, nargs)
	for i := range nargs {
		v, err := parseHexByte(c.Args().Get(i))
		if err != nil {
			return nil, 0, nil, console.Exit(1, "could not decode argument %d: %v", i+1, err)
		}
		vals[i] = v
	}
	set, err := parseSet(c.String("set"))
	if err != nil {
		return nil, 0, nil, console.Exit(1, "%v", err)
	}
	return gpio.NewMCP23017(adapter.NewMCP2221(), vals[0]), set, vals[1:], nil
}

func gpioContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(commandContext(c), 5*time.Second)
}

var gpioReadCmd = cli.Command{
	Name:      "read",
	ArgsUsage: "<addr>",
	Action: func(c *cli.Context) error {
		exp, set, _, err := expanderArgs(c, 1)
		if err != nil {
			return err
		}
		ctx, cancel := gpioContext(c)
		defer cancel()
		if err := exp.Init(ctx, set, 0xFF); err != nil {
			return console.Exit(1, "could not initialize gpio: %v", err)
		}
		levels, err := exp.Read(ctx)
		if err != nil {
			return console.Exit(1, "could not read gpio: %v", err)
		}
		console.Printf("\nI/O A: %#X\nI/O B: %#X\n", levels[gpio.SetA], levels[gpio.SetB])
		return nil
	},
}

var gpioStatusCmd = cli.Command{
	Name:      "status",
	ArgsUsage: "<addr>",
	Action: func(c *cli.Context) error {
		exp, set, _, err := expanderArgs(c, 1)
		if err != nil {
			return err
		}
		ctx, cancel := gpioContext(c)
		defer cancel()
		data, err := exp.ReadSettings(ctx, set)
		if err != nil {
			return console.Exit(1, "could not read settings: %v", err)
		}
		console.Printf("\nIOCON %s content: %#X\n", set, data)
		return nil
	},
}

var gpioConfigureCmd = cli.Command{
	Name:      "configure",
	ArgsUsage: "<addr> <iocon>",
	Action: func(c *cli.Context) error {
		exp, set, data, err := expanderArgs(c, 2)
		if err != nil {
			return err
		}
		ctx, cancel := gpioContext(c)
		defer cancel()
		if err := exp.WriteSettings(ctx, set, data[0]); err != nil {
			return console.Exit(1, "could not write settings: %v", err)
		}
		console.Printf("\nWrote IOCON %s content: %#X\n", set, data[0])
		return nil
	},
}

var gpioPullCmd = cli.Command{
	Name:      "pull",
	ArgsUsage: "<addr> <gppu>",
	Action: func(c *cli.Context) error {
		exp, set, data, err := expanderArgs(c, 2)
		if err != nil {
			return err
		}
		ctx, cancel := gpioContext(c)
		defer cancel()
		if err := exp.PullUp(ctx, set, data[0]); err != nil {
			return console.Exit(1, "could not write pull up settings: %v", err)
		}
		console.Printf("\nWrote GPPU %s content: %#X\n", set, data[0])
		return nil
	},
}
