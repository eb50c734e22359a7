package main

import (
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/ultrasonic/adapter"
	"github.com/mklimuk/ultrasonic/cmd/sonic/console"
)

var mcp2221Cmd = cli.Command{
	Name:  "mcp2221",
	Usage: "talk to the usb i2c adapter",
	Subcommands: cli.Commands{
		&mcp2221StatusCmd,
		&mcp2221ReleaseCmd,
		&mcp2221SpeedCmd,
		&mcp2221GPIOCmd,
	},
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	if err := enc.Encode(v); err != nil {
		return console.Exit(1, "encoding error: %s", console.Red(err))
	}
	return enc.Close()
}

var mcp2221StatusCmd = cli.Command{
	Name: "status",
	Action: func(c *cli.Context) error {
		a := adapter.NewMCP2221()
		status, err := a.Status(commandContext(c))
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return printYAML(status)
	},
}

var mcp2221ReleaseCmd = cli.Command{
	Name: "release",
	Action: func(c *cli.Context) error {
		a := adapter.NewMCP2221()
		status, err := a.ReleaseBus(commandContext(c))
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return printYAML(status)
	},
}

var mcp2221SpeedCmd = cli.Command{
	Name:      "speed",
	ArgsUsage: "<hz>",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "hz", Value: adapter.DefaultSpeed},
	},
	Action: func(c *cli.Context) error {
		a := adapter.NewMCP2221()
		if err := a.SetSpeed(commandContext(c), c.Int("hz")); err != nil {
			return console.Exit(1, "could not set speed: %s", console.Red(err))
		}
		console.Infof("i2c clock set to %d Hz", c.Int("hz"))
		return nil
	},
}

var mcp2221GPIOCmd = cli.Command{
	Name: "gpio",
	Action: func(c *cli.Context) error {
		a := adapter.NewMCP2221()
		ctx := commandContext(c)
		params, err := a.GetGPIOParameters(ctx)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		values, err := a.ReadGPIO(ctx)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return printYAML(map[string]any{
			"parameters": params,
			"values":     values,
		})
	},
}
