package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/ultrasonic/cmd/sonic/console"
	"github.com/mklimuk/ultrasonic/config"
)

var boardCmd = cli.Command{
	Name:  "board",
	Usage: "manage the board configuration",
	Subcommands: cli.Commands{
		&boardInitCmd,
		&boardCheckCmd,
	},
}

var boardInitCmd = cli.Command{
	Name:  "init",
	Usage: "write the reference board configuration",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "overwrite without asking"},
	},
	Action: func(c *cli.Context) error {
		path := c.String("config")
		if _, err := os.Stat(path); err == nil && !c.Bool("force") {
			ok, err := console.Confirm(fmt.Sprintf("%s exists, overwrite?", path))
			if err != nil {
				return console.Exit(1, "could not read answer: %v", err)
			}
			if !ok {
				console.PInfof(console.PictoStop, "left %s untouched", path)
				return nil
			}
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return console.Exit(1, "could not check %s: %v", path, err)
		}
		if err := config.Default().Save(path); err != nil {
			return console.Exit(1, "%v", err)
		}
		console.PInfof(console.PictoNotebook, "board configuration written to %s", path)
		return nil
	},
}

var boardCheckCmd = cli.Command{
	Name:  "check",
	Usage: "validate the board configuration",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		console.Infof("%d buses, %d ports", len(cfg.Buses), len(cfg.Ports))
		for i, p := range cfg.Ports {
			console.Infof("port %d: %s on bus %d at %#02x, firmware %s", i, p.Variant, p.Bus, p.Addr, cfg.Firmware[p.Variant])
		}
		console.PInfof(console.PictoPin, "%s", console.Green("configuration is valid"))
		return nil
	},
}
