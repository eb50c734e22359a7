package main

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	chlog "github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/urfave/cli/v2"
)

// set by the dev build through -X
var (
	AppVersion = "dev"
	GitCommit  string
	GitBranch  string
	BuildTime  string
)

func main() {
	os.Exit(run())
}

func run() int {
	app := cli.NewApp()
	app.Name = "sonic"
	app.EnableBashCompletion = true
	app.Version = fmt.Sprintf("%s (%s@%s, %s)", AppVersion, GitBranch, GitCommit, BuildTime)
	app.Usage = "ultrasonic sensor board cli"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable verbose logging",
		},
		&cli.BoolFlag{
			Name:  "trace",
			Usage: "dump every bus transfer",
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "board configuration file",
			Value:   "board.yaml",
			EnvVars: []string{"SONIC_CONFIG"},
		},
	}
	app.Before = func(ctx *cli.Context) error {
		charm := chlog.NewWithOptions(os.Stdout, chlog.Options{
			ReportCaller:    true,
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
		})
		charm.SetColorProfile(termenv.TrueColor)
		charm.SetLevel(chlog.InfoLevel)
		if ctx.Bool("verbose") || ctx.Bool("trace") {
			charm.SetLevel(chlog.DebugLevel)
		}
		slog.SetDefault(slog.New(charm))
		return nil
	}
	app.Commands = cli.Commands{
		&boardCmd,
		&detectCmd,
		&rangeCmd,
		&iqCmd,
		&sensorConfigCmd,
		&firmwareCmd,
		&usbCmd,
		&mcp2221Cmd,
		&gpioCmd,
	}
	err := app.Run(os.Args)
	if err != nil {
		var exerr cli.ExitCoder
		if errors.As(err, &exerr) {
			log.Printf("unexpected error: %v", err)
			return exerr.ExitCode()
		}
		return 1
	}
	return 0
}
