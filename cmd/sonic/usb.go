package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/karalabe/hid"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/ultrasonic/adapter"
	"github.com/mklimuk/ultrasonic/cmd/sonic/console"
	"github.com/mklimuk/ultrasonic/config"
)

var usbCmd = cli.Command{
	Name:  "usb",
	Usage: "look for usb to i2c bridges",
	Subcommands: cli.Commands{
		&usbLsCmd,
		&usbDetectCmd,
	},
}

var usbLsCmd = cli.Command{
	Name: "ls",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "all", Aliases: []string{"a"}, Usage: "list every hid device, not only bridges"},
	},
	Action: func(c *cli.Context) error {
		var devices []hid.DeviceInfo
		if c.Bool("all") {
			devices = hid.Enumerate(0, 0)
		} else {
			devices = hid.Enumerate(adapter.VendorID, adapter.ProductID)
		}
		w := tabwriter.NewWriter(os.Stdout, 12, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "PATH\tSERIAL\tVENDOR\tPRODUCT ID\tMANUFACTURER\tPRODUCT\n")
		for _, dev := range devices {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%#04x\t%#04x\t%s\t%s\n",
				dev.Path, dev.Serial, dev.VendorID, dev.ProductID, dev.Manufacturer, dev.Product)
		}
		_ = w.Flush()
		return nil
	},
}

var usbDetectCmd = cli.Command{
	Name:  "detect",
	Usage: "check that the bridges the board configuration relies on are plugged in",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		uses := bridgeUses(cfg)
		found := len(hid.Enumerate(adapter.VendorID, adapter.ProductID))
		switch {
		case uses == 0 && found == 0:
			console.Infof("board does not use a bridge and none is plugged in")
		case uses == 0:
			console.Infof("%d MCP2221 bridge(s) plugged in, unused by the board", found)
		case found == 0:
			return console.Exit(1, "%s", console.Red(fmt.Sprintf("board uses the MCP2221 for %d bus(es) or line(s) but no bridge is plugged in", uses)))
		default:
			console.PInfof(console.PictoPin, "MCP2221 found, used for %d bus(es) or line(s)", uses)
		}
		return nil
	},
}

// bridgeUses counts the buses and lines of the board routed through the MCP2221.
func bridgeUses(cfg *config.Board) int {
	n := 0
	for _, b := range cfg.Buses {
		if b.Backend == config.BusMCP2221 {
			n++
		}
	}
	lines := []config.Line{cfg.Reset}
	for _, p := range cfg.Ports {
		lines = append(lines, p.Prog, p.IO)
	}
	for _, l := range lines {
		if l.Backend == config.LineMCP2221 {
			n++
		}
	}
	return n
}
