package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/ultrasonic/cmd/sonic/console"
	"github.com/mklimuk/ultrasonic/firmware"
	"github.com/mklimuk/ultrasonic/memory/eeprom"
	"github.com/mklimuk/ultrasonic/sonic"
)

var firmwareCmd = cli.Command{
	Name:  "firmware",
	Usage: "inspect, build and store firmware bundles",
	Subcommands: cli.Commands{
		&firmwareInspectCmd,
		&firmwarePackCmd,
		&firmwareFlashCmd,
		&firmwareFetchCmd,
	},
}

var firmwareInspectCmd = cli.Command{
	Name:      "inspect",
	ArgsUsage: "<bundle dir>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return console.Exit(1, "expected 1 argument, got %d", c.NArg())
		}
		fw, err := firmware.Load(c.Args().First())
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		console.Infof("variant:    %s (max %d samples)", fw.Variant, fw.Variant.MaxSamples)
		console.Infof("version:    %s", fw.Version)
		console.Infof("code:       %d of %d bytes", len(fw.Code), fw.Variant.ProgMemSize)
		console.Infof("ram init:   %d bytes at %#04x", len(fw.RAMInit), fw.RAMInitAddr)
		console.Infof("oversample: %d", fw.Oversample)
		return nil
	},
}

var firmwarePackCmd = cli.Command{
	Name:      "pack",
	Usage:     "build a bundle from raw images",
	ArgsUsage: "<bundle dir>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "variant", Required: true},
		&cli.StringFlag{Name: "version"},
		&cli.PathFlag{Name: "code", Required: true},
		&cli.PathFlag{Name: "ram-init"},
		&cli.UintFlag{Name: "ram-init-addr"},
		&cli.UintFlag{Name: "oversample"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return console.Exit(1, "expected 1 argument, got %d", c.NArg())
		}
		if _, ok := sonic.VariantByName(c.String("variant")); !ok {
			return console.Exit(1, "unknown variant %q", c.String("variant"))
		}
		m := firmware.Manifest{
			Variant:     c.String("variant"),
			Version:     c.String("version"),
			Code:        c.Path("code"),
			RAMInit:     c.Path("ram-init"),
			RAMInitAddr: uint16(c.Uint("ram-init-addr")),
			Oversample:  uint8(c.Uint("oversample")),
		}
		fw, err := m.Load("")
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		if err := os.MkdirAll(c.Args().First(), 0o755); err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		if err := firmware.Save(c.Args().First(), fw); err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		console.PInfof(console.PictoNotebook, "%s bundle written to %s", fw.Variant, c.Args().First())
		return nil
	},
}

var memoryFlags = []cli.Flag{
	&cli.IntFlag{Name: "spi-bus", Usage: "spi bus of the memory"},
	&cli.IntFlag{Name: "spi-chip", Usage: "chip select of the memory"},
	&cli.StringFlag{Name: "addr", Value: "0", Usage: "image address in the memory"},
}

func openMemoryArgs(c *cli.Context) (*eeprom.EEPROM25AA1024, uint32, error) {
	if c.NArg() != 1 {
		return nil, 0, console.Exit(1, "expected 1 argument, got %d", c.NArg())
	}
	addr, err := strconv.ParseUint(c.String("addr"), 0, 32)
	if err != nil {
		return nil, 0, console.Exit(1, "bad address %q: %v", c.String("addr"), err)
	}
	mem, err := eeprom.NewNanoPi(c.Int("spi-bus"), c.Int("spi-chip"))
	if err != nil {
		return nil, 0, console.Exit(1, "%s", console.Red(err))
	}
	return mem, uint32(addr), nil
}

var firmwareFlashCmd = cli.Command{
	Name:      "flash",
	Usage:     "store a bundle as an image in the board memory",
	ArgsUsage: "<bundle dir>",
	Flags: append([]cli.Flag{
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "replace an existing image without asking"},
	}, memoryFlags...),
	Action: func(c *cli.Context) error {
		mem, addr, err := openMemoryArgs(c)
		if err != nil {
			return err
		}
		defer func() { _ = mem.Close() }()
		fw, err := firmware.Load(c.Args().First())
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		if old, err := firmware.Fetch(commandContext(c), mem, addr); err == nil && !c.Bool("yes") {
			ok, err := console.Confirm(fmt.Sprintf("%s %s is stored at %#05x, replace it?", old.Variant, old.Version, addr))
			if err != nil {
				return console.Exit(1, "could not read answer: %v", err)
			}
			if !ok {
				console.PInfof(console.PictoStop, "image at %#05x left untouched", addr)
				return nil
			}
		}
		if err := firmware.Store(commandContext(c), mem, addr, fw); err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		console.PInfof(console.PictoPin, "%s %s stored at %#05x", fw.Variant, fw.Version, addr)
		return nil
	},
}

var firmwareFetchCmd = cli.Command{
	Name:      "fetch",
	Usage:     "read an image from the board memory into a bundle",
	ArgsUsage: "<bundle dir>",
	Flags:     memoryFlags,
	Action: func(c *cli.Context) error {
		mem, addr, err := openMemoryArgs(c)
		if err != nil {
			return err
		}
		defer func() { _ = mem.Close() }()
		fw, err := firmware.Fetch(commandContext(c), mem, addr)
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		if err := os.MkdirAll(c.Args().First(), 0o755); err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		if err := firmware.Save(c.Args().First(), fw); err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		console.PInfof(console.PictoNotebook, "%s %s written to %s", fw.Variant, fw.Version, c.Args().First())
		return nil
	},
}
