package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/mklimuk/ultrasonic/cmd/dev/cmd"
)

func newLogger(debug bool) *slog.Logger {
	charm := log.NewWithOptions(os.Stdout, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Prefix:          "dev",
	})
	charm.SetColorProfile(termenv.TrueColor)
	charm.SetLevel(log.InfoLevel)
	if debug {
		charm.SetLevel(log.DebugLevel)
		charm.SetReportCaller(true)
	}
	return slog.New(charm)
}

func main() {
	var debug bool
	rootCmd := &cobra.Command{
		Use:   "dev",
		Short: "Build, test and firmware tooling for the sonic cli",
		PersistentPreRun: func(*cobra.Command, []string) {
			slog.SetDefault(newLogger(debug))
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.AddCommand(
		cmd.BuildCmd(),
		cmd.FirmwareCmd(),
		cmd.TestCmd(),
		cmd.LintCmd(),
		cmd.IntegrationTestCmd(),
	)
	if err := rootCmd.Execute(); err != nil {
		slog.Error("dev command failed", "error", err)
		os.Exit(1)
	}
}
