package cmd

import (
	"fmt"
	"os"

	"github.com/gophertribe/devtool/test"
	"github.com/spf13/cobra"
)

func TestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run unit tests and check the firmware bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := test.Test(); err != nil {
				return fmt.Errorf("failed to run tests: %w", err)
			}
			root, _ := cmd.Flags().GetString("bundles")
			if err := checkBundles(root); err != nil {
				return fmt.Errorf("invalid firmware bundles: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("bundles", DefaultBundleRoot, "firmware bundle root")
	return cmd
}

func LintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Run linting",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := test.Lint(); err != nil {
				return fmt.Errorf("failed to run linting: %w", err)
			}
			return nil
		},
	}
}

// IntegrationTestCmd runs the test suite against a real sensor board
// described by --board.
func IntegrationTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integration-test",
		Short: "Run tests against a connected sensor board",
		RunE: func(cmd *cobra.Command, args []string) error {
			board, _ := cmd.Flags().GetString("board")
			if _, err := os.Stat(board); err != nil {
				return fmt.Errorf("board configuration: %w", err)
			}
			if err := os.Setenv(BoardEnv, board); err != nil {
				return err
			}
			if err := test.Integ(); err != nil {
				return fmt.Errorf("failed to run integration testing: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("board", "board.yaml", "board configuration of the rig under test")
	return cmd
}

// BoardEnv carries the board configuration into integration tests.
const BoardEnv = "SONIC_CONFIG"
