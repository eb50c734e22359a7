package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mklimuk/ultrasonic/firmware"
)

// DefaultBundleRoot is where the repository keeps its firmware bundles.
const DefaultBundleRoot = "firmware/bundles"

func FirmwareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "firmware [root]",
		Short: "Check every firmware bundle under root",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := DefaultBundleRoot
			if len(args) == 1 {
				root = args[0]
			}
			return checkBundles(root)
		},
	}
	return cmd
}

// checkBundles validates every bundle found under root. A missing root is
// not an error.
func checkBundles(root string) error {
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		slog.Warn("no firmware bundles found", "root", root)
		return nil
	}
	var bad []error
	found := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != firmware.ManifestName {
			return nil
		}
		found++
		dir := filepath.Dir(path)
		fw, err := firmware.Load(dir)
		if err != nil {
			slog.Error("invalid bundle", "dir", dir, "error", err)
			bad = append(bad, fmt.Errorf("%s: %w", dir, err))
			return nil
		}
		slog.Info("bundle ok", "dir", dir, "variant", fw.Variant, "version", fw.Version, "size", len(fw.Code))
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not walk %s: %w", root, err)
	}
	if found == 0 {
		slog.Warn("no firmware bundles found", "root", root)
	}
	return errors.Join(bad...)
}
