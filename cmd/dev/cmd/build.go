package cmd

import (
	"fmt"
	"runtime"

	"github.com/gophertribe/devtool/build"
	"github.com/spf13/cobra"
)

// platform is a GOOS/GOARCH pair the cli is shipped for.
type platform struct {
	os, arch string
}

// targets names the boards the sonic cli runs on.
var targets = map[string]platform{
	"host":     {runtime.GOOS, runtime.GOARCH},
	"nanopi":   {"linux", "arm"},
	"nanopi64": {"linux", "arm64"},
}

func BuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the sonic cli for a board",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetString("target")
			p, ok := targets[target]
			if !ok {
				return fmt.Errorf("unknown target %q", target)
			}
			version, _ := cmd.Flags().GetString("version")
			output := "dist/sonic"
			if target != "host" {
				output = fmt.Sprintf("dist/sonic-%s", target)
			}

			// hid needs cgo, so foreign targets are built inside the toolchain image
			if p.os == runtime.GOOS && p.arch == runtime.GOARCH {
				return build.GoBuild(output, "./cmd/sonic", build.GoBuildOpts{
					Version:       version,
					InjectVersion: true,
					ConfigPackage: "main",
					EnableCgo:     true,
					Arch:          p.arch,
					OS:            p.os,
				})
			}
			noCache, err := cmd.Flags().GetBool("no-cache")
			if err != nil {
				return fmt.Errorf("could not get no-cache flag: %w", err)
			}
			return build.Docker(cmd.Context(), fmt.Sprintf("./dev-%s-%s", p.os, p.arch), []string{"build", "--version", version, "--target", target}, build.DockerBuildOpts{
				NoCache: noCache,
				Image:   "gophertribe/gobuild:1.25-bookworm",
			})
		},
	}
	cmd.Flags().Bool("no-cache", false, "do not use cache when building the app")
	cmd.Flags().String("version", "latest", "version of the cli")
	cmd.Flags().String("target", "host", "board to build for: host, nanopi or nanopi64")
	return cmd
}
