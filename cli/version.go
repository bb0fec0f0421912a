package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"jobmon.evalgo.org/version"
)

func init() {
	RootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("build", false, "include go version and dependency list")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the jobmon version",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "jobmon", version.GetVersion())

		build, err := cmd.Flags().GetBool("build")
		if err != nil {
			return err
		}
		if !build {
			return nil
		}

		info := version.GetBuildInfo()
		fmt.Fprintln(out, "go:", info.GoVersion)
		for _, dep := range info.Dependencies {
			fmt.Fprintf(out, "  %s %s\n", dep.Path, dep.Version)
		}
		return nil
	},
}
