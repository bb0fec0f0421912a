// Command jobmon is the single binary behind every jobmon service role: the
// coordination API server, the liveness reaper, the per-run distributor and
// the task-instance worker, plus the token and version utilities. The role is
// picked by subcommand; see cli for the command tree.
package main

import (
	"os"

	"jobmon.evalgo.org/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
