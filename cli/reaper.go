package cli

import (
	"github.com/spf13/cobra"

	"jobmon.evalgo.org/reaper"
)

func init() {
	RootCmd.AddCommand(reaperCmd)
}

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "run the liveness reaper",
	Long: `Sweeps for workflow runs and task instances whose heartbeat deadline has
lapsed and escalates them to terminal states. Any number of replicas may run;
a database lease elects the one that sweeps.`,
	RunE: runReaper,
}

func runReaper(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, eng, closeEngine, err := connectEngine(cfg)
	if err != nil {
		return err
	}
	defer closeEngine()

	ctx, cancel := interruptContext()
	defer cancel()

	return reaper.New(store, eng, &cfg.Reaper).Run(ctx)
}
