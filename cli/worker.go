package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/worker"
)

func init() {
	RootCmd.AddCommand(workerCmd)
	workerCmd.Flags().Int64("task-instance-id", 0, "task instance to execute")
	workerCmd.MarkFlagRequired("task-instance-id")
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "execute one task instance on this node",
	Long: `Runs the command of a single task instance, heartbeating to the server
while it executes and reporting exactly one terminal outcome. Batch scripts
generated by the distributor invoke this on the allocated compute node.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	instanceID, err := cmd.Flags().GetInt64("task-instance-id")
	if err != nil {
		return err
	}

	runner := worker.NewRunner(newAPIClient(cfg), &cfg.Worker, worker.Options{
		TaskInstanceID: instanceID,
	})

	ctx, cancel := interruptContext()
	defer cancel()

	err = runner.Run(ctx)
	if errors.Is(err, worker.ErrKilled) {
		// A requested kill is a normal outcome; the server settles the
		// instance through the kill sweep.
		common.Logger.WithField("task_instance_id", instanceID).Info("task instance killed on request")
		return nil
	}
	return err
}
