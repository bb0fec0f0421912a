package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"jobmon.evalgo.org/cluster"
	"jobmon.evalgo.org/cluster/sequential"
	"jobmon.evalgo.org/cluster/slurm"
	"jobmon.evalgo.org/config"
	"jobmon.evalgo.org/distributor"
	"jobmon.evalgo.org/requester"
)

func init() {
	RootCmd.AddCommand(distributorCmd)
	distributorCmd.Flags().Int64("workflow-run-id", 0, "workflow run to distribute work for")
	distributorCmd.MarkFlagRequired("workflow-run-id")
}

var distributorCmd = &cobra.Command{
	Use:   "distributor",
	Short: "run the distributor loop for one workflow run",
	Long: `Binds to a workflow run and keeps it moving: drains queued task instances,
submits them to the cluster in array batches, polls the cluster for their
fate and heartbeats on behalf of the run. Prints a readiness marker on stdout
once the loop is up so a spawning client knows the run is owned.

The cluster plugin is selected by distributor.cluster (sequential or slurm).`,
	RunE: runDistributor,
}

func runDistributor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runID, err := cmd.Flags().GetInt64("workflow-run-id")
	if err != nil {
		return err
	}

	client := newAPIClient(cfg)
	plugin, closePlugin, err := buildPlugin(cfg, client)
	if err != nil {
		return err
	}
	defer closePlugin()

	journal, err := distributor.OpenJournal(
		distributor.JournalPathForRun(cfg.Distributor.JournalPath, runID))
	if err != nil {
		return err
	}
	defer journal.Close()

	ctx, cancel := interruptContext()
	defer cancel()

	return distributor.New(client, plugin, journal, cfg.Distributor, runID).Run(ctx)
}

// newAPIClient builds the requester every client-side subcommand talks to the
// coordination API through.
func newAPIClient(cfg *config.Config) *requester.Requester {
	return requester.New(cfg.Client.ServerURL, cfg.Client.APIVersion, cfg.Client.Token,
		cfg.Client.RequestTimeout())
}

// buildPlugin constructs the configured cluster plugin. The returned closer
// stops any work the plugin still owns in-process.
func buildPlugin(cfg *config.Config, client *requester.Requester) (cluster.Plugin, func(), error) {
	switch cfg.Distributor.Cluster {
	case "", "sequential":
		plugin := sequential.New(client, cfg.Worker)
		return plugin, plugin.Shutdown, nil
	case "slurm":
		plugin, err := slurm.New(cfg.Cluster.Slurm, workerCommand())
		if err != nil {
			return nil, nil, err
		}
		return plugin, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown cluster plugin %q", cfg.Distributor.Cluster)
	}
}

// workerCommand renders the command batch scripts use to start the worker
// runner on a compute node. The config file travels along so the worker loads
// the same settings as the distributor that submitted it.
func workerCommand() string {
	exe, err := os.Executable()
	if err != nil {
		exe = "jobmon"
	}
	command := exe + " worker"
	if cfgFile != "" {
		command += " --config " + cfgFile
	}
	return command
}
