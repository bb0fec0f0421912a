// Package cli wires the jobmon binaries together: one cobra root command with
// a subcommand per service role (server, reaper, distributor, worker) plus the
// token and version utilities. Every subcommand loads the same layered
// configuration, applies the logging settings and shuts down cleanly on
// SIGINT/SIGTERM.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/config"
	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/engine"
	"jobmon.evalgo.org/events"
)

// cfgFile holds the --config flag value. When empty, the standard locations
// (./jobmon.ini, ~/.jobmon/jobmon.ini, /etc/jobmon/jobmon.ini) are searched.
var cfgFile string

// RootCmd is the jobmon entry command. It does nothing on its own; each
// service role runs as a subcommand.
var RootCmd = &cobra.Command{
	Use:   "jobmon",
	Short: "workflow orchestration for batch compute clusters",
	Long: `jobmon coordinates workflows of interdependent tasks across a compute
cluster. The server exposes the coordination API that clients, workers and
distributors report to; the distributor submits queued work to the cluster;
the reaper escalates work whose owner stopped reporting.

Configuration comes from an INI file plus JOBMON__SECTION__KEY environment
overrides. See each subcommand's help for the options it uses.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./jobmon.ini)")
}

// loadConfig reads the layered configuration and applies the logging settings.
// Called first thing by every subcommand that talks to real services.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig("JOBMON", cfgFile)
	if err != nil {
		return nil, err
	}
	common.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

// interruptContext returns a context cancelled on SIGINT or SIGTERM. The long
// running subcommands pass it down so one signal winds the whole process down.
func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-quit:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(quit)
	}()

	return ctx, cancel
}

// connectEngine opens the store and builds the engine with the configured
// lifecycle event publisher. The returned closer releases both.
func connectEngine(cfg *config.Config) (*db.Store, *engine.Engine, func(), error) {
	store, err := db.Connect(&cfg.DB)
	if err != nil {
		return nil, nil, nil, err
	}

	var publisher events.Publisher
	if cfg.Events.Enabled {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.Events.URL, cfg.Events.Exchange)
		if err != nil {
			store.Close()
			return nil, nil, nil, fmt.Errorf("failed to connect event publisher: %w", err)
		}
		publisher = amqpPublisher
	}

	closer := func() {
		if publisher != nil {
			publisher.Close()
		}
		store.Close()
	}
	return store, engine.New(store, publisher), closer, nil
}
