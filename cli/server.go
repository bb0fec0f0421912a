package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"jobmon.evalgo.org/api"
	"jobmon.evalgo.org/cache"
	"jobmon.evalgo.org/common"
)

func init() {
	RootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "run the coordination API server",
	Long: `Starts the HTTP server that clients, workers and distributors report to.
The server owns the database schema: migrations run on startup before the
listener comes up.`,
	RunE: runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, eng, closeEngine, err := connectEngine(cfg)
	if err != nil {
		return err
	}
	defer closeEngine()

	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	queryCache, err := cache.New(&cfg.Cache)
	if err != nil {
		return err
	}
	defer queryCache.Close()

	server := api.NewServer(cfg, eng, store, queryCache)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	common.Logger.Info("shutting down API server")
	return server.Shutdown(context.Background())
}
