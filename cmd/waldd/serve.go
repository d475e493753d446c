package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-wald/pkg/admin"
	"github.com/dd0wney/cluso-wald/pkg/config"
	"github.com/dd0wney/cluso-wald/pkg/engine"
	"github.com/dd0wney/cluso-wald/pkg/logging"
	"github.com/dd0wney/cluso-wald/pkg/metrics"
	"github.com/dd0wney/cluso-wald/pkg/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node in its configured role",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(cfg.Logging.Level))
	reg := metrics.DefaultRegistry()

	e := engine.New(cfg, logger, reg)
	if err := e.Start(context.Background()); err != nil {
		return err
	}

	adminSrv := admin.New(e, logger, reg)
	httpSrv := server.NewGracefulServer(cfg.Admin.ListenAddr, adminSrv.Handler(), logger)
	httpSrv.SetReloadFunc(func() error {
		reloaded, err := config.Load("")
		if err != nil {
			return err
		}
		cfg.Logging.Level = reloaded.Logging.Level
		return nil
	})

	// The HTTP server owns the signal handling; when it drains, take the
	// engine down behind it
	done := make(chan struct{})
	go func() {
		<-httpSrv.ShutdownChannel()
		if err := e.Stop(); err != nil {
			logger.Error("engine shutdown error", logging.Error(err))
		}
		close(done)
	}()

	if err := httpSrv.Start(); err != nil {
		e.Stop()
		return err
	}
	select {
	case <-done:
	case <-time.After(time.Minute):
		logger.Warn("engine shutdown timed out")
	}
	return nil
}
