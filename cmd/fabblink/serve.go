package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/fabblink/internal/app/runtime"
	"github.com/R3E-Network/fabblink/internal/config"
	"github.com/R3E-Network/fabblink/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background services",
	Long: `Run the hub. Configuration comes from the environment, an optional
.env file and the YAML file given with --config.

Example:
  FABBLINK_JWT_SECRET=dev fabblink serve
  fabblink serve --config /etc/fabblink.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Logging)

	application, err := runtime.NewApplication(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := application.Run(ctx)
	if runErr != nil {
		log.WithError(runErr).Error("server stopped unexpectedly")
	} else {
		log.Info("shutting down")
	}
	if err := application.Shutdown(context.Background()); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
	return runErr
}
