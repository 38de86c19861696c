package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarkoPoloResearchLab/smsverify/internal/app"
	"github.com/MarkoPoloResearchLab/smsverify/internal/config"
	"github.com/MarkoPoloResearchLab/smsverify/internal/httpapi"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "smsverifyd: load .env: %v\n", err)
		os.Exit(1)
	}
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "smsverifyd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := config.Config{}
	cmd := &cobra.Command{
		Use:           "smsverifyd",
		Short:         "SMS verification storefront API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(cmd, &cfg); err != nil {
				return err
			}
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	config.RegisterServerFlags(cmd)
	config.RegisterWorkerFlags(cmd)
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	server, err := app.NewServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			logger.Warn("close failed", zap.Error(closeErr))
		}
	}()
	router, err := server.Router(cfg)
	if err != nil {
		return err
	}
	return httpapi.Serve(ctx, cfg.ListenAddr, router, logger)
}
