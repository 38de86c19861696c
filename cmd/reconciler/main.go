package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/smsverify/internal/app"
	"github.com/MarkoPoloResearchLab/smsverify/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	flagUser              = "user"
	flagSyncSchedule      = "sync-schedule"
	flagRefundSchedule    = "refund-schedule"
	flagReconcileSchedule = "reconcile-schedule"
	stopTimeout           = 30 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "reconciler: load .env: %v\n", err)
		os.Exit(1)
	}
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "reconciler: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "reconciler",
		Short:         "Order sync, refund and wallet reconcile jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(cmd, cfg); err != nil {
				return err
			}
			return cfg.ValidateWorker()
		},
	}
	config.RegisterWorkerFlags(cmd)

	cmd.AddCommand(
		newOnceCommand(cfg, "sync", "Pull SMS codes and provider state into active orders", func(ctx context.Context, core *app.Core, userID string) (any, error) {
			return core.RunSync(ctx, userID)
		}),
		newOnceCommand(cfg, "refund", "Refund wallet debits whose order never received a number", func(ctx context.Context, core *app.Core, userID string) (any, error) {
			return core.RunRefunds(ctx, userID)
		}),
		newOnceCommand(cfg, "reconcile", "Recompute wallet balances from the transaction log", func(ctx context.Context, core *app.Core, userID string) (any, error) {
			return core.RunReconcile(ctx, userID)
		}),
		newRunCommand(cfg),
	)
	return cmd
}

type onceJob func(ctx context.Context, core *app.Core, userID string) (any, error)

func newOnceCommand(cfg *config.Config, use string, short string, job onceJob) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := cmd.Flags().GetString(flagUser)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withCore(ctx, *cfg, func(logger *zap.Logger, core *app.Core) error {
				report, err := job(ctx, core, userID)
				if err != nil {
					return err
				}
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(report)
			})
		},
	}
	cmd.Flags().String(flagUser, "", "limit the job to one user id")
	return cmd
}

func newRunCommand(cfg *config.Config) *cobra.Command {
	schedules := app.Schedules{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the jobs on a schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withCore(ctx, *cfg, func(logger *zap.Logger, core *app.Core) error {
				scheduler, err := core.NewScheduler(ctx, schedules)
				if err != nil {
					return err
				}
				scheduler.Start()
				logger.Info("reconciler started")
				<-ctx.Done()
				logger.Info("shutdown requested")
				select {
				case <-scheduler.Stop().Done():
				case <-time.After(stopTimeout):
					logger.Warn("jobs still running at shutdown")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&schedules.Sync, flagSyncSchedule, "@every 1m", "cron spec for order sync, empty disables")
	cmd.Flags().StringVar(&schedules.Refund, flagRefundSchedule, "@every 5m", "cron spec for stuck debit refunds, empty disables")
	cmd.Flags().StringVar(&schedules.Reconcile, flagReconcileSchedule, "@every 1h", "cron spec for wallet reconcile, empty disables")
	return cmd
}

func withCore(ctx context.Context, cfg config.Config, fn func(logger *zap.Logger, core *app.Core) error) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	core, err := app.NewCore(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := core.Close(); closeErr != nil {
			logger.Warn("close failed", zap.Error(closeErr))
		}
	}()
	return fn(logger, core)
}
