package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/smsverify/pkg/fulfillment"
	"github.com/MarkoPoloResearchLab/smsverify/pkg/ledger"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultJobTimeout = 10 * time.Minute

// Schedules are cron specs for the maintenance jobs; an empty spec disables that job.
type Schedules struct {
	Sync      string
	Refund    string
	Reconcile string
}

// RunSync synchronizes every active order, or only userID's when set.
func (core *Core) RunSync(ctx context.Context, userID string) (fulfillment.SyncReport, error) {
	var (
		report fulfillment.SyncReport
		err    error
	)
	if strings.TrimSpace(userID) == "" {
		report, err = core.Synchronizer.SyncAll(ctx)
	} else {
		report, err = core.Synchronizer.SyncUser(ctx, userID)
	}
	if err != nil {
		return report, err
	}
	core.Metrics.ObserveSync(report)
	core.Logger.Info("sync finished",
		zap.String("user_id", userID),
		zap.Int("candidates", report.Candidates),
		zap.Int("codes_recorded", report.CodesRecorded),
		zap.Int("completed", report.Completed),
		zap.Int("refunded", report.Refunded),
		zap.Int("failed", report.Failed))
	return report, nil
}

// RunRefunds returns stuck wallet debits, optionally for one user.
func (core *Core) RunRefunds(ctx context.Context, userID string) (fulfillment.RefundReport, error) {
	report, err := core.Refunds.RefundStuckOrders(ctx, strings.TrimSpace(userID))
	if err != nil {
		return report, err
	}
	core.Metrics.ObserveRefunds(report)
	core.Logger.Info("refunds finished",
		zap.String("user_id", userID),
		zap.Int("refunded", report.Refunded),
		zap.Int("skipped_already_refunded", report.SkippedAlreadyRefunded),
		zap.Int("in_flight", report.InFlight))
	return report, nil
}

// RunReconcile recomputes wallet balances from the transaction log.
func (core *Core) RunReconcile(ctx context.Context, userID string) (ledger.ReconcileReport, error) {
	var (
		report ledger.ReconcileReport
		err    error
	)
	if strings.TrimSpace(userID) == "" {
		report, err = core.Wallet.ReconcileAll(ctx)
	} else {
		var ledgerUser ledger.UserID
		if ledgerUser, err = ledger.NewUserID(userID); err == nil {
			report, err = core.Wallet.ReconcileUser(ctx, ledgerUser)
		}
	}
	if err != nil {
		return report, err
	}
	core.Logger.Info("reconcile finished",
		zap.String("user_id", userID),
		zap.Int("wallets_checked", report.WalletsChecked),
		zap.Int("wallets_fixed", report.WalletsFixed))
	return report, nil
}

// NewScheduler registers the maintenance jobs on a cron that skips a run while the previous
// one of the same job is still going. Jobs derive their context from ctx.
func (core *Core) NewScheduler(ctx context.Context, schedules Schedules) (*cron.Cron, error) {
	scheduler := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{name: "sync", spec: schedules.Sync, run: func(ctx context.Context) error {
			_, err := core.RunSync(ctx, "")
			return err
		}},
		{name: "refund", spec: schedules.Refund, run: func(ctx context.Context) error {
			_, err := core.RunRefunds(ctx, "")
			return err
		}},
		{name: "reconcile", spec: schedules.Reconcile, run: func(ctx context.Context) error {
			_, err := core.RunReconcile(ctx, "")
			return err
		}},
	}
	for _, job := range jobs {
		if strings.TrimSpace(job.spec) == "" {
			continue
		}
		if _, err := scheduler.AddFunc(job.spec, func() {
			jobCtx, cancel := context.WithTimeout(ctx, defaultJobTimeout)
			defer cancel()
			if err := job.run(jobCtx); err != nil {
				core.Logger.Error("scheduled job failed", zap.String("job", job.name), zap.Error(err))
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule %s job %q: %w", job.name, job.spec, err)
		}
		core.Logger.Info("scheduled job", zap.String("job", job.name), zap.String("spec", job.spec))
	}
	return scheduler, nil
}
