package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/smsverify/pkg/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultCheckCoolDown    = 30 * time.Second
	defaultFallbackWorkers  = 4
	defaultPollAttempts     = 20
	defaultPollInterval     = 5 * time.Second
	syncOutcomeWaiting      = "waiting"
	syncOutcomeThrottled    = "throttled"
	syncOutcomeCodeRecorded = "code_recorded"
	syncOutcomeCompleted    = "completed"
	syncOutcomeRefunded     = "refunded"
	syncOutcomeSkipped      = "skipped"
)

// SyncReport counts what a synchronization pass did.
type SyncReport struct {
	Candidates    int `json:"candidates"`
	CodesRecorded int `json:"codes_recorded"`
	Completed     int `json:"completed"`
	Refunded      int `json:"refunded"`
	Throttled     int `json:"throttled"`
	Failed        int `json:"failed"`
}

func (report *SyncReport) count(outcome string) {
	switch outcome {
	case syncOutcomeCodeRecorded:
		report.CodesRecorded++
	case syncOutcomeCompleted:
		report.Completed++
	case syncOutcomeRefunded:
		report.Refunded++
	case syncOutcomeThrottled:
		report.Throttled++
	}
}

// SynchronizerConfig tunes the synchronization loop.
type SynchronizerConfig struct {
	// CheckCoolDown skips fallback checks of orders checked more recently than this.
	CheckCoolDown time.Duration
	// FallbackWorkers bounds concurrent single-order checks.
	FallbackWorkers int
	Poll            retry.Policy
}

// Synchronizer pulls SMS codes and provider state into local orders.
type Synchronizer struct {
	store    Store
	provider Provisioner
	config   SynchronizerConfig
	settings
}

// NewSynchronizer wires a Synchronizer, filling zero config values with defaults.
func NewSynchronizer(store Store, provider Provisioner, config SynchronizerConfig, options ...Option) (*Synchronizer, error) {
	if store == nil || provider == nil {
		return nil, fmt.Errorf("%w: synchronizer needs a store and a provider", ErrInvalidServiceConfig)
	}
	if config.CheckCoolDown <= 0 {
		config.CheckCoolDown = defaultCheckCoolDown
	}
	if config.FallbackWorkers <= 0 {
		config.FallbackWorkers = defaultFallbackWorkers
	}
	if config.Poll.MaxAttempts <= 0 {
		config.Poll.MaxAttempts = defaultPollAttempts
	}
	if config.Poll.Interval <= 0 {
		config.Poll.Interval = defaultPollInterval
	}
	if config.Poll.Retryable == nil {
		config.Poll.Retryable = func(err error) bool { return errors.Is(err, ErrProvider) }
	}
	return &Synchronizer{store: store, provider: provider, config: config, settings: newSettings(options)}, nil
}

// SyncAll synchronizes every paid or active order.
func (synchronizer *Synchronizer) SyncAll(ctx context.Context) (SyncReport, error) {
	return synchronizer.syncOrders(ctx, "")
}

// SyncUser synchronizes the paid or active orders of one user.
func (synchronizer *Synchronizer) SyncUser(ctx context.Context, userID string) (SyncReport, error) {
	if userID == "" {
		return SyncReport{}, fmt.Errorf("%w: empty user id", ErrInvalidOrder)
	}
	return synchronizer.syncOrders(ctx, userID)
}

func (synchronizer *Synchronizer) syncOrders(ctx context.Context, userID string) (SyncReport, error) {
	candidates, err := synchronizer.store.ListSyncCandidates(ctx, userID)
	if err != nil {
		return SyncReport{}, err
	}
	report := SyncReport{Candidates: len(candidates)}
	if len(candidates) == 0 {
		return report, nil
	}

	activeByProviderID := map[string]ActiveOrder{}
	activeOrders, err := synchronizer.provider.ActiveOrders(ctx)
	if err != nil {
		synchronizer.logger.Warn("active order list unavailable, checking orders individually", zap.Error(err))
	}
	for _, active := range activeOrders {
		activeByProviderID[active.ProviderOrderID] = active
	}

	var fallback []Order
	for _, order := range candidates {
		active, listed := activeByProviderID[order.RequestID]
		if !listed {
			fallback = append(fallback, order)
			continue
		}
		if active.SMS == "" {
			continue
		}
		outcome, err := synchronizer.applyCode(ctx, order.ID, active.SMS, active.FullSMS, false)
		if err != nil {
			report.Failed++
			synchronizer.logger.Error("record code failed", zap.String("order_id", order.ID), zap.Error(err))
			continue
		}
		report.count(outcome)
	}

	var (
		group errgroup.Group
		mu    sync.Mutex
	)
	group.SetLimit(synchronizer.config.FallbackWorkers)
	for _, order := range fallback {
		order := order
		group.Go(func() error {
			outcome, err := synchronizer.checkOrder(ctx, order, true)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				synchronizer.logger.Warn("order status check failed", zap.String("order_id", order.ID), zap.Error(err))
				return nil
			}
			report.count(outcome)
			return nil
		})
	}
	_ = group.Wait()
	synchronizer.logger.Info("sync pass finished",
		zap.String("user_id", userID),
		zap.Int("candidates", report.Candidates),
		zap.Int("codes_recorded", report.CodesRecorded),
		zap.Int("refunded", report.Refunded),
		zap.Int("throttled", report.Throttled),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// SyncOrder checks one order at the provider immediately, ignoring the cool-down.
func (synchronizer *Synchronizer) SyncOrder(ctx context.Context, orderID string) (Order, error) {
	order, err := synchronizer.store.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if _, err := synchronizer.checkOrder(ctx, order, false); err != nil {
		return Order{}, err
	}
	return synchronizer.store.GetOrder(ctx, orderID)
}

// PollOrder checks the order until a code arrives or the provider refunds it. It keeps
// running when the caller goes away; the attempt budget bounds it. Exhaustion returns
// ErrPollTimeout with the order unchanged.
func (synchronizer *Synchronizer) PollOrder(ctx context.Context, orderID string) (Order, error) {
	ctx = context.WithoutCancel(ctx)
	var latest Order
	err := synchronizer.config.Poll.Do(ctx, func(ctx context.Context, attempt int) (bool, error) {
		order, err := synchronizer.store.GetOrder(ctx, orderID)
		if err != nil {
			return false, err
		}
		latest = order
		if pollSettled(order) {
			return true, nil
		}
		if _, err := synchronizer.checkOrder(ctx, order, false); err != nil {
			return false, err
		}
		order, err = synchronizer.store.GetOrder(ctx, orderID)
		if err != nil {
			return false, err
		}
		latest = order
		return pollSettled(order), nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return latest, fmt.Errorf("%w: order %s", ErrPollTimeout, orderID)
	}
	if err != nil {
		return Order{}, err
	}
	return latest, nil
}

func pollSettled(order Order) bool {
	return order.SMSCode != "" || order.Status.Terminal()
}

// CompleteOrder moves an active order whose code was received to completed.
func (synchronizer *Synchronizer) CompleteOrder(ctx context.Context, orderID string) (Order, error) {
	updated, changed, err := mutateOrder(ctx, synchronizer.store, orderID, func(_ context.Context, _ Store, current *Order) error {
		if current.Status == StatusCompleted {
			return errNoChange
		}
		if current.SMSCode == "" {
			return fmt.Errorf("%w: no code received for order %s", ErrInvalidTransition, orderID)
		}
		if err := transition(current, StatusCompleted); err != nil {
			return err
		}
		appendLog(current, LogEntry{Event: "order_completed", At: synchronizer.now()})
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if changed {
		synchronizer.publish(updated, EventOrderUpdated, nil)
	}
	return updated, nil
}

// checkOrder is the single-order fallback: one provider check, mapped through
// ParseProviderStatus, with status_checked_at stamped whatever the answer.
func (synchronizer *Synchronizer) checkOrder(ctx context.Context, order Order, throttle bool) (string, error) {
	if order.Status.Terminal() || order.RequestID == "" {
		return syncOutcomeSkipped, nil
	}
	now := synchronizer.now()
	if throttle && order.Metadata.StatusCheckedAt != nil && now.Sub(*order.Metadata.StatusCheckedAt) < synchronizer.config.CheckCoolDown {
		return syncOutcomeThrottled, nil
	}
	check, checkErr := synchronizer.provider.Check(ctx, order.RequestID)
	if checkErr != nil {
		if _, _, err := mutateOrder(ctx, synchronizer.store, order.ID, stampChecked(now)); err != nil {
			synchronizer.logger.Warn("stamp status check failed", zap.String("order_id", order.ID), zap.Error(err))
		}
		if errors.Is(checkErr, ErrProvider) {
			return "", checkErr
		}
		return "", fmt.Errorf("%w: %v", ErrProvider, checkErr)
	}

	switch check.Status {
	case ProviderStatusRefunded:
		updated, changed, err := mutateOrder(ctx, synchronizer.store, order.ID, func(ctx context.Context, transactionStore Store, current *Order) error {
			current.Metadata.StatusCheckedAt = &now
			if current.Status == StatusRefunded {
				return nil
			}
			if err := transition(current, StatusRefunded); err != nil {
				return err
			}
			appendLog(current, LogEntry{Event: "provider_refunded", Message: check.RawStatus, At: now})
			return nil
		})
		if err != nil {
			return "", err
		}
		if changed && updated.Status == StatusRefunded {
			synchronizer.publish(updated, EventOrderUpdated, nil)
		}
		return syncOutcomeRefunded, nil
	case ProviderStatusCompleted:
		outcome := syncOutcomeWaiting
		if check.SMS != "" {
			recorded, err := synchronizer.applyCode(ctx, order.ID, check.SMS, check.FullSMS, true)
			if err != nil {
				return "", err
			}
			outcome = recorded
		}
		if _, _, err := mutateOrder(ctx, synchronizer.store, order.ID, stampChecked(now)); err != nil {
			return "", err
		}
		return outcome, nil
	default:
		if _, _, err := mutateOrder(ctx, synchronizer.store, order.ID, stampChecked(now)); err != nil {
			return "", err
		}
		return syncOutcomeWaiting, nil
	}
}

func stampChecked(now time.Time) orderMutation {
	return func(_ context.Context, _ Store, current *Order) error {
		current.Metadata.StatusCheckedAt = &now
		return nil
	}
}

// applyCode records a received code once, keyed by its value in the order history, and
// copies it to the verification. complete also moves the order to completed.
func (synchronizer *Synchronizer) applyCode(ctx context.Context, orderID string, code string, fullSMS string, complete bool) (string, error) {
	now := synchronizer.now()
	updated, changed, err := mutateOrder(ctx, synchronizer.store, orderID, func(ctx context.Context, transactionStore Store, current *Order) error {
		if current.Metadata.HasCode(code) {
			return errNoChange
		}
		current.SMSCode = code
		appendLog(current, LogEntry{Event: "sms_received", Code: code, Message: fullSMS, At: now})
		return transactionStore.RecordCode(ctx, current.ID, code, fullSMS, now)
	})
	if err != nil {
		return "", err
	}
	outcome := syncOutcomeWaiting
	if changed {
		outcome = syncOutcomeCodeRecorded
		verification, found, err := synchronizer.store.GetVerification(ctx, orderID)
		if err != nil {
			synchronizer.logger.Warn("load verification failed", zap.String("order_id", orderID), zap.Error(err))
		}
		var pushed *Verification
		if found {
			pushed = &verification
		}
		synchronizer.publish(updated, EventCodeReceived, pushed)
	}
	if complete && updated.Status == StatusActive && updated.SMSCode != "" {
		if _, err := synchronizer.CompleteOrder(ctx, orderID); err != nil {
			return "", err
		}
		return syncOutcomeCompleted, nil
	}
	return outcome, nil
}
