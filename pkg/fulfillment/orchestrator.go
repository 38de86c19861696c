package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Settlement outcomes reported by SettlePayment.
const (
	OutcomeProvisioned        = "provisioned"
	OutcomeAlreadyProcessed   = "already_processed"
	OutcomeUnderpaid          = "underpaid"
	OutcomeManualIntervention = "manual_intervention_required"
)

const failureActionProvision = "provision_order"

// Settlement reports what a confirmed payment did to its order.
type Settlement struct {
	Outcome string
	Order   Order
}

// Orchestrator turns a paid order into a provisioned number.
type Orchestrator struct {
	store    Store
	provider Provisioner
	settings
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(store Store, provider Provisioner, options ...Option) (*Orchestrator, error) {
	if store == nil || provider == nil {
		return nil, fmt.Errorf("%w: orchestrator needs a store and a provider", ErrInvalidServiceConfig)
	}
	return &Orchestrator{store: store, provider: provider, settings: newSettings(options)}, nil
}

// Purchase buys a number for a paid order and moves it to active with a pending
// verification. Callers must hold the pending->paid transition of this order.
func (orchestrator *Orchestrator) Purchase(ctx context.Context, order Order) (Verification, error) {
	if order.Status != StatusPaid {
		return Verification{}, fmt.Errorf("%w: purchase requires a paid order, got %s", ErrInvalidTransition, order.Status)
	}
	logger := orchestrator.logger.With(zap.String("order_id", order.ID), zap.String("user_id", order.UserID))
	number, err := orchestrator.provider.Buy(ctx, PurchaseRequest{CountryID: order.Metadata.CountryID, ServiceID: order.Metadata.ServiceID})
	if err != nil {
		logger.Warn("provider purchase failed", zap.Error(err))
		if errors.Is(err, ErrProvider) {
			return Verification{}, err
		}
		return Verification{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	var verification Verification
	updated, _, err := mutateOrder(ctx, orchestrator.store, order.ID, func(ctx context.Context, transactionStore Store, current *Order) error {
		if err := transition(current, StatusActive); err != nil {
			return err
		}
		now := orchestrator.now()
		current.RequestID = number.ProviderOrderID
		current.Metadata.PhoneNumber = number.PhoneNumber
		current.Metadata.ProviderPayload = number.Raw
		appendLog(current, LogEntry{Event: "number_provisioned", Message: number.ProviderOrderID, At: now})
		verification = Verification{
			OrderID:         current.ID,
			UserID:          current.UserID,
			ServiceName:     current.Metadata.ServiceName,
			ProviderService: current.Metadata.ServiceID,
			CountryName:     current.Metadata.CountryName,
			ProviderCountry: current.Metadata.CountryID,
			ProviderOrderID: number.ProviderOrderID,
			PhoneNumber:     number.PhoneNumber,
			OTPCode:         OTPPending,
		}
		_, err := transactionStore.CreateVerification(ctx, verification)
		return err
	})
	if err != nil {
		// The number was bought but not recorded; the order stays paid for an operator.
		logger.Error("record provisioned number failed", zap.String("provider_order_id", number.ProviderOrderID), zap.Error(err))
		return Verification{}, err
	}
	logger.Info("number provisioned", zap.String("provider_order_id", number.ProviderOrderID))
	orchestrator.publish(updated, EventOrderUpdated, &verification)
	return verification, nil
}

// SettlePayment applies a confirmed gateway payment to the order carrying reference.
// Repeated deliveries and lost races report OutcomeAlreadyProcessed without error.
func (orchestrator *Orchestrator) SettlePayment(ctx context.Context, reference string, amountMinor int64) (Settlement, error) {
	order, err := orchestrator.store.GetOrderByReference(ctx, reference)
	if err != nil {
		return Settlement{}, err
	}
	logger := orchestrator.logger.With(zap.String("order_id", order.ID), zap.String("reference", reference))
	if order.Status != StatusPending {
		logger.Info("payment already settled", zap.String("status", order.Status.String()))
		return Settlement{Outcome: OutcomeAlreadyProcessed, Order: order}, nil
	}
	expected, err := order.Metadata.ExpectedAmountMinor()
	if err != nil {
		return Settlement{}, err
	}

	if amountMinor < expected {
		paymentError := fmt.Sprintf("%v: paid %d, expected %d", ErrUnderpayment, amountMinor, expected)
		updated, changed, err := mutateOrder(ctx, orchestrator.store, order.ID, func(_ context.Context, _ Store, current *Order) error {
			if current.Status != StatusPending {
				return errNoChange
			}
			current.Status = StatusFailed
			current.Metadata.PaymentError = paymentError
			appendLog(current, LogEntry{Event: "payment_underpaid", Message: paymentError, At: orchestrator.now()})
			return nil
		})
		if err != nil {
			return Settlement{}, err
		}
		if !changed {
			return Settlement{Outcome: OutcomeAlreadyProcessed, Order: updated}, nil
		}
		logger.Warn("payment below expected amount", zap.Int64("amount", amountMinor), zap.Int64("expected", expected))
		orchestrator.publish(updated, EventOrderUpdated, nil)
		return Settlement{Outcome: OutcomeUnderpaid, Order: updated}, nil
	}

	paid, changed, err := orchestrator.markPaid(ctx, order.ID, "payment_confirmed")
	if err != nil {
		return Settlement{}, err
	}
	if !changed {
		return Settlement{Outcome: OutcomeAlreadyProcessed, Order: paid}, nil
	}
	return orchestrator.provision(ctx, paid)
}

func (orchestrator *Orchestrator) markPaid(ctx context.Context, orderID string, event string) (Order, bool, error) {
	return mutateOrder(ctx, orchestrator.store, orderID, func(_ context.Context, _ Store, current *Order) error {
		if current.Status != StatusPending {
			return errNoChange
		}
		current.Status = StatusPaid
		appendLog(current, LogEntry{Event: event, At: orchestrator.now()})
		return nil
	})
}

// provision runs Purchase and parks the order for an operator when it fails. The paid
// transition is already committed, so the caller's cancellation must not stop the purchase
// or the parking write.
func (orchestrator *Orchestrator) provision(ctx context.Context, paid Order) (Settlement, error) {
	ctx = context.WithoutCancel(ctx)
	_, purchaseErr := orchestrator.Purchase(ctx, paid)
	if purchaseErr == nil {
		latest, err := orchestrator.store.GetOrder(ctx, paid.ID)
		if err != nil {
			return Settlement{}, err
		}
		return Settlement{Outcome: OutcomeProvisioned, Order: latest}, nil
	}

	parked, _, err := mutateOrder(ctx, orchestrator.store, paid.ID, func(_ context.Context, _ Store, current *Order) error {
		if current.Status != StatusPaid {
			return errNoChange
		}
		current.Status = StatusManualInterventionRequired
		current.Metadata.PaymentError = purchaseErr.Error()
		appendLog(current, LogEntry{Event: "provisioning_failed", Message: purchaseErr.Error(), At: orchestrator.now()})
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}
	failure := FailureLog{
		Action:       failureActionProvision,
		ErrorMessage: purchaseErr.Error(),
		Context: map[string]any{
			"order_id":          paid.ID,
			"user_id":           paid.UserID,
			"payment_reference": paid.PaymentReference,
		},
		CreatedAt: orchestrator.now(),
	}
	if err := orchestrator.store.RecordFailure(ctx, failure); err != nil {
		orchestrator.logger.Error("record failure log failed", zap.String("order_id", paid.ID), zap.Error(err))
	}
	orchestrator.logger.Warn("order requires manual intervention", zap.String("order_id", paid.ID), zap.Error(purchaseErr))
	orchestrator.publish(parked, EventOrderUpdated, nil)
	return Settlement{Outcome: OutcomeManualIntervention, Order: parked}, nil
}
