package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/smsverify/pkg/ledger"
	"go.uber.org/zap"
)

const (
	defaultRefundGrace   = 10 * time.Minute
	refundSuffix         = "refund"
	refundOutcomeDone    = "refunded"
	refundOutcomeSkipped = "already_refunded"
	refundOutcomeWaiting = "in_flight"
)

// WalletLedger is the subset of the wallet ledger used by fulfillment.
type WalletLedger interface {
	Credit(ctx context.Context, userID ledger.UserID, amount ledger.AmountMinor, reference ledger.Reference, transactionType ledger.TransactionType, description string, metadata ledger.MetadataJSON) (ledger.Result, error)
	Debit(ctx context.Context, userID ledger.UserID, amount ledger.AmountMinor, reference ledger.Reference, description string, metadata ledger.MetadataJSON) (ledger.Result, error)
}

// RefundDetail describes one debit the workflow looked at.
type RefundDetail struct {
	Reference       string `json:"reference"`
	RefundReference string `json:"refund_reference"`
	UserID          string `json:"user_id"`
	OrderID         string `json:"order_id,omitempty"`
	AmountMinor     int64  `json:"amount_minor_units"`
	Outcome         string `json:"outcome"`
}

// RefundReport summarizes a refund pass.
type RefundReport struct {
	Refunded               int            `json:"refunded"`
	SkippedAlreadyRefunded int            `json:"skipped_already_refunded"`
	InFlight               int            `json:"in_flight"`
	Details                []RefundDetail `json:"details"`
}

// RefundWorkflow returns wallet debits whose order never received a number.
type RefundWorkflow struct {
	store  Store
	wallet WalletLedger
	grace  time.Duration
	settings
}

// NewRefundWorkflow wires a RefundWorkflow. Debits younger than grace are left alone.
func NewRefundWorkflow(store Store, wallet WalletLedger, grace time.Duration, options ...Option) (*RefundWorkflow, error) {
	if store == nil || wallet == nil {
		return nil, fmt.Errorf("%w: refund workflow needs a store and a wallet ledger", ErrInvalidServiceConfig)
	}
	if grace <= 0 {
		grace = defaultRefundGrace
	}
	return &RefundWorkflow{store: store, wallet: wallet, grace: grace, settings: newSettings(options)}, nil
}

// RefundStuckOrders credits back every unverified debit of userID, or of every user when
// userID is empty. The refund reference is derived from the debit reference, so repeated
// and concurrent passes credit each debit once.
func (workflow *RefundWorkflow) RefundStuckOrders(ctx context.Context, userID string) (RefundReport, error) {
	debits, err := workflow.store.ListUnverifiedDebits(ctx, userID)
	if err != nil {
		return RefundReport{}, err
	}
	report := RefundReport{Details: []RefundDetail{}}
	cutoff := workflow.now().Add(-workflow.grace)
	for _, debit := range debits {
		detail, err := workflow.refundDebit(ctx, debit, cutoff)
		if err != nil {
			workflow.logger.Error("refund failed", zap.String("reference", debit.Reference), zap.Error(err))
			return report, err
		}
		switch detail.Outcome {
		case refundOutcomeDone:
			report.Refunded++
		case refundOutcomeSkipped:
			report.SkippedAlreadyRefunded++
		case refundOutcomeWaiting:
			report.InFlight++
		}
		report.Details = append(report.Details, detail)
	}
	workflow.logger.Info("refund pass finished",
		zap.String("user_id", userID),
		zap.Int("refunded", report.Refunded),
		zap.Int("skipped_already_refunded", report.SkippedAlreadyRefunded),
		zap.Int("in_flight", report.InFlight),
	)
	return report, nil
}

func (workflow *RefundWorkflow) refundDebit(ctx context.Context, debit UnverifiedDebit, cutoff time.Time) (RefundDetail, error) {
	reference, err := ledger.NewReference(debit.Reference)
	if err != nil {
		return RefundDetail{}, err
	}
	refundReference, err := reference.Derive(refundSuffix)
	if err != nil {
		return RefundDetail{}, err
	}
	detail := RefundDetail{
		Reference:       debit.Reference,
		RefundReference: refundReference.String(),
		UserID:          debit.UserID,
		OrderID:         debit.OrderID,
		AmountMinor:     debit.AmountMinor,
	}
	if debit.RefundRecorded {
		detail.Outcome = refundOutcomeSkipped
		return detail, workflow.markRefunded(ctx, debit, detail.RefundReference)
	}
	if debit.CreatedAt.After(cutoff) {
		detail.Outcome = refundOutcomeWaiting
		return detail, nil
	}

	userID, err := ledger.NewUserID(debit.UserID)
	if err != nil {
		return RefundDetail{}, err
	}
	amount, err := ledger.NewAmountMinor(debit.AmountMinor)
	if err != nil {
		return RefundDetail{}, err
	}
	metadata, err := ledger.MetadataFromMap(map[string]any{
		"order_id":         debit.OrderID,
		"debit_reference":  debit.Reference,
		"order_status":     debit.OrderStatus.String(),
		"refund_initiator": "refund_workflow",
	})
	if err != nil {
		return RefundDetail{}, err
	}
	result, err := workflow.wallet.Credit(ctx, userID, amount, refundReference, ledger.TransactionRefund, "refund for order without verification", metadata)
	if err != nil {
		return RefundDetail{}, err
	}
	detail.Outcome = refundOutcomeDone
	if result.Duplicate {
		detail.Outcome = refundOutcomeSkipped
	}
	workflow.logger.Info("debit refunded",
		zap.String("reference", debit.Reference),
		zap.String("user_id", debit.UserID),
		zap.Int64("amount", debit.AmountMinor),
		zap.Bool("duplicate", result.Duplicate),
	)
	return detail, workflow.markRefunded(ctx, debit, detail.RefundReference)
}

func (workflow *RefundWorkflow) markRefunded(ctx context.Context, debit UnverifiedDebit, refundReference string) error {
	if debit.OrderID == "" || debit.OrderStatus == StatusRefunded {
		return nil
	}
	updated, changed, err := mutateOrder(ctx, workflow.store, debit.OrderID, func(_ context.Context, _ Store, current *Order) error {
		if !refundable(current.Status) {
			return errNoChange
		}
		current.Status = StatusRefunded
		appendLog(current, LogEntry{Event: "wallet_refunded", Message: refundReference, At: workflow.now()})
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		workflow.publish(updated, EventOrderUpdated, nil)
	}
	return nil
}
