// Package webhook applies verified payment gateway notifications to wallets and orders.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/smsverify/internal/gateway/paystack"
	"github.com/MarkoPoloResearchLab/smsverify/pkg/fulfillment"
	"github.com/MarkoPoloResearchLab/smsverify/pkg/ledger"
	"go.uber.org/zap"
)

const (
	eventChargeSuccess = "charge.success"
	metadataUserID     = "user_id"

	failureActionWalletFunding = "wallet_funding"
)

// Outcomes reported by Process.
const (
	OutcomeIgnored         = "ignored"
	OutcomeWalletFunded    = "wallet_funded"
	OutcomeWalletDuplicate = "wallet_duplicate"
	OutcomeMissingUser     = "missing_user"
)

var (
	// ErrUnauthorized reports a missing or mismatching signature.
	ErrUnauthorized = errors.New("webhook authentication failed")
	// ErrMalformedEvent reports a signed body that is not a usable event.
	ErrMalformedEvent = errors.New("malformed webhook event")
)

// Settler applies a confirmed order payment.
type Settler interface {
	SettlePayment(ctx context.Context, reference string, amountMinor int64) (fulfillment.Settlement, error)
}

// WalletCreditor credits wallets.
type WalletCreditor interface {
	Credit(ctx context.Context, userID ledger.UserID, amount ledger.AmountMinor, reference ledger.Reference, transactionType ledger.TransactionType, description string, metadata ledger.MetadataJSON) (ledger.Result, error)
}

// FailureRecorder keeps failures an operator must look at.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, failure fulfillment.FailureLog) error
}

// Result describes what a delivery did.
type Result struct {
	Event     string
	Reference string
	Outcome   string
	Order     *fulfillment.Order
	Balance   int64
}

// Processor verifies, classifies and dispatches gateway deliveries.
type Processor struct {
	secret   string
	settler  Settler
	wallet   WalletCreditor
	failures FailureRecorder
	logger   *zap.Logger
	now      func() time.Time
}

// Option customizes a Processor.
type Option func(*Processor)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(processor *Processor) {
		if logger != nil {
			processor.logger = logger
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(processor *Processor) {
		if now != nil {
			processor.now = now
		}
	}
}

// NewProcessor wires a Processor that trusts bodies signed with secret.
func NewProcessor(secret string, settler Settler, wallet WalletCreditor, failures FailureRecorder, options ...Option) (*Processor, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: webhook secret is required", fulfillment.ErrInvalidServiceConfig)
	}
	if settler == nil || wallet == nil || failures == nil {
		return nil, fmt.Errorf("%w: webhook processor dependency is nil", fulfillment.ErrInvalidServiceConfig)
	}
	processor := &Processor{
		secret:   secret,
		settler:  settler,
		wallet:   wallet,
		failures: failures,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		if option != nil {
			option(processor)
		}
	}
	return processor, nil
}

// Process handles one raw delivery. The signature is checked before the body is parsed.
func (processor *Processor) Process(ctx context.Context, body []byte, signature string) (Result, error) {
	if err := paystack.VerifySignature(processor.secret, body, signature); err != nil {
		processor.logger.Warn("webhook signature rejected", zap.Int("body_bytes", len(body)))
		return Result{}, ledger.WrapError("webhook", "signature", "verify", fmt.Errorf("%w: %v", ErrUnauthorized, err))
	}
	event, err := paystack.ParseEvent(body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	result := Result{Event: event.Event, Reference: strings.TrimSpace(event.Data.Reference)}
	logger := processor.logger.With(zap.String("event", event.Event), zap.String("reference", result.Reference))
	if event.Event != eventChargeSuccess {
		logger.Info("webhook event ignored")
		result.Outcome = OutcomeIgnored
		return result, nil
	}
	if result.Reference == "" || event.Data.Amount <= 0 {
		return Result{}, fmt.Errorf("%w: charge without reference or amount", ErrMalformedEvent)
	}
	if isWalletFunding(result.Reference, event.Data.Metadata) {
		return processor.fundWallet(ctx, logger, result, event)
	}
	return processor.settleOrder(ctx, logger, result, event)
}

func isWalletFunding(reference string, metadata paystack.EventMetadata) bool {
	return strings.HasPrefix(reference, fulfillment.WalletReferencePrefix) ||
		metadata.String(fulfillment.MetadataTypeKey) == fulfillment.MetadataTypeWalletFunding
}

func (processor *Processor) fundWallet(ctx context.Context, logger *zap.Logger, result Result, event paystack.Event) (Result, error) {
	userID, err := ledger.NewUserID(event.Data.Metadata.String(metadataUserID))
	if err != nil {
		// Redelivery cannot fix a charge that never carried its owner.
		logger.Error("wallet funding without user id", zap.Int64("amount", event.Data.Amount))
		failure := fulfillment.FailureLog{
			Action:       failureActionWalletFunding,
			ErrorMessage: "charge metadata has no user_id",
			Context:      map[string]any{"reference": result.Reference, "amount": event.Data.Amount},
			CreatedAt:    processor.now(),
		}
		if recordErr := processor.failures.RecordFailure(ctx, failure); recordErr != nil {
			return Result{}, recordErr
		}
		result.Outcome = OutcomeMissingUser
		return result, nil
	}
	amount, err := ledger.NewAmountMinor(event.Data.Amount)
	if err != nil {
		return Result{}, err
	}
	reference, err := ledger.NewReference(result.Reference)
	if err != nil {
		return Result{}, err
	}
	metadata, err := ledger.MetadataFromMap(map[string]any{
		"gateway":  "paystack",
		"currency": event.Data.Currency,
	})
	if err != nil {
		return Result{}, err
	}
	credited, err := processor.wallet.Credit(ctx, userID, amount, reference, ledger.TransactionDeposit, "wallet funding", metadata)
	if err != nil {
		return Result{}, err
	}
	result.Balance = credited.Balance
	result.Outcome = OutcomeWalletFunded
	if credited.Duplicate {
		result.Outcome = OutcomeWalletDuplicate
	}
	logger.Info("wallet funding applied", zap.String("user_id", userID.String()), zap.String("outcome", result.Outcome), zap.Int64("balance", credited.Balance))
	return result, nil
}

func (processor *Processor) settleOrder(ctx context.Context, logger *zap.Logger, result Result, event paystack.Event) (Result, error) {
	settlement, err := processor.settler.SettlePayment(ctx, result.Reference, event.Data.Amount)
	if err != nil {
		logger.Error("order settlement failed", zap.Error(err))
		return Result{}, err
	}
	result.Outcome = settlement.Outcome
	result.Order = &settlement.Order
	logger.Info("order payment applied", zap.String("order_id", settlement.Order.ID), zap.String("outcome", settlement.Outcome))
	return result, nil
}
