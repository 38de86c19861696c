// Package metrics exposes the prometheus instruments of the payment and fulfillment flows.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/smsverify/pkg/fulfillment"
	"github.com/MarkoPoloResearchLab/smsverify/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const namespace = "smsverify"

const (
	resultOK    = "ok"
	resultError = "error"
)

// Metrics holds every collector, registered on one registry.
type Metrics struct {
	LedgerOperations  *prometheus.CounterVec
	LedgerAmountMinor *prometheus.CounterVec
	ProviderCalls     *prometheus.CounterVec
	ProviderLatency   *prometheus.HistogramVec
	WebhookDeliveries *prometheus.CounterVec
	SyncOutcomes      *prometheus.CounterVec
	RefundOutcomes    *prometheus.CounterVec
}

// New registers the collectors on registerer.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		LedgerOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Wallet ledger operations by operation, transaction type and status.",
		}, []string{"operation", "type", "status"}),
		LedgerAmountMinor: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "amount_minor_units_total",
			Help:      "Applied wallet movement amounts in minor units by transaction type.",
		}, []string{"type"}),
		ProviderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "SMS provider calls by call and result.",
		}, []string{"call", "result"}),
		ProviderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "SMS provider call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"call"}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Payment webhook deliveries by outcome.",
		}, []string{"outcome"}),
		SyncOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "orders_total",
			Help:      "Orders handled by status synchronization passes by outcome.",
		}, []string{"outcome"}),
		RefundOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refund",
			Name:      "debits_total",
			Help:      "Unverified debits handled by the refund workflow by outcome.",
		}, []string{"outcome"}),
	}
}

// ObserveWebhook counts one delivery.
func (metrics *Metrics) ObserveWebhook(outcome string) {
	metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()
}

// ObserveSync adds a synchronization report.
func (metrics *Metrics) ObserveSync(report fulfillment.SyncReport) {
	metrics.SyncOutcomes.WithLabelValues("code_recorded").Add(float64(report.CodesRecorded))
	metrics.SyncOutcomes.WithLabelValues("completed").Add(float64(report.Completed))
	metrics.SyncOutcomes.WithLabelValues("refunded").Add(float64(report.Refunded))
	metrics.SyncOutcomes.WithLabelValues("throttled").Add(float64(report.Throttled))
	metrics.SyncOutcomes.WithLabelValues("failed").Add(float64(report.Failed))
}

// ObserveRefunds adds a refund report.
func (metrics *Metrics) ObserveRefunds(report fulfillment.RefundReport) {
	metrics.RefundOutcomes.WithLabelValues("refunded").Add(float64(report.Refunded))
	metrics.RefundOutcomes.WithLabelValues("already_refunded").Add(float64(report.SkippedAlreadyRefunded))
	metrics.RefundOutcomes.WithLabelValues("in_flight").Add(float64(report.InFlight))
}

// OperationRecorder implements ledger.OperationLogger with zap and the ledger counters.
type OperationRecorder struct {
	logger  *zap.Logger
	metrics *Metrics
}

// NewOperationRecorder builds an OperationRecorder; metrics may be nil.
func NewOperationRecorder(logger *zap.Logger, metrics *Metrics) *OperationRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationRecorder{logger: logger, metrics: metrics}
}

// LogOperation records one ledger operation.
func (recorder *OperationRecorder) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("type", entry.Type.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.String("reference", entry.Reference.String()),
		zap.Int64("balance", entry.Balance),
		zap.String("status", entry.Status),
	}
	switch {
	case entry.Error != nil && !errors.Is(entry.Error, ledger.ErrInsufficientFunds):
		recorder.logger.Error("ledger operation failed", append(fields, zap.Error(entry.Error))...)
	case entry.Error != nil:
		recorder.logger.Info("ledger operation declined", fields...)
	default:
		recorder.logger.Info("ledger operation", fields...)
	}
	if recorder.metrics == nil {
		return
	}
	recorder.metrics.LedgerOperations.WithLabelValues(entry.Operation, entry.Type.String(), entry.Status).Inc()
	if entry.Error == nil && entry.Status == "ok" && entry.Amount > 0 {
		recorder.metrics.LedgerAmountMinor.WithLabelValues(entry.Type.String()).Add(float64(entry.Amount.Int64()))
	}
}

// Provider is an SMS provider that also lists prices.
type Provider interface {
	fulfillment.Provisioner
	fulfillment.PriceCatalog
}

// InstrumentedProvider counts and times every call of the wrapped provider.
type InstrumentedProvider struct {
	next    Provider
	metrics *Metrics
}

// InstrumentProvider wraps next.
func InstrumentProvider(next Provider, metrics *Metrics) *InstrumentedProvider {
	return &InstrumentedProvider{next: next, metrics: metrics}
}

func (provider *InstrumentedProvider) observe(call string, started time.Time, err error) {
	result := resultOK
	if err != nil {
		result = resultError
	}
	provider.metrics.ProviderCalls.WithLabelValues(call, result).Inc()
	provider.metrics.ProviderLatency.WithLabelValues(call).Observe(time.Since(started).Seconds())
}

// Buy implements fulfillment.Provisioner.
func (provider *InstrumentedProvider) Buy(ctx context.Context, request fulfillment.PurchaseRequest) (fulfillment.ProvisionedNumber, error) {
	started := time.Now()
	number, err := provider.next.Buy(ctx, request)
	provider.observe("buy", started, err)
	return number, err
}

// ActiveOrders implements fulfillment.Provisioner.
func (provider *InstrumentedProvider) ActiveOrders(ctx context.Context) ([]fulfillment.ActiveOrder, error) {
	started := time.Now()
	orders, err := provider.next.ActiveOrders(ctx)
	provider.observe("active_orders", started, err)
	return orders, err
}

// Check implements fulfillment.Provisioner.
func (provider *InstrumentedProvider) Check(ctx context.Context, providerOrderID string) (fulfillment.StatusCheck, error) {
	started := time.Now()
	check, err := provider.next.Check(ctx, providerOrderID)
	provider.observe("check", started, err)
	return check, err
}

// Pricing implements fulfillment.PriceCatalog.
func (provider *InstrumentedProvider) Pricing(ctx context.Context) ([]fulfillment.PriceListing, error) {
	started := time.Now()
	listings, err := provider.next.Pricing(ctx)
	provider.observe("pricing", started, err)
	return listings, err
}
