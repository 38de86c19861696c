package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/smsverify/pkg/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	orderReferencePrefix       = "SMS-"
	WalletReferencePrefix      = "WALLET-"
	MetadataTypeKey            = "type"
	MetadataTypeWalletFunding  = "wallet_funding"
	metadataTypeOrderPayment   = "order_payment"
	defaultOrderListLimit      = 50
	defaultMinimumFundingMinor = 100_00
)

// CheckoutConfig prices orders and bounds wallet funding.
type CheckoutConfig struct {
	// Markup multiplies the converted provider price.
	Markup              decimal.Decimal
	CallbackURL         string
	MinimumFundingMinor int64
}

// Quote is the NGN price of one service/country listing.
type Quote struct {
	Listing     PriceListing    `json:"listing"`
	RateNGN     decimal.Decimal `json:"rate_ngn"`
	TotalNGN    decimal.Decimal `json:"total_ngn"`
	AmountMinor int64           `json:"amount_minor_units"`
}

// BeginRequest starts an order.
type BeginRequest struct {
	UserID    string
	Email     string
	ServiceID string
	CountryID string
}

// BeginResult carries the pending order and where to pay for it.
type BeginResult struct {
	Order            Order
	AuthorizationURL string
	AccessCode       string
}

// FundRequest starts a wallet top-up.
type FundRequest struct {
	UserID      string
	Email       string
	AmountMinor int64
}

// Checkout creates orders and wallet top-ups on behalf of users.
type Checkout struct {
	store        Store
	catalog      PriceCatalog
	rates        RateSource
	gateway      ChargeInitializer
	wallet       WalletLedger
	orchestrator *Orchestrator
	config       CheckoutConfig
	settings
}

// NewCheckout wires a Checkout.
func NewCheckout(store Store, catalog PriceCatalog, rates RateSource, gateway ChargeInitializer, wallet WalletLedger, orchestrator *Orchestrator, config CheckoutConfig, options ...Option) (*Checkout, error) {
	if store == nil || catalog == nil || rates == nil || gateway == nil || wallet == nil || orchestrator == nil {
		return nil, fmt.Errorf("%w: checkout dependency is nil", ErrInvalidServiceConfig)
	}
	if config.Markup.LessThanOrEqual(decimal.Zero) {
		config.Markup = decimal.NewFromInt(1)
	}
	if config.MinimumFundingMinor <= 0 {
		config.MinimumFundingMinor = defaultMinimumFundingMinor
	}
	return &Checkout{
		store:        store,
		catalog:      catalog,
		rates:        rates,
		gateway:      gateway,
		wallet:       wallet,
		orchestrator: orchestrator,
		config:       config,
		settings:     newSettings(options),
	}, nil
}

// Pricing lists the provider catalog.
func (checkout *Checkout) Pricing(ctx context.Context) ([]PriceListing, error) {
	return checkout.catalog.Pricing(ctx)
}

// Quote prices a listing as provider USD price x USD->NGN rate x markup, rounded up to kobo.
func (checkout *Checkout) Quote(ctx context.Context, serviceID string, countryID string) (Quote, error) {
	listings, err := checkout.catalog.Pricing(ctx)
	if err != nil {
		return Quote{}, err
	}
	var (
		listing PriceListing
		found   bool
	)
	for _, candidate := range listings {
		if candidate.ServiceID == serviceID && candidate.CountryID == countryID {
			listing, found = candidate, true
			break
		}
	}
	if !found {
		return Quote{}, fmt.Errorf("%w: service %s country %s", ErrUnknownListing, serviceID, countryID)
	}
	rate, err := checkout.rates.USDToNGN(ctx)
	if err != nil {
		return Quote{}, err
	}
	total := listing.PriceUSD.Mul(rate).Mul(checkout.config.Markup).RoundCeil(2)
	return Quote{Listing: listing, RateNGN: rate, TotalNGN: total, AmountMinor: toMinorUnits(total)}, nil
}

// Begin creates a pending order and initializes its gateway charge.
func (checkout *Checkout) Begin(ctx context.Context, request BeginRequest) (BeginResult, error) {
	order, quote, err := checkout.createOrder(ctx, request, PaymentMethodGateway)
	if err != nil {
		return BeginResult{}, err
	}
	charge, err := checkout.gateway.InitializeCharge(ctx, ChargeRequest{
		Email:       request.Email,
		AmountMinor: quote.AmountMinor,
		Reference:   order.PaymentReference,
		CallbackURL: checkout.config.CallbackURL,
		Metadata: map[string]any{
			MetadataTypeKey:  metadataTypeOrderPayment,
			"order_id":       order.ID,
			"user_id":        order.UserID,
			"total_paid_ngn": order.Metadata.TotalPaidNGN,
		},
	})
	if err != nil {
		checkout.failPending(ctx, order.ID, fmt.Sprintf("charge initialization failed: %v", err))
		return BeginResult{}, err
	}
	checkout.logger.Info("order checkout started", zap.String("order_id", order.ID), zap.String("reference", order.PaymentReference))
	return BeginResult{Order: order, AuthorizationURL: charge.AuthorizationURL, AccessCode: charge.AccessCode}, nil
}

// PayWithWallet debits the order total from the user's wallet with the order's payment
// reference and provisions the number. A failed purchase parks the order for the refund
// workflow.
func (checkout *Checkout) PayWithWallet(ctx context.Context, request BeginRequest) (Settlement, error) {
	order, quote, err := checkout.createOrder(ctx, request, PaymentMethodWallet)
	if err != nil {
		return Settlement{}, err
	}
	userID, err := ledger.NewUserID(order.UserID)
	if err != nil {
		return Settlement{}, err
	}
	amount, err := ledger.NewAmountMinor(quote.AmountMinor)
	if err != nil {
		return Settlement{}, err
	}
	reference, err := ledger.NewReference(order.PaymentReference)
	if err != nil {
		return Settlement{}, err
	}
	metadata, err := ledger.MetadataFromMap(map[string]any{"order_id": order.ID, "service_id": request.ServiceID, "country_id": request.CountryID})
	if err != nil {
		return Settlement{}, err
	}
	if _, err := checkout.wallet.Debit(ctx, userID, amount, reference, "purchase "+order.Metadata.ServiceName, metadata); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			checkout.failPending(ctx, order.ID, err.Error())
		}
		return Settlement{}, err
	}
	paid, changed, err := checkout.orchestrator.markPaid(ctx, order.ID, "wallet_debited")
	if err != nil {
		return Settlement{}, err
	}
	if !changed {
		return Settlement{Outcome: OutcomeAlreadyProcessed, Order: paid}, nil
	}
	return checkout.orchestrator.provision(ctx, paid)
}

// FundWallet initializes a gateway charge that credits the wallet when confirmed.
func (checkout *Checkout) FundWallet(ctx context.Context, request FundRequest) (Charge, error) {
	if strings.TrimSpace(request.UserID) == "" {
		return Charge{}, fmt.Errorf("%w: empty user id", ErrInvalidOrder)
	}
	if request.AmountMinor < checkout.config.MinimumFundingMinor {
		return Charge{}, fmt.Errorf("%w: minimum is %d", ErrBelowMinimumFunding, checkout.config.MinimumFundingMinor)
	}
	reference := WalletReferencePrefix + uuid.NewString()
	charge, err := checkout.gateway.InitializeCharge(ctx, ChargeRequest{
		Email:       request.Email,
		AmountMinor: request.AmountMinor,
		Reference:   reference,
		CallbackURL: checkout.config.CallbackURL,
		Metadata: map[string]any{
			MetadataTypeKey: MetadataTypeWalletFunding,
			"user_id":       request.UserID,
		},
	})
	if err != nil {
		return Charge{}, err
	}
	if charge.Reference == "" {
		charge.Reference = reference
	}
	checkout.logger.Info("wallet funding started", zap.String("user_id", request.UserID), zap.String("reference", charge.Reference), zap.Int64("amount", request.AmountMinor))
	return charge, nil
}

// Cancel abandons a pending order of userID.
func (checkout *Checkout) Cancel(ctx context.Context, userID string, orderID string) (Order, error) {
	if _, _, err := checkout.OrderDetail(ctx, userID, orderID); err != nil {
		return Order{}, err
	}
	updated, _, err := mutateOrder(ctx, checkout.store, orderID, func(_ context.Context, _ Store, current *Order) error {
		if err := transition(current, StatusCancelled); err != nil {
			return err
		}
		appendLog(current, LogEntry{Event: "order_cancelled", At: checkout.now()})
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	checkout.publish(updated, EventOrderUpdated, nil)
	return updated, nil
}

// OrderDetail loads an order of userID with its verification when one exists.
func (checkout *Checkout) OrderDetail(ctx context.Context, userID string, orderID string) (Order, *Verification, error) {
	order, err := checkout.store.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, nil, err
	}
	if order.UserID != userID {
		return Order{}, nil, ErrNotOrderOwner
	}
	verification, found, err := checkout.store.GetVerification(ctx, orderID)
	if err != nil {
		return Order{}, nil, err
	}
	if !found {
		return order, nil, nil
	}
	return order, &verification, nil
}

// Orders lists the newest orders of userID.
func (checkout *Checkout) Orders(ctx context.Context, userID string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = defaultOrderListLimit
	}
	return checkout.store.ListOrders(ctx, userID, limit)
}

func (checkout *Checkout) createOrder(ctx context.Context, request BeginRequest, paymentMethod string) (Order, Quote, error) {
	if strings.TrimSpace(request.UserID) == "" {
		return Order{}, Quote{}, fmt.Errorf("%w: empty user id", ErrInvalidOrder)
	}
	quote, err := checkout.Quote(ctx, request.ServiceID, request.CountryID)
	if err != nil {
		return Order{}, Quote{}, err
	}
	now := checkout.now()
	order, err := checkout.store.CreateOrder(ctx, Order{
		UserID:           request.UserID,
		ServiceType:      quote.Listing.ServiceName,
		PriceUSD:         quote.Listing.PriceUSD.String(),
		PaymentReference: orderReferencePrefix + uuid.NewString(),
		Status:           StatusPending,
		Metadata: OrderMetadata{
			CountryID:     quote.Listing.CountryID,
			CountryName:   quote.Listing.CountryName,
			ServiceID:     quote.Listing.ServiceID,
			ServiceName:   quote.Listing.ServiceName,
			TotalPaidNGN:  quote.TotalNGN.StringFixed(2),
			ExchangeRate:  quote.RateNGN.String(),
			PaymentMethod: paymentMethod,
			Logs:          []LogEntry{{Event: "order_created", Message: paymentMethod, At: now}},
		},
	})
	if err != nil {
		return Order{}, Quote{}, err
	}
	return order, quote, nil
}

func (checkout *Checkout) failPending(ctx context.Context, orderID string, reason string) {
	updated, changed, err := mutateOrder(ctx, checkout.store, orderID, func(_ context.Context, _ Store, current *Order) error {
		if current.Status != StatusPending {
			return errNoChange
		}
		current.Status = StatusFailed
		current.Metadata.PaymentError = reason
		appendLog(current, LogEntry{Event: "payment_failed", Message: reason, At: checkout.now()})
		return nil
	})
	if err != nil {
		checkout.logger.Warn("mark order failed", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	if changed {
		checkout.publish(updated, EventOrderUpdated, nil)
	}
}
