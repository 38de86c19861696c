package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OTPPending marks a verification whose SMS has not arrived yet.
const OTPPending = "PENDING"

const (
	PaymentMethodGateway = "gateway"
	PaymentMethodWallet  = "wallet"
)

// Order is one purchase of a temporary number.
type Order struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	ServiceType      string        `json:"service_type"`
	PriceUSD         string        `json:"price_usd"`
	PaymentReference string        `json:"payment_reference"`
	Status           OrderStatus   `json:"payment_status"`
	RequestID        string        `json:"request_id,omitempty"`
	SMSCode          string        `json:"sms_code,omitempty"`
	Metadata         OrderMetadata `json:"metadata"`
	Version          int64         `json:"version"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// OrderMetadata is the JSON document stored alongside an order.
type OrderMetadata struct {
	CountryID       string          `json:"country_id,omitempty"`
	CountryName     string          `json:"country_name,omitempty"`
	ServiceID       string          `json:"service_id,omitempty"`
	ServiceName     string          `json:"service_name,omitempty"`
	TotalPaidNGN    string          `json:"total_paid_ngn,omitempty"`
	ExchangeRate    string          `json:"exchange_rate,omitempty"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	PhoneNumber     string          `json:"phone_number,omitempty"`
	ProviderPayload json.RawMessage `json:"provider_payload,omitempty"`
	Logs            []LogEntry      `json:"logs,omitempty"`
	StatusCheckedAt *time.Time      `json:"status_checked_at,omitempty"`
	PaymentError    string          `json:"payment_error,omitempty"`
}

// LogEntry is one line of an order's history.
type LogEntry struct {
	Event   string    `json:"event"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// ExpectedAmountMinor converts total_paid_ngn into kobo.
func (metadata OrderMetadata) ExpectedAmountMinor() (int64, error) {
	total, err := decimal.NewFromString(metadata.TotalPaidNGN)
	if err != nil {
		return 0, fmt.Errorf("%w: total_paid_ngn %q", ErrInvalidOrder, metadata.TotalPaidNGN)
	}
	return toMinorUnits(total), nil
}

// HasCode reports whether code was already recorded in the history.
func (metadata OrderMetadata) HasCode(code string) bool {
	for _, entry := range metadata.Logs {
		if entry.Code == code {
			return true
		}
	}
	return false
}

// Verification holds the provisioned number and the received code of an order.
type Verification struct {
	OrderID         string     `json:"order_id"`
	UserID          string     `json:"user_id"`
	ServiceName     string     `json:"service_name"`
	ProviderService string     `json:"smspool_service_id"`
	CountryName     string     `json:"country_name"`
	ProviderCountry string     `json:"smspool_country_id"`
	ProviderOrderID string     `json:"smspool_order_id"`
	PhoneNumber     string     `json:"phone_number"`
	OTPCode         string     `json:"otp_code"`
	FullSMS         string     `json:"full_sms,omitempty"`
	ReceivedAt      *time.Time `json:"received_at,omitempty"`
}

// FailureLog records a failure that needs an operator.
type FailureLog struct {
	Action       string
	ErrorMessage string
	Context      map[string]any
	CreatedAt    time.Time
}

// UnverifiedDebit is a wallet debit whose order never produced a verification.
type UnverifiedDebit struct {
	Reference      string
	UserID         string
	AmountMinor    int64
	CreatedAt      time.Time
	OrderID        string
	OrderStatus    OrderStatus
	RefundRecorded bool
}

// Store is the persistence contract of orders, verifications and failure logs.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// CreateOrder fails with ErrDuplicatePaymentReference when the reference is taken.
	CreateOrder(ctx context.Context, order Order) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	GetOrderByReference(ctx context.Context, reference string) (Order, error)
	LockOrder(ctx context.Context, orderID string) (Order, error)
	// UpdateOrder writes next only when the row still carries previous's version and status.
	UpdateOrder(ctx context.Context, previous Order, next Order) (bool, error)
	ListOrders(ctx context.Context, userID string, limit int) ([]Order, error)
	// ListSyncCandidates returns paid or active orders with a provider request id; an empty
	// userID means every user.
	ListSyncCandidates(ctx context.Context, userID string) ([]Order, error)
	// CreateVerification reports false when the order already has one.
	CreateVerification(ctx context.Context, verification Verification) (bool, error)
	GetVerification(ctx context.Context, orderID string) (Verification, bool, error)
	RecordCode(ctx context.Context, orderID string, code string, fullSMS string, receivedAt time.Time) error
	RecordFailure(ctx context.Context, failure FailureLog) error
	ListUnverifiedDebits(ctx context.Context, userID string) ([]UnverifiedDebit, error)
}

// PurchaseRequest asks the provider for a number.
type PurchaseRequest struct {
	CountryID string
	ServiceID string
}

// ProvisionedNumber is the provider's answer to a purchase.
type ProvisionedNumber struct {
	ProviderOrderID string
	PhoneNumber     string
	Raw             json.RawMessage
}

// ActiveOrder is one entry of the provider's active list.
type ActiveOrder struct {
	ProviderOrderID string
	SMS             string
	FullSMS         string
	RawStatus       string
}

// StatusCheck is the provider's answer for a single order.
type StatusCheck struct {
	Status    ProviderStatus
	RawStatus string
	SMS       string
	FullSMS   string
}

// Provisioner is the SMS provider.
type Provisioner interface {
	Buy(ctx context.Context, request PurchaseRequest) (ProvisionedNumber, error)
	ActiveOrders(ctx context.Context) ([]ActiveOrder, error)
	Check(ctx context.Context, providerOrderID string) (StatusCheck, error)
}

// PriceListing is one service/country price offered by the provider.
type PriceListing struct {
	ServiceID   string          `json:"service_id"`
	ServiceName string          `json:"service_name"`
	CountryID   string          `json:"country_id"`
	CountryName string          `json:"country_name"`
	PriceUSD    decimal.Decimal `json:"price_usd"`
}

// PriceCatalog lists provider prices.
type PriceCatalog interface {
	Pricing(ctx context.Context) ([]PriceListing, error)
}

// RateSource yields the NGN value of one USD.
type RateSource interface {
	USDToNGN(ctx context.Context) (decimal.Decimal, error)
}

// ChargeRequest initializes a gateway charge.
type ChargeRequest struct {
	Email       string
	AmountMinor int64
	Reference   string
	Metadata    map[string]any
	CallbackURL string
}

// Charge is an initialized gateway charge.
type Charge struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

// ChargeInitializer is the payment gateway.
type ChargeInitializer interface {
	InitializeCharge(ctx context.Context, request ChargeRequest) (Charge, error)
}

// Change event types.
const (
	EventOrderUpdated = "order.updated"
	EventCodeReceived = "order.code_received"
)

// ChangeEvent is pushed to subscribers of the order's owner.
type ChangeEvent struct {
	Type         string        `json:"type"`
	Order        Order         `json:"order"`
	Verification *Verification `json:"verification,omitempty"`
}

// ChangePublisher receives committed order changes.
type ChangePublisher interface {
	Publish(userID string, event ChangeEvent)
}

func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Ceil().IntPart()
}
