package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/smsverify/pkg/fulfillment"
	"github.com/MarkoPoloResearchLab/smsverify/pkg/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintOrderPaymentReference = "uniq_orders_payment_reference"
	errorSubjectOrder               = "order"
	errorSubjectVerification        = "verification"
	errorSubjectFailure             = "failure_log"
	errorSubjectDebit               = "debit"
	errorCodeCreate                 = "create"
	errorCodeDuplicate              = "duplicate"
	errorCodeEncode                 = "encode"
	refundReferenceSuffix           = ":refund"
)

// OrderStore implements fulfillment.Store using GORM.
type OrderStore struct {
	db *gorm.DB
}

// NewOrderStore returns an OrderStore backed by gorm.DB.
func NewOrderStore(db *gorm.DB) *OrderStore {
	return &OrderStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *OrderStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore fulfillment.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &OrderStore{db: transaction})
	})
}

func (store *OrderStore) CreateOrder(ctx context.Context, order fulfillment.Order) (fulfillment.Order, error) {
	row, err := orderRow(order)
	if err != nil {
		return fulfillment.Order{}, wrapStoreError(errorSubjectOrder, errorCodeEncode, err)
	}
	row.Version = 0
	err = store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintOrderPaymentReference) {
		return fulfillment.Order{}, wrapStoreError(errorSubjectOrder, errorCodeDuplicate, fulfillment.ErrDuplicatePaymentReference)
	}
	if err != nil {
		return fulfillment.Order{}, wrapStoreError(errorSubjectOrder, errorCodeCreate, err)
	}
	return mapOrder(row)
}

func (store *OrderStore) GetOrder(ctx context.Context, orderID string) (fulfillment.Order, error) {
	return store.findOrder(store.db.WithContext(ctx).Where("id = ?", orderID), errorCodeGet)
}

func (store *OrderStore) GetOrderByReference(ctx context.Context, reference string) (fulfillment.Order, error) {
	return store.findOrder(store.db.WithContext(ctx).Where("payment_reference = ?", reference), errorCodeGet)
}

func (store *OrderStore) LockOrder(ctx context.Context, orderID string) (fulfillment.Order, error) {
	query := store.db.WithContext(ctx).Clauses(clause.Locking{Strength: lockingStrengthUpdate}).Where("id = ?", orderID)
	return store.findOrder(query, errorCodeLock)
}

func (store *OrderStore) findOrder(query *gorm.DB, code string) (fulfillment.Order, error) {
	var row Order
	err := query.Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fulfillment.Order{}, wrapStoreError(errorSubjectOrder, code, fulfillment.ErrOrderNotFound)
	}
	if err != nil {
		return fulfillment.Order{}, wrapStoreError(errorSubjectOrder, code, err)
	}
	order, err := mapOrder(row)
	if err != nil {
		return fulfillment.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	return order, nil
}

// UpdateOrder is guarded by version and status, so a writer that read a stale row changes
// nothing and reports false.
func (store *OrderStore) UpdateOrder(ctx context.Context, previous fulfillment.Order, next fulfillment.Order) (bool, error) {
	metadata, err := json.Marshal(next.Metadata)
	if err != nil {
		return false, wrapStoreError(errorSubjectOrder, errorCodeEncode, err)
	}
	result := store.db.WithContext(ctx).
		Model(&Order{}).
		Where("id = ? AND version = ? AND payment_status = ?", previous.ID, previous.Version, previous.Status.String()).
		Updates(map[string]any{
			"payment_status": next.Status.String(),
			"request_id":     nullableString(next.RequestID),
			"sms_code":       next.SMSCode,
			"metadata":       datatypes.JSON(metadata),
			"version":        gorm.Expr("version + 1"),
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectOrder, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *OrderStore) ListOrders(ctx context.Context, userID string, limit int) ([]fulfillment.Order, error) {
	var rows []Order
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectOrder, errorCodeList, err)
	}
	return mapOrders(rows)
}

func (store *OrderStore) ListSyncCandidates(ctx context.Context, userID string) ([]fulfillment.Order, error) {
	query := store.db.WithContext(ctx).
		Where("request_id IS NOT NULL AND request_id <> ''").
		Where("payment_status IN ?", []string{fulfillment.StatusPaid.String(), fulfillment.StatusActive.String()})
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	var rows []Order
	if err := query.Order("created_at").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectOrder, errorCodeList, err)
	}
	return mapOrders(rows)
}

// CreateVerification relies on the unique order_id index; a second insert is ignored.
func (store *OrderStore) CreateVerification(ctx context.Context, verification fulfillment.Verification) (bool, error) {
	row := Verification{
		OrderID:          verification.OrderID,
		UserID:           verification.UserID,
		ServiceName:      verification.ServiceName,
		SMSPoolServiceID: verification.ProviderService,
		CountryName:      verification.CountryName,
		SMSPoolCountryID: verification.ProviderCountry,
		SMSPoolOrderID:   verification.ProviderOrderID,
		PhoneNumber:      verification.PhoneNumber,
		OTPCode:          verification.OTPCode,
		FullSMS:          verification.FullSMS,
		ReceivedAt:       verification.ReceivedAt,
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "order_id"}}, DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectVerification, errorCodeCreate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *OrderStore) GetVerification(ctx context.Context, orderID string) (fulfillment.Verification, bool, error) {
	var row Verification
	err := store.db.WithContext(ctx).Where("order_id = ?", orderID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fulfillment.Verification{}, false, nil
	}
	if err != nil {
		return fulfillment.Verification{}, false, wrapStoreError(errorSubjectVerification, errorCodeGet, err)
	}
	return fulfillment.Verification{
		OrderID:         row.OrderID,
		UserID:          row.UserID,
		ServiceName:     row.ServiceName,
		ProviderService: row.SMSPoolServiceID,
		CountryName:     row.CountryName,
		ProviderCountry: row.SMSPoolCountryID,
		ProviderOrderID: row.SMSPoolOrderID,
		PhoneNumber:     row.PhoneNumber,
		OTPCode:         row.OTPCode,
		FullSMS:         row.FullSMS,
		ReceivedAt:      row.ReceivedAt,
	}, true, nil
}

func (store *OrderStore) RecordCode(ctx context.Context, orderID string, code string, fullSMS string, receivedAt time.Time) error {
	received := receivedAt.UTC()
	result := store.db.WithContext(ctx).
		Model(&Verification{}).
		Where("order_id = ?", orderID).
		Updates(map[string]any{"otp_code": code, "full_sms": fullSMS, "received_at": &received})
	if result.Error != nil {
		return wrapStoreError(errorSubjectVerification, errorCodeUpdate, result.Error)
	}
	return nil
}

func (store *OrderStore) RecordFailure(ctx context.Context, failure fulfillment.FailureLog) error {
	encoded, err := json.Marshal(failure.Context)
	if err != nil {
		return wrapStoreError(errorSubjectFailure, errorCodeEncode, err)
	}
	row := FailureLog{
		Action:       failure.Action,
		ErrorMessage: failure.ErrorMessage,
		Context:      datatypes.JSON(encoded),
		CreatedAt:    failure.CreatedAt.UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectFailure, errorCodeCreate, err)
	}
	return nil
}

type unverifiedDebitRow struct {
	Reference      string
	UserID         string
	Amount         int64
	CreatedAt      time.Time
	OrderID        *string
	OrderStatus    *string
	RefundRecorded bool
}

// ListUnverifiedDebits joins debits to orders by payment reference and keeps the ones whose
// order has no verification row.
func (store *OrderStore) ListUnverifiedDebits(ctx context.Context, userID string) ([]fulfillment.UnverifiedDebit, error) {
	query := store.db.WithContext(ctx).
		Table("wallet_transactions AS t").
		Select(`t.reference AS reference, w.user_id AS user_id, t.amount AS amount, t.created_at AS created_at,
			o.id AS order_id, o.payment_status AS order_status,
			EXISTS (SELECT 1 FROM wallet_transactions r WHERE r.reference = t.reference || ?) AS refund_recorded`, refundReferenceSuffix).
		Joins("JOIN wallets w ON w.wallet_id = t.wallet_id").
		Joins("LEFT JOIN orders o ON o.payment_reference = t.reference").
		Joins("LEFT JOIN verifications v ON v.order_id = o.id").
		Where("t.type = ? AND v.order_id IS NULL", ledger.TransactionDebit.String())
	if userID != "" {
		query = query.Where("w.user_id = ?", userID)
	}
	var rows []unverifiedDebitRow
	if err := query.Order("t.created_at").Scan(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectDebit, errorCodeList, err)
	}
	debits := make([]fulfillment.UnverifiedDebit, 0, len(rows))
	for _, row := range rows {
		debit := fulfillment.UnverifiedDebit{
			Reference:      row.Reference,
			UserID:         row.UserID,
			AmountMinor:    -row.Amount,
			CreatedAt:      row.CreatedAt,
			RefundRecorded: row.RefundRecorded,
		}
		if row.OrderID != nil {
			debit.OrderID = *row.OrderID
		}
		if row.OrderStatus != nil {
			status, err := fulfillment.ParseOrderStatus(*row.OrderStatus)
			if err != nil {
				return nil, wrapStoreError(errorSubjectDebit, errorCodeInvalid, err)
			}
			debit.OrderStatus = status
		}
		debits = append(debits, debit)
	}
	return debits, nil
}

func orderRow(order fulfillment.Order) (Order, error) {
	metadata, err := json.Marshal(order.Metadata)
	if err != nil {
		return Order{}, err
	}
	return Order{
		ID:               order.ID,
		UserID:           order.UserID,
		ServiceType:      order.ServiceType,
		PriceUSD:         order.PriceUSD,
		PaymentReference: order.PaymentReference,
		PaymentStatus:    order.Status.String(),
		RequestID:        nullableString(order.RequestID),
		SMSCode:          order.SMSCode,
		Metadata:         datatypes.JSON(metadata),
		Version:          order.Version,
	}, nil
}

func mapOrder(row Order) (fulfillment.Order, error) {
	status, err := fulfillment.ParseOrderStatus(row.PaymentStatus)
	if err != nil {
		return fulfillment.Order{}, err
	}
	var metadata fulfillment.OrderMetadata
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
			return fulfillment.Order{}, fmt.Errorf("%w: metadata: %v", fulfillment.ErrInvalidOrder, err)
		}
	}
	order := fulfillment.Order{
		ID:               row.ID,
		UserID:           row.UserID,
		ServiceType:      row.ServiceType,
		PriceUSD:         row.PriceUSD,
		PaymentReference: row.PaymentReference,
		Status:           status,
		SMSCode:          row.SMSCode,
		Metadata:         metadata,
		Version:          row.Version,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if row.RequestID != nil {
		order.RequestID = *row.RequestID
	}
	return order, nil
}

func mapOrders(rows []Order) ([]fulfillment.Order, error) {
	orders := make([]fulfillment.Order, 0, len(rows))
	for _, row := range rows {
		order, err := mapOrder(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
