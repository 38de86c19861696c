package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet represents the wallets table.
type Wallet struct {
	WalletID          string    `gorm:"type:uuid;primaryKey"`
	UserID            string    `gorm:"not null;uniqueIndex:uniq_wallets_user"`
	BalanceMinorUnits int64     `gorm:"not null;default:0"`
	LockedBalance     int64     `gorm:"not null;default:0"`
	Currency          string    `gorm:"not null;default:'NGN'"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

func (wallet *Wallet) BeforeCreate(tx *gorm.DB) error {
	if wallet.WalletID == "" {
		wallet.WalletID = uuid.NewString()
	}
	return nil
}

// WalletTransaction mirrors the append-only wallet_transactions table.
type WalletTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	WalletID      string         `gorm:"type:uuid;not null;index:idx_wallet_transactions_wallet_created,priority:1"`
	Amount        int64          `gorm:"not null"`
	Type          string         `gorm:"not null;index"`
	Reference     string         `gorm:"not null;uniqueIndex:uniq_wallet_transactions_reference"`
	Description   string         `gorm:"not null"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_wallet_transactions_wallet_created,priority:2"`
}

func (WalletTransaction) TableName() string { return "wallet_transactions" }

func (transaction *WalletTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Order mirrors the orders table.
type Order struct {
	ID               string         `gorm:"type:uuid;primaryKey"`
	UserID           string         `gorm:"not null;index:idx_orders_user_created,priority:1"`
	ServiceType      string         `gorm:"not null"`
	PriceUSD         string         `gorm:"column:price_usd;not null"`
	PaymentReference string         `gorm:"not null;uniqueIndex:uniq_orders_payment_reference"`
	PaymentStatus    string         `gorm:"not null;index"`
	RequestID        *string        `gorm:"index"`
	SMSCode          string         `gorm:"column:sms_code;not null"`
	Metadata         datatypes.JSON `gorm:"not null"`
	Version          int64          `gorm:"not null;default:0"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_orders_user_created,priority:2"`
	UpdatedAt        time.Time      `gorm:"not null"`
}

func (Order) TableName() string { return "orders" }

func (order *Order) BeforeCreate(tx *gorm.DB) error {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	return nil
}

// Verification mirrors the verifications table.
type Verification struct {
	ID               string     `gorm:"type:uuid;primaryKey"`
	OrderID          string     `gorm:"type:uuid;not null;uniqueIndex:uniq_verifications_order"`
	UserID           string     `gorm:"not null;index"`
	ServiceName      string     `gorm:"not null"`
	SMSPoolServiceID string     `gorm:"column:smspool_service_id;not null"`
	CountryName      string     `gorm:"not null"`
	SMSPoolCountryID string     `gorm:"column:smspool_country_id;not null"`
	SMSPoolOrderID   string     `gorm:"column:smspool_order_id;not null"`
	PhoneNumber      string     `gorm:"not null"`
	OTPCode          string     `gorm:"column:otp_code;not null"`
	FullSMS          string     `gorm:"column:full_sms;not null"`
	ReceivedAt       *time.Time `gorm:""`
	CreatedAt        time.Time  `gorm:"not null"`
}

func (Verification) TableName() string { return "verifications" }

func (verification *Verification) BeforeCreate(tx *gorm.DB) error {
	if verification.ID == "" {
		verification.ID = uuid.NewString()
	}
	return nil
}

// FailureLog mirrors the failure_logs table.
type FailureLog struct {
	ID           string         `gorm:"type:uuid;primaryKey"`
	Action       string         `gorm:"not null;index"`
	ErrorMessage string         `gorm:"not null"`
	Context      datatypes.JSON `gorm:"not null"`
	CreatedAt    time.Time      `gorm:"not null"`
}

func (FailureLog) TableName() string { return "failure_logs" }

func (failure *FailureLog) BeforeCreate(tx *gorm.DB) error {
	if failure.ID == "" {
		failure.ID = uuid.NewString()
	}
	return nil
}

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&Wallet{}, &WalletTransaction{}, &Order{}, &Verification{}, &FailureLog{}}
}
