package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AmountMinor is a strictly positive amount in the currency's smallest unit.
type AmountMinor int64

// NewAmountMinor validates an amount and ensures it is strictly positive.
func NewAmountMinor(raw int64) (AmountMinor, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return AmountMinor(raw), nil
}

// Int64 returns the raw integer value.
func (amount AmountMinor) Int64() int64 {
	return int64(amount)
}

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// Reference is the caller-supplied idempotency key of a wallet movement.
type Reference struct {
	value string
}

// NewReference validates and normalizes a reference.
func NewReference(raw string) (Reference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reference{}, fmt.Errorf("%w: empty value", ErrInvalidReference)
	}
	return Reference{value: trimmed}, nil
}

// String returns the normalized reference.
func (reference Reference) String() string {
	return reference.value
}

// Derive returns "<reference>:<suffix>".
func (reference Reference) Derive(suffix string) (Reference, error) {
	return NewReference(reference.value + referenceDelimiter + suffix)
}

// MetadataJSON stores arbitrary movement metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap marshals a map into MetadataJSON.
func MetadataFromMap(values map[string]any) (MetadataJSON, error) {
	if len(values) == 0 {
		return NewMetadataJSON("")
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// TransactionType enumerates wallet movement kinds.
type TransactionType string

const (
	TransactionDeposit    TransactionType = "deposit"
	TransactionDebit      TransactionType = "debit"
	TransactionRefund     TransactionType = "refund"
	TransactionAdjustment TransactionType = "adjustment"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionDeposit, TransactionDebit, TransactionRefund, TransactionAdjustment:
		return TransactionType(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

func (transactionType TransactionType) credits() bool {
	return transactionType == TransactionDeposit || transactionType == TransactionRefund
}

// Wallet is the stored balance row of one user.
type Wallet struct {
	WalletID          string
	UserID            string
	BalanceMinorUnits int64
	LockedBalance     int64
	Currency          string
}

// Transaction is one immutable line of the wallet log.
type Transaction struct {
	TransactionID  string
	WalletID       string
	Amount         int64
	Type           TransactionType
	Reference      string
	Description    string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// TransactionInput is a movement about to be appended.
type TransactionInput struct {
	WalletID       string
	Amount         int64
	Type           TransactionType
	Reference      Reference
	Description    string
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// Result reports the wallet balance after a credit or debit.
// Duplicate is set when the reference had already been applied and nothing changed.
type Result struct {
	Balance   int64
	Duplicate bool
}

// ReconcileDetail describes one wallet whose stored balance drifted from its log.
type ReconcileDetail struct {
	WalletID       string
	UserID         string
	StoredBalance  int64
	LedgerSum      int64
	Delta          int64
	AdjustmentNote string
}

// ReconcileReport summarizes a reconcile pass.
type ReconcileReport struct {
	WalletsChecked int
	WalletsFixed   int
	Details        []ReconcileDetail
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// EnsureWallet returns the user's wallet, creating it with a zero balance when absent.
	EnsureWallet(ctx context.Context, userID UserID, currency string) (Wallet, error)
	FindWallet(ctx context.Context, userID UserID) (Wallet, bool, error)
	LockWallet(ctx context.Context, walletID string) (Wallet, error)
	ListWallets(ctx context.Context) ([]Wallet, error)
	// InsertTransaction appends a movement and reports false when the reference already exists.
	InsertTransaction(ctx context.Context, input TransactionInput) (bool, error)
	AddBalance(ctx context.Context, walletID string, delta int64) (int64, error)
	// DebitBalance decrements only when the balance covers the amount.
	DebitBalance(ctx context.Context, walletID string, amount int64) (bool, error)
	// SetBalance writes next only when the stored balance still equals expected.
	SetBalance(ctx context.Context, walletID string, expected int64, next int64) (bool, error)
	SumTransactions(ctx context.Context, walletID string) (int64, error)
	ListTransactions(ctx context.Context, walletID string, limit int) ([]Transaction, error)
}
