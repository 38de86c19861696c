package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/smsverify/pkg/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	errorSubjectWallet    = "wallet"
	errorSubjectBalance   = "balance"
	errorSubjectEntry     = "transaction"
	errorCodeEnsure       = "ensure"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLock         = "lock"
	errorCodeSum          = "sum"
	errorCodeUpdate       = "update"
	columnBalance         = "balance_minor_units"
	balanceAfterDelta     = "balance_minor_units + ?"
	balanceAfterDebit     = "balance_minor_units - ?"
	lockingStrengthUpdate = "UPDATE"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// EnsureWallet inserts the wallet when missing, ignoring the conflict of a concurrent insert.
func (store *Store) EnsureWallet(ctx context.Context, userID ledger.UserID, currency string) (ledger.Wallet, error) {
	candidate := Wallet{UserID: userID.String(), Currency: currency}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&candidate).Error
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeEnsure, err)
	}
	var wallet Wallet
	if err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&wallet).Error; err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeEnsure, err)
	}
	return mapWallet(wallet), nil
}

func (store *Store) FindWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, bool, error) {
	var wallet Wallet
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Wallet{}, false, nil
	}
	if err != nil {
		return ledger.Wallet{}, false, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return mapWallet(wallet), true, nil
}

func (store *Store) LockWallet(ctx context.Context, walletID string) (ledger.Wallet, error) {
	var wallet Wallet
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: lockingStrengthUpdate}).
		Where("wallet_id = ?", walletID).
		Take(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLock, ledger.ErrUnknownWallet)
	}
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLock, err)
	}
	return mapWallet(wallet), nil
}

func (store *Store) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	var rows []Wallet
	if err := store.db.WithContext(ctx).Order("wallet_id").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	wallets := make([]ledger.Wallet, 0, len(rows))
	for _, row := range rows {
		wallets = append(wallets, mapWallet(row))
	}
	return wallets, nil
}

// InsertTransaction appends a movement; ON CONFLICT(reference) DO NOTHING turns a repeated
// reference into zero affected rows instead of an aborted transaction.
func (store *Store) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (bool, error) {
	row := WalletTransaction{
		WalletID:    input.WalletID,
		Amount:      input.Amount,
		Type:        input.Type.String(),
		Reference:   input.Reference.String(),
		Description: input.Description,
		Metadata:    datatypesJSON(input.Metadata.String()),
		CreatedAt:   time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if input.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "reference"}}, DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		if isUniqueViolation(result.Error, "") {
			return false, nil
		}
		return false, wrapStoreError(errorSubjectEntry, errorCodeInsert, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) AddBalance(ctx context.Context, walletID string, delta int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("wallet_id = ?", walletID).
		Update(columnBalance, gorm.Expr(balanceAfterDelta, delta))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrUnknownWallet)
	}
	wallet, err := store.LockWallet(ctx, walletID)
	if err != nil {
		return 0, err
	}
	return wallet.BalanceMinorUnits, nil
}

// DebitBalance is a single conditional update; zero affected rows means the balance did not
// cover the amount.
func (store *Store) DebitBalance(ctx context.Context, walletID string, amount int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("wallet_id = ? AND balance_minor_units >= ?", walletID, amount).
		Update(columnBalance, gorm.Expr(balanceAfterDebit, amount))
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) SetBalance(ctx context.Context, walletID string, expected int64, next int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("wallet_id = ? AND balance_minor_units = ?", walletID, expected).
		Update(columnBalance, next)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) SumTransactions(ctx context.Context, walletID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&WalletTransaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("wallet_id = ?", walletID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) ListTransactions(ctx context.Context, walletID string, limit int) ([]ledger.Transaction, error) {
	var rows []WalletTransaction
	err := store.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("created_at DESC").
		Order("transaction_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transactionType, err := ledger.ParseTransactionType(row.Type)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		transactions = append(transactions, ledger.Transaction{
			TransactionID:  row.TransactionID,
			WalletID:       row.WalletID,
			Amount:         row.Amount,
			Type:           transactionType,
			Reference:      row.Reference,
			Description:    row.Description,
			MetadataJSON:   string(row.Metadata),
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return transactions, nil
}

type sqlSum struct {
	Total int64
}

func mapWallet(row Wallet) ledger.Wallet {
	return ledger.Wallet{
		WalletID:          row.WalletID,
		UserID:            row.UserID,
		BalanceMinorUnits: row.BalanceMinorUnits,
		LockedBalance:     row.LockedBalance,
		Currency:          row.Currency,
	}
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}
