package ledger

import (
	"context"
	"errors"
	"fmt"
)

const defaultHistoryLimit = 50

// Service contains the wallet domain logic over a Store.
type Service struct {
	store    Store
	nowFn    func() int64
	logger   OperationLogger
	currency string
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, currency: defaultWalletCurrency}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the stored wallet, or a zero wallet when the user never funded one.
func (service *Service) Balance(ctx context.Context, userID UserID) (Wallet, error) {
	wallet, found, err := service.store.FindWallet(ctx, userID)
	if err != nil {
		return Wallet{}, err
	}
	if !found {
		return Wallet{UserID: userID.String(), Currency: service.currency}, nil
	}
	return wallet, nil
}

// ListTransactions returns the newest movements of the user's wallet.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	wallet, found, err := service.store.FindWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !found {
		return []Transaction{}, nil
	}
	return service.store.ListTransactions(ctx, wallet.WalletID, limit)
}

// Credit adds amount to the wallet. A reference that was already applied is a no-op
// reported through Result.Duplicate.
func (service *Service) Credit(ctx context.Context, userID UserID, amount AmountMinor, reference Reference, transactionType TransactionType, description string, metadata MetadataJSON) (Result, error) {
	var result Result
	operationError := service.validateMovement(amount, reference)
	if operationError == nil && !transactionType.credits() {
		operationError = fmt.Errorf("%w: %s", ErrInvalidCreditType, transactionType)
	}
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			wallet, err := transactionStore.EnsureWallet(ctx, userID, service.currency)
			if err != nil {
				return err
			}
			inserted, err := transactionStore.InsertTransaction(ctx, TransactionInput{
				WalletID:       wallet.WalletID,
				Amount:         amount.Int64(),
				Type:           transactionType,
				Reference:      reference,
				Description:    description,
				Metadata:       metadata,
				CreatedUnixUTC: service.nowFn(),
			})
			if err != nil {
				return err
			}
			if !inserted {
				result = Result{Balance: wallet.BalanceMinorUnits, Duplicate: true}
				return nil
			}
			balance, err := transactionStore.AddBalance(ctx, wallet.WalletID, amount.Int64())
			if err != nil {
				return err
			}
			result = Result{Balance: balance}
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		UserID:    userID,
		Type:      transactionType,
		Amount:    amount,
		Reference: reference,
		Balance:   result.Balance,
		Metadata:  metadata,
		Status:    statusFor(result, operationError),
		Error:     operationError,
	})
	if operationError != nil {
		return Result{}, operationError
	}
	return result, nil
}

// Debit removes amount from the wallet when the balance covers it. The balance check and
// the decrement are one conditional update; a decline leaves no transaction behind.
func (service *Service) Debit(ctx context.Context, userID UserID, amount AmountMinor, reference Reference, description string, metadata MetadataJSON) (Result, error) {
	var result Result
	operationError := service.validateMovement(amount, reference)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			wallet, err := transactionStore.EnsureWallet(ctx, userID, service.currency)
			if err != nil {
				return err
			}
			inserted, err := transactionStore.InsertTransaction(ctx, TransactionInput{
				WalletID:       wallet.WalletID,
				Amount:         -amount.Int64(),
				Type:           TransactionDebit,
				Reference:      reference,
				Description:    description,
				Metadata:       metadata,
				CreatedUnixUTC: service.nowFn(),
			})
			if err != nil {
				return err
			}
			if !inserted {
				result = Result{Balance: wallet.BalanceMinorUnits, Duplicate: true}
				return nil
			}
			applied, err := transactionStore.DebitBalance(ctx, wallet.WalletID, amount.Int64())
			if err != nil {
				return err
			}
			if !applied {
				return ErrInsufficientFunds
			}
			locked, err := transactionStore.LockWallet(ctx, wallet.WalletID)
			if err != nil {
				return err
			}
			result = Result{Balance: locked.BalanceMinorUnits}
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		UserID:    userID,
		Type:      TransactionDebit,
		Amount:    amount,
		Reference: reference,
		Balance:   result.Balance,
		Metadata:  metadata,
		Status:    statusFor(result, operationError),
		Error:     operationError,
	})
	if operationError != nil {
		return Result{}, operationError
	}
	return result, nil
}

func (service *Service) validateMovement(amount AmountMinor, reference Reference) error {
	if amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if reference.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidReference)
	}
	return nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func statusFor(result Result, err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return operationStatusDeclined
	case err != nil:
		return operationStatusError
	case result.Duplicate:
		return operationStatusDuplicate
	default:
		return operationStatusOK
	}
}
