package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// ReconcileUser recomputes one user's balance from the transaction log.
func (service *Service) ReconcileUser(ctx context.Context, userID UserID) (ReconcileReport, error) {
	wallet, found, err := service.store.FindWallet(ctx, userID)
	if err != nil {
		return ReconcileReport{}, err
	}
	if !found {
		return ReconcileReport{Details: []ReconcileDetail{}}, nil
	}
	return service.reconcileWallets(ctx, []Wallet{wallet})
}

// ReconcileAll recomputes every wallet's balance from the transaction log.
func (service *Service) ReconcileAll(ctx context.Context) (ReconcileReport, error) {
	wallets, err := service.store.ListWallets(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}
	return service.reconcileWallets(ctx, wallets)
}

// The log is authoritative: a drifted balance is overwritten with the log sum and a zero-amount
// adjustment marker records the correction, so the invariant holds and a second pass is a no-op.
func (service *Service) reconcileWallets(ctx context.Context, wallets []Wallet) (ReconcileReport, error) {
	report := ReconcileReport{Details: []ReconcileDetail{}}
	for _, candidate := range wallets {
		var detail *ReconcileDetail
		operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			wallet, err := transactionStore.LockWallet(ctx, candidate.WalletID)
			if err != nil {
				return err
			}
			ledgerSum, err := transactionStore.SumTransactions(ctx, wallet.WalletID)
			if err != nil {
				return err
			}
			if ledgerSum == wallet.BalanceMinorUnits {
				return nil
			}
			delta := ledgerSum - wallet.BalanceMinorUnits
			reference, err := adjustmentReference(wallet.WalletID, wallet.BalanceMinorUnits, ledgerSum)
			if err != nil {
				return err
			}
			metadata, err := MetadataFromMap(map[string]any{
				"previous_balance":   wallet.BalanceMinorUnits,
				"recomputed_balance": ledgerSum,
				"delta":              delta,
			})
			if err != nil {
				return err
			}
			note := fmt.Sprintf("balance corrected from %d to %d", wallet.BalanceMinorUnits, ledgerSum)
			if _, err := transactionStore.InsertTransaction(ctx, TransactionInput{
				WalletID:       wallet.WalletID,
				Amount:         0,
				Type:           TransactionAdjustment,
				Reference:      reference,
				Description:    note,
				Metadata:       metadata,
				CreatedUnixUTC: service.nowFn(),
			}); err != nil {
				return err
			}
			applied, err := transactionStore.SetBalance(ctx, wallet.WalletID, wallet.BalanceMinorUnits, ledgerSum)
			if err != nil {
				return err
			}
			if !applied {
				return WrapError("service", "reconcile", "set_balance", ErrConcurrentUpdate)
			}
			detail = &ReconcileDetail{
				WalletID:       wallet.WalletID,
				UserID:         wallet.UserID,
				StoredBalance:  wallet.BalanceMinorUnits,
				LedgerSum:      ledgerSum,
				Delta:          delta,
				AdjustmentNote: note,
			}
			return nil
		})
		userID, _ := NewUserID(candidate.UserID)
		status := operationStatusOK
		if detail != nil {
			status = "fixed"
		}
		service.logOperation(ctx, OperationLog{
			Operation: operationReconcile,
			UserID:    userID,
			Type:      TransactionAdjustment,
			Status:    statusOrError(status, operationError),
			Error:     operationError,
		})
		if operationError != nil {
			return report, operationError
		}
		report.WalletsChecked++
		if detail != nil {
			report.WalletsFixed++
			report.Details = append(report.Details, *detail)
		}
	}
	return report, nil
}

func adjustmentReference(walletID string, storedBalance int64, ledgerSum int64) (Reference, error) {
	return NewReference(strings.Join([]string{
		adjustmentRefPrefix,
		walletID,
		strconv.FormatInt(storedBalance, 10),
		strconv.FormatInt(ledgerSum, 10),
	}, referenceDelimiter))
}

func statusOrError(status string, err error) string {
	if err != nil {
		return operationStatusError
	}
	return status
}
