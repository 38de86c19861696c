package httpapi

import (
	"encoding/json"

	"github.com/MarkoPoloResearchLab/smsverify/pkg/ledger"
)

type walletPayload struct {
	WalletID          string               `json:"wallet_id,omitempty"`
	BalanceMinorUnits int64                `json:"balance_minor_units"`
	Currency          string               `json:"currency"`
	Transactions      []transactionPayload `json:"transactions"`
}

type transactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	Type           string          `json:"type"`
	Amount         int64           `json:"amount_minor_units"`
	Reference      string          `json:"reference"`
	Description    string          `json:"description,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func newWalletPayload(wallet ledger.Wallet, transactions []ledger.Transaction) walletPayload {
	payload := walletPayload{
		WalletID:          wallet.WalletID,
		BalanceMinorUnits: wallet.BalanceMinorUnits,
		Currency:          wallet.Currency,
		Transactions:      make([]transactionPayload, 0, len(transactions)),
	}
	for _, transaction := range transactions {
		metadata := json.RawMessage(transaction.MetadataJSON)
		if !json.Valid(metadata) {
			metadata = json.RawMessage("{}")
		}
		payload.Transactions = append(payload.Transactions, transactionPayload{
			TransactionID:  transaction.TransactionID,
			Type:           transaction.Type.String(),
			Amount:         transaction.Amount,
			Reference:      transaction.Reference,
			Description:    transaction.Description,
			Metadata:       metadata,
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	return payload
}

type reconcileDetailPayload struct {
	WalletID       string `json:"wallet_id"`
	UserID         string `json:"user_id"`
	StoredBalance  int64  `json:"stored_balance"`
	LedgerSum      int64  `json:"ledger_sum"`
	Delta          int64  `json:"delta"`
	AdjustmentNote string `json:"adjustment_note"`
}

type reconcilePayload struct {
	WalletsChecked int                      `json:"wallets_checked"`
	WalletsFixed   int                      `json:"wallets_fixed"`
	Details        []reconcileDetailPayload `json:"details"`
}

func newReconcilePayload(report ledger.ReconcileReport) reconcilePayload {
	payload := reconcilePayload{
		WalletsChecked: report.WalletsChecked,
		WalletsFixed:   report.WalletsFixed,
		Details:        make([]reconcileDetailPayload, 0, len(report.Details)),
	}
	for _, detail := range report.Details {
		payload.Details = append(payload.Details, reconcileDetailPayload(detail))
	}
	return payload
}
