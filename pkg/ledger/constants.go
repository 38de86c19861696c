package ledger

const (
	operationCredit    = "credit"
	operationDebit     = "debit"
	operationReconcile = "reconcile"

	operationStatusOK        = "ok"
	operationStatusDuplicate = "duplicate"
	operationStatusDeclined  = "declined"
	operationStatusError     = "error"

	referenceDelimiter    = ":"
	adjustmentRefPrefix   = "adjustment"
	defaultWalletCurrency = "NGN"
)
