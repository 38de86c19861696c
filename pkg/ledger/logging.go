package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	Type      TransactionType
	Amount    AmountMinor
	Reference Reference
	Balance   int64
	Metadata  MetadataJSON
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithCurrency sets the currency assigned to lazily created wallets.
func WithCurrency(currency string) ServiceOption {
	return func(service *Service) {
		if currency != "" {
			service.currency = currency
		}
	}
}
