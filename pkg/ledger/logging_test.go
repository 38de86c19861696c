package ledger

import (
	"context"
	"errors"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsCreditOperation(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service := mustNewService(test, newMemoryStore(test), WithOperationLogger(logger))
	user := mustUserID(test, "user-1")
	amount := mustAmount(test, 100)
	reference := mustReference(test, "fund-1")
	if _, err := service.Credit(context.Background(), user, amount, reference, TransactionDeposit, "funding", mustMetadata(test, `{"action":"test"}`)); err != nil {
		test.Fatalf("credit failed: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationCredit || entry.UserID != user || entry.Amount != amount || entry.Reference != reference {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK || entry.Balance != 100 {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsDuplicateAndDeclinedStatus(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service := mustNewService(test, newMemoryStore(test), WithOperationLogger(logger))
	user := mustUserID(test, "user-1")
	reference := mustReference(test, "fund-1")
	ctx := context.Background()

	_, _ = service.Credit(ctx, user, mustAmount(test, 100), reference, TransactionDeposit, "", MetadataJSON{})
	_, _ = service.Credit(ctx, user, mustAmount(test, 100), reference, TransactionDeposit, "", MetadataJSON{})
	_, err := service.Debit(ctx, user, mustAmount(test, 500), mustReference(test, "debit-1"), "", MetadataJSON{})
	if !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if len(logger.entries) != 3 {
		test.Fatalf("expected three log entries, got %d", len(logger.entries))
	}
	if logger.entries[1].Status != operationStatusDuplicate {
		test.Fatalf("expected duplicate status, got %+v", logger.entries[1])
	}
	if logger.entries[2].Status != operationStatusDeclined || logger.entries[2].Error == nil {
		test.Fatalf("expected declined status, got %+v", logger.entries[2])
	}
}
