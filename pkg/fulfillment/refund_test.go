package fulfillment

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestRefundWorkflow(test *testing.T, store *memoryStore, now time.Time) *RefundWorkflow {
	test.Helper()
	workflow, err := NewRefundWorkflow(store, store, 10*time.Minute, clockAt(now))
	if err != nil {
		test.Fatalf("refund workflow init: %v", err)
	}
	return workflow
}

func TestRefundStuckOrdersCreditsOnce(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	parked := pendingOrder("user-1", "SMS-1")
	parked.Status = StatusManualInterventionRequired
	parked = store.seedOrder(test, parked)
	store.seedDebit(test, UnverifiedDebit{Reference: "SMS-1", UserID: "user-1", AmountMinor: 150000, CreatedAt: fixedNow}, 0)
	workflow := newTestRefundWorkflow(test, store, fixedNow.Add(time.Hour))

	first, err := workflow.RefundStuckOrders(context.Background(), "")
	if err != nil {
		test.Fatalf("first pass: %v", err)
	}
	if first.Refunded != 1 || first.SkippedAlreadyRefunded != 0 {
		test.Fatalf("unexpected first report %+v", first)
	}
	if first.Details[0].RefundReference != "SMS-1:refund" {
		test.Fatalf("unexpected refund reference %q", first.Details[0].RefundReference)
	}
	if store.balance("user-1") != 150000 {
		test.Fatalf("expected balance restored, got %d", store.balance("user-1"))
	}
	if status := store.order(test, parked.ID).Status; status != StatusRefunded {
		test.Fatalf("expected refunded order, got %s", status)
	}

	second, err := workflow.RefundStuckOrders(context.Background(), "")
	if err != nil {
		test.Fatalf("second pass: %v", err)
	}
	if second.Refunded != 0 || second.SkippedAlreadyRefunded != 1 {
		test.Fatalf("unexpected second report %+v", second)
	}
	if store.balance("user-1") != 150000 {
		test.Fatalf("second pass must not credit again, balance %d", store.balance("user-1"))
	}
}

func TestRefundStuckOrdersLeavesInFlightAndVerifiedDebits(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	verified := seedProvisioned(test, store, "user-1", "SMS-1", "SP-1")
	store.seedDebit(test, UnverifiedDebit{Reference: verified.PaymentReference, UserID: "user-1", AmountMinor: 1000, CreatedAt: fixedNow}, 0)
	store.seedOrder(test, pendingOrder("user-1", "SMS-2"))
	store.seedDebit(test, UnverifiedDebit{Reference: "SMS-2", UserID: "user-1", AmountMinor: 2000, CreatedAt: fixedNow.Add(55 * time.Minute)}, 0)
	workflow := newTestRefundWorkflow(test, store, fixedNow.Add(time.Hour))

	report, err := workflow.RefundStuckOrders(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if report.Refunded != 0 || report.InFlight != 1 || len(report.Details) != 1 {
		test.Fatalf("unexpected report %+v", report)
	}
	if store.balance("user-1") != 0 {
		test.Fatalf("nothing should be refunded, balance %d", store.balance("user-1"))
	}
}

func TestRefundStuckOrdersRefundsFailedPendingOrder(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	failed := pendingOrder("user-1", "SMS-1")
	failed.Status = StatusFailed
	failed = store.seedOrder(test, failed)
	store.seedDebit(test, UnverifiedDebit{Reference: "SMS-1", UserID: "user-1", AmountMinor: 500, CreatedAt: fixedNow}, 0)
	workflow := newTestRefundWorkflow(test, store, fixedNow.Add(time.Hour))

	if _, err := workflow.RefundStuckOrders(context.Background(), ""); err != nil {
		test.Fatalf("refund: %v", err)
	}
	if status := store.order(test, failed.ID).Status; status != StatusRefunded {
		test.Fatalf("expected refunded order, got %s", status)
	}
}

func TestRefundStuckOrdersConcurrentPassesCreditOnce(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	parked := pendingOrder("user-1", "SMS-1")
	parked.Status = StatusManualInterventionRequired
	store.seedOrder(test, parked)
	store.seedDebit(test, UnverifiedDebit{Reference: "SMS-1", UserID: "user-1", AmountMinor: 700, CreatedAt: fixedNow}, 0)
	workflow := newTestRefundWorkflow(test, store, fixedNow.Add(time.Hour))

	var waitGroup sync.WaitGroup
	for index := 0; index < 5; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if _, err := workflow.RefundStuckOrders(context.Background(), ""); err != nil {
				test.Errorf("refund: %v", err)
			}
		}()
	}
	waitGroup.Wait()
	if store.balance("user-1") != 700 {
		test.Fatalf("expected a single refund credit, balance %d", store.balance("user-1"))
	}
}
