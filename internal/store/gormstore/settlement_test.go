package gormstore

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/smsverify/pkg/fulfillment"
)

// disconnectingProvider cancels the delivery's context from inside Buy, as a gateway that
// drops the webhook connection mid-purchase would.
type disconnectingProvider struct {
	cancel  context.CancelFunc
	buyErr  error
	ctxErrs []error
}

func (provider *disconnectingProvider) Buy(ctx context.Context, _ fulfillment.PurchaseRequest) (fulfillment.ProvisionedNumber, error) {
	provider.cancel()
	provider.ctxErrs = append(provider.ctxErrs, ctx.Err())
	if provider.buyErr != nil {
		return fulfillment.ProvisionedNumber{}, provider.buyErr
	}
	return fulfillment.ProvisionedNumber{ProviderOrderID: "SP-1", PhoneNumber: "+15550001"}, nil
}

func (provider *disconnectingProvider) ActiveOrders(context.Context) ([]fulfillment.ActiveOrder, error) {
	return nil, nil
}

func (provider *disconnectingProvider) Check(context.Context, string) (fulfillment.StatusCheck, error) {
	return fulfillment.StatusCheck{}, nil
}

func countFailureLogs(test *testing.T, database *Database) int64 {
	test.Helper()
	var count int64
	if err := database.DB.Model(&FailureLog{}).Count(&count).Error; err != nil {
		test.Fatalf("count failure logs: %v", err)
	}
	return count
}

func TestSettlePaymentSurvivesDeliveryCancellation(test *testing.T) {
	testCases := []struct {
		name             string
		buyErr           error
		expectedOutcome  string
		expectedStatus   fulfillment.OrderStatus
		expectedFailures int64
	}{
		{
			name:             "purchase fails after disconnect",
			buyErr:           errors.New("connection reset by peer"),
			expectedOutcome:  fulfillment.OutcomeManualIntervention,
			expectedStatus:   fulfillment.StatusManualInterventionRequired,
			expectedFailures: 1,
		},
		{
			name:            "purchase succeeds after disconnect",
			expectedOutcome: fulfillment.OutcomeProvisioned,
			expectedStatus:  fulfillment.StatusActive,
		},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			database := openTestDatabase(test)
			store := NewOrderStore(database.DB)
			if _, err := store.CreateOrder(context.Background(), newPendingOrder("user-1", "REF1")); err != nil {
				test.Fatalf("create: %v", err)
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			provider := &disconnectingProvider{cancel: cancel, buyErr: testCase.buyErr}
			orchestrator, err := fulfillment.NewOrchestrator(store, provider)
			if err != nil {
				test.Fatalf("orchestrator: %v", err)
			}

			settlement, err := orchestrator.SettlePayment(ctx, "REF1", 70000)
			if err != nil {
				test.Fatalf("settle: %v", err)
			}
			if settlement.Outcome != testCase.expectedOutcome {
				test.Fatalf("expected outcome %s, got %s", testCase.expectedOutcome, settlement.Outcome)
			}
			if len(provider.ctxErrs) != 1 || provider.ctxErrs[0] != nil {
				test.Fatalf("purchase must not see the delivery's cancellation, got %v", provider.ctxErrs)
			}

			stored, err := store.GetOrderByReference(context.Background(), "REF1")
			if err != nil {
				test.Fatalf("reload: %v", err)
			}
			if stored.Status != testCase.expectedStatus {
				test.Fatalf("expected status %s, got %s", testCase.expectedStatus, stored.Status)
			}
			if testCase.expectedStatus == fulfillment.StatusActive && stored.RequestID != "SP-1" {
				test.Fatalf("bought number not recorded: %+v", stored)
			}
			if failures := countFailureLogs(test, database); failures != testCase.expectedFailures {
				test.Fatalf("expected %d failure logs, got %d", testCase.expectedFailures, failures)
			}
		})
	}
}
