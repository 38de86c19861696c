package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
)

const (
	walletOwner       = "user-1"
	purchaseReference = "R1"
)

func TestDebitScenarioIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, walletOwner)
	ctx := context.Background()

	if _, err := service.Credit(ctx, userID, mustAmount(test, 1000), mustReference(test, "fund-1"), TransactionDeposit, "funding", mustMetadata(test, "")); err != nil {
		test.Fatalf("credit: %v", err)
	}
	first, err := service.Debit(ctx, userID, mustAmount(test, 150), mustReference(test, purchaseReference), "purchase", mustMetadata(test, `{"order_id":"o-1"}`))
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if first.Balance != 850 || first.Duplicate {
		test.Fatalf("unexpected first debit result: %+v", first)
	}
	second, err := service.Debit(ctx, userID, mustAmount(test, 150), mustReference(test, purchaseReference), "purchase", mustMetadata(test, `{"order_id":"o-1"}`))
	if err != nil {
		test.Fatalf("repeat debit: %v", err)
	}
	if second.Balance != 850 || !second.Duplicate {
		test.Fatalf("expected duplicate result with balance 850, got %+v", second)
	}
	debits := 0
	for _, transaction := range store.transactions {
		if transaction.Type == TransactionDebit {
			debits++
			if transaction.Amount != -150 {
				test.Fatalf("expected debit amount -150, got %d", transaction.Amount)
			}
		}
	}
	if debits != 1 {
		test.Fatalf("expected one debit row, got %d", debits)
	}
	if wallet := store.walletFor(test, walletOwner); wallet.BalanceMinorUnits != 850 {
		test.Fatalf("expected stored balance 850, got %d", wallet.BalanceMinorUnits)
	}
}

func TestCreditTwiceWithSameReferenceAppliesOnce(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, walletOwner)
	reference := mustReference(test, "gateway-ref-1")

	for attempt := 0; attempt < 2; attempt++ {
		result, err := service.Credit(context.Background(), userID, mustAmount(test, 500), reference, TransactionDeposit, "funding", mustMetadata(test, ""))
		if err != nil {
			test.Fatalf("credit attempt %d: %v", attempt, err)
		}
		if result.Balance != 500 {
			test.Fatalf("attempt %d: expected balance 500, got %d", attempt, result.Balance)
		}
		if result.Duplicate != (attempt == 1) {
			test.Fatalf("attempt %d: unexpected duplicate flag %v", attempt, result.Duplicate)
		}
	}
	if store.transactionCount() != 1 {
		test.Fatalf("expected one transaction row, got %d", store.transactionCount())
	}
}

func TestDebitInsufficientFundsLeavesNoTransaction(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, walletOwner)
	ctx := context.Background()

	if _, err := service.Credit(ctx, userID, mustAmount(test, 100), mustReference(test, "fund-1"), TransactionDeposit, "", mustMetadata(test, "")); err != nil {
		test.Fatalf("credit: %v", err)
	}
	_, err := service.Debit(ctx, userID, mustAmount(test, 101), mustReference(test, "debit-1"), "", mustMetadata(test, ""))
	if !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if store.transactionCount() != 1 {
		test.Fatalf("expected declined debit to leave no row, got %d rows", store.transactionCount())
	}
	if wallet := store.walletFor(test, walletOwner); wallet.BalanceMinorUnits != 100 {
		test.Fatalf("expected balance 100, got %d", wallet.BalanceMinorUnits)
	}
}

func TestConcurrentDebitsNeverOverspend(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, walletOwner)
	ctx := context.Background()

	if _, err := service.Credit(ctx, userID, mustAmount(test, 1000), mustReference(test, "fund-1"), TransactionDeposit, "", mustMetadata(test, "")); err != nil {
		test.Fatalf("credit: %v", err)
	}
	const attempts = 20
	var (
		waitGroup sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		declined  int
	)
	for index := 0; index < attempts; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			_, err := service.Debit(ctx, userID, mustAmount(test, 150), mustReference(test, fmt.Sprintf("debit-%d", index)), "", mustMetadata(test, ""))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientFunds):
				declined++
			default:
				test.Errorf("unexpected debit error: %v", err)
			}
		}(index)
	}
	waitGroup.Wait()
	if succeeded != 6 || declined != attempts-6 {
		test.Fatalf("expected 6 debits to succeed, got %d succeeded and %d declined", succeeded, declined)
	}
	if wallet := store.walletFor(test, walletOwner); wallet.BalanceMinorUnits != 100 {
		test.Fatalf("expected balance 100, got %d", wallet.BalanceMinorUnits)
	}
}

func TestMovementValidation(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newMemoryStore(test))
	userID := mustUserID(test, walletOwner)
	testCases := []struct {
		name    string
		run     func() error
		wantErr error
	}{
		{
			name: "zero amount credit",
			run: func() error {
				_, err := service.Credit(context.Background(), userID, AmountMinor(0), mustReference(test, "r"), TransactionDeposit, "", MetadataJSON{})
				return err
			},
			wantErr: ErrInvalidAmount,
		},
		{
			name: "empty reference debit",
			run: func() error {
				_, err := service.Debit(context.Background(), userID, mustAmount(test, 1), Reference{}, "", MetadataJSON{})
				return err
			},
			wantErr: ErrInvalidReference,
		},
		{
			name: "debit type cannot credit",
			run: func() error {
				_, err := service.Credit(context.Background(), userID, mustAmount(test, 1), mustReference(test, "r"), TransactionDebit, "", MetadataJSON{})
				return err
			},
			wantErr: ErrInvalidCreditType,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			if err := testCase.run(); !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestCreditPropagatesStoreErrors(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	storeFailure := errors.New("store failure")
	store.insertError = storeFailure
	service := mustNewService(test, store)

	_, err := service.Credit(context.Background(), mustUserID(test, walletOwner), mustAmount(test, 10), mustReference(test, "r"), TransactionDeposit, "", MetadataJSON{})
	if !errors.Is(err, storeFailure) {
		test.Fatalf("expected store failure, got %v", err)
	}
}

func TestReconcileCorrectsDriftOnce(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, walletOwner)
	ctx := context.Background()

	if _, err := service.Credit(ctx, userID, mustAmount(test, 1000), mustReference(test, "fund-1"), TransactionDeposit, "", MetadataJSON{}); err != nil {
		test.Fatalf("credit: %v", err)
	}
	store.driftBalance(test, walletOwner, -250)

	report, err := service.ReconcileUser(ctx, userID)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if report.WalletsFixed != 1 || len(report.Details) != 1 {
		test.Fatalf("expected one fixed wallet, got %+v", report)
	}
	if report.Details[0].Delta != 250 || report.Details[0].StoredBalance != 750 || report.Details[0].LedgerSum != 1000 {
		test.Fatalf("unexpected detail: %+v", report.Details[0])
	}
	if wallet := store.walletFor(test, walletOwner); wallet.BalanceMinorUnits != 1000 {
		test.Fatalf("expected corrected balance 1000, got %d", wallet.BalanceMinorUnits)
	}
	rowsAfterFirst := store.transactionCount()

	second, err := service.ReconcileUser(ctx, userID)
	if err != nil {
		test.Fatalf("second reconcile: %v", err)
	}
	if second.WalletsFixed != 0 || second.WalletsChecked != 1 {
		test.Fatalf("expected no-op second pass, got %+v", second)
	}
	if store.transactionCount() != rowsAfterFirst {
		test.Fatalf("expected no further adjustment rows")
	}
}

func TestReconcileUnknownUserIsEmpty(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newMemoryStore(test))
	report, err := service.ReconcileUser(context.Background(), mustUserID(test, "nobody"))
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if report.WalletsChecked != 0 || report.WalletsFixed != 0 {
		test.Fatalf("expected empty report, got %+v", report)
	}
}

func TestBalanceEqualsLogAfterRandomInterleavings(test *testing.T) {
	test.Parallel()
	for seed := int64(1); seed <= 25; seed++ {
		store := newMemoryStore(test)
		service := mustNewService(test, store)
		random := rand.New(rand.NewSource(seed))
		users := []string{"alice", "bob", "carol"}
		ctx := context.Background()

		for step := 0; step < 60; step++ {
			owner := users[random.Intn(len(users))]
			userID := mustUserID(test, owner)
			amount := mustAmount(test, int64(random.Intn(400)+1))
			// Reuse a small reference space so retries collide.
			reference := mustReference(test, fmt.Sprintf("%s-%d", owner, random.Intn(30)))
			switch random.Intn(3) {
			case 0:
				if _, err := service.Credit(ctx, userID, amount, reference, TransactionDeposit, "", MetadataJSON{}); err != nil {
					test.Fatalf("seed %d credit: %v", seed, err)
				}
			case 1:
				if _, err := service.Debit(ctx, userID, amount, reference, "", MetadataJSON{}); err != nil && !errors.Is(err, ErrInsufficientFunds) {
					test.Fatalf("seed %d debit: %v", seed, err)
				}
			case 2:
				if _, found, _ := store.FindWallet(ctx, userID); found {
					store.driftBalance(test, owner, int64(random.Intn(200)-100))
				}
			}
		}
		if _, err := service.ReconcileAll(ctx); err != nil {
			test.Fatalf("seed %d reconcile: %v", seed, err)
		}
		for _, owner := range users {
			if _, found, _ := store.FindWallet(ctx, mustUserID(test, owner)); !found {
				continue
			}
			wallet := store.walletFor(test, owner)
			if sum := store.sumFor(test, owner); sum != wallet.BalanceMinorUnits {
				test.Fatalf("seed %d owner %s: balance %d != log sum %d", seed, owner, wallet.BalanceMinorUnits, sum)
			}
		}
	}
}
