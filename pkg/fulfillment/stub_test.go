package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/smsverify/pkg/ledger"
	"github.com/shopspring/decimal"
)

var fixedNow = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type memoryState struct {
	orders        map[string]Order
	verifications map[string]Verification
	failures      []FailureLog
	debits        []UnverifiedDebit
	walletRefs    map[string]int64
	balances      map[string]int64
}

func (state memoryState) clone() memoryState {
	copied := memoryState{
		orders:        map[string]Order{},
		verifications: map[string]Verification{},
		failures:      append([]FailureLog(nil), state.failures...),
		debits:        append([]UnverifiedDebit(nil), state.debits...),
		walletRefs:    map[string]int64{},
		balances:      map[string]int64{},
	}
	for key, value := range state.orders {
		value.Metadata.Logs = append([]LogEntry(nil), value.Metadata.Logs...)
		copied.orders[key] = value
	}
	for key, value := range state.verifications {
		copied.verifications[key] = value
	}
	for key, value := range state.walletRefs {
		copied.walletRefs[key] = value
	}
	for key, value := range state.balances {
		copied.balances[key] = value
	}
	return copied
}

// memoryStore implements Store and WalletLedger over maps guarded by one mutex.
type memoryStore struct {
	mu     *sync.Mutex
	state  memoryState
	nextID int

	updateConflicts int
}

func newMemoryStore(test *testing.T) *memoryStore {
	test.Helper()
	return &memoryStore{
		mu: &sync.Mutex{},
		state: memoryState{
			orders:        map[string]Order{},
			verifications: map[string]Verification{},
			walletRefs:    map[string]int64{},
			balances:      map[string]int64{},
		},
	}
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.state.clone()
	if err := fn(ctx, &memoryTx{store: store}); err != nil {
		store.state = snapshot
		return err
	}
	return nil
}

func (store *memoryStore) locked(fn func(tx *memoryTx) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(&memoryTx{store: store})
}

func (store *memoryStore) CreateOrder(ctx context.Context, order Order) (created Order, err error) {
	err = store.locked(func(tx *memoryTx) error { created, err = tx.CreateOrder(ctx, order); return err })
	return created, err
}

func (store *memoryStore) GetOrder(ctx context.Context, orderID string) (order Order, err error) {
	err = store.locked(func(tx *memoryTx) error { order, err = tx.GetOrder(ctx, orderID); return err })
	return order, err
}

func (store *memoryStore) GetOrderByReference(ctx context.Context, reference string) (order Order, err error) {
	err = store.locked(func(tx *memoryTx) error { order, err = tx.GetOrderByReference(ctx, reference); return err })
	return order, err
}

func (store *memoryStore) LockOrder(ctx context.Context, orderID string) (Order, error) {
	return Order{}, errors.New("LockOrder outside transaction")
}

func (store *memoryStore) UpdateOrder(context.Context, Order, Order) (bool, error) {
	return false, errors.New("UpdateOrder outside transaction")
}

func (store *memoryStore) ListOrders(ctx context.Context, userID string, limit int) (orders []Order, err error) {
	err = store.locked(func(tx *memoryTx) error { orders, err = tx.ListOrders(ctx, userID, limit); return err })
	return orders, err
}

func (store *memoryStore) ListSyncCandidates(ctx context.Context, userID string) (orders []Order, err error) {
	err = store.locked(func(tx *memoryTx) error { orders, err = tx.ListSyncCandidates(ctx, userID); return err })
	return orders, err
}

func (store *memoryStore) CreateVerification(context.Context, Verification) (bool, error) {
	return false, errors.New("CreateVerification outside transaction")
}

func (store *memoryStore) GetVerification(ctx context.Context, orderID string) (verification Verification, found bool, err error) {
	err = store.locked(func(tx *memoryTx) error {
		verification, found, err = tx.GetVerification(ctx, orderID)
		return err
	})
	return verification, found, err
}

func (store *memoryStore) RecordCode(context.Context, string, string, string, time.Time) error {
	return errors.New("RecordCode outside transaction")
}

func (store *memoryStore) RecordFailure(ctx context.Context, failure FailureLog) error {
	return store.locked(func(tx *memoryTx) error { return tx.RecordFailure(ctx, failure) })
}

func (store *memoryStore) ListUnverifiedDebits(ctx context.Context, userID string) (debits []UnverifiedDebit, err error) {
	err = store.locked(func(tx *memoryTx) error { debits, err = tx.ListUnverifiedDebits(ctx, userID); return err })
	return debits, err
}

// Credit and Debit make memoryStore a WalletLedger keyed by reference.
func (store *memoryStore) Credit(_ context.Context, userID ledger.UserID, amount ledger.AmountMinor, reference ledger.Reference, _ ledger.TransactionType, _ string, _ ledger.MetadataJSON) (ledger.Result, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.state.walletRefs[reference.String()]; exists {
		return ledger.Result{Balance: store.state.balances[userID.String()], Duplicate: true}, nil
	}
	store.state.walletRefs[reference.String()] = amount.Int64()
	store.state.balances[userID.String()] += amount.Int64()
	return ledger.Result{Balance: store.state.balances[userID.String()]}, nil
}

func (store *memoryStore) Debit(_ context.Context, userID ledger.UserID, amount ledger.AmountMinor, reference ledger.Reference, _ string, _ ledger.MetadataJSON) (ledger.Result, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.state.walletRefs[reference.String()]; exists {
		return ledger.Result{Balance: store.state.balances[userID.String()], Duplicate: true}, nil
	}
	if store.state.balances[userID.String()] < amount.Int64() {
		return ledger.Result{}, ledger.ErrInsufficientFunds
	}
	store.state.walletRefs[reference.String()] = -amount.Int64()
	store.state.balances[userID.String()] -= amount.Int64()
	store.state.debits = append(store.state.debits, UnverifiedDebit{
		Reference:   reference.String(),
		UserID:      userID.String(),
		AmountMinor: amount.Int64(),
		CreatedAt:   fixedNow,
	})
	return ledger.Result{Balance: store.state.balances[userID.String()]}, nil
}

func (store *memoryStore) seedOrder(test *testing.T, order Order) Order {
	test.Helper()
	created, err := store.CreateOrder(context.Background(), order)
	if err != nil {
		test.Fatalf("seed order: %v", err)
	}
	return created
}

func (store *memoryStore) seedVerification(test *testing.T, verification Verification) {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	store.state.verifications[verification.OrderID] = verification
}

func (store *memoryStore) seedDebit(test *testing.T, debit UnverifiedDebit, balance int64) {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	store.state.debits = append(store.state.debits, debit)
	store.state.walletRefs[debit.Reference] = -debit.AmountMinor
	store.state.balances[debit.UserID] = balance
}

func (store *memoryStore) order(test *testing.T, orderID string) Order {
	test.Helper()
	order, err := store.GetOrder(context.Background(), orderID)
	if err != nil {
		test.Fatalf("load order: %v", err)
	}
	return order
}

func (store *memoryStore) balance(userID string) int64 {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.balances[userID]
}

func (store *memoryStore) failureCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.state.failures)
}

type memoryTx struct {
	store *memoryStore
}

func (tx *memoryTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *memoryTx) CreateOrder(_ context.Context, order Order) (Order, error) {
	for _, existing := range tx.store.state.orders {
		if existing.PaymentReference == order.PaymentReference {
			return Order{}, ErrDuplicatePaymentReference
		}
	}
	tx.store.nextID++
	if order.ID == "" {
		order.ID = fmt.Sprintf("order-%d", tx.store.nextID)
	}
	order.CreatedAt = fixedNow.Add(time.Duration(tx.store.nextID) * time.Second)
	order.UpdatedAt = order.CreatedAt
	tx.store.state.orders[order.ID] = order
	return order, nil
}

func (tx *memoryTx) GetOrder(_ context.Context, orderID string) (Order, error) {
	order, ok := tx.store.state.orders[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (tx *memoryTx) GetOrderByReference(_ context.Context, reference string) (Order, error) {
	for _, order := range tx.store.state.orders {
		if order.PaymentReference == reference {
			return order, nil
		}
	}
	return Order{}, ErrOrderNotFound
}

func (tx *memoryTx) LockOrder(ctx context.Context, orderID string) (Order, error) {
	return tx.GetOrder(ctx, orderID)
}

func (tx *memoryTx) UpdateOrder(_ context.Context, previous Order, next Order) (bool, error) {
	if tx.store.updateConflicts > 0 {
		tx.store.updateConflicts--
		return false, nil
	}
	current, ok := tx.store.state.orders[previous.ID]
	if !ok || current.Version != previous.Version || current.Status != previous.Status {
		return false, nil
	}
	next.Version = previous.Version + 1
	next.UpdatedAt = fixedNow
	tx.store.state.orders[previous.ID] = next
	return true, nil
}

func (tx *memoryTx) ListOrders(_ context.Context, userID string, limit int) ([]Order, error) {
	orders := []Order{}
	for _, order := range tx.store.state.orders {
		if order.UserID == userID {
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(left, right int) bool { return orders[left].CreatedAt.After(orders[right].CreatedAt) })
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (tx *memoryTx) ListSyncCandidates(_ context.Context, userID string) ([]Order, error) {
	orders := []Order{}
	for _, order := range tx.store.state.orders {
		if order.RequestID == "" || (order.Status != StatusPaid && order.Status != StatusActive) {
			continue
		}
		if userID != "" && order.UserID != userID {
			continue
		}
		orders = append(orders, order)
	}
	sort.Slice(orders, func(left, right int) bool { return orders[left].ID < orders[right].ID })
	return orders, nil
}

func (tx *memoryTx) CreateVerification(_ context.Context, verification Verification) (bool, error) {
	if _, exists := tx.store.state.verifications[verification.OrderID]; exists {
		return false, nil
	}
	tx.store.state.verifications[verification.OrderID] = verification
	return true, nil
}

func (tx *memoryTx) GetVerification(_ context.Context, orderID string) (Verification, bool, error) {
	verification, ok := tx.store.state.verifications[orderID]
	return verification, ok, nil
}

func (tx *memoryTx) RecordCode(_ context.Context, orderID string, code string, fullSMS string, receivedAt time.Time) error {
	verification, ok := tx.store.state.verifications[orderID]
	if !ok {
		return nil
	}
	verification.OTPCode = code
	verification.FullSMS = fullSMS
	verification.ReceivedAt = &receivedAt
	tx.store.state.verifications[orderID] = verification
	return nil
}

func (tx *memoryTx) RecordFailure(_ context.Context, failure FailureLog) error {
	tx.store.state.failures = append(tx.store.state.failures, failure)
	return nil
}

func (tx *memoryTx) ListUnverifiedDebits(_ context.Context, userID string) ([]UnverifiedDebit, error) {
	debits := []UnverifiedDebit{}
	for _, debit := range tx.store.state.debits {
		if userID != "" && debit.UserID != userID {
			continue
		}
		for _, order := range tx.store.state.orders {
			if order.PaymentReference == debit.Reference {
				debit.OrderID = order.ID
				debit.OrderStatus = order.Status
			}
		}
		if _, verified := tx.store.state.verifications[debit.OrderID]; verified && debit.OrderID != "" {
			continue
		}
		_, debit.RefundRecorded = tx.store.state.walletRefs[debit.Reference+":refund"]
		debits = append(debits, debit)
	}
	return debits, nil
}

// stubProvider is a scripted Provisioner.
type stubProvider struct {
	mu          sync.Mutex
	buyErr      error
	number      ProvisionedNumber
	active      []ActiveOrder
	activeErr   error
	checks      map[string][]StatusCheck
	checkErr    error
	buyCalls    int
	checkCalls  map[string]int
	activeCalls int
}

func newStubProvider() *stubProvider {
	return &stubProvider{
		number:     ProvisionedNumber{ProviderOrderID: "SP-100", PhoneNumber: "+15550001111", Raw: json.RawMessage(`{"order_id":"SP-100"}`)},
		checks:     map[string][]StatusCheck{},
		checkCalls: map[string]int{},
	}
}

func (provider *stubProvider) Buy(context.Context, PurchaseRequest) (ProvisionedNumber, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	provider.buyCalls++
	if provider.buyErr != nil {
		return ProvisionedNumber{}, provider.buyErr
	}
	return provider.number, nil
}

func (provider *stubProvider) ActiveOrders(context.Context) ([]ActiveOrder, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	provider.activeCalls++
	return provider.active, provider.activeErr
}

// Check replays the scripted answers for the order, repeating the last one.
func (provider *stubProvider) Check(_ context.Context, providerOrderID string) (StatusCheck, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	provider.checkCalls[providerOrderID]++
	if provider.checkErr != nil {
		return StatusCheck{}, provider.checkErr
	}
	script := provider.checks[providerOrderID]
	if len(script) == 0 {
		return StatusCheck{Status: ProviderStatusAwaitingCode, RawStatus: "1"}, nil
	}
	index := provider.checkCalls[providerOrderID] - 1
	if index >= len(script) {
		index = len(script) - 1
	}
	return script[index], nil
}

func (provider *stubProvider) checksFor(providerOrderID string) int {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	return provider.checkCalls[providerOrderID]
}

type stubCatalog struct {
	listings []PriceListing
	err      error
}

func (catalog stubCatalog) Pricing(context.Context) ([]PriceListing, error) {
	return catalog.listings, catalog.err
}

type stubRates struct {
	rate decimal.Decimal
	err  error
}

func (rates stubRates) USDToNGN(context.Context) (decimal.Decimal, error) {
	return rates.rate, rates.err
}

type stubGateway struct {
	mu       sync.Mutex
	requests []ChargeRequest
	err      error
}

func (gateway *stubGateway) InitializeCharge(_ context.Context, request ChargeRequest) (Charge, error) {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	gateway.requests = append(gateway.requests, request)
	if gateway.err != nil {
		return Charge{}, gateway.err
	}
	return Charge{AuthorizationURL: "https://checkout.example/" + request.Reference, AccessCode: "access", Reference: request.Reference}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (publisher *recordingPublisher) Publish(_ string, event ChangeEvent) {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	publisher.events = append(publisher.events, event)
}

func (publisher *recordingPublisher) count(eventType string) int {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	total := 0
	for _, event := range publisher.events {
		if event.Type == eventType {
			total++
		}
	}
	return total
}

func pendingOrder(userID string, reference string) Order {
	return Order{
		UserID:           userID,
		ServiceType:      "WhatsApp",
		PriceUSD:         "0.50",
		PaymentReference: reference,
		Status:           StatusPending,
		Metadata: OrderMetadata{
			CountryID:    "1",
			CountryName:  "United States",
			ServiceID:    "1012",
			ServiceName:  "WhatsApp",
			TotalPaidNGN: "1500.00",
		},
	}
}

func activeOrder(userID string, reference string, requestID string) Order {
	order := pendingOrder(userID, reference)
	order.Status = StatusActive
	order.RequestID = requestID
	return order
}

func clockAt(now time.Time) Option {
	return WithClock(func() time.Time { return now })
}
