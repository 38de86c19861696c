package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// memoryStore keeps wallets and transactions in maps; WithTx snapshots state and restores it
// when fn fails, mirroring a database rollback.
type memoryStore struct {
	mu           *sync.Mutex
	wallets      map[string]*Wallet
	walletByUser map[string]string
	transactions []Transaction
	references   map[string]struct{}
	nextID       int

	insertError error
}

func newMemoryStore(test *testing.T) *memoryStore {
	test.Helper()
	return &memoryStore{
		mu:           &sync.Mutex{},
		wallets:      map[string]*Wallet{},
		walletByUser: map[string]string{},
		references:   map[string]struct{}{},
	}
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.snapshot()
	if err := fn(ctx, &memoryTx{store: store}); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

func (store *memoryStore) FindWallet(ctx context.Context, userID UserID) (Wallet, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&memoryTx{store: store}).FindWallet(ctx, userID)
}

func (store *memoryStore) ListWallets(ctx context.Context) ([]Wallet, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&memoryTx{store: store}).ListWallets(ctx)
}

func (store *memoryStore) ListTransactions(ctx context.Context, walletID string, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&memoryTx{store: store}).ListTransactions(ctx, walletID, limit)
}

func (store *memoryStore) EnsureWallet(context.Context, UserID, string) (Wallet, error) {
	return Wallet{}, fmt.Errorf("EnsureWallet outside transaction")
}

func (store *memoryStore) LockWallet(context.Context, string) (Wallet, error) {
	return Wallet{}, fmt.Errorf("LockWallet outside transaction")
}

func (store *memoryStore) InsertTransaction(context.Context, TransactionInput) (bool, error) {
	return false, fmt.Errorf("InsertTransaction outside transaction")
}

func (store *memoryStore) AddBalance(context.Context, string, int64) (int64, error) {
	return 0, fmt.Errorf("AddBalance outside transaction")
}

func (store *memoryStore) DebitBalance(context.Context, string, int64) (bool, error) {
	return false, fmt.Errorf("DebitBalance outside transaction")
}

func (store *memoryStore) SetBalance(context.Context, string, int64, int64) (bool, error) {
	return false, fmt.Errorf("SetBalance outside transaction")
}

func (store *memoryStore) SumTransactions(context.Context, string) (int64, error) {
	return 0, fmt.Errorf("SumTransactions outside transaction")
}

// driftBalance simulates a balance mutation that bypassed the ledger.
func (store *memoryStore) driftBalance(test *testing.T, userID string, delta int64) {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	walletID, ok := store.walletByUser[userID]
	if !ok {
		test.Fatalf("no wallet for %s", userID)
	}
	store.wallets[walletID].BalanceMinorUnits += delta
}

func (store *memoryStore) walletFor(test *testing.T, userID string) Wallet {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	walletID, ok := store.walletByUser[userID]
	if !ok {
		test.Fatalf("no wallet for %s", userID)
	}
	return *store.wallets[walletID]
}

func (store *memoryStore) sumFor(test *testing.T, userID string) int64 {
	test.Helper()
	wallet := store.walletFor(test, userID)
	store.mu.Lock()
	defer store.mu.Unlock()
	var total int64
	for _, transaction := range store.transactions {
		if transaction.WalletID == wallet.WalletID {
			total += transaction.Amount
		}
	}
	return total
}

func (store *memoryStore) transactionCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.transactions)
}

type memorySnapshot struct {
	wallets      map[string]Wallet
	walletByUser map[string]string
	transactions []Transaction
	references   map[string]struct{}
}

func (store *memoryStore) snapshot() memorySnapshot {
	snapshot := memorySnapshot{
		wallets:      map[string]Wallet{},
		walletByUser: map[string]string{},
		transactions: append([]Transaction(nil), store.transactions...),
		references:   map[string]struct{}{},
	}
	for key, wallet := range store.wallets {
		snapshot.wallets[key] = *wallet
	}
	for key, value := range store.walletByUser {
		snapshot.walletByUser[key] = value
	}
	for key := range store.references {
		snapshot.references[key] = struct{}{}
	}
	return snapshot
}

func (store *memoryStore) restore(snapshot memorySnapshot) {
	store.wallets = map[string]*Wallet{}
	for key, wallet := range snapshot.wallets {
		copied := wallet
		store.wallets[key] = &copied
	}
	store.walletByUser = snapshot.walletByUser
	store.transactions = snapshot.transactions
	store.references = snapshot.references
}

// memoryTx operates on the store while its mutex is held by WithTx.
type memoryTx struct {
	store *memoryStore
}

func (tx *memoryTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *memoryTx) EnsureWallet(_ context.Context, userID UserID, currency string) (Wallet, error) {
	if walletID, ok := tx.store.walletByUser[userID.String()]; ok {
		return *tx.store.wallets[walletID], nil
	}
	tx.store.nextID++
	wallet := &Wallet{WalletID: fmt.Sprintf("wallet-%d", tx.store.nextID), UserID: userID.String(), Currency: currency}
	tx.store.wallets[wallet.WalletID] = wallet
	tx.store.walletByUser[userID.String()] = wallet.WalletID
	return *wallet, nil
}

func (tx *memoryTx) FindWallet(_ context.Context, userID UserID) (Wallet, bool, error) {
	walletID, ok := tx.store.walletByUser[userID.String()]
	if !ok {
		return Wallet{}, false, nil
	}
	return *tx.store.wallets[walletID], true, nil
}

func (tx *memoryTx) LockWallet(_ context.Context, walletID string) (Wallet, error) {
	wallet, ok := tx.store.wallets[walletID]
	if !ok {
		return Wallet{}, ErrUnknownWallet
	}
	return *wallet, nil
}

func (tx *memoryTx) ListWallets(context.Context) ([]Wallet, error) {
	wallets := make([]Wallet, 0, len(tx.store.wallets))
	for _, wallet := range tx.store.wallets {
		wallets = append(wallets, *wallet)
	}
	sort.Slice(wallets, func(left, right int) bool { return wallets[left].WalletID < wallets[right].WalletID })
	return wallets, nil
}

func (tx *memoryTx) InsertTransaction(_ context.Context, input TransactionInput) (bool, error) {
	if tx.store.insertError != nil {
		return false, tx.store.insertError
	}
	if _, exists := tx.store.references[input.Reference.String()]; exists {
		return false, nil
	}
	tx.store.nextID++
	tx.store.references[input.Reference.String()] = struct{}{}
	tx.store.transactions = append(tx.store.transactions, Transaction{
		TransactionID:  fmt.Sprintf("tx-%d", tx.store.nextID),
		WalletID:       input.WalletID,
		Amount:         input.Amount,
		Type:           input.Type,
		Reference:      input.Reference.String(),
		Description:    input.Description,
		MetadataJSON:   input.Metadata.String(),
		CreatedUnixUTC: input.CreatedUnixUTC,
	})
	return true, nil
}

func (tx *memoryTx) AddBalance(_ context.Context, walletID string, delta int64) (int64, error) {
	wallet, ok := tx.store.wallets[walletID]
	if !ok {
		return 0, ErrUnknownWallet
	}
	wallet.BalanceMinorUnits += delta
	return wallet.BalanceMinorUnits, nil
}

func (tx *memoryTx) DebitBalance(_ context.Context, walletID string, amount int64) (bool, error) {
	wallet, ok := tx.store.wallets[walletID]
	if !ok {
		return false, ErrUnknownWallet
	}
	if wallet.BalanceMinorUnits < amount {
		return false, nil
	}
	wallet.BalanceMinorUnits -= amount
	return true, nil
}

func (tx *memoryTx) SetBalance(_ context.Context, walletID string, expected int64, next int64) (bool, error) {
	wallet, ok := tx.store.wallets[walletID]
	if !ok {
		return false, ErrUnknownWallet
	}
	if wallet.BalanceMinorUnits != expected {
		return false, nil
	}
	wallet.BalanceMinorUnits = next
	return true, nil
}

func (tx *memoryTx) SumTransactions(_ context.Context, walletID string) (int64, error) {
	var total int64
	for _, transaction := range tx.store.transactions {
		if transaction.WalletID == walletID {
			total += transaction.Amount
		}
	}
	return total, nil
}

func (tx *memoryTx) ListTransactions(_ context.Context, walletID string, limit int) ([]Transaction, error) {
	matches := []Transaction{}
	for index := len(tx.store.transactions) - 1; index >= 0 && len(matches) < limit; index-- {
		if tx.store.transactions[index].WalletID == walletID {
			matches = append(matches, tx.store.transactions[index])
		}
	}
	return matches, nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustReference(test *testing.T, raw string) Reference {
	test.Helper()
	reference, err := NewReference(raw)
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	return reference
}

func mustAmount(test *testing.T, raw int64) AmountMinor {
	test.Helper()
	amount, err := NewAmountMinor(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}
