package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/smsverify/pkg/ledger"
)

// errNoChange lets a mutation leave the row untouched without failing the transaction.
var errNoChange = errors.New("no change")

type orderMutation func(ctx context.Context, transactionStore Store, order *Order) error

// mutateOrder re-reads the order under a row lock, applies mutate and writes the result
// guarded by the version and status it was read with.
func mutateOrder(ctx context.Context, store Store, orderID string, mutate orderMutation) (Order, bool, error) {
	var (
		updated Order
		changed bool
	)
	err := store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		next := current
		next.Metadata.Logs = append([]LogEntry(nil), current.Metadata.Logs...)
		if err := mutate(ctx, transactionStore, &next); err != nil {
			if errors.Is(err, errNoChange) {
				updated = current
				return nil
			}
			return err
		}
		applied, err := transactionStore.UpdateOrder(ctx, current, next)
		if err != nil {
			return err
		}
		if !applied {
			return ledger.WrapError("fulfillment", "order", "update", ErrConcurrentUpdate)
		}
		next.Version = current.Version + 1
		updated = next
		changed = true
		return nil
	})
	if err != nil {
		return Order{}, false, err
	}
	return updated, changed, nil
}

func transition(order *Order, next OrderStatus) error {
	if !CanTransition(order.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, next)
	}
	order.Status = next
	return nil
}

func appendLog(order *Order, entry LogEntry) {
	order.Metadata.Logs = append(order.Metadata.Logs, entry)
}
