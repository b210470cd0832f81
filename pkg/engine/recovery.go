package engine

import (
	"context"
	"fmt"
)

// Recover loads the persisted active orders into an empty index and returns how many
// were restored. Closed orders are history and stay in the store only.
//
// Orders persisted as handed over go back to the remote list whatever state their
// owning provider last reported; every other order goes to its state's list.
func Recover(ctx context.Context, store Persistence, index *Index, localProvider string) (int, error) {
	restored := 0
	for _, state := range AllOrderStates {
		if state == OrderStateClosed {
			continue
		}
		orders, err := store.ReadActiveOrders(ctx, state)
		if err != nil {
			return restored, fmt.Errorf("failed to read %s orders: %w", state, err)
		}
		for _, order := range orders {
			if order.HandedOver && order.IsProviderRemote(localProvider) {
				err = index.AddRemote(order)
			} else {
				order.HandedOver = false
				err = index.Add(order)
			}
			if err != nil {
				return restored, fmt.Errorf("failed to index order %s: %w", order.ID, err)
			}
			restored++
		}
	}
	return restored, nil
}
