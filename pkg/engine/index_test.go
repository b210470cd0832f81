package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func newTestOrder(id string, state OrderState) *Order {
	return &Order{
		ID:        id,
		Type:      OrderTypeVolume,
		State:     state,
		Requester: SystemUser{ID: "alice", IdentityProvider: "p1"},
		Provider:  "p1",
		CloudName: "default",
		Volume:    &VolumeSpec{Size: 1},
	}
}

func TestIndexAddAndGet(t *testing.T) {
	x := NewIndex()
	order := newTestOrder("o-1", OrderStateOpen)

	if err := x.Add(order); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	got, err := x.Get("o-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != order {
		t.Error("Get() returned a different order")
	}

	open, _ := x.ListFor(OrderStateOpen)
	if !x.Holds(open, order) {
		t.Error("order should be held by the open list")
	}
	if x.Len() != 1 {
		t.Errorf("Len() = %d, want 1", x.Len())
	}
	if orders := x.Orders(); len(orders) != 1 || orders[0] != order {
		t.Errorf("Orders() = %v", orders)
	}

	if err := x.Add(order); !IsConflict(err) {
		t.Errorf("second Add() error = %v, want conflict", err)
	}
}

func TestIndexGetUnknown(t *testing.T) {
	x := NewIndex()
	if _, err := x.Get("missing"); !IsNotFound(err) {
		t.Errorf("Get() error = %v, want not found", err)
	}
}

func TestIndexListForUnknownState(t *testing.T) {
	x := NewIndex()
	_, err := x.ListFor(OrderState("bogus"))
	if !IsUnexpected(err) {
		t.Errorf("ListFor() error = %v, want unexpected", err)
	}
}

func TestIndexPurge(t *testing.T) {
	x := NewIndex()
	open := newTestOrder("o-1", OrderStateOpen)
	closed := newTestOrder("o-2", OrderStateClosed)
	_ = x.Add(open)
	_ = x.Add(closed)

	if err := x.Purge(open); !IsConflict(err) {
		t.Errorf("Purge(open) error = %v, want conflict", err)
	}
	if err := x.Purge(closed); err != nil {
		t.Fatalf("Purge(closed) error = %v", err)
	}
	if _, err := x.Get("o-2"); !IsNotFound(err) {
		t.Error("purged order should no longer be found")
	}
	if x.Len() != 1 {
		t.Errorf("Len() = %d, want 1", x.Len())
	}
}

func TestCursorInvalidation(t *testing.T) {
	x := NewIndex()
	l, _ := x.ListFor(OrderStateOpen)
	_ = x.Add(newTestOrder("o-1", OrderStateOpen))
	_ = x.Add(newTestOrder("o-2", OrderStateOpen))

	c := l.Cursor()
	first, err := c.Next()
	if err != nil || first == nil || first.ID != "o-1" {
		t.Fatalf("Next() = %v, %v", first, err)
	}

	_ = x.Add(newTestOrder("o-3", OrderStateOpen))

	if _, err := c.Next(); !errors.Is(err, ErrModifiedDuringIteration) {
		t.Errorf("Next() after mutation error = %v, want ErrModifiedDuringIteration", err)
	}

	// Independent cursors do not affect each other.
	a := l.Cursor()
	b := l.Cursor()
	if o, _ := a.Next(); o.ID != "o-1" {
		t.Errorf("cursor a first = %s", o.ID)
	}
	if o, _ := a.Next(); o.ID != "o-2" {
		t.Errorf("cursor a second = %s", o.ID)
	}
	if o, _ := b.Next(); o.ID != "o-1" {
		t.Errorf("cursor b first = %s", o.ID)
	}
}

func TestCursorEnd(t *testing.T) {
	x := NewIndex()
	l, _ := x.ListFor(OrderStateSpawning)

	o, err := l.Cursor().Next()
	if err != nil || o != nil {
		t.Errorf("Next() on empty list = %v, %v; want nil, nil", o, err)
	}
}

func TestSelect(t *testing.T) {
	x := NewIndex()
	l, _ := x.ListFor(OrderStateOpen)
	for i := 0; i < 5; i++ {
		_ = x.Add(newTestOrder(fmt.Sprintf("o-%d", i), OrderStateOpen))
	}

	orders, err := l.Select(3)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(orders) != 5 {
		t.Fatalf("Select() returned %d orders, want 5", len(orders))
	}
	for i, o := range orders {
		if o.ID != fmt.Sprintf("o-%d", i) {
			t.Errorf("orders[%d] = %s, insertion order not kept", i, o.ID)
		}
	}
}

func TestSelectConcurrentWithMoves(t *testing.T) {
	x := NewIndex()
	tr := NewTransitioner(x, nil, testLogger())
	open, _ := x.ListFor(OrderStateOpen)
	spawning, _ := x.ListFor(OrderStateSpawning)

	const n = 200
	orders := make([]*Order, n)
	for i := range orders {
		orders[i] = newTestOrder(fmt.Sprintf("o-%d", i), OrderStateOpen)
		_ = x.Add(orders[i])
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, o := range orders {
			o.Lock()
			if err := tr.Transition(t.Context(), o, OrderStateSpawning); err != nil {
				t.Errorf("Transition() error = %v", err)
			}
			o.Unlock()
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				selected, err := open.Select(1000)
				if err != nil {
					continue
				}
				// The mover drains the list from the front, so every consistent
				// pass is a suffix of the insertion order.
				k := n - len(selected)
				if k < 0 {
					t.Errorf("pass returned %d orders, more than the %d indexed", len(selected), n)
					continue
				}
				for j, o := range selected {
					if o != orders[k+j] {
						t.Errorf("pass is not a suffix of the insertion order: position %d holds %s, want %s",
							j, o.ID, orders[k+j].ID)
						break
					}
				}
			}
		}()
	}

	wg.Wait()

	if open.Len() != 0 || spawning.Len() != n {
		t.Errorf("open=%d spawning=%d, want 0 and %d", open.Len(), spawning.Len(), n)
	}
}

func TestCensusSingleMembership(t *testing.T) {
	x := NewIndex()
	tr := NewTransitioner(x, nil, testLogger())

	const n = 100
	orders := make([]*Order, n)
	for i := range orders {
		orders[i] = newTestOrder(fmt.Sprintf("o-%d", i), OrderStateOpen)
		_ = x.Add(orders[i])
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, o := range orders {
			o.Lock()
			_ = tr.Transition(t.Context(), o, OrderStateSpawning)
			_ = tr.Transition(t.Context(), o, OrderStateFulfilled)
			o.Unlock()
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		total := 0
		for _, c := range x.Census() {
			total += c
		}
		if total != n {
			t.Fatalf("census counted %d orders, want %d", total, n)
		}
	}
}
