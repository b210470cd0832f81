package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrModifiedDuringIteration is returned by a cursor whose list changed since the pass began.
	ErrModifiedDuringIteration = errors.New("order list modified during iteration")

	// ErrIterationRetriesExhausted is returned when a list kept changing on every restarted pass.
	ErrIterationRetriesExhausted = errors.New("order list iteration restarted too many times")
)

// RemoteListName names the list of orders whose processing happens at a remote provider.
const RemoteListName = "remote"

// OrderList is one partition of the shared order index.
//
// Every structural mutation bumps the list version. Cursors remember the version at the
// start of their pass and report ErrModifiedDuringIteration once it moved.
type OrderList struct {
	name string
	rank int

	mu      sync.RWMutex
	items   []*Order
	version uint64
}

func newOrderList(name string, rank int) *OrderList {
	return &OrderList{name: name, rank: rank}
}

// Name returns the list name: an order state or RemoteListName.
func (l *OrderList) Name() string {
	return l.name
}

// Len returns the number of orders in the list.
func (l *OrderList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Contains returns true if the order is in the list.
func (l *OrderList) Contains(order *Order) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.indexOfLocked(order) >= 0
}

// Snapshot returns a copy of the list contents.
func (l *OrderList) Snapshot() []*Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Order, len(l.items))
	copy(out, l.items)
	return out
}

// Cursor starts a new pass over the list.
func (l *OrderList) Cursor() *Cursor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Cursor{list: l, version: l.version}
}

// Select walks the list with a cursor and returns the orders of one uninterrupted pass.
// A pass invalidated by a concurrent mutation restarts from the beginning, at most
// maxRestarts times.
func (l *OrderList) Select(maxRestarts int) ([]*Order, error) {
	for attempt := 0; attempt <= maxRestarts; attempt++ {
		orders, err := l.pass()
		if err == nil {
			return orders, nil
		}
		if !errors.Is(err, ErrModifiedDuringIteration) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s list: %w", l.name, ErrIterationRetriesExhausted)
}

func (l *OrderList) pass() ([]*Order, error) {
	cursor := l.Cursor()
	var orders []*Order
	for {
		order, err := cursor.Next()
		if err != nil {
			return nil, err
		}
		if order == nil {
			return orders, nil
		}
		orders = append(orders, order)
	}
}

func (l *OrderList) indexOfLocked(order *Order) int {
	for i, o := range l.items {
		if o == order {
			return i
		}
	}
	return -1
}

func (l *OrderList) addLocked(order *Order) {
	l.items = append(l.items, order)
	l.version++
}

func (l *OrderList) removeLocked(order *Order) bool {
	i := l.indexOfLocked(order)
	if i < 0 {
		return false
	}
	l.items = append(l.items[:i], l.items[i+1:]...)
	l.version++
	return true
}

// Cursor is an independent position in an OrderList.
type Cursor struct {
	list    *OrderList
	version uint64
	pos     int
}

// Next returns the next order of the pass, or nil at the end of the list.
func (c *Cursor) Next() (*Order, error) {
	c.list.mu.RLock()
	defer c.list.mu.RUnlock()

	if c.list.version != c.version || c.pos > len(c.list.items) {
		return nil, ErrModifiedDuringIteration
	}
	if c.pos == len(c.list.items) {
		return nil, nil
	}
	order := c.list.items[c.pos]
	c.pos++
	return order, nil
}

// Index is the shared order index, partitioned into one list per state plus the remote list.
//
// Lock order: lists by rank, then the index mutex.
type Index struct {
	lists  map[OrderState]*OrderList
	remote *OrderList
	ranked []*OrderList

	mu       sync.RWMutex
	byID     map[string]*Order
	location map[string]*OrderList
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	x := &Index{
		lists:    make(map[OrderState]*OrderList, len(AllOrderStates)),
		byID:     make(map[string]*Order),
		location: make(map[string]*OrderList),
	}
	for i, state := range AllOrderStates {
		l := newOrderList(string(state), i)
		x.lists[state] = l
		x.ranked = append(x.ranked, l)
	}
	x.remote = newOrderList(RemoteListName, len(AllOrderStates))
	x.ranked = append(x.ranked, x.remote)
	return x
}

// Get returns the active order with the given id.
func (x *Index) Get(id string) (*Order, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	order, ok := x.byID[id]
	if !ok {
		return nil, NewNotFoundError("order not found", nil).WithOrder(id)
	}
	return order, nil
}

// ListFor returns the list holding local orders in the given state.
func (x *Index) ListFor(state OrderState) (*OrderList, error) {
	l, ok := x.lists[state]
	if !ok {
		return nil, NewUnexpectedError(fmt.Sprintf("no order list for state %q", state), nil).
			WithCode(ErrCodeUnknownList)
	}
	return l, nil
}

// RemoteList returns the list of orders processed at remote providers.
func (x *Index) RemoteList() *OrderList {
	return x.remote
}

// Add inserts a new order into the list matching its state.
func (x *Index) Add(order *Order) error {
	l, err := x.ListFor(order.State)
	if err != nil {
		return err
	}
	return x.insert(l, order)
}

// AddRemote inserts an order directly into the remote list and marks it handed over.
func (x *Index) AddRemote(order *Order) error {
	order.HandedOver = true
	return x.insert(x.remote, order)
}

func (x *Index) insert(l *OrderList, order *Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, exists := x.byID[order.ID]; exists {
		return NewConflictError("order already indexed", nil).WithOrder(order.ID)
	}
	l.addLocked(order)
	x.byID[order.ID] = order
	x.location[order.ID] = l
	return nil
}

// Locate returns the list currently holding the order.
func (x *Index) Locate(id string) (*OrderList, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	l, ok := x.location[id]
	return l, ok
}

// Holds returns true if the order currently sits in the given list.
func (x *Index) Holds(l *OrderList, order *Order) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.location[order.ID] == l && x.byID[order.ID] == order
}

// Purge removes a closed order from the index.
func (x *Index) Purge(order *Order) error {
	closed := x.lists[OrderStateClosed]

	closed.mu.Lock()
	defer closed.mu.Unlock()
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.location[order.ID] != closed {
		return NewConflictError("only closed orders can be purged", nil).WithOrder(order.ID)
	}
	closed.removeLocked(order)
	delete(x.byID, order.ID)
	delete(x.location, order.ID)
	return nil
}

// Len returns the number of active orders.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byID)
}

// Orders returns every active order, in no particular order.
func (x *Index) Orders() []*Order {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]*Order, 0, len(x.byID))
	for _, order := range x.byID {
		out = append(out, order)
	}
	return out
}

// Census returns the number of orders per list, taken as one consistent cut.
func (x *Index) Census() map[string]int {
	for _, l := range x.ranked {
		l.mu.RLock()
	}
	counts := make(map[string]int, len(x.ranked))
	for _, l := range x.ranked {
		counts[l.name] = len(l.items)
	}
	for i := len(x.ranked) - 1; i >= 0; i-- {
		x.ranked[i].mu.RUnlock()
	}
	return counts
}

// move relocates the order between two lists while holding both exclusively, so readers
// see it in exactly one of them. apply runs between removal and insertion.
func (x *Index) move(order *Order, from, to *OrderList, apply func()) error {
	locked := []*OrderList{from}
	if to != from {
		locked = append(locked, to)
	}
	sort.Slice(locked, func(i, j int) bool { return locked[i].rank < locked[j].rank })
	for _, l := range locked {
		l.mu.Lock()
	}
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}()

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.location[order.ID] != from {
		return NewUnexpectedError("order is not in its origin list", nil).
			WithOrder(order.ID).
			WithDetail("origin", from.name)
	}
	if from != to {
		from.removeLocked(order)
	}
	apply()
	if from != to {
		to.addLocked(order)
		x.location[order.ID] = to
	}
	return nil
}
