package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nimbusfed/nimbus/pkg/engine"
)

const orderColumns = `id, type, state, requester_id, requester_name, requester_idp, provider,
	cloud_name, instance_id, fault_message, handed_over, payload, created_at, updated_at`

// Save inserts a newly created order and records its initial state.
func (s *SQLStore) Save(ctx context.Context, order *engine.Order) error {
	payload, err := encodePayload(order)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO orders (`+orderColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`),
			order.ID,
			string(order.Type),
			string(order.State),
			order.Requester.ID,
			order.Requester.Name,
			order.Requester.IdentityProvider,
			order.Provider,
			order.CloudName,
			order.InstanceID,
			order.FaultMessage,
			order.HandedOver,
			payload,
			toNanos(order.CreatedAt),
			toNanos(order.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}
		return s.insertStateChange(ctx, tx, order)
	})
}

// Update stores the mutable fields of an existing order without touching its history.
func (s *SQLStore) Update(ctx context.Context, order *engine.Order) error {
	payload, err := encodePayload(order)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE orders
		SET state = ?, instance_id = ?, fault_message = ?, handed_over = ?, payload = ?, updated_at = ?
		WHERE id = ?
	`),
		string(order.State),
		order.InstanceID,
		order.FaultMessage,
		order.HandedOver,
		payload,
		toNanos(order.UpdatedAt),
		order.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return requireRow(res, order.ID)
}

// RegisterStateChange stores the order's current fields and appends its state to the history.
func (s *SQLStore) RegisterStateChange(ctx context.Context, order *engine.Order) error {
	payload, err := encodePayload(order)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE orders
			SET state = ?, instance_id = ?, fault_message = ?, handed_over = ?, payload = ?, updated_at = ?
			WHERE id = ?
		`),
			string(order.State),
			order.InstanceID,
			order.FaultMessage,
			order.HandedOver,
			payload,
			toNanos(order.UpdatedAt),
			order.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update order state: %w", err)
		}
		if err := requireRow(res, order.ID); err != nil {
			return err
		}
		return s.insertStateChange(ctx, tx, order)
	})
}

func (s *SQLStore) insertStateChange(ctx context.Context, tx *sql.Tx, order *engine.Order) error {
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO order_state_changes (order_id, state, changed_at)
		VALUES (?, ?, ?)
	`), order.ID, string(order.State), toNanos(order.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to record state change: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by ID.
func (s *SQLStore) GetOrder(ctx context.Context, id string) (*engine.Order, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+orderColumns+` FROM orders WHERE id = ?`), id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("order %s not found", id), nil).WithOrder(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// ReadActiveOrders returns every stored order in the given state, oldest first.
func (s *SQLStore) ReadActiveOrders(ctx context.Context, state engine.OrderState) ([]*engine.Order, error) {
	return s.ListOrders(ctx, OrderFilter{State: state})
}

// ListOrders returns orders matching the filter, oldest first.
func (s *SQLStore) ListOrders(ctx context.Context, filter OrderFilter) ([]*engine.Order, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Requester != nil {
		where = append(where, "requester_id = ? AND requester_idp = ?")
		args = append(args, filter.Requester.ID, filter.Requester.IdentityProvider)
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*engine.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

// ListStateChanges returns the state history of an order in the order it happened.
func (s *SQLStore) ListStateChanges(ctx context.Context, orderID string) ([]*engine.StateChange, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, order_id, state, changed_at
		FROM order_state_changes
		WHERE order_id = ?
		ORDER BY id
	`), orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list state changes: %w", err)
	}
	defer rows.Close()

	var changes []*engine.StateChange
	for rows.Next() {
		var (
			c       engine.StateChange
			state   string
			changed int64
		)
		if err := rows.Scan(&c.ID, &c.OrderID, &state, &changed); err != nil {
			return nil, fmt.Errorf("failed to scan state change: %w", err)
		}
		c.State = engine.OrderState(state)
		c.Timestamp = fromNanos(changed)
		changes = append(changes, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating state changes: %w", err)
	}
	return changes, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*engine.Order, error) {
	var (
		order            engine.Order
		orderType, state string
		payload          []byte
		created, updated int64
	)
	err := row.Scan(
		&order.ID,
		&orderType,
		&state,
		&order.Requester.ID,
		&order.Requester.Name,
		&order.Requester.IdentityProvider,
		&order.Provider,
		&order.CloudName,
		&order.InstanceID,
		&order.FaultMessage,
		&order.HandedOver,
		&payload,
		&created,
		&updated,
	)
	if err != nil {
		return nil, err
	}

	order.Type = engine.OrderType(orderType)
	order.State = engine.OrderState(state)
	order.CreatedAt = fromNanos(created)
	order.UpdatedAt = fromNanos(updated)

	var p payloadRecord
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode payload of order %s: %w", order.ID, err)
	}
	order.Compute = p.Compute
	order.Volume = p.Volume
	order.Network = p.Network
	order.Attachment = p.Attachment
	order.PublicIP = p.PublicIP

	return &order, nil
}

func encodePayload(order *engine.Order) (string, error) {
	data, err := json.Marshal(payloadRecord{
		Compute:    order.Compute,
		Volume:     order.Volume,
		Network:    order.Network,
		Attachment: order.Attachment,
		PublicIP:   order.PublicIP,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode payload of order %s: %w", order.ID, err)
	}
	return string(data), nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n == 0 {
		return engine.NewNotFoundError(fmt.Sprintf("order %s not found", id), nil).WithOrder(id)
	}
	return nil
}
