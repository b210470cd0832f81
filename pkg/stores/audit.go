package stores

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nimbusfed/nimbus/pkg/engine"
)

// RegisterRequest appends an audit record for a cloud request.
func (s *SQLStore) RegisterRequest(ctx context.Context, record *engine.AuditRecord) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO audit_records (operation, resource_type, user_id, requesting_provider, order_id, cloud_name, outcome, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`),
		record.Operation,
		string(record.ResourceType),
		record.UserID,
		record.RequestingProvider,
		record.OrderID,
		record.CloudName,
		record.Outcome,
		toNanos(record.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to register request: %w", err)
	}
	return nil
}

// ListAuditRecords retrieves audit records matching the filter, newest first.
func (s *SQLStore) ListAuditRecords(ctx context.Context, filter AuditFilter) ([]*engine.AuditRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.OrderID != "" {
		where = append(where, "order_id = ?")
		args = append(args, filter.OrderID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, filter.Operation)
	}

	query := `
		SELECT id, operation, resource_type, user_id, requesting_provider, order_id, cloud_name, outcome, recorded_at
		FROM audit_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY recorded_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var records []*engine.AuditRecord
	for rows.Next() {
		var (
			r            engine.AuditRecord
			resourceType string
			recorded     int64
		)
		err := rows.Scan(
			&r.ID,
			&r.Operation,
			&resourceType,
			&r.UserID,
			&r.RequestingProvider,
			&r.OrderID,
			&r.CloudName,
			&r.Outcome,
			&recorded,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		r.ResourceType = engine.OrderType(resourceType)
		r.Timestamp = fromNanos(recorded)
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}
	return records, nil
}
