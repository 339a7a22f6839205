package store

import (
	"context"
	"errors"
	"fmt"

	"pulse/internal/core"
	"pulse/pkg/apperrors"
	"pulse/pkg/reqctx"

	"github.com/jackc/pgx/v5"
)

const orderColumns = `
	id, instrument, side, total_quantity, num_splits, duration_minutes,
	randomize, order_unique_key, order_queue_status,
	COALESCE(order_queue_skip_reason, ''), split_completed_at,
	origin_trace_id, origin_trace_source, origin_request_id, origin_request_source,
	request_id, created_at, updated_at`

func scanOrder(row pgx.Row) (*core.Order, error) {
	var o core.Order
	err := row.Scan(
		&o.ID, &o.Instrument, &o.Side, &o.TotalQuantity, &o.NumSplits, &o.DurationMinutes,
		&o.Randomize, &o.OrderUniqueKey, &o.QueueStatus,
		&o.QueueSkipReason, &o.SplitCompletedAt,
		&o.OriginTraceID, &o.OriginTraceSource, &o.OriginRequestID, &o.OriginRequestSource,
		&o.RequestID, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) CreateOrder(ctx context.Context, rctx reqctx.Context, order *core.Order) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (
			id, instrument, side, total_quantity, num_splits, duration_minutes,
			randomize, order_unique_key, order_queue_status,
			origin_trace_id, origin_trace_source, origin_request_id, origin_request_source,
			request_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'PENDING', $9, $10, $11, $12, $13)`,
		order.ID, order.Instrument, order.Side, order.TotalQuantity, order.NumSplits,
		order.DurationMinutes, order.Randomize, order.OrderUniqueKey,
		order.OriginTraceID, order.OriginTraceSource, order.OriginRequestID, order.OriginRequestSource,
		order.RequestID,
	)
	if err != nil {
		if isUniqueViolation(err, "order_unique_key") {
			return fmt.Errorf("%w: order_unique_key %q", apperrors.ErrDuplicateOrderKey, order.OrderUniqueKey)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	order.QueueStatus = core.QueuePending
	return nil
}

func (s *Store) GetOrder(ctx context.Context, rctx reqctx.Context, orderID string) (*core.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	return order, nil
}

func (s *Store) GetOrderByUniqueKey(ctx context.Context, rctx reqctx.Context, uniqueKey string) (*core.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_unique_key = $1`, uniqueKey)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: order_unique_key %q", apperrors.ErrOrderNotFound, uniqueKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order by unique key: %w", err)
	}
	return order, nil
}

func (s *Store) ListPendingOrders(ctx context.Context, rctx reqctx.Context, limit int) ([]*core.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE order_queue_status = 'PENDING'
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending orders: %w", err)
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

func (s *Store) MarkOrderFailed(ctx context.Context, rctx reqctx.Context, orderID, skipReason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET order_queue_status = 'FAILED',
		    order_queue_skip_reason = $2,
		    updated_at = NOW()
		WHERE id = $1`, orderID, skipReason)
	if err != nil {
		return fmt.Errorf("failed to mark order failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	return nil
}

// SplitOrder materializes a PENDING order's slices in one transaction. The
// row lock uses SKIP LOCKED so racing splitting workers pass each other by;
// (false, nil) means another worker holds or already finished this order.
func (s *Store) SplitOrder(ctx context.Context, rctx reqctx.Context, orderID string,
	plan func(order *core.Order) ([]*core.OrderSlice, error)) (bool, error) {

	var split bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT `+orderColumns+`
			FROM orders
			WHERE id = $1 AND order_queue_status = 'PENDING'
			FOR UPDATE SKIP LOCKED`, orderID)
		order, err := scanOrder(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE orders SET order_queue_status = 'IN_PROGRESS', updated_at = NOW()
			WHERE id = $1`, orderID); err != nil {
			return fmt.Errorf("failed to mark order in progress: %w", err)
		}

		slices, err := plan(order)
		if err != nil {
			return err
		}

		for _, slice := range slices {
			if _, err := tx.Exec(ctx, `
				INSERT INTO order_slices (
					id, order_id, instrument, side, quantity, sequence_number,
					status, scheduled_at, order_type, limit_price, product_type,
					validity, request_id
				) VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', $7, $8, $9, $10, $11, $12)`,
				slice.ID, orderID, slice.Instrument, slice.Side, slice.Quantity,
				slice.SequenceNumber, slice.ScheduledAt, slice.OrderType, slice.LimitPrice,
				slice.ProductType, slice.Validity, slice.RequestID,
			); err != nil {
				return fmt.Errorf("failed to insert slice %d: %w", slice.SequenceNumber, err)
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE orders
			SET order_queue_status = 'COMPLETED', split_completed_at = NOW(), updated_at = NOW()
			WHERE id = $1`, orderID); err != nil {
			return fmt.Errorf("failed to complete order: %w", err)
		}
		split = true
		return nil
	})
	return split, err
}
