package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pulse/internal/core"
	"pulse/pkg/apperrors"
	"pulse/pkg/ids"
	"pulse/pkg/reqctx"

	"github.com/jackc/pgx/v5"
)

const sliceColumns = `
	id, order_id, instrument, side, quantity, sequence_number, status,
	scheduled_at, COALESCE(order_type, 'MARKET'), limit_price,
	COALESCE(product_type, ''), COALESCE(validity, ''),
	COALESCE(filled_quantity, 0), average_price,
	request_id, created_at, updated_at`

func scanSlice(row pgx.Row) (*core.OrderSlice, error) {
	var sl core.OrderSlice
	err := row.Scan(
		&sl.ID, &sl.OrderID, &sl.Instrument, &sl.Side, &sl.Quantity, &sl.SequenceNumber,
		&sl.Status, &sl.ScheduledAt, &sl.OrderType, &sl.LimitPrice,
		&sl.ProductType, &sl.Validity, &sl.FilledQuantity, &sl.AveragePrice,
		&sl.RequestID, &sl.CreatedAt, &sl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sl, nil
}

func (s *Store) GetSlice(ctx context.Context, rctx reqctx.Context, sliceID string) (*core.OrderSlice, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sliceColumns+` FROM order_slices WHERE id = $1`, sliceID)
	slice, err := scanSlice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("slice %s not found", sliceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch slice: %w", err)
	}
	return slice, nil
}

func (s *Store) ListSlicesByOrder(ctx context.Context, rctx reqctx.Context, orderID string) ([]*core.OrderSlice, error) {
	return s.querySlices(ctx, `
		SELECT `+sliceColumns+`
		FROM order_slices
		WHERE order_id = $1
		ORDER BY sequence_number`, orderID)
}

func (s *Store) ListCancellableSlices(ctx context.Context, rctx reqctx.Context, orderID string) ([]*core.OrderSlice, error) {
	return s.querySlices(ctx, `
		SELECT `+sliceColumns+`
		FROM order_slices
		WHERE order_id = $1 AND status IN ('PENDING', 'EXECUTING')
		ORDER BY sequence_number`, orderID)
}

func (s *Store) querySlices(ctx context.Context, sql string, args ...interface{}) ([]*core.OrderSlice, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query slices: %w", err)
	}
	defer rows.Close()

	var out []*core.OrderSlice
	for rows.Next() {
		slice, err := scanSlice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slice: %w", err)
		}
		out = append(out, slice)
	}
	return out, rows.Err()
}

func (s *Store) SkipSlice(ctx context.Context, rctx reqctx.Context, sliceID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE order_slices SET status = 'SKIPPED', updated_at = NOW()
		WHERE id = $1`, sliceID)
	if err != nil {
		return fmt.Errorf("failed to skip slice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("slice %s not found", sliceID)
	}
	return nil
}

// ClaimDueSlices leases due PENDING slices to executorID. The slice rows are
// locked with SKIP LOCKED; the execution insert runs under a savepoint so a
// UNIQUE(slice_id) violation from a racing worker only loses that slice, not
// the whole batch.
func (s *Store) ClaimDueSlices(ctx context.Context, rctx reqctx.Context, executorID string,
	limit int, lease time.Duration) ([]*core.Claim, error) {

	var claims []*core.Claim
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+sliceColumns+`
			FROM order_slices
			WHERE status = 'PENDING' AND scheduled_at <= NOW()
			ORDER BY scheduled_at, sequence_number
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return fmt.Errorf("failed to lock due slices: %w", err)
		}

		var due []*core.OrderSlice
		for rows.Next() {
			slice, err := scanSlice(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan due slice: %w", err)
			}
			due = append(due, slice)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, slice := range due {
			claim, err := s.claimOne(ctx, tx, rctx, executorID, slice, lease)
			if errors.Is(err, apperrors.ErrSliceAlreadyClaimed) {
				s.logger.Debug("Slice already claimed, skipping", "slice_id", slice.ID)
				continue
			}
			if err != nil {
				return err
			}
			claims = append(claims, claim)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// claimOne inserts the execution row for one slice inside a savepoint.
func (s *Store) claimOne(ctx context.Context, tx pgx.Tx, rctx reqctx.Context,
	executorID string, slice *core.OrderSlice, lease time.Duration) (*core.Claim, error) {

	sp, err := tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open savepoint: %w", err)
	}

	exec := &core.Execution{
		ID:              ids.NewExecutionID(),
		SliceID:         slice.ID,
		AttemptID:       ids.NewAttemptID(),
		ExecutorID:      executorID,
		ExecutionStatus: core.ExecutionClaimed,
		RequestID:       rctx.RequestID,
	}

	row := sp.QueryRow(ctx, `
		INSERT INTO order_slice_executions (
			id, slice_id, attempt_id, executor_id,
			executor_claimed_at, executor_timeout_at, last_heartbeat_at,
			execution_status, request_id
		) VALUES ($1, $2, $3, $4, NOW(), NOW() + make_interval(secs => $5), NOW(), 'CLAIMED', $6)
		RETURNING executor_claimed_at, executor_timeout_at, last_heartbeat_at, created_at, updated_at`,
		exec.ID, slice.ID, exec.AttemptID, executorID, lease.Seconds(), exec.RequestID,
	)
	err = row.Scan(&exec.ExecutorClaimedAt, &exec.ExecutorTimeoutAt, &exec.LastHeartbeatAt,
		&exec.CreatedAt, &exec.UpdatedAt)
	if err != nil {
		_ = sp.Rollback(ctx)
		if isUniqueViolation(err, "slice_id") {
			// Another worker already owns this slice.
			return nil, apperrors.ErrSliceAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to insert execution: %w", err)
	}

	if _, err := sp.Exec(ctx, `
		UPDATE order_slices SET status = 'EXECUTING', updated_at = NOW()
		WHERE id = $1`, slice.ID); err != nil {
		_ = sp.Rollback(ctx)
		return nil, fmt.Errorf("failed to mark slice executing: %w", err)
	}

	if err := sp.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit savepoint: %w", err)
	}

	slice.Status = core.SliceExecuting
	return &core.Claim{Slice: slice, Execution: exec}, nil
}
