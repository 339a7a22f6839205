package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pulse/internal/core"
	"pulse/pkg/apperrors"
	"pulse/pkg/reqctx"

	"github.com/jackc/pgx/v5"
)

const executionColumns = `
	id, slice_id, attempt_id, executor_id,
	executor_claimed_at, executor_timeout_at, last_heartbeat_at,
	execution_status, COALESCE(broker_order_id, ''), COALESCE(broker_order_status, ''),
	COALESCE(filled_quantity, 0), average_price, COALESCE(execution_result, ''),
	COALESCE(placement_attempts, 0), last_attempt_at, COALESCE(last_attempt_error, ''),
	validation_started_at, placement_confirmed_at, last_broker_poll_at, completed_at,
	COALESCE(error_code, ''), COALESCE(error_message, ''),
	request_id, created_at, updated_at`

func scanExecution(row pgx.Row) (*core.Execution, error) {
	var e core.Execution
	err := row.Scan(
		&e.ID, &e.SliceID, &e.AttemptID, &e.ExecutorID,
		&e.ExecutorClaimedAt, &e.ExecutorTimeoutAt, &e.LastHeartbeatAt,
		&e.ExecutionStatus, &e.BrokerOrderID, &e.BrokerOrderStatus,
		&e.FilledQuantity, &e.AveragePrice, &e.ExecutionResult,
		&e.PlacementAttempts, &e.LastAttemptAt, &e.LastAttemptError,
		&e.ValidationStartedAt, &e.PlacementConfirmedAt, &e.LastBrokerPollAt, &e.CompletedAt,
		&e.ErrorCode, &e.ErrorMessage,
		&e.RequestID, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) GetExecution(ctx context.Context, rctx reqctx.Context, executionID string) (*core.Execution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM order_slice_executions WHERE id = $1`, executionID)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch execution: %w", err)
	}
	return exec, nil
}

func (s *Store) GetExecutionBySlice(ctx context.Context, rctx reqctx.Context, sliceID string) (*core.Execution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM order_slice_executions WHERE slice_id = $1`, sliceID)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: slice %s", apperrors.ErrExecutionNotFound, sliceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch execution by slice: %w", err)
	}
	return exec, nil
}

// VerifyAndExtendLease is the combined ownership check and heartbeat: a
// single conditional UPDATE that only succeeds while the caller still owns a
// live, non-terminal execution.
func (s *Store) VerifyAndExtendLease(ctx context.Context, rctx reqctx.Context,
	executionID, executorID string, lease time.Duration) error {

	tag, err := s.pool.Exec(ctx, `
		UPDATE order_slice_executions
		SET executor_timeout_at = NOW() + make_interval(secs => $3),
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
		  AND executor_id = $2
		  AND execution_status IN ('CLAIMED', 'PLACED')
		  AND executor_timeout_at > NOW()`,
		executionID, executorID, lease.Seconds())
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: execution %s", apperrors.ErrOwnershipLost, executionID)
	}
	return nil
}

func (s *Store) MarkExecutionPlaced(ctx context.Context, rctx reqctx.Context, executionID string, resp *core.BrokerResponse) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE order_slice_executions
		SET execution_status = 'PLACED',
		    broker_order_id = $2,
		    broker_order_status = $3,
		    filled_quantity = $4,
		    average_price = $5,
		    placement_confirmed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1`,
		executionID, resp.BrokerOrderID, nullIfEmpty(string(resp.Status)),
		resp.FilledQuantity, resp.AveragePrice)
	if err != nil {
		return fmt.Errorf("failed to mark execution placed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrExecutionNotFound, executionID)
	}
	return nil
}

func (s *Store) UpdateExecutionBrokerState(ctx context.Context, rctx reqctx.Context, executionID string, resp *core.BrokerResponse) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE order_slice_executions
		SET broker_order_status = $2,
		    filled_quantity = $3,
		    average_price = $4,
		    last_broker_poll_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1`,
		executionID, nullIfEmpty(string(resp.Status)), resp.FilledQuantity, resp.AveragePrice)
	if err != nil {
		return fmt.Errorf("failed to update broker state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrExecutionNotFound, executionID)
	}
	return nil
}

func (s *Store) RecordPlacementAttempt(ctx context.Context, rctx reqctx.Context, executionID string, attempts int, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE order_slice_executions
		SET placement_attempts = $2,
		    last_attempt_at = NOW(),
		    last_attempt_error = $3,
		    updated_at = NOW()
		WHERE id = $1`,
		executionID, attempts, nullIfEmpty(lastError))
	if err != nil {
		return fmt.Errorf("failed to record placement attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrExecutionNotFound, executionID)
	}
	return nil
}

// FinalizeExecution writes the terminal state for a non-terminal execution
// and completes its slice in the same transaction. Executions that are
// already COMPLETED or SKIPPED are left untouched, so the worker and the
// timeout monitor can both call this without clobbering each other.
func (s *Store) FinalizeExecution(ctx context.Context, rctx reqctx.Context, executionID string, fin core.ExecutionFinal) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var sliceID string
		err := tx.QueryRow(ctx, `
			UPDATE order_slice_executions
			SET execution_status = 'COMPLETED',
			    execution_result = $2,
			    broker_order_status = COALESCE($3, broker_order_status),
			    filled_quantity = $4,
			    average_price = $5,
			    error_code = $6,
			    error_message = $7,
			    completed_at = NOW(),
			    updated_at = NOW()
			WHERE id = $1 AND execution_status IN ('CLAIMED', 'PLACED')
			RETURNING slice_id`,
			executionID, fin.Result, nullIfEmpty(string(fin.BrokerOrderStatus)),
			fin.FilledQuantity, fin.AveragePrice,
			nullIfEmpty(fin.ErrorCode), nullIfEmpty(fin.ErrorMessage),
		).Scan(&sliceID)
		if errors.Is(err, pgx.ErrNoRows) {
			// Already terminal; first writer wins.
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to finalize execution: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE order_slices
			SET status = 'COMPLETED',
			    filled_quantity = $2,
			    average_price = $3,
			    updated_at = NOW()
			WHERE id = $1`,
			sliceID, fin.FilledQuantity, fin.AveragePrice); err != nil {
			return fmt.Errorf("failed to complete slice: %w", err)
		}
		return nil
	})
}

func (s *Store) SkipExecution(ctx context.Context, rctx reqctx.Context, executionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE order_slice_executions
		SET execution_status = 'SKIPPED', updated_at = NOW()
		WHERE id = $1 AND execution_status IN ('CLAIMED', 'PLACED')`,
		executionID)
	if err != nil {
		return fmt.Errorf("failed to skip execution: %w", err)
	}
	return nil
}

func (s *Store) ListExpiredExecutions(ctx context.Context, rctx reqctx.Context) ([]*core.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+`
		FROM order_slice_executions
		WHERE execution_status IN ('CLAIMED', 'PLACED')
		  AND executor_timeout_at < NOW()
		ORDER BY executor_timeout_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired executions: %w", err)
	}
	defer rows.Close()

	var out []*core.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// nullIfEmpty maps "" to SQL NULL for nullable varchar columns with CHECK
// constraints.
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
