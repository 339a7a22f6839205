package store

import (
	"context"
	"fmt"

	"pulse/internal/core"
	"pulse/pkg/ids"
	"pulse/pkg/reqctx"
)

// AppendBrokerEvent inserts one audit row, assigning event_sequence at insert
// time so sequences stay gap-free per execution even under concurrency (the
// UNIQUE(execution_id, event_sequence) constraint rejects collisions).
func (s *Store) AppendBrokerEvent(ctx context.Context, rctx reqctx.Context, event *core.BrokerEvent) error {
	if event.ID == "" {
		event.ID = ids.NewEventID()
	}
	if event.RequestID == "" {
		event.RequestID = rctx.RequestID
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO order_slice_broker_events (
			id, execution_id, slice_id, event_sequence, event_type, event_timestamp,
			attempt_number, attempt_id, executor_id, broker_name, broker_order_id,
			request_method, request_endpoint, request_payload,
			response_status_code, response_body, response_time_ms,
			broker_status, broker_message, filled_quantity, pending_quantity, average_price,
			is_success, error_code, error_message, request_id
		) VALUES (
			$1, $2, $3,
			(SELECT COALESCE(MAX(event_sequence), 0) + 1
			 FROM order_slice_broker_events WHERE execution_id = $2),
			$4, NOW(),
			$5, $6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15,
			$16, $17, $18, $19, $20,
			$21, $22, $23, $24
		)
		RETURNING event_sequence, event_timestamp, created_at`,
		event.ID, event.ExecutionID, event.SliceID,
		event.EventType,
		event.AttemptNumber, event.AttemptID, event.ExecutorID, event.BrokerName,
		nullIfEmpty(event.BrokerOrderID),
		nullIfEmpty(event.RequestMethod), nullIfEmpty(event.RequestEndpoint), nullIfBlank(event.RequestPayload),
		nullIfZero(event.ResponseStatusCode), nullIfBlank(event.ResponseBody), event.ResponseTimeMs,
		nullIfEmpty(string(event.BrokerStatus)), nullIfEmpty(event.BrokerMessage),
		event.FilledQuantity, event.PendingQuantity, event.AveragePrice,
		event.IsSuccess, nullIfEmpty(event.ErrorCode), nullIfEmpty(event.ErrorMessage),
		event.RequestID,
	).Scan(&event.EventSequence, &event.EventTimestamp, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append broker event: %w", err)
	}
	return nil
}

func (s *Store) ListBrokerEvents(ctx context.Context, rctx reqctx.Context, executionID string) ([]*core.BrokerEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			id, execution_id, slice_id, event_sequence, event_type, event_timestamp,
			attempt_number, attempt_id, executor_id, broker_name,
			COALESCE(broker_order_id, ''),
			COALESCE(request_method, ''), COALESCE(request_endpoint, ''), request_payload,
			COALESCE(response_status_code, 0), response_body, COALESCE(response_time_ms, 0),
			COALESCE(broker_status, ''), COALESCE(broker_message, ''),
			COALESCE(filled_quantity, 0), COALESCE(pending_quantity, 0), average_price,
			is_success, COALESCE(error_code, ''), COALESCE(error_message, ''),
			request_id, created_at
		FROM order_slice_broker_events
		WHERE execution_id = $1
		ORDER BY event_sequence`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list broker events: %w", err)
	}
	defer rows.Close()

	var out []*core.BrokerEvent
	for rows.Next() {
		var e core.BrokerEvent
		err := rows.Scan(
			&e.ID, &e.ExecutionID, &e.SliceID, &e.EventSequence, &e.EventType, &e.EventTimestamp,
			&e.AttemptNumber, &e.AttemptID, &e.ExecutorID, &e.BrokerName,
			&e.BrokerOrderID,
			&e.RequestMethod, &e.RequestEndpoint, &e.RequestPayload,
			&e.ResponseStatusCode, &e.ResponseBody, &e.ResponseTimeMs,
			&e.BrokerStatus, &e.BrokerMessage,
			&e.FilledQuantity, &e.PendingQuantity, &e.AveragePrice,
			&e.IsSuccess, &e.ErrorCode, &e.ErrorMessage,
			&e.RequestID, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan broker event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullIfBlank(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullIfZero(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
