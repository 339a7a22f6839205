package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pulse/internal/core"
	"pulse/pkg/apperrors"
	"pulse/pkg/ids"
	"pulse/pkg/reqctx"
)

// Store is an in-memory core.IStore with the same coordination semantics as
// the Postgres store: unique order keys, the one-execution-per-slice
// interlock, lease verification, and per-execution event sequencing. The
// clock is injectable so lease expiry can be tested without sleeping.
type Store struct {
	mu sync.Mutex

	now func() time.Time

	orders      map[string]*core.Order
	ordersByKey map[string]string
	slices      map[string]*core.OrderSlice
	executions  map[string]*core.Execution
	execBySlice map[string]string
	events      map[string][]*core.BrokerEvent
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		now:         func() time.Time { return time.Now().UTC() },
		orders:      make(map[string]*core.Order),
		ordersByKey: make(map[string]string),
		slices:      make(map[string]*core.OrderSlice),
		executions:  make(map[string]*core.Execution),
		execBySlice: make(map[string]string),
		events:      make(map[string][]*core.BrokerEvent),
	}
}

// SetClock replaces the store clock.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) CreateOrder(ctx context.Context, rctx reqctx.Context, order *core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ordersByKey[order.OrderUniqueKey]; exists {
		return fmt.Errorf("%w: order_unique_key %q", apperrors.ErrDuplicateOrderKey, order.OrderUniqueKey)
	}

	cp := *order
	if cp.ID == "" {
		cp.ID = ids.NewOrderID()
	}
	if cp.QueueStatus == "" {
		cp.QueueStatus = core.QueuePending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = s.now()

	s.orders[cp.ID] = &cp
	s.ordersByKey[cp.OrderUniqueKey] = cp.ID
	order.ID = cp.ID
	order.QueueStatus = cp.QueueStatus
	order.CreatedAt = cp.CreatedAt
	return nil
}

func (s *Store) GetOrder(ctx context.Context, rctx reqctx.Context, orderID string) (*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	cp := *order
	return &cp, nil
}

func (s *Store) GetOrderByUniqueKey(ctx context.Context, rctx reqctx.Context, uniqueKey string) (*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.ordersByKey[uniqueKey]
	if !ok {
		return nil, fmt.Errorf("%w: order_unique_key %q", apperrors.ErrOrderNotFound, uniqueKey)
	}
	cp := *s.orders[id]
	return &cp, nil
}

func (s *Store) ListPendingOrders(ctx context.Context, rctx reqctx.Context, limit int) ([]*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.Order
	for _, order := range s.orders {
		if order.QueueStatus == core.QueuePending {
			cp := *order
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkOrderFailed(ctx context.Context, rctx reqctx.Context, orderID, skipReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	order.QueueStatus = core.QueueFailed
	order.QueueSkipReason = skipReason
	order.UpdatedAt = s.now()
	return nil
}

func (s *Store) SplitOrder(ctx context.Context, rctx reqctx.Context, orderID string,
	plan func(order *core.Order) ([]*core.OrderSlice, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok || order.QueueStatus != core.QueuePending {
		return false, nil
	}

	cp := *order
	planned, err := plan(&cp)
	if err != nil {
		// Transaction rollback: the order stays PENDING.
		return false, err
	}

	now := s.now()
	for _, slice := range planned {
		scp := *slice
		if scp.ID == "" {
			scp.ID = ids.NewSliceID()
		}
		if scp.Status == "" {
			scp.Status = core.SlicePending
		}
		scp.OrderID = orderID
		scp.CreatedAt = now
		scp.UpdatedAt = now
		s.slices[scp.ID] = &scp
	}

	order.QueueStatus = core.QueueCompleted
	order.SplitCompletedAt = &now
	order.UpdatedAt = now
	return true, nil
}

func (s *Store) GetSlice(ctx context.Context, rctx reqctx.Context, sliceID string) (*core.OrderSlice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slice, ok := s.slices[sliceID]
	if !ok {
		return nil, fmt.Errorf("slice %s not found", sliceID)
	}
	cp := *slice
	return &cp, nil
}

func (s *Store) ListSlicesByOrder(ctx context.Context, rctx reqctx.Context, orderID string) ([]*core.OrderSlice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slicesOfLocked(orderID, nil), nil
}

func (s *Store) ListCancellableSlices(ctx context.Context, rctx reqctx.Context, orderID string) ([]*core.OrderSlice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slicesOfLocked(orderID, map[core.SliceStatus]bool{
		core.SlicePending:   true,
		core.SliceExecuting: true,
	}), nil
}

func (s *Store) slicesOfLocked(orderID string, statuses map[core.SliceStatus]bool) []*core.OrderSlice {
	var out []*core.OrderSlice
	for _, slice := range s.slices {
		if slice.OrderID != orderID {
			continue
		}
		if statuses != nil && !statuses[slice.Status] {
			continue
		}
		cp := *slice
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out
}

func (s *Store) SkipSlice(ctx context.Context, rctx reqctx.Context, sliceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slice, ok := s.slices[sliceID]
	if !ok {
		return fmt.Errorf("slice %s not found", sliceID)
	}
	slice.Status = core.SliceSkipped
	slice.UpdatedAt = s.now()
	return nil
}

func (s *Store) ClaimDueSlices(ctx context.Context, rctx reqctx.Context, executorID string,
	limit int, lease time.Duration) ([]*core.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	var due []*core.OrderSlice
	for _, slice := range s.slices {
		if slice.Status == core.SlicePending && !slice.ScheduledAt.After(now) {
			due = append(due, slice)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].SequenceNumber < due[j].SequenceNumber
	})

	var claims []*core.Claim
	for _, slice := range due {
		if limit > 0 && len(claims) >= limit {
			break
		}
		// UNIQUE(slice_id): a slice that already has an execution was won by
		// another worker.
		if _, taken := s.execBySlice[slice.ID]; taken {
			continue
		}

		exec := &core.Execution{
			ID:                ids.NewExecutionID(),
			SliceID:           slice.ID,
			AttemptID:         ids.NewAttemptID(),
			ExecutorID:        executorID,
			ExecutorClaimedAt: now,
			ExecutorTimeoutAt: now.Add(lease),
			LastHeartbeatAt:   now,
			ExecutionStatus:   core.ExecutionClaimed,
			RequestID:         rctx.RequestID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		s.executions[exec.ID] = exec
		s.execBySlice[slice.ID] = exec.ID

		slice.Status = core.SliceExecuting
		slice.UpdatedAt = now

		scp := *slice
		ecp := *exec
		claims = append(claims, &core.Claim{Slice: &scp, Execution: &ecp})
	}
	return claims, nil
}

func (s *Store) GetExecution(ctx context.Context, rctx reqctx.Context, executionID string) (*core.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getExecutionLocked(executionID)
}

func (s *Store) getExecutionLocked(executionID string) (*core.Execution, error) {
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrExecutionNotFound, executionID)
	}
	cp := *exec
	return &cp, nil
}

func (s *Store) GetExecutionBySlice(ctx context.Context, rctx reqctx.Context, sliceID string) (*core.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.execBySlice[sliceID]
	if !ok {
		return nil, fmt.Errorf("%w: slice %s", apperrors.ErrExecutionNotFound, sliceID)
	}
	return s.getExecutionLocked(id)
}

func (s *Store) VerifyAndExtendLease(ctx context.Context, rctx reqctx.Context,
	executionID, executorID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	now := s.now()
	if !ok ||
		exec.ExecutorID != executorID ||
		(exec.ExecutionStatus != core.ExecutionClaimed && exec.ExecutionStatus != core.ExecutionPlaced) ||
		!exec.ExecutorTimeoutAt.After(now) {
		return fmt.Errorf("%w: execution %s", apperrors.ErrOwnershipLost, executionID)
	}

	exec.ExecutorTimeoutAt = now.Add(lease)
	exec.LastHeartbeatAt = now
	exec.UpdatedAt = now
	return nil
}

func (s *Store) MarkExecutionPlaced(ctx context.Context, rctx reqctx.Context, executionID string, resp *core.BrokerResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrExecutionNotFound, executionID)
	}
	now := s.now()
	exec.ExecutionStatus = core.ExecutionPlaced
	exec.BrokerOrderID = resp.BrokerOrderID
	exec.BrokerOrderStatus = resp.Status
	exec.FilledQuantity = resp.FilledQuantity
	exec.AveragePrice = resp.AveragePrice
	exec.PlacementConfirmedAt = &now
	exec.UpdatedAt = now
	return nil
}

func (s *Store) UpdateExecutionBrokerState(ctx context.Context, rctx reqctx.Context, executionID string, resp *core.BrokerResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrExecutionNotFound, executionID)
	}
	now := s.now()
	exec.BrokerOrderStatus = resp.Status
	exec.FilledQuantity = resp.FilledQuantity
	exec.AveragePrice = resp.AveragePrice
	exec.LastBrokerPollAt = &now
	exec.UpdatedAt = now
	return nil
}

func (s *Store) RecordPlacementAttempt(ctx context.Context, rctx reqctx.Context, executionID string, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrExecutionNotFound, executionID)
	}
	now := s.now()
	exec.PlacementAttempts = attempts
	exec.LastAttemptAt = &now
	exec.LastAttemptError = lastError
	exec.UpdatedAt = now
	return nil
}

func (s *Store) FinalizeExecution(ctx context.Context, rctx reqctx.Context, executionID string, fin core.ExecutionFinal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrExecutionNotFound, executionID)
	}
	// Already terminal: the finalize lost a race (worker vs monitor) and the
	// first write wins.
	if exec.ExecutionStatus == core.ExecutionCompleted || exec.ExecutionStatus == core.ExecutionSkipped {
		return nil
	}

	now := s.now()
	exec.ExecutionStatus = core.ExecutionCompleted
	exec.ExecutionResult = fin.Result
	if fin.BrokerOrderStatus != "" {
		exec.BrokerOrderStatus = fin.BrokerOrderStatus
	}
	exec.FilledQuantity = fin.FilledQuantity
	exec.AveragePrice = fin.AveragePrice
	exec.ErrorCode = fin.ErrorCode
	exec.ErrorMessage = fin.ErrorMessage
	exec.CompletedAt = &now
	exec.UpdatedAt = now

	if slice, ok := s.slices[exec.SliceID]; ok {
		slice.Status = core.SliceCompleted
		slice.FilledQuantity = fin.FilledQuantity
		slice.AveragePrice = fin.AveragePrice
		slice.UpdatedAt = now
	}
	return nil
}

func (s *Store) SkipExecution(ctx context.Context, rctx reqctx.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrExecutionNotFound, executionID)
	}
	if exec.ExecutionStatus == core.ExecutionCompleted || exec.ExecutionStatus == core.ExecutionSkipped {
		return nil
	}
	exec.ExecutionStatus = core.ExecutionSkipped
	exec.UpdatedAt = s.now()
	return nil
}

func (s *Store) ListExpiredExecutions(ctx context.Context, rctx reqctx.Context) ([]*core.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []*core.Execution
	for _, exec := range s.executions {
		if (exec.ExecutionStatus == core.ExecutionClaimed || exec.ExecutionStatus == core.ExecutionPlaced) &&
			exec.ExecutorTimeoutAt.Before(now) {
			cp := *exec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutorTimeoutAt.Before(out[j].ExecutorTimeoutAt) })
	return out, nil
}

func (s *Store) AppendBrokerEvent(ctx context.Context, rctx reqctx.Context, event *core.BrokerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	if cp.ID == "" {
		cp.ID = ids.NewEventID()
	}
	cp.EventSequence = len(s.events[cp.ExecutionID]) + 1
	if cp.EventTimestamp.IsZero() {
		cp.EventTimestamp = s.now()
	}
	cp.CreatedAt = s.now()

	s.events[cp.ExecutionID] = append(s.events[cp.ExecutionID], &cp)
	return nil
}

func (s *Store) ListBrokerEvents(ctx context.Context, rctx reqctx.Context, executionID string) ([]*core.BrokerEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.events[executionID]
	out := make([]*core.BrokerEvent, 0, len(events))
	for _, e := range events {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}
