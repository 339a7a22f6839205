// Package service exposes the ingress-facing operations: order submission
// and cancellation.
package service

import (
	"context"
	"fmt"
	"regexp"

	"pulse/internal/core"
	"pulse/internal/worker"
	"pulse/pkg/apperrors"
	"pulse/pkg/ids"
	"pulse/pkg/reqctx"
	"pulse/pkg/telemetry"
)

var instrumentPattern = regexp.MustCompile(`^[A-Z]+:[A-Z0-9]+$`)

// SubmitRequest is a validated order submission.
type SubmitRequest struct {
	OrderUniqueKey  string
	Instrument      string
	Side            core.Side
	TotalQuantity   int
	NumSplits       int
	DurationMinutes int
	Randomize       bool
}

// Validate enforces the ingress contract.
func (r *SubmitRequest) Validate() error {
	if l := len(r.OrderUniqueKey); l < 1 || l > 255 {
		return fmt.Errorf("%w: order_unique_key must be 1..255 chars", apperrors.ErrValidation)
	}
	if !instrumentPattern.MatchString(r.Instrument) {
		return fmt.Errorf("%w: instrument %q must match EXCHANGE:SYMBOL", apperrors.ErrValidation, r.Instrument)
	}
	if r.Side != core.SideBuy && r.Side != core.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", apperrors.ErrValidation)
	}
	if r.NumSplits < 2 || r.NumSplits > 100 {
		return fmt.Errorf("%w: num_splits must be in [2,100], got %d", apperrors.ErrValidation, r.NumSplits)
	}
	if r.TotalQuantity < r.NumSplits {
		return fmt.Errorf("%w: total_quantity %d must be >= num_splits %d", apperrors.ErrValidation, r.TotalQuantity, r.NumSplits)
	}
	if r.DurationMinutes < 1 || r.DurationMinutes > 1440 {
		return fmt.Errorf("%w: duration_minutes must be in [1,1440], got %d", apperrors.ErrValidation, r.DurationMinutes)
	}
	return nil
}

// OrderService accepts orders into the splitting queue and drives
// cancellation.
type OrderService struct {
	store        core.IStore
	cancellation *worker.CancellationHandler
	logger       core.ILogger
}

// NewOrderService creates an order service.
func NewOrderService(store core.IStore, cancellation *worker.CancellationHandler, logger core.ILogger) *OrderService {
	return &OrderService{
		store:        store,
		cancellation: cancellation,
		logger:       logger.WithField("component", "order_service"),
	}
}

// Submit validates and persists a new parent order in PENDING. A duplicate
// order_unique_key surfaces apperrors.ErrDuplicateOrderKey (ingress maps it
// to 409); it never creates a second order.
func (s *OrderService) Submit(ctx context.Context, rctx reqctx.Context, req *SubmitRequest) (*core.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	order := &core.Order{
		ID:              ids.NewOrderID(),
		Instrument:      req.Instrument,
		Side:            req.Side,
		TotalQuantity:   req.TotalQuantity,
		NumSplits:       req.NumSplits,
		DurationMinutes: req.DurationMinutes,
		Randomize:       req.Randomize,
		OrderUniqueKey:  req.OrderUniqueKey,
		QueueStatus:     core.QueuePending,

		OriginTraceID:       rctx.TraceID,
		OriginTraceSource:   rctx.TraceSource,
		OriginRequestID:     rctx.RequestID,
		OriginRequestSource: rctx.RequestSource,
		RequestID:           rctx.RequestID,
	}

	if err := s.store.CreateOrder(ctx, rctx, order); err != nil {
		return nil, err
	}

	telemetry.GetGlobalMetrics().OrdersSubmittedTotal.Add(ctx, 1)
	s.logger.Info("Order accepted",
		append(rctx.Fields(),
			"order_id", order.ID,
			"instrument", order.Instrument,
			"total_quantity", order.TotalQuantity,
			"num_splits", order.NumSplits)...)
	return order, nil
}

// Cancel skips all remaining work for an order. Repeated calls are safe.
func (s *OrderService) Cancel(ctx context.Context, rctx reqctx.Context, orderID string) (int, error) {
	if _, err := s.store.GetOrder(ctx, rctx, orderID); err != nil {
		return 0, err
	}
	return s.cancellation.CancelOrder(ctx, rctx, orderID)
}
