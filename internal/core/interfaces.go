package core

import (
	"context"
	"time"

	"pulse/pkg/reqctx"
)

// ILogger is the structured logger used across the system. Fields are
// variadic key/value pairs.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IBroker is the contract over an external order router. Implementations must
// make poll and cancel idempotent: repeated calls with the same broker order
// ID are safe. Any operation may fail; callers classify via pkg/apperrors.
type IBroker interface {
	GetName() string
	CheckHealth(ctx context.Context) error

	PlaceOrder(ctx context.Context, rctx reqctx.Context, req *BrokerRequest) (*BrokerResponse, error)
	GetOrderStatus(ctx context.Context, rctx reqctx.Context, brokerOrderID string) (*BrokerResponse, error)
	CancelOrder(ctx context.Context, rctx reqctx.Context, brokerOrderID string) (*BrokerResponse, error)
}

// IStore is the transactional persistence layer. All coordination between
// workers goes through it: pessimistic row locks during claims, and the
// UNIQUE(slice_id) interlock on executions.
type IStore interface {
	// Orders.
	CreateOrder(ctx context.Context, rctx reqctx.Context, order *Order) error
	GetOrder(ctx context.Context, rctx reqctx.Context, orderID string) (*Order, error)
	GetOrderByUniqueKey(ctx context.Context, rctx reqctx.Context, uniqueKey string) (*Order, error)
	ListPendingOrders(ctx context.Context, rctx reqctx.Context, limit int) ([]*Order, error)
	MarkOrderFailed(ctx context.Context, rctx reqctx.Context, orderID, skipReason string) error

	// SplitOrder runs the transactional slice materialization for one
	// PENDING order: lock the row (skipping rows locked by peers), move it
	// to IN_PROGRESS, insert the slices produced by plan, and mark the
	// order COMPLETED. If the order is gone or locked, it returns
	// (false, nil). Any error rolls the whole transaction back.
	SplitOrder(ctx context.Context, rctx reqctx.Context, orderID string,
		plan func(order *Order) ([]*OrderSlice, error)) (bool, error)

	// Slices.
	GetSlice(ctx context.Context, rctx reqctx.Context, sliceID string) (*OrderSlice, error)
	ListSlicesByOrder(ctx context.Context, rctx reqctx.Context, orderID string) ([]*OrderSlice, error)
	ListCancellableSlices(ctx context.Context, rctx reqctx.Context, orderID string) ([]*OrderSlice, error)
	SkipSlice(ctx context.Context, rctx reqctx.Context, sliceID string) error

	// ClaimDueSlices atomically leases up to limit due PENDING slices to
	// executorID: each claimed slice moves to EXECUTING and gains an
	// execution row in CLAIMED with executor_timeout_at = now + lease.
	// Slices already claimed by a racing worker are skipped.
	ClaimDueSlices(ctx context.Context, rctx reqctx.Context, executorID string,
		limit int, lease time.Duration) ([]*Claim, error)

	// Executions.
	GetExecution(ctx context.Context, rctx reqctx.Context, executionID string) (*Execution, error)
	GetExecutionBySlice(ctx context.Context, rctx reqctx.Context, sliceID string) (*Execution, error)

	// VerifyAndExtendLease re-checks ownership and heartbeats in one
	// statement: it extends the lease only when the execution still belongs
	// to executorID, has not timed out, and is non-terminal. It returns
	// apperrors.ErrOwnershipLost otherwise.
	VerifyAndExtendLease(ctx context.Context, rctx reqctx.Context,
		executionID, executorID string, lease time.Duration) error

	MarkExecutionPlaced(ctx context.Context, rctx reqctx.Context, executionID string, resp *BrokerResponse) error
	UpdateExecutionBrokerState(ctx context.Context, rctx reqctx.Context, executionID string, resp *BrokerResponse) error
	RecordPlacementAttempt(ctx context.Context, rctx reqctx.Context, executionID string, attempts int, lastError string) error

	// FinalizeExecution writes the terminal state: execution COMPLETED with
	// the result and error fields, slice COMPLETED with the final fill.
	// It is a no-op for executions already terminal, which makes the
	// Timeout Monitor idempotent.
	FinalizeExecution(ctx context.Context, rctx reqctx.Context, executionID string, fin ExecutionFinal) error

	// SkipExecution moves a non-terminal execution to SKIPPED (cancellation
	// path).
	SkipExecution(ctx context.Context, rctx reqctx.Context, executionID string) error

	// ListExpiredExecutions returns executions still in CLAIMED or PLACED
	// whose executor_timeout_at has passed, oldest lease first.
	ListExpiredExecutions(ctx context.Context, rctx reqctx.Context) ([]*Execution, error)

	// Broker events. AppendBrokerEvent assigns event_sequence monotonically
	// per execution at insert time.
	AppendBrokerEvent(ctx context.Context, rctx reqctx.Context, event *BrokerEvent) error
	ListBrokerEvents(ctx context.Context, rctx reqctx.Context, executionID string) ([]*BrokerEvent, error)
}
