// Package core defines the domain model and the interfaces that connect the
// split-order pipeline: store, broker adapter, and logger.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the trade direction of an order and its slices.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// QueueStatus is the splitting-queue state of a parent order.
type QueueStatus string

const (
	QueuePending    QueueStatus = "PENDING"
	QueueInProgress QueueStatus = "IN_PROGRESS"
	QueueCompleted  QueueStatus = "COMPLETED"
	QueueFailed     QueueStatus = "FAILED"
	QueueSkipped    QueueStatus = "SKIPPED"
)

// SliceStatus is the lifecycle state of one child slice.
type SliceStatus string

const (
	SlicePending   SliceStatus = "PENDING"
	SliceExecuting SliceStatus = "EXECUTING"
	SliceCompleted SliceStatus = "COMPLETED"
	SliceCancelled SliceStatus = "CANCELLED"
	SliceSkipped   SliceStatus = "SKIPPED"
)

// OrderType is the broker order type of a slice.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// ExecutionStatus is the state of one execution attempt.
// Transitions: CLAIMED -> PLACED -> COMPLETED, or CLAIMED/PLACED -> SKIPPED.
type ExecutionStatus string

const (
	ExecutionClaimed   ExecutionStatus = "CLAIMED"
	ExecutionPlaced    ExecutionStatus = "PLACED"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionSkipped   ExecutionStatus = "SKIPPED"
)

// BrokerOrderStatus is the order state reported by the broker.
type BrokerOrderStatus string

const (
	BrokerStatusPending         BrokerOrderStatus = "PENDING"
	BrokerStatusOpen            BrokerOrderStatus = "OPEN"
	BrokerStatusPartiallyFilled BrokerOrderStatus = "PARTIALLY_FILLED"
	BrokerStatusComplete        BrokerOrderStatus = "COMPLETE"
	BrokerStatusCancelled       BrokerOrderStatus = "CANCELLED"
	BrokerStatusRejected        BrokerOrderStatus = "REJECTED"
	BrokerStatusExpired         BrokerOrderStatus = "EXPIRED"
)

// IsTerminal reports whether the broker status ends the monitoring loop.
func (s BrokerOrderStatus) IsTerminal() bool {
	switch s {
	case BrokerStatusComplete, BrokerStatusCancelled, BrokerStatusRejected, BrokerStatusExpired:
		return true
	}
	return false
}

// ExecutionResult is the terminal outcome of an execution.
type ExecutionResult string

const (
	ResultSuccess          ExecutionResult = "SUCCESS"
	ResultPartialSuccess   ExecutionResult = "PARTIAL_SUCCESS"
	ResultBrokerRejected   ExecutionResult = "BROKER_REJECTED"
	ResultValidationFailed ExecutionResult = "VALIDATION_FAILED"
	ResultExecutorTimeout  ExecutionResult = "EXECUTOR_TIMEOUT"
)

// EventType classifies one wire interaction with the broker.
type EventType string

const (
	EventPlaceOrder    EventType = "PLACE_ORDER"
	EventStatusPoll    EventType = "STATUS_POLL"
	EventCancelRequest EventType = "CANCEL_REQUEST"
)

// Order is the parent trading intent, before splitting.
type Order struct {
	ID              string
	Instrument      string
	Side            Side
	TotalQuantity   int
	NumSplits       int
	DurationMinutes int
	Randomize       bool
	OrderUniqueKey  string

	QueueStatus      QueueStatus
	QueueSkipReason  string
	SplitCompletedAt *time.Time

	// Origin tracing quadruple, inherited by slices.
	OriginTraceID       string
	OriginTraceSource   string
	OriginRequestID     string
	OriginRequestSource string
	RequestID           string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderSlice is one child in the time-staggered plan.
type OrderSlice struct {
	ID             string
	OrderID        string
	Instrument     string
	Side           Side
	Quantity       int
	SequenceNumber int
	Status         SliceStatus
	ScheduledAt    time.Time

	OrderType   OrderType
	LimitPrice  decimal.NullDecimal
	ProductType string
	Validity    string

	FilledQuantity int
	AveragePrice   decimal.NullDecimal

	RequestID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Execution is a single attempt by one worker to drive one slice through the
// broker. UNIQUE(slice_id) guarantees at most one per slice.
type Execution struct {
	ID      string
	SliceID string

	AttemptID         string
	ExecutorID        string
	ExecutorClaimedAt time.Time
	ExecutorTimeoutAt time.Time
	LastHeartbeatAt   time.Time

	ExecutionStatus   ExecutionStatus
	BrokerOrderID     string
	BrokerOrderStatus BrokerOrderStatus

	FilledQuantity  int
	AveragePrice    decimal.NullDecimal
	ExecutionResult ExecutionResult

	PlacementAttempts int
	LastAttemptAt     *time.Time
	LastAttemptError  string

	ValidationStartedAt  *time.Time
	PlacementConfirmedAt *time.Time
	LastBrokerPollAt     *time.Time
	CompletedAt          *time.Time

	ErrorCode    string
	ErrorMessage string

	RequestID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BrokerEvent is an append-only audit record of one wire call.
type BrokerEvent struct {
	ID          string
	ExecutionID string
	SliceID     string

	EventSequence  int
	EventType      EventType
	EventTimestamp time.Time
	AttemptNumber  int

	AttemptID  string
	ExecutorID string

	BrokerName    string
	BrokerOrderID string

	RequestMethod   string
	RequestEndpoint string
	RequestPayload  []byte

	ResponseStatusCode int
	ResponseBody       []byte
	ResponseTimeMs     int

	BrokerStatus    BrokerOrderStatus
	BrokerMessage   string
	FilledQuantity  int
	PendingQuantity int
	AveragePrice    decimal.NullDecimal

	IsSuccess    bool
	ErrorCode    string
	ErrorMessage string

	RequestID string

	CreatedAt time.Time
}

// Claim pairs a slice with the execution row that leases it to one worker.
type Claim struct {
	Slice     *OrderSlice
	Execution *Execution
}

// BrokerRequest is the adapter-level order placement request.
type BrokerRequest struct {
	Instrument  string
	Side        Side
	Quantity    int
	OrderType   OrderType
	LimitPrice  decimal.NullDecimal
	ProductType string
	Validity    string
}

// BrokerResponse is the adapter-level view of a broker order, shared by
// place, poll, and cancel.
type BrokerResponse struct {
	BrokerOrderID   string
	Status          BrokerOrderStatus
	FilledQuantity  int
	PendingQuantity int
	AveragePrice    decimal.NullDecimal
	Message         string
}

// ExecutionFinal carries the terminal state written by FinalizeExecution.
type ExecutionFinal struct {
	Result            ExecutionResult
	BrokerOrderStatus BrokerOrderStatus
	FilledQuantity    int
	AveragePrice      decimal.NullDecimal
	ErrorCode         string
	ErrorMessage      string
}
