// Package mock provides deterministic in-process implementations of the
// broker adapter and the store, used for development and tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pulse/internal/core"
	"pulse/pkg/apperrors"
	"pulse/pkg/ids"
	"pulse/pkg/reqctx"

	"github.com/shopspring/decimal"
)

// Mock fill prices. Market orders fill at the reference price; limit orders
// half-fill slightly below it on the first poll and complete on the third.
var (
	mockMarketPrice   = decimal.NewNullDecimal(decimal.RequireFromString("1250.00"))
	mockPartialPrice  = decimal.NewNullDecimal(decimal.RequireFromString("1249.80"))
	mockCompletePrice = decimal.NewNullDecimal(decimal.RequireFromString("1249.75"))
)

// Scenario names accepted by the mock broker.
const (
	ScenarioSuccess      = "success"
	ScenarioPartialFill  = "partial_fill"
	ScenarioRejection    = "rejection"
	ScenarioNetworkError = "network_error"
	ScenarioTimeout      = "timeout"
)

type mockOrderState struct {
	status          core.BrokerOrderStatus
	filledQuantity  int
	pendingQuantity int
	averagePrice    decimal.NullDecimal
	pollCount       int
	targetQuantity  int
	progresses      bool
}

// Broker is a deterministic broker adapter. Behavior is keyed by scenario:
//
//	success:       market orders fill immediately; limit orders half-fill on
//	               the first poll and complete on the third
//	partial_fill:  orders half-fill at placement and never progress
//	rejection:     placement fails with a broker rejection
//	network_error: placement fails with a network error
//	timeout:       limit orders stay open and never fill
type Broker struct {
	scenario string
	logger   core.ILogger

	mu     sync.Mutex
	orders map[string]*mockOrderState
}

// NewBroker creates a mock broker for the given scenario.
func NewBroker(scenario string, logger core.ILogger) *Broker {
	if scenario == "" {
		scenario = ScenarioSuccess
	}
	return &Broker{
		scenario: scenario,
		logger:   logger.WithField("component", "mock_broker"),
		orders:   make(map[string]*mockOrderState),
	}
}

func (b *Broker) GetName() string {
	return "zerodha-mock"
}

func (b *Broker) CheckHealth(ctx context.Context) error {
	return nil
}

// PlaceOrder simulates order placement.
func (b *Broker) PlaceOrder(ctx context.Context, rctx reqctx.Context, req *core.BrokerRequest) (*core.BrokerResponse, error) {
	b.logger.Info("Placing order (mock)",
		append(rctx.Fields(),
			"instrument", req.Instrument,
			"side", req.Side,
			"quantity", req.Quantity,
			"order_type", req.OrderType,
			"scenario", b.scenario)...)

	switch b.scenario {
	case ScenarioRejection:
		return nil, fmt.Errorf("%w: INSUFFICIENT_FUNDS: Insufficient funds in account", apperrors.ErrBrokerRejected)
	case ScenarioNetworkError:
		return nil, fmt.Errorf("%w: NETWORK_TIMEOUT: Connection timeout after 30 seconds", apperrors.ErrNetwork)
	}

	brokerOrderID := fmt.Sprintf("ZH%s%s", time.Now().UTC().Format("060102"), ids.NewHex(8))

	b.mu.Lock()
	defer b.mu.Unlock()

	var state *mockOrderState
	switch {
	case b.scenario == ScenarioPartialFill:
		// Half-fills at placement and stays there.
		filled := req.Quantity / 2
		state = &mockOrderState{
			status:          core.BrokerStatusOpen,
			filledQuantity:  filled,
			pendingQuantity: req.Quantity - filled,
			averagePrice:    mockMarketPrice,
		}
	case req.OrderType == core.OrderTypeMarket:
		state = &mockOrderState{
			status:          core.BrokerStatusComplete,
			filledQuantity:  req.Quantity,
			pendingQuantity: 0,
			averagePrice:    mockMarketPrice,
		}
	default:
		// Limit orders open unfilled; polls move them forward unless the
		// timeout scenario pins them open.
		state = &mockOrderState{
			status:          core.BrokerStatusOpen,
			filledQuantity:  0,
			pendingQuantity: req.Quantity,
			targetQuantity:  req.Quantity,
			progresses:      b.scenario != ScenarioTimeout,
		}
	}
	b.orders[brokerOrderID] = state

	return &core.BrokerResponse{
		BrokerOrderID:   brokerOrderID,
		Status:          state.status,
		FilledQuantity:  state.filledQuantity,
		PendingQuantity: state.pendingQuantity,
		AveragePrice:    state.averagePrice,
		Message:         "Order placed successfully",
	}, nil
}

// GetOrderStatus simulates a status poll, advancing the order state.
func (b *Broker) GetOrderStatus(ctx context.Context, rctx reqctx.Context, brokerOrderID string) (*core.BrokerResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.orders[brokerOrderID]
	if !ok {
		// Unknown orders report as filled.
		return &core.BrokerResponse{
			BrokerOrderID:   brokerOrderID,
			Status:          core.BrokerStatusComplete,
			FilledQuantity:  100,
			PendingQuantity: 0,
			AveragePrice:    mockMarketPrice,
			Message:         "Order status retrieved",
		}, nil
	}

	state.pollCount++
	if state.status == core.BrokerStatusOpen && state.progresses {
		switch {
		case state.pollCount >= 3:
			state.status = core.BrokerStatusComplete
			state.filledQuantity = state.targetQuantity
			state.pendingQuantity = 0
			state.averagePrice = mockCompletePrice
		case state.pollCount == 1:
			state.filledQuantity = state.targetQuantity / 2
			state.pendingQuantity = state.targetQuantity - state.filledQuantity
			state.averagePrice = mockPartialPrice
		}
	}

	return &core.BrokerResponse{
		BrokerOrderID:   brokerOrderID,
		Status:          state.status,
		FilledQuantity:  state.filledQuantity,
		PendingQuantity: state.pendingQuantity,
		AveragePrice:    state.averagePrice,
		Message:         "Order status retrieved",
	}, nil
}

// CancelOrder simulates cancellation. Already-terminal orders keep their
// state, which makes repeated cancels safe.
func (b *Broker) CancelOrder(ctx context.Context, rctx reqctx.Context, brokerOrderID string) (*core.BrokerResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.orders[brokerOrderID]
	if ok && !state.status.IsTerminal() {
		state.status = core.BrokerStatusCancelled
		state.pendingQuantity = 0
	}

	resp := &core.BrokerResponse{
		BrokerOrderID: brokerOrderID,
		Status:        core.BrokerStatusCancelled,
		Message:       "Order cancelled successfully",
	}
	if ok {
		resp.Status = state.status
		resp.FilledQuantity = state.filledQuantity
		resp.PendingQuantity = state.pendingQuantity
		resp.AveragePrice = state.averagePrice
	}
	return resp, nil
}
