// Package broker implements the live Zerodha Kite Connect adapter.
//
// API reference: https://kite.trade/docs/connect/v3/
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pulse/internal/core"
	"pulse/pkg/apperrors"
	"pulse/pkg/reqctx"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	kiteBaseURL    = "https://api.kite.trade"
	kiteAPIVersion = "3"

	// Kite Connect allows 10 requests/second per app.
	kiteRateLimit = 10
)

// KiteBroker places and monitors orders through the Kite Connect REST API.
type KiteBroker struct {
	apiKey      string
	accessToken string
	baseURL     string
	client      *http.Client
	limiter     *rate.Limiter
	logger      core.ILogger
}

// NewKiteBroker creates a live Zerodha adapter.
func NewKiteBroker(apiKey, accessToken string, logger core.ILogger) *KiteBroker {
	return &KiteBroker{
		apiKey:      apiKey,
		accessToken: accessToken,
		baseURL:     kiteBaseURL,
		client:      &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(kiteRateLimit), kiteRateLimit),
		logger:      logger.WithField("component", "kite_broker"),
	}
}

func (k *KiteBroker) GetName() string {
	return "zerodha"
}

// CheckHealth verifies credentials against the user profile endpoint.
func (k *KiteBroker) CheckHealth(ctx context.Context) error {
	_, _, err := k.do(ctx, http.MethodGet, "/user/profile", nil)
	return err
}

// kiteEnvelope is the common Kite response wrapper.
type kiteEnvelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

type kiteOrder struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	StatusMessage   string  `json:"status_message"`
	FilledQuantity  int     `json:"filled_quantity"`
	PendingQuantity int     `json:"pending_quantity"`
	AveragePrice    float64 `json:"average_price"`
}

// PlaceOrder submits a regular-variety order.
func (k *KiteBroker) PlaceOrder(ctx context.Context, rctx reqctx.Context, req *core.BrokerRequest) (*core.BrokerResponse, error) {
	exchange, symbol, err := splitInstrument(req.Instrument)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("exchange", exchange)
	form.Set("tradingsymbol", symbol)
	form.Set("transaction_type", string(req.Side))
	form.Set("quantity", fmt.Sprintf("%d", req.Quantity))
	form.Set("order_type", string(req.OrderType))
	form.Set("product", req.ProductType)
	form.Set("validity", req.Validity)
	if req.OrderType == core.OrderTypeLimit && req.LimitPrice.Valid {
		form.Set("price", req.LimitPrice.Decimal.String())
	}

	k.logger.Info("Placing order with Zerodha",
		append(rctx.Fields(),
			"instrument", req.Instrument,
			"side", req.Side,
			"quantity", req.Quantity,
			"order_type", req.OrderType)...)

	env, _, err := k.do(ctx, http.MethodPost, "/orders/regular", form)
	if err != nil {
		return nil, err
	}

	var placed struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(env.Data, &placed); err != nil {
		return nil, fmt.Errorf("failed to decode place response: %w", err)
	}

	// Placement only returns the ID; fetch the current state right away.
	resp, err := k.GetOrderStatus(ctx, rctx, placed.OrderID)
	if err != nil {
		// The order exists even if the follow-up poll failed.
		return &core.BrokerResponse{
			BrokerOrderID: placed.OrderID,
			Status:        core.BrokerStatusPending,
			Message:       "Order placed, initial status unavailable",
		}, nil
	}
	return resp, nil
}

// GetOrderStatus returns the latest state from the order history.
func (k *KiteBroker) GetOrderStatus(ctx context.Context, rctx reqctx.Context, brokerOrderID string) (*core.BrokerResponse, error) {
	env, _, err := k.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(brokerOrderID), nil)
	if err != nil {
		return nil, err
	}

	var history []kiteOrder
	if err := json.Unmarshal(env.Data, &history); err != nil {
		return nil, fmt.Errorf("failed to decode order history: %w", err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("empty order history for %s", brokerOrderID)
	}

	latest := history[len(history)-1]
	return toResponse(brokerOrderID, latest), nil
}

// CancelOrder cancels a regular-variety order. Cancelling an already-terminal
// order returns its terminal state rather than an error.
func (k *KiteBroker) CancelOrder(ctx context.Context, rctx reqctx.Context, brokerOrderID string) (*core.BrokerResponse, error) {
	k.logger.Info("Cancelling order with Zerodha", append(rctx.Fields(), "broker_order_id", brokerOrderID)...)

	_, status, err := k.do(ctx, http.MethodDelete, "/orders/regular/"+url.PathEscape(brokerOrderID), nil)
	if err != nil {
		if status >= 400 && status < 500 {
			// Likely already terminal; report the actual state.
			return k.GetOrderStatus(ctx, rctx, brokerOrderID)
		}
		return nil, err
	}

	return k.GetOrderStatus(ctx, rctx, brokerOrderID)
}

// do executes one rate-limited API call and unwraps the Kite envelope.
func (k *KiteBroker) do(ctx context.Context, method, path string, form url.Values) (*kiteEnvelope, int, error) {
	if err := k.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, k.baseURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("X-Kite-Version", kiteAPIVersion)
	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", k.apiKey, k.accessToken))
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: reading response: %v", apperrors.ErrNetwork, err)
	}

	var env kiteEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode broker response (%d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= 500 {
		return nil, resp.StatusCode, fmt.Errorf("%w: broker returned %d: %s", apperrors.ErrNetwork, resp.StatusCode, env.Message)
	}
	if resp.StatusCode >= 400 || env.Status != "success" {
		return nil, resp.StatusCode, fmt.Errorf("%w: %s: %s", apperrors.ErrBrokerRejected, env.ErrorType, env.Message)
	}
	return &env, resp.StatusCode, nil
}

func toResponse(brokerOrderID string, o kiteOrder) *core.BrokerResponse {
	var avg decimal.NullDecimal
	if o.AveragePrice > 0 {
		avg = decimal.NewNullDecimal(decimal.NewFromFloat(o.AveragePrice))
	}
	return &core.BrokerResponse{
		BrokerOrderID:   brokerOrderID,
		Status:          mapKiteStatus(o.Status),
		FilledQuantity:  o.FilledQuantity,
		PendingQuantity: o.PendingQuantity,
		AveragePrice:    avg,
		Message:         o.StatusMessage,
	}
}

// mapKiteStatus translates Kite order states to the domain enum.
func mapKiteStatus(s string) core.BrokerOrderStatus {
	switch strings.ToUpper(s) {
	case "COMPLETE":
		return core.BrokerStatusComplete
	case "OPEN", "TRIGGER PENDING":
		return core.BrokerStatusOpen
	case "CANCELLED", "CANCELLED AMO":
		return core.BrokerStatusCancelled
	case "REJECTED":
		return core.BrokerStatusRejected
	case "EXPIRED":
		return core.BrokerStatusExpired
	default:
		return core.BrokerStatusPending
	}
}

func splitInstrument(instrument string) (exchange, symbol string, err error) {
	parts := strings.SplitN(instrument, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: instrument %q must be EXCHANGE:SYMBOL", apperrors.ErrValidation, instrument)
	}
	return parts[0], parts[1], nil
}
