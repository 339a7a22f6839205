package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/core"
	"pulse/internal/mock"
	"pulse/pkg/apperrors"
	"pulse/pkg/reqctx"
)

func newTestKite(t *testing.T, handler http.HandlerFunc) *KiteBroker {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	k := NewKiteBroker("api-key", "access-token", mock.NewLogger())
	k.baseURL = srv.URL
	return k
}

func kiteOK(data interface{}) []byte {
	out, _ := json.Marshal(map[string]interface{}{"status": "success", "data": data})
	return out
}

func TestPlaceOrderFormatsRequestAndPolls(t *testing.T) {
	var placeForm map[string]string

	k := newTestKite(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.Header.Get("X-Kite-Version"))
		assert.Equal(t, "token api-key:access-token", r.Header.Get("Authorization"))

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/orders/regular":
			require.NoError(t, r.ParseForm())
			placeForm = map[string]string{}
			for key := range r.PostForm {
				placeForm[key] = r.PostForm.Get(key)
			}
			_, _ = w.Write(kiteOK(map[string]string{"order_id": "240824000001"}))
		case r.Method == http.MethodGet && r.URL.Path == "/orders/240824000001":
			_, _ = w.Write(kiteOK([]map[string]interface{}{
				{"order_id": "240824000001", "status": "OPEN", "filled_quantity": 0, "pending_quantity": 25},
				{"order_id": "240824000001", "status": "COMPLETE", "filled_quantity": 25, "pending_quantity": 0, "average_price": 1250.50},
			}))
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	resp, err := k.PlaceOrder(context.Background(), reqctx.NewWorker("test"), &core.BrokerRequest{
		Instrument:  "NSE:RELIANCE",
		Side:        core.SideBuy,
		Quantity:    25,
		OrderType:   core.OrderTypeLimit,
		LimitPrice:  decimal.NewNullDecimal(decimal.RequireFromString("1250.50")),
		ProductType: "CNC",
		Validity:    "DAY",
	})
	require.NoError(t, err)

	assert.Equal(t, "NSE", placeForm["exchange"])
	assert.Equal(t, "RELIANCE", placeForm["tradingsymbol"])
	assert.Equal(t, "BUY", placeForm["transaction_type"])
	assert.Equal(t, "25", placeForm["quantity"])
	assert.Equal(t, "LIMIT", placeForm["order_type"])
	assert.Equal(t, "1250.5", placeForm["price"])

	// The latest history entry wins.
	assert.Equal(t, "240824000001", resp.BrokerOrderID)
	assert.Equal(t, core.BrokerStatusComplete, resp.Status)
	assert.Equal(t, 25, resp.FilledQuantity)
	assert.True(t, resp.AveragePrice.Valid)
}

func TestPlaceOrderRejectionIsNotNetwork(t *testing.T) {
	k := newTestKite(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","error_type":"InputException","message":"Insufficient funds"}`))
	})

	_, err := k.PlaceOrder(context.Background(), reqctx.NewWorker("test"), &core.BrokerRequest{
		Instrument: "NSE:RELIANCE",
		Side:       core.SideBuy,
		Quantity:   25,
		OrderType:  core.OrderTypeMarket,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBrokerRejected)
	assert.False(t, apperrors.IsNetwork(err))
	assert.Contains(t, err.Error(), "Insufficient funds")
}

func TestServerErrorIsNetworkShaped(t *testing.T) {
	k := newTestKite(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"status":"error","message":"Gateway timeout"}`))
	})

	err := k.CheckHealth(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsNetwork(err))
}

func TestCancelAlreadyTerminalReportsState(t *testing.T) {
	k := newTestKite(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"status":"error","error_type":"OrderException","message":"Order already completed"}`))
		case http.MethodGet:
			_, _ = w.Write(kiteOK([]map[string]interface{}{
				{"order_id": "240824000002", "status": "COMPLETE", "filled_quantity": 10, "average_price": 1250.00},
			}))
		}
	})

	resp, err := k.CancelOrder(context.Background(), reqctx.NewWorker("test"), "240824000002")
	require.NoError(t, err)
	assert.Equal(t, core.BrokerStatusComplete, resp.Status)
	assert.Equal(t, 10, resp.FilledQuantity)
}

func TestInstrumentValidation(t *testing.T) {
	k := NewKiteBroker("k", "t", mock.NewLogger())

	_, err := k.PlaceOrder(context.Background(), reqctx.NewWorker("test"), &core.BrokerRequest{
		Instrument: "RELIANCE",
		Side:       core.SideBuy,
		Quantity:   1,
		OrderType:  core.OrderTypeMarket,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestMapKiteStatus(t *testing.T) {
	cases := map[string]core.BrokerOrderStatus{
		"COMPLETE":               core.BrokerStatusComplete,
		"OPEN":                   core.BrokerStatusOpen,
		"TRIGGER PENDING":        core.BrokerStatusOpen,
		"CANCELLED":              core.BrokerStatusCancelled,
		"REJECTED":               core.BrokerStatusRejected,
		"EXPIRED":                core.BrokerStatusExpired,
		"PUT ORDER REQ RECEIVED": core.BrokerStatusPending,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapKiteStatus(in), in)
	}
}
