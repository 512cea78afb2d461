package httpserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/calderane/orderflow/internal/engine"
	"github.com/calderane/orderflow/internal/hub"
	"github.com/calderane/orderflow/internal/observability"
	"github.com/calderane/orderflow/internal/schema"
	"github.com/calderane/orderflow/internal/store"
	"github.com/calderane/orderflow/internal/strategy"
)

type fixture struct {
	server  *httptest.Server
	records *store.MemoryStore
	engine  *engine.Engine
}

func newFixture(t *testing.T, strat strategy.ExecutionStrategy) fixture {
	t.Helper()
	records := store.NewMemoryStore()
	statuses := hub.New(hub.Config{BufferSize: 64}, func(ctx context.Context, id string) (schema.StatusUpdate, error) {
		order, err := records.Get(ctx, id)
		if err != nil {
			return schema.StatusUpdate{}, err
		}
		return order.Snapshot(), nil
	})
	eng, err := engine.New(engine.Config{
		MaxConcurrentOrders: 4,
		OrderRateLimit:      1000,
		OrderBurst:          100,
		RetryMaxAttempts:    2,
		RetryBackoff:        10 * time.Millisecond,
	}, records, strat, statuses)
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}

	handler := NewHandler(records, eng, statuses, observability.NewStdLogger(nil, false))
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
		statuses.Close()
	})
	return fixture{server: srv, records: records, engine: eng}
}

func fillStrategy() strategy.ExecutionStrategy {
	return strategy.Func(func(ctx context.Context, order *schema.Order) (strategy.Outcome, error) {
		return strategy.Outcome{
			Filled:              true,
			Route:               "test:USDT/BTC",
			ExecutedPrice:       decimal.NewFromInt(50000),
			SettlementReference: "stl-1",
		}, nil
	})
}

func postOrder(t *testing.T, fx fixture, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(fx.server.URL+"/orders", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /orders: %v", err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

const validOrderBody = `{
	"kind": "market_buy",
	"input_asset": "usdt",
	"output_asset": "btc",
	"input_amount": "250.5",
	"max_slippage": "0.01"
}`

func TestCreateOrderAccepted(t *testing.T) {
	fx := newFixture(t, fillStrategy())

	resp := postOrder(t, fx, validOrderBody)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	update := decodeBody[schema.StatusUpdate](t, resp)
	if update.OrderID == "" {
		t.Fatal("response missing order id")
	}
	if update.Status != schema.OrderStatusPending {
		t.Fatalf("status = %s, want PENDING", update.Status)
	}

	stored, err := fx.records.Get(context.Background(), update.OrderID)
	if err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if stored.InputAsset != "USDT" || stored.OutputAsset != "BTC" {
		t.Fatalf("assets not normalised: %+v", stored)
	}
}

func TestCreateOrderRejectsMalformedBody(t *testing.T) {
	fx := newFixture(t, fillStrategy())

	resp := postOrder(t, fx, `{"kind": `)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestCreateOrderRejectsInvalidFields(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"same assets", `{"kind":"market_buy","input_asset":"BTC","output_asset":"BTC","input_amount":"1","max_slippage":"0.01"}`},
		{"zero amount", `{"kind":"market_buy","input_asset":"USDT","output_asset":"BTC","input_amount":"0","max_slippage":"0.01"}`},
		{"bad amount", `{"kind":"market_buy","input_asset":"USDT","output_asset":"BTC","input_amount":"lots","max_slippage":"0.01"}`},
		{"bad kind", `{"kind":"limit_buy","input_asset":"USDT","output_asset":"BTC","input_amount":"1","max_slippage":"0.01"}`},
		{"slippage above ceiling", `{"kind":"market_buy","input_asset":"USDT","output_asset":"BTC","input_amount":"1","max_slippage":"0.75"}`},
	}
	fx := newFixture(t, fillStrategy())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postOrder(t, fx, tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			_ = resp.Body.Close()
		})
	}
}

func TestGetOrder(t *testing.T) {
	fx := newFixture(t, fillStrategy())

	resp := postOrder(t, fx, validOrderBody)
	created := decodeBody[schema.StatusUpdate](t, resp)

	getResp, err := http.Get(fx.server.URL + "/orders/" + created.OrderID)
	if err != nil {
		t.Fatalf("GET /orders/{id}: %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", getResp.StatusCode)
	}
	order := decodeBody[schema.Order](t, getResp)
	if order.ID != created.OrderID {
		t.Fatalf("order id = %s, want %s", order.ID, created.OrderID)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	fx := newFixture(t, fillStrategy())

	resp, err := http.Get(fx.server.URL + "/orders/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newFixture(t, fillStrategy())

	resp, err := http.Get(fx.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	metrics := decodeBody[engine.Metrics](t, resp)
	if metrics.Completed != 0 || metrics.Failed != 0 {
		t.Fatalf("fresh engine metrics = %+v", metrics)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	fx := newFixture(t, fillStrategy())

	resp, err := http.Get(fx.server.URL + "/orders")
	if err != nil {
		t.Fatalf("GET /orders: %v", err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); !strings.Contains(allow, http.MethodPost) {
		t.Fatalf("Allow header = %q", allow)
	}
	_ = resp.Body.Close()
}

func TestStreamDeliversTransitionsUntilTerminal(t *testing.T) {
	fx := newFixture(t, fillStrategy())

	resp := postOrder(t, fx, validOrderBody)
	created := decodeBody[schema.StatusUpdate](t, resp)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/orders/" + created.OrderID + "/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	var statuses []schema.OrderStatus
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			t.Fatalf("websocket read: %v (seen %v)", err, statuses)
		}
		var update schema.StatusUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			t.Fatalf("unmarshal update: %v", err)
		}
		statuses = append(statuses, update.Status)
		if update.Status.Terminal() {
			break
		}
	}

	if len(statuses) == 0 {
		t.Fatal("no status updates received")
	}
	last := statuses[len(statuses)-1]
	if last != schema.OrderStatusCompleted {
		t.Fatalf("final status = %s, want COMPLETED (stream: %v)", last, statuses)
	}
	for _, status := range statuses[:len(statuses)-1] {
		if status.Terminal() {
			t.Fatalf("terminal status mid-stream: %v", statuses)
		}
	}
}

func TestStreamUnknownOrderRejected(t *testing.T) {
	fx := newFixture(t, fillStrategy())

	resp, err := http.Get(fx.server.URL + "/orders/nope/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	_ = resp.Body.Close()
}
